package stage

import (
	"fmt"
	"sync"
)

// topologyMu serializes every link mutation so two concurrent AddDownstream
// calls cannot close a cycle that neither of them sees alone.
var topologyMu sync.Mutex

// AddDownstream registers d to receive every batch this stage forwards.
// The stage does not own d; the caller keeps both alive while linked.
//
// Returns:
//   - ErrInvalidArgument if d is nil or already registered
//   - ErrCycle if d is this stage or already reaches it
func (s *Stage[T]) AddDownstream(d *Stage[T]) error {
	if d == nil {
		return fmt.Errorf("%w: nil downstream stage", ErrInvalidArgument)
	}
	if d == s {
		return fmt.Errorf("%w: %s -> %s", ErrCycle, s.name, d.name)
	}

	topologyMu.Lock()
	defer topologyMu.Unlock()

	if s.hasDownstream(d) {
		return fmt.Errorf("%w: %s is already downstream of %s", ErrInvalidArgument, d.name, s.name)
	}
	if d.reaches(s) {
		return fmt.Errorf("%w: %s -> %s", ErrCycle, s.name, d.name)
	}

	s.linkMu.Lock()
	s.next = append(s.next, d)
	s.linkMu.Unlock()

	s.conf.logger.Debug("downstream added", F("stage", s.name), F("downstream", d.name))
	return nil
}

// RemoveDownstream unregisters d. It reports whether d was registered.
func (s *Stage[T]) RemoveDownstream(d *Stage[T]) bool {
	topologyMu.Lock()
	defer topologyMu.Unlock()

	s.linkMu.Lock()
	defer s.linkMu.Unlock()

	for i, n := range s.next {
		if n == d {
			s.next = append(s.next[:i:i], s.next[i+1:]...)
			return true
		}
	}
	return false
}

// Downstream returns a snapshot of the registered downstream stages in
// registration order.
func (s *Stage[T]) Downstream() []*Stage[T] {
	s.linkMu.RLock()
	defer s.linkMu.RUnlock()
	return append([]*Stage[T](nil), s.next...)
}

func (s *Stage[T]) hasDownstream(d *Stage[T]) bool {
	s.linkMu.RLock()
	defer s.linkMu.RUnlock()

	for _, n := range s.next {
		if n == d {
			return true
		}
	}
	return false
}

// reaches reports whether target is reachable from s by following
// downstream links.
func (s *Stage[T]) reaches(target *Stage[T]) bool {
	visited := map[*Stage[T]]struct{}{s: {}}
	stack := []*Stage[T]{s}

	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if cur == target {
			return true
		}
		for _, n := range cur.Downstream() {
			if _, seen := visited[n]; !seen {
				visited[n] = struct{}{}
				stack = append(stack, n)
			}
		}
	}
	return false
}
