// Package cpu binds stage workers to dedicated OS threads, optionally pinned
// to a single core.
package cpu

import "runtime"

// Core maps an arbitrary worker slot onto [0, NumCPU).
func Core(slot int) int {
	n := runtime.NumCPU()
	slot %= n
	if slot < 0 {
		slot += n
	}
	return slot
}
