//go:build linux

package cpu

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// Pin locks the calling goroutine to its OS thread and restricts that thread
// to core slot%NumCPU. The returned release func unlocks the thread; on error
// the thread is already unlocked and release is nil.
func Pin(slot int) (release func(), err error) {
	runtime.LockOSThread()

	core := Core(slot)
	var mask unix.CPUSet
	mask.Zero()
	mask.Set(core)

	if err := unix.SchedSetaffinity(0, &mask); err != nil { // 0 = calling thread
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("cpu: pin to core %d: %w", core, err)
	}

	return runtime.UnlockOSThread, nil
}

// Supported reports whether Pin restricts the thread to a core on this platform.
func Supported() bool { return true }
