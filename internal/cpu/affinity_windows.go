//go:build windows

package cpu

import (
	"fmt"
	"runtime"
	"syscall"
)

var (
	kernel32              = syscall.NewLazyDLL("kernel32.dll")
	setThreadAffinityMask = kernel32.NewProc("SetThreadAffinityMask")
	getCurrentThread      = kernel32.NewProc("GetCurrentThread")
)

// Pin locks the calling goroutine to its OS thread and sets the thread
// affinity mask to the single core slot%NumCPU.
func Pin(slot int) (release func(), err error) {
	runtime.LockOSThread()

	core := Core(slot)
	handle, _, _ := getCurrentThread.Call()
	prev, _, callErr := setThreadAffinityMask.Call(handle, uintptr(1)<<uint(core))
	if prev == 0 {
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("cpu: pin to core %d: %w", core, callErr)
	}

	return runtime.UnlockOSThread, nil
}

// Supported reports whether Pin restricts the thread to a core on this platform.
func Supported() bool { return true }
