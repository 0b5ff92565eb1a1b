//go:build darwin

package cpu

import "runtime"

// Pin locks the calling goroutine to its OS thread. macOS has no thread
// affinity API, so the slot is ignored.
func Pin(slot int) (release func(), err error) {
	runtime.LockOSThread()
	return runtime.UnlockOSThread, nil
}

// Supported reports whether Pin restricts the thread to a core on this platform.
func Supported() bool { return false }
