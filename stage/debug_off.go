//go:build !debug

package stage

func debugLog(string, ...any) {}
