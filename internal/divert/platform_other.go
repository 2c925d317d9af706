//go:build !windows

package divert

// NativeOpener returns the in-kernel interception backend of this platform.
// Only Windows has one; elsewhere callers fall back to OpenPcap.
func NativeOpener() (OpenFunc, bool) {
	return nil, false
}
