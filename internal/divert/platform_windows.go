//go:build windows

package divert

// NativeOpener returns the in-kernel interception backend of this platform.
func NativeOpener() (OpenFunc, bool) {
	return OpenWinDivert, true
}
