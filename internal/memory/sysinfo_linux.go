//go:build linux

package memory

import "golang.org/x/sys/unix"

// systemMemory reports host total and free RAM. Failures degrade to
// zeroes; callers treat zero as unknown.
func systemMemory() (total, free uint64) {
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return 0, 0
	}
	unit := uint64(si.Unit)
	if unit == 0 {
		unit = 1
	}
	return uint64(si.Totalram) * unit, uint64(si.Freeram) * unit
}
