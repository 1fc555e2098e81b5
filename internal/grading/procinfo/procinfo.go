// Package procinfo reads process identity from the local process table.
package procinfo

import "errors"

// ErrUnsupported is returned on platforms without a readable process table.
var ErrUnsupported = errors.New("process inspection is not supported on this platform")

// Identity reports whether pid exists and, if so, its kernel start time in
// clock ticks since boot. A (pid, start time) pair names one process even
// after the pid has been reused.
type Identity struct {
	Exists    bool
	StartTime uint64
}

// Matches reports whether the live process is the one fingerprinted earlier.
// A zero fingerprint only checks existence.
func (id Identity) Matches(fingerprint uint64) bool {
	if !id.Exists {
		return false
	}
	return fingerprint == 0 || id.StartTime == fingerprint
}
