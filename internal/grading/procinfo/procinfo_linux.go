//go:build linux

package procinfo

import (
	"errors"
	"fmt"
	"os"

	"github.com/prometheus/procfs"
)

// Lookup reads /proc/<pid>/stat.
func Lookup(pid int) (Identity, error) {
	return LookupIn(procfs.DefaultMountPoint, pid)
}

// LookupIn reads the process table mounted at mountPoint.
func LookupIn(mountPoint string, pid int) (Identity, error) {
	if pid <= 0 {
		return Identity{}, nil
	}
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return Identity{}, fmt.Errorf("open procfs: %w", err)
	}
	proc, err := fs.Proc(pid)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Identity{}, nil
		}
		return Identity{}, fmt.Errorf("open /proc/%d: %w", pid, err)
	}
	stat, err := proc.Stat()
	if err != nil {
		// The process can exit between the two reads.
		if errors.Is(err, os.ErrNotExist) {
			return Identity{}, nil
		}
		return Identity{}, fmt.Errorf("read /proc/%d/stat: %w", pid, err)
	}
	if stat.State == "Z" {
		return Identity{}, nil
	}
	return Identity{Exists: true, StartTime: stat.Starttime}, nil
}
