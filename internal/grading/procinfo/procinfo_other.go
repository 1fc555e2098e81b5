//go:build !linux

package procinfo

func Lookup(pid int) (Identity, error) {
	return Identity{}, ErrUnsupported
}

func LookupIn(mountPoint string, pid int) (Identity, error) {
	return Identity{}, ErrUnsupported
}
