//go:build linux

package main

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sys/unix"
)

var deviceNodes = []string{"/dev/null", "/dev/zero", "/dev/random", "/dev/urandom"}

type grant struct {
	path     string
	readOnly bool
}

// runContainer runs as pid 1 of the new namespaces. It assembles a tmpfs root
// holding only the granted paths, drops privileges and execs the command.
// It returns only on failure.
func runContainer(opts options) error {
	root := os.Getenv(rootEnv)
	if root == "" || !filepath.IsAbs(root) {
		return fail(exitInternal, "sandbox root not provided")
	}
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "/"
	}

	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fail(exitMount, "make mounts private: %v", err)
	}
	if err := unix.Mount("tmpfs", root, "tmpfs", unix.MS_NOSUID|unix.MS_NODEV, "mode=0755,size=64m"); err != nil {
		return fail(exitMount, "mount sandbox root: %v", err)
	}
	for _, g := range grants(opts) {
		if err := mountGrant(root, g); err != nil {
			return err
		}
	}
	if err := mountSystem(root, opts); err != nil {
		return err
	}

	if err := unix.Chroot(root); err != nil {
		return fail(exitRoot, "chroot: %v", err)
	}
	if err := os.Chdir(cwd); err != nil {
		if err := os.Chdir("/"); err != nil {
			return fail(exitRoot, "chdir: %v", err)
		}
	}
	_ = unix.Sethostname([]byte("gradebox"))

	env := commandEnv(os.Environ())
	path, err := lookPath(opts.command[0], env)
	if err != nil {
		return fail(exitCommand, "resolve command %q: %v", opts.command[0], err)
	}

	if err := dropPrivileges(); err != nil {
		return err
	}
	if opts.seccomp != "" {
		if err := applySeccomp(opts.seccomp); err != nil {
			return err
		}
	}
	if err := unix.Exec(path, opts.command, env); err != nil {
		return fail(exitCommand, "exec %q: %v", path, err)
	}
	return nil
}

// grants orders read and write grants so parents are mounted before children.
// Missing read paths are skipped.
func grants(opts options) []grant {
	byPath := make(map[string]grant, len(opts.reads)+len(opts.writes))
	for _, p := range opts.reads {
		clean := filepath.Clean(p)
		if _, err := os.Lstat(clean); err != nil {
			continue
		}
		byPath[clean] = grant{path: clean, readOnly: true}
	}
	for _, p := range opts.writes {
		clean := filepath.Clean(p)
		byPath[clean] = grant{path: clean}
	}
	out := make([]grant, 0, len(byPath))
	for _, g := range byPath {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].path < out[j].path })
	return out
}

func mountGrant(root string, g grant) error {
	target := filepath.Join(root, g.path)
	info, err := os.Lstat(g.path)
	if err != nil {
		return fail(exitMount, "stat %q: %v", g.path, err)
	}
	// Read-only symlinks such as /lib -> usr/lib are recreated as links.
	if g.readOnly && info.Mode()&os.ModeSymlink != 0 {
		link, err := os.Readlink(g.path)
		if err != nil {
			return fail(exitMount, "readlink %q: %v", g.path, err)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fail(exitMount, "mkdir %q: %v", filepath.Dir(target), err)
		}
		if err := os.Symlink(link, target); err != nil && !errors.Is(err, os.ErrExist) {
			return fail(exitMount, "symlink %q: %v", g.path, err)
		}
		return nil
	}
	return bindMount(g.path, target, g.readOnly)
}

func bindMount(source, target string, readOnly bool) error {
	if err := ensureMountTarget(source, target); err != nil {
		return err
	}
	if err := unix.Mount(source, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fail(exitMount, "bind %q: %v", source, err)
	}
	if !readOnly {
		return nil
	}
	flags := uintptr(unix.MS_BIND | unix.MS_REMOUNT | unix.MS_RDONLY | unix.MS_NOSUID)
	flags |= lockedFlags(source)
	if err := unix.Mount("", target, "", flags, ""); err != nil {
		return fail(exitMount, "remount %q read-only: %v", source, err)
	}
	return nil
}

// lockedFlags returns the mount flags of source that an unprivileged remount
// must preserve.
func lockedFlags(source string) uintptr {
	var st unix.Statfs_t
	if err := unix.Statfs(source, &st); err != nil {
		return 0
	}
	var flags uintptr
	if st.Flags&unix.ST_NODEV != 0 {
		flags |= unix.MS_NODEV
	}
	if st.Flags&unix.ST_NOEXEC != 0 {
		flags |= unix.MS_NOEXEC
	}
	if st.Flags&unix.ST_NOATIME != 0 {
		flags |= unix.MS_NOATIME
	}
	if st.Flags&unix.ST_RELATIME != 0 {
		flags |= unix.MS_RELATIME
	}
	return flags
}

func ensureMountTarget(source, target string) error {
	info, err := os.Stat(source)
	if err != nil {
		return fail(exitMount, "stat mount source %q: %v", source, err)
	}
	if info.IsDir() {
		if err := os.MkdirAll(target, 0o755); err != nil {
			return fail(exitMount, "mkdir mount target: %v", err)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fail(exitMount, "mkdir mount target dir: %v", err)
	}
	file, err := os.OpenFile(target, os.O_CREATE, 0o644)
	if err != nil {
		return fail(exitMount, "create mount target file: %v", err)
	}
	return file.Close()
}

// mountSystem adds /proc, the basic device nodes, a private /tmp and the
// resolver configuration the network mode calls for.
func mountSystem(root string, opts options) error {
	procPath := filepath.Join(root, "proc")
	if err := os.MkdirAll(procPath, 0o555); err != nil {
		return fail(exitMount, "mkdir proc: %v", err)
	}
	if err := unix.Mount("proc", procPath, "proc", unix.MS_NOSUID|unix.MS_NODEV|unix.MS_NOEXEC, ""); err != nil {
		return fail(exitMount, "mount proc: %v", err)
	}
	for _, dev := range deviceNodes {
		if _, err := os.Stat(dev); err != nil {
			continue
		}
		if err := bindMount(dev, filepath.Join(root, dev), false); err != nil {
			return err
		}
	}
	tmpPath := filepath.Join(root, "tmp")
	if _, err := os.Lstat(tmpPath); errors.Is(err, os.ErrNotExist) {
		if err := os.Mkdir(tmpPath, 0o777); err != nil {
			return fail(exitMount, "mkdir tmp: %v", err)
		}
		if err := os.Chmod(tmpPath, 0o777|os.ModeSticky); err != nil {
			return fail(exitMount, "chmod tmp: %v", err)
		}
	}

	switch {
	case opts.directNetwork:
		if _, err := os.Stat(resolvConfPath); err == nil {
			return bindMount(resolvConfPath, filepath.Join(root, resolvConfPath), true)
		}
	case opts.network && len(opts.resolvers) > 0:
		staged := filepath.Join(root, ".resolv.conf")
		if err := os.WriteFile(staged, resolvConf(opts.resolvers), 0o644); err != nil {
			return fail(exitMount, "write resolver config: %v", err)
		}
		err := bindMount(staged, filepath.Join(root, resolvConfPath), true)
		_ = os.Remove(staged)
		return err
	}
	return nil
}

func commandEnv(environ []string) []string {
	env := make([]string, 0, len(environ)+1)
	hasPath := false
	for _, kv := range environ {
		if strings.HasPrefix(kv, stageEnv+"=") || strings.HasPrefix(kv, rootEnv+"=") {
			continue
		}
		if strings.HasPrefix(kv, "PATH=") {
			hasPath = true
		}
		env = append(env, kv)
	}
	if !hasPath {
		env = append(env, "PATH="+defaultPathEnv)
	}
	return env
}

func lookPath(name string, env []string) (string, error) {
	if strings.Contains(name, "/") {
		return exec.LookPath(name)
	}
	pathEnv := defaultPathEnv
	for _, kv := range env {
		if v, ok := strings.CutPrefix(kv, "PATH="); ok {
			pathEnv = v
		}
	}
	for _, dir := range filepath.SplitList(pathEnv) {
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() && info.Mode()&0o111 != 0 {
			return candidate, nil
		}
	}
	return "", exec.ErrNotFound
}

// dropPrivileges empties the bounding, ambient and inheritable capability
// sets so the command holds no capabilities after execve.
func dropPrivileges() error {
	for c := 0; c <= 63; c++ {
		if err := unix.Prctl(unix.PR_CAPBSET_DROP, uintptr(c), 0, 0, 0); err != nil {
			if errors.Is(err, unix.EINVAL) {
				break
			}
			return fail(exitPrivilege, "drop capability %d: %v", c, err)
		}
	}
	if err := unix.Prctl(unix.PR_CAP_AMBIENT, unix.PR_CAP_AMBIENT_CLEAR_ALL, 0, 0, 0); err != nil && !errors.Is(err, unix.EINVAL) {
		return fail(exitPrivilege, "clear ambient capabilities: %v", err)
	}
	hdr := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	var data [2]unix.CapUserData
	if err := unix.Capget(&hdr, &data[0]); err != nil {
		return fail(exitPrivilege, "read capabilities: %v", err)
	}
	data[0].Inheritable, data[1].Inheritable = 0, 0
	if err := unix.Capset(&hdr, &data[0]); err != nil {
		return fail(exitPrivilege, "clear inheritable capabilities: %v", err)
	}
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fail(exitPrivilege, "set no new privs: %v", err)
	}
	return nil
}
