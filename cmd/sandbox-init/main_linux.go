//go:build linux

package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"syscall"

	"golang.org/x/sys/unix"
)

func init() {
	// Privilege drops are per thread, so the container stage stays on the
	// thread that eventually calls execve.
	if os.Getenv(stageEnv) == stageContainer {
		runtime.LockOSThread()
	}
}

func main() {
	opts, err := parseOptions(os.Args[1:])
	if err == nil {
		if os.Getenv(stageEnv) == stageContainer {
			err = runContainer(opts)
		} else {
			err = runOuter(opts)
		}
	}
	if err == nil {
		os.Exit(0)
	}
	_, _ = fmt.Fprintf(os.Stderr, "sandbox-init: %v\n", err)
	os.Exit(exitCodeOf(err))
}

// runOuter validates grants, then re-executes itself inside fresh namespaces
// and mirrors the exit status of the sandboxed command.
func runOuter(opts options) error {
	if err := checkWritable(opts.writes); err != nil {
		return err
	}
	root, err := os.MkdirTemp("", rootDirPattern)
	if err != nil {
		return fail(exitRoot, "create sandbox root: %v", err)
	}
	defer func() {
		_ = os.Remove(root)
	}()

	cloneFlags := uintptr(unix.CLONE_NEWUSER | unix.CLONE_NEWNS | unix.CLONE_NEWPID | unix.CLONE_NEWIPC | unix.CLONE_NEWUTS)
	if opts.isolateNetwork() {
		cloneFlags |= unix.CLONE_NEWNET
	}
	cmd := exec.Command("/proc/self/exe", os.Args[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), stageEnv+"="+stageContainer, rootEnv+"="+root)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags:                 cloneFlags,
		UidMappings:                []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getuid(), Size: 1}},
		GidMappings:                []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getgid(), Size: 1}},
		GidMappingsEnableSetgroups: false,
		Pdeathsig:                  syscall.SIGKILL,
	}
	if err := cmd.Start(); err != nil {
		return fail(exitNamespace, "enter namespaces: %v", err)
	}

	signals := make(chan os.Signal, 4)
	signal.Notify(signals, unix.SIGINT, unix.SIGTERM, unix.SIGHUP)
	go func() {
		for sig := range signals {
			_ = cmd.Process.Signal(sig)
		}
	}()

	err = cmd.Wait()
	signal.Stop(signals)
	close(signals)
	_ = os.Remove(root)

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			os.Exit(128 + int(status.Signal()))
		}
		os.Exit(exitErr.ExitCode())
	}
	if err != nil {
		return fail(exitInternal, "wait for sandbox: %v", err)
	}
	os.Exit(0)
	return nil
}
