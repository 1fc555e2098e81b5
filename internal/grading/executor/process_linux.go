//go:build linux

package executor

import (
	"errors"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"gradebox/internal/grading/procinfo"

	"golang.org/x/sys/unix"
)

// Pipes held open by orphaned descendants stop blocking Wait after this long.
const pipeWaitDelay = 2 * time.Second

type localProcess struct {
	cmd       *exec.Cmd
	stdout    *boundedBuffer
	stderr    *boundedBuffer
	procStart uint64
	done      chan struct{}

	mu     sync.Mutex
	result RunResult
}

func startProcess(spec RunSpec) (*localProcess, error) {
	cmd := exec.Command(spec.Args[0], spec.Args[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	cmd.WaitDelay = pipeWaitDelay

	p := &localProcess{
		cmd:    cmd,
		stdout: newBoundedBuffer(spec.StdoutLimit),
		stderr: newBoundedBuffer(spec.StderrLimit),
		done:   make(chan struct{}),
	}
	cmd.Stdout = p.stdout
	cmd.Stderr = p.stderr

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	if id, err := procinfo.Lookup(cmd.Process.Pid); err == nil && id.Exists {
		p.procStart = id.StartTime
	}
	go p.wait()
	return p, nil
}

func (p *localProcess) wait() {
	err := p.cmd.Wait()
	// Reap anything the grader left running in its group.
	_ = unix.Kill(-p.cmd.Process.Pid, unix.SIGKILL)

	res := RunResult{
		Stdout:    p.stdout.String(),
		Stderr:    p.stderr.String(),
		Truncated: truncatedStreams(p.stdout, p.stderr),
	}
	state := p.cmd.ProcessState
	if state != nil {
		res.ExitCode = state.ExitCode()
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			res.Signaled = true
		}
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) && !errors.Is(err, exec.ErrWaitDelay) {
		res.Err = err
		if state == nil {
			res.ExitCode = -1
		}
	}

	p.mu.Lock()
	p.result = res
	p.mu.Unlock()
	close(p.done)
}

func (p *localProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *localProcess) ProcStart() uint64 {
	return p.procStart
}

func (p *localProcess) Done() <-chan struct{} {
	return p.done
}

func (p *localProcess) Result() RunResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result
}

func (p *localProcess) Kill() error {
	pid := p.cmd.Process.Pid
	if pid <= 0 {
		return nil
	}
	err := unix.Kill(-pid, unix.SIGKILL)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}
