//go:build !linux

package executor

import (
	"errors"
	"os/exec"
	"sync"
	"time"
)

type localProcess struct {
	cmd    *exec.Cmd
	stdout *boundedBuffer
	stderr *boundedBuffer
	done   chan struct{}

	mu     sync.Mutex
	result RunResult
}

// startProcess runs without process-group isolation; only the direct child is
// killed on this platform.
func startProcess(spec RunSpec) (*localProcess, error) {
	cmd := exec.Command(spec.Args[0], spec.Args[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.WaitDelay = 2 * time.Second
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
	go func() {
		err := cmd.Wait()
		res := RunResult{
			Stdout:    p.stdout.String(),
			Stderr:    p.stderr.String(),
			Truncated: truncatedStreams(p.stdout, p.stderr),
		}
		if cmd.ProcessState != nil {
			res.ExitCode = cmd.ProcessState.ExitCode()
			res.Signaled = res.ExitCode == -1
		}
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) && !errors.Is(err, exec.ErrWaitDelay) {
			res.Err = err
		}
		p.mu.Lock()
		p.result = res
		p.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}

func (p *localProcess) PID() int              { return p.cmd.Process.Pid }
func (p *localProcess) ProcStart() uint64     { return 0 }
func (p *localProcess) Done() <-chan struct{} { return p.done }

func (p *localProcess) Result() RunResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result
}

func (p *localProcess) Kill() error {
	return p.cmd.Process.Kill()
}
