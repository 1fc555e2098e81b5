package executor

import (
	"context"
	"errors"
	"os"

	"gradebox/internal/grading/model"
)

// ErrNoHostAvailable is returned by Acquire when every slot is taken.
var ErrNoHostAvailable = errors.New("no execution host available")

// RunSpec is one grader invocation on a host.
type RunSpec struct {
	Args        []string
	Dir         string
	Env         []string
	StdoutLimit int
	StderrLimit int
}

// RunResult is what a finished process left behind.
type RunResult struct {
	ExitCode int
	// Signaled is set when the process was terminated by a signal.
	Signaled bool
	Stdout   string
	Stderr   string
	// Truncated lists the streams ("stdout", "stderr") that hit their limit.
	Truncated []string
	// Err is set when waiting failed for a reason other than a non-zero exit.
	Err error
}

// Process is a started grader.
type Process interface {
	PID() int
	// ProcStart is the kernel start-time fingerprint, 0 when unknown.
	ProcStart() uint64
	Done() <-chan struct{}
	// Result is valid once Done is closed.
	Result() RunResult
	// Kill terminates the process and all of its descendants.
	Kill() error
}

// Host runs graders.
type Host interface {
	Name() string
	Start(ctx context.Context, spec RunSpec) (Process, error)
}

// HostPool hands out execution hosts. Acquire never blocks; it returns
// ErrNoHostAvailable when the pool is exhausted and the caller retries.
type HostPool interface {
	Acquire(ctx context.Context, assignment *model.Assignment) (Host, error)
	Release(host Host)
}

// LocalHostPool runs graders on this machine with a fixed number of slots.
type LocalHostPool struct {
	host  *localHost
	slots chan struct{}
}

// NewLocalHostPool creates a pool. An empty name uses the machine hostname.
func NewLocalHostPool(name string, slots int) *LocalHostPool {
	if name == "" {
		name = LocalHostName()
	}
	if slots <= 0 {
		slots = 1
	}
	return &LocalHostPool{
		host:  &localHost{name: name},
		slots: make(chan struct{}, slots),
	}
}

func (p *LocalHostPool) Acquire(ctx context.Context, assignment *model.Assignment) (Host, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case p.slots <- struct{}{}:
		return p.host, nil
	default:
		return nil, ErrNoHostAvailable
	}
}

func (p *LocalHostPool) Release(host Host) {
	select {
	case <-p.slots:
	default:
	}
}

// InUse reports how many slots are taken.
func (p *LocalHostPool) InUse() int {
	return len(p.slots)
}

// Name is the host name recorded on submissions graded by this pool.
func (p *LocalHostPool) Name() string {
	return p.host.name
}

// LocalHostName returns the hostname, or "localhost" if it cannot be read.
func LocalHostName() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "localhost"
	}
	return name
}

type localHost struct {
	name string
}

func (h *localHost) Name() string {
	return h.name
}

func (h *localHost) Start(ctx context.Context, spec RunSpec) (Process, error) {
	if len(spec.Args) == 0 {
		return nil, errors.New("command is required")
	}
	return startProcess(spec)
}
