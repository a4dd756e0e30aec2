package sandbox

import (
	"context"
	"os/exec"
	"sync"
	"time"
)

// fakeRuntime is the in-memory ContainerRuntime this package's tests run
// against, the way the teacher fakes proto.WarrenAPIClient in
// pkg/worker's tests. It runs real processes via os/exec so signal and
// exit-code behavior (SIGTERM promotion, wait_process) is genuine rather
// than simulated.
type fakeRuntime struct {
	mu           sync.Mutex
	destroyDelay time.Duration
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{}
}

func (r *fakeRuntime) New(ctx context.Context, id, baseDir string, opts CreateOptions) (RuntimeContainer, error) {
	r.mu.Lock()
	delay := r.destroyDelay
	r.mu.Unlock()
	return &fakeRuntimeContainer{destroyDelay: delay}, nil
}

type fakeRuntimeContainer struct {
	mu           sync.Mutex
	staged       *Process
	destroyDelay time.Duration
	destroyed    bool
}

func (c *fakeRuntimeContainer) Start(ctx context.Context, init *Process) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.staged = init
	return nil
}

func (c *fakeRuntimeContainer) Exec(ctx context.Context) error {
	c.mu.Lock()
	p := c.staged
	c.mu.Unlock()
	return runProcess(p)
}

func (c *fakeRuntimeContainer) Run(ctx context.Context, p *Process) error {
	return runProcess(p)
}

func runProcess(p *Process) error {
	cmd := exec.Command(p.Spec.Args[0], p.Spec.Args[1:]...)
	if err := cmd.Start(); err != nil {
		return err
	}
	p.PID = cmd.Process.Pid

	go func() {
		err := cmd.Wait()
		code := 0
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				code = exitErr.ExitCode()
			} else {
				code = -1
			}
		}
		p.SetExitResult(code)
	}()

	return nil
}

func (c *fakeRuntimeContainer) Destroy(ctx context.Context) error {
	c.mu.Lock()
	delay := c.destroyDelay
	c.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	c.mu.Lock()
	c.destroyed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeRuntimeContainer) Set(ctx context.Context, r LinuxResources) error { return nil }

func (c *fakeRuntimeContainer) Stats(ctx context.Context) (ContainerStats, error) {
	return ContainerStats{CPUUsage: 1, MemoryUsage: 2}, nil
}
