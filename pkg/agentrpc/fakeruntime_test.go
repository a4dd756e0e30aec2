package agentrpc

import (
	"context"
	"os/exec"
	"sync"
	"time"

	"github.com/cuemby/kata-agent/pkg/sandbox"
)

// fakeRuntime is this package's in-memory sandbox.ContainerRuntime, mirroring
// pkg/sandbox's own test fake: real child processes via os/exec so exit
// codes and signal delivery are genuine, not simulated.
type fakeRuntime struct {
	mu           sync.Mutex
	destroyDelay time.Duration
}

func newFakeRuntime() *fakeRuntime { return &fakeRuntime{} }

func (r *fakeRuntime) New(ctx context.Context, id, baseDir string, opts sandbox.CreateOptions) (sandbox.RuntimeContainer, error) {
	r.mu.Lock()
	delay := r.destroyDelay
	r.mu.Unlock()
	return &fakeRuntimeContainer{destroyDelay: delay}, nil
}

type fakeRuntimeContainer struct {
	mu           sync.Mutex
	staged       *sandbox.Process
	destroyDelay time.Duration
}

func (c *fakeRuntimeContainer) Start(ctx context.Context, init *sandbox.Process) error {
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

func (c *fakeRuntimeContainer) Run(ctx context.Context, p *sandbox.Process) error {
	return runProcess(p)
}

func runProcess(p *sandbox.Process) error {
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
	return nil
}

func (c *fakeRuntimeContainer) Set(ctx context.Context, r sandbox.LinuxResources) error {
	return nil
}

func (c *fakeRuntimeContainer) Stats(ctx context.Context) (sandbox.ContainerStats, error) {
	return sandbox.ContainerStats{CPUUsage: 1, MemoryUsage: 2}, nil
}
