package execruntime

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/cuemby/kata-agent/pkg/log"
	"github.com/cuemby/kata-agent/pkg/sandbox"
)

var runtimeLogger = log.WithComponent("execruntime")

// Runtime constructs a container driver per sandbox.ContainerRuntime.
type Runtime struct{}

// New returns a Runtime. There is no per-runtime state; every container
// gets its own driver instance from Runtime.New.
func New() *Runtime { return &Runtime{} }

func (r *Runtime) New(ctx context.Context, id, baseDir string, opts sandbox.CreateOptions) (sandbox.RuntimeContainer, error) {
	return &container{id: id, baseDir: baseDir, opts: opts, running: make(map[int]*exec.Cmd)}, nil
}

type container struct {
	mu      sync.Mutex
	id      string
	baseDir string
	opts    sandbox.CreateOptions

	staged *exec.Cmd
	init   *sandbox.Process

	running map[int]*exec.Cmd
}

func buildCmd(spec *specsProcess) *exec.Cmd {
	cmd := exec.Command(spec.Args[0], spec.Args[1:]...)
	cmd.Env = spec.Env
	if spec.Cwd != "" {
		cmd.Dir = spec.Cwd
	}
	return cmd
}

// specsProcess is the subset of specs.Process this driver reads; kept
// narrow so the field list stays obviously exhaustive at the call site.
type specsProcess struct {
	Args []string
	Env  []string
	Cwd  string
}

func asSpecsProcess(p *sandbox.Process) (*specsProcess, error) {
	if p.Spec == nil || len(p.Spec.Args) == 0 {
		return nil, fmt.Errorf("process %s has no argv", p.ExecID)
	}
	return &specsProcess{Args: p.Spec.Args, Env: p.Spec.Env, Cwd: p.Spec.Cwd}, nil
}

// wireStdio allocates a pipe per stream, keeping the parent end on p and
// handing the child end to cmd. spec.Process.Terminal is not honored here
// (no pty allocation in this minimal driver); callers wanting a real
// terminal need the full external collaborator.
func wireStdio(cmd *exec.Cmd, p *sandbox.Process) error {
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	p.ParentStdin = stdinW
	p.ParentStdout = stdoutR
	p.ParentStderr = stderrR

	return nil
}

// Start stages the init process: it builds the command and its stdio
// pipes but does not run it, matching spec §4.2's create/start split.
func (c *container) Start(ctx context.Context, init *sandbox.Process) error {
	spec, err := asSpecsProcess(init)
	if err != nil {
		return err
	}

	cmd := buildCmd(spec)
	if err := wireStdio(cmd, init); err != nil {
		return err
	}

	c.mu.Lock()
	c.staged = cmd
	c.init = init
	c.mu.Unlock()

	return nil
}

// Exec runs the process staged by Start and reaps it in the background,
// delivering the exit code through init.SetExitResult.
func (c *container) Exec(ctx context.Context) error {
	c.mu.Lock()
	cmd := c.staged
	init := c.init
	c.mu.Unlock()

	if cmd == nil {
		return fmt.Errorf("container %s has no staged process", c.id)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start init process: %w", err)
	}
	init.PID = cmd.Process.Pid

	c.mu.Lock()
	c.running[init.PID] = cmd
	c.mu.Unlock()

	go c.reap(init, cmd)

	return nil
}

// Run builds, stdio-wires, and immediately starts a non-init process
// (spec §4.2 ExecProcess never stages separately from running).
func (c *container) Run(ctx context.Context, p *sandbox.Process) error {
	spec, err := asSpecsProcess(p)
	if err != nil {
		return err
	}

	cmd := buildCmd(spec)
	if err := wireStdio(cmd, p); err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start exec process: %w", err)
	}
	p.PID = cmd.Process.Pid

	c.mu.Lock()
	c.running[p.PID] = cmd
	c.mu.Unlock()

	go c.reap(p, cmd)

	return nil
}

func (c *container) reap(p *sandbox.Process, cmd *exec.Cmd) {
	err := cmd.Wait()
	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}

	c.mu.Lock()
	delete(c.running, p.PID)
	c.mu.Unlock()

	p.SetExitResult(code)
}

// Destroy kills every process this container is still tracking. A process
// that already exited is simply absent from running and this is a no-op
// for it.
func (c *container) Destroy(ctx context.Context) error {
	c.mu.Lock()
	cmds := make([]*exec.Cmd, 0, len(c.running))
	for _, cmd := range c.running {
		cmds = append(cmds, cmd)
	}
	c.mu.Unlock()

	for _, cmd := range cmds {
		if cmd.Process == nil {
			continue
		}
		if err := cmd.Process.Signal(syscall.SIGKILL); err != nil {
			runtimeLogger.Warn().Err(err).Str("container_id", c.id).Msg("kill on destroy failed")
		}
	}
	return nil
}

// Set applies no cgroup limits: this driver never creates a cgroup for a
// process to live in, so there is nothing to update. A full collaborator
// would translate r into a cgroup v2 write here.
func (c *container) Set(ctx context.Context, r sandbox.LinuxResources) error {
	runtimeLogger.Debug().Str("container_id", c.id).Msg("set resources is a no-op without a cgroup backend")
	return nil
}

// Stats reads /proc/<pid>/stat and /proc/<pid>/statm for the init process
// as a best-effort substitute for real cgroup accounting.
func (c *container) Stats(ctx context.Context) (sandbox.ContainerStats, error) {
	c.mu.Lock()
	init := c.init
	c.mu.Unlock()

	if init == nil || init.PID == 0 {
		return sandbox.ContainerStats{}, fmt.Errorf("container %s has no running init process", c.id)
	}

	cpu, err := readCPUTicks(init.PID)
	if err != nil {
		runtimeLogger.Warn().Err(err).Int("pid", init.PID).Msg("read cpu ticks failed")
	}
	mem, err := readRSSBytes(init.PID)
	if err != nil {
		runtimeLogger.Warn().Err(err).Int("pid", init.PID).Msg("read rss failed")
	}

	return sandbox.ContainerStats{CPUUsage: cpu, MemoryUsage: mem}, nil
}

func readCPUTicks(pid int) (uint64, error) {
	raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, err
	}
	// Fields after the comm field (which may itself contain spaces/parens)
	// start right after the last ')'.
	s := string(raw)
	idx := strings.LastIndexByte(s, ')')
	if idx < 0 || idx+2 >= len(s) {
		return 0, fmt.Errorf("unexpected /proc/%d/stat format", pid)
	}
	fields := strings.Fields(s[idx+2:])
	// utime is field 14, stime is field 15 overall; relative to fields[0]
	// (state, field 3) that is fields[11] and fields[12].
	if len(fields) < 13 {
		return 0, fmt.Errorf("short /proc/%d/stat", pid)
	}
	utime, err := strconv.ParseUint(fields[11], 10, 64)
	if err != nil {
		return 0, err
	}
	stime, err := strconv.ParseUint(fields[12], 10, 64)
	if err != nil {
		return 0, err
	}
	return utime + stime, nil
}

func readRSSBytes(pid int) (uint64, error) {
	raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/statm", pid))
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(raw))
	if len(fields) < 2 {
		return 0, fmt.Errorf("short /proc/%d/statm", pid)
	}
	pages, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0, err
	}
	return pages * uint64(os.Getpagesize()), nil
}
