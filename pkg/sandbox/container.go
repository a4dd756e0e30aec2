package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cuemby/kata-agent/pkg/agenterr"
	"github.com/cuemby/kata-agent/pkg/storageregistry"
)

// pciRescanPath is the sysfs trigger CreateContainer writes to before
// applying device updates, so hot-added PCI devices are visible.
const pciRescanPath = "/sys/bus/pci/rescan"

func rescanPCIBus() error {
	if err := os.WriteFile(pciRescanPath, []byte("1"), 0o200); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("rescan pci bus: %w", err)
	}
	return nil
}

func bundlePath(spec *specs.Spec) string {
	if spec.Root == nil {
		return ""
	}
	return filepath.Dir(spec.Root.Path)
}

// CreateContainer runs the eight-step sequence from spec §4.2: validate,
// rescan PCI, resolve devices, mount storages, rewrite namespaces, stage
// config.json, construct the runtime container, and stage (but not yet
// exec) its init process.
func (sb *Sandbox) CreateContainer(ctx context.Context, id, execID string, spec *specs.Spec, storages []storageregistry.Request, devices []Device) error {
	if spec == nil || spec.Process == nil {
		return agenterr.Newf(agenterr.InvalidArgument, "create_container", "spec has no process")
	}

	if err := rescanPCIBus(); err != nil {
		return agenterr.New(agenterr.Internal, "create_container", err)
	}

	if len(devices) > 0 && sb.deviceResolver != nil {
		if err := sb.deviceResolver.Resolve(ctx, devices, spec); err != nil {
			return agenterr.New(agenterr.Internal, "create_container", fmt.Errorf("resolve devices: %w", err))
		}
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()

	if _, exists := sb.containers[id]; exists {
		return agenterr.Newf(agenterr.Internal, "create_container", "container %s already exists", id)
	}

	mountedMPs := make([]string, 0, len(storages))
	for _, req := range storages {
		mp, err := sb.storages.Mount(req)
		if err != nil {
			return agenterr.New(agenterr.Internal, "create_container", fmt.Errorf("mount container storage: %w", err))
		}
		mountedMPs = append(mountedMPs, mp)
	}
	sb.containerMounts[id] = mountedMPs

	sb.updateContainerNamespacesLocked(spec)

	if err := sb.addGuestHooksLocked(spec); err != nil {
		return agenterr.New(agenterr.Internal, "create_container", err)
	}

	bundle := bundlePath(spec)
	if bundle != "" {
		if err := os.MkdirAll(bundle, 0o755); err != nil {
			return agenterr.New(agenterr.Internal, "create_container", fmt.Errorf("create bundle dir %s: %w", bundle, err))
		}
		raw, err := json.Marshal(spec)
		if err != nil {
			return agenterr.New(agenterr.Internal, "create_container", fmt.Errorf("marshal config.json: %w", err))
		}
		if err := os.WriteFile(filepath.Join(bundle, "config.json"), raw, 0o644); err != nil {
			return agenterr.New(agenterr.Internal, "create_container", fmt.Errorf("write config.json: %w", err))
		}
		if err := os.Chdir(bundle); err != nil {
			return agenterr.New(agenterr.Internal, "create_container", fmt.Errorf("chdir to bundle %s: %w", bundle, err))
		}
	}

	opts := CreateOptions{Spec: spec, NoPivotRoot: sb.NoPivotRoot, GuestHookPath: sb.guestHookPath}
	container := newContainer(id, opts)

	rt, err := sb.runtime.New(ctx, id, container.BaseDir, opts)
	if err != nil {
		return agenterr.New(agenterr.Internal, "create_container", fmt.Errorf("construct runtime container: %w", err))
	}
	container.rt = rt

	init, err := newProcess(execID, true)
	if err != nil {
		return agenterr.New(agenterr.Internal, "create_container", err)
	}
	init.Spec = spec.Process

	if err := rt.Start(ctx, init); err != nil {
		return agenterr.New(agenterr.Internal, "create_container", fmt.Errorf("stage init process: %w", err))
	}
	container.addProcess(init)

	sb.containers[id] = container
	sandboxLogger.Info().Str("container_id", id).Msg("container created")
	return nil
}

// StartContainer runs the container's pre-staged init process (spec §4.2).
func (sb *Sandbox) StartContainer(ctx context.Context, id string) error {
	sb.mu.Lock()
	c, ok := sb.containers[id]
	sb.mu.Unlock()
	// Missing id is legacy Internal (spec §4.2); §9 open question (a)
	// recommends NotFound, left to callers that want the promotion.
	if !ok {
		return agenterr.Newf(agenterr.Internal, "start_container", "container %s not found", id)
	}

	if err := c.rt.Exec(ctx); err != nil {
		return agenterr.New(agenterr.Internal, "start_container", err)
	}

	sb.mu.Lock()
	// The init process was added to the PID-keyed table before Exec gave it
	// a PID; re-key it now so InitPID and Processes name its real PID.
	if init, ok := c.Processes[c.InitPID]; ok && init.PID != c.InitPID {
		delete(c.Processes, c.InitPID)
		c.addProcess(init)
	}
	c.State = StateRunning
	sb.mu.Unlock()

	sandboxLogger.Info().Str("container_id", id).Msg("container started")
	return nil
}

// ExecProcess starts a new, non-init process inside an existing container
// (spec §4.2).
func (sb *Sandbox) ExecProcess(ctx context.Context, id, execID string, processSpec *specs.Process) error {
	if processSpec == nil {
		return agenterr.Newf(agenterr.InvalidArgument, "exec_process", "nil process spec")
	}

	sb.mu.Lock()
	c, ok := sb.containers[id]
	sb.mu.Unlock()
	if !ok {
		return agenterr.Newf(agenterr.InvalidArgument, "exec_process", "container %s not found", id)
	}

	p, err := newProcess(execID, false)
	if err != nil {
		return agenterr.New(agenterr.Internal, "exec_process", err)
	}
	p.Spec = processSpec

	if err := c.rt.Run(ctx, p); err != nil {
		return agenterr.New(agenterr.Internal, "exec_process", err)
	}

	sb.mu.Lock()
	c.addProcess(p)
	sb.mu.Unlock()

	return nil
}

// SignalProcess finds the target process and sends signum, promoting
// SIGTERM to SIGKILL when the target is the init process and it has not
// installed a SIGTERM handler (spec §4.2).
func (sb *Sandbox) SignalProcess(id, execID string, signum syscall.Signal) error {
	sb.mu.Lock()
	c, ok := sb.containers[id]
	if !ok {
		sb.mu.Unlock()
		return agenterr.Newf(agenterr.Internal, "signal_process", "container %s not found", id)
	}
	p, ok := c.process(execID)
	sb.mu.Unlock()
	if !ok {
		return agenterr.Newf(agenterr.Internal, "signal_process", "process %s not found", execID)
	}

	if p.Init && signum == syscall.SIGTERM && !processCatchesSIGTERM(p.PID) {
		signum = syscall.SIGKILL
	}

	if err := syscall.Kill(p.PID, signum); err != nil {
		return agenterr.New(agenterr.Internal, "signal_process", fmt.Errorf("kill pid %d: %w", p.PID, err))
	}
	return nil
}

// processCatchesSIGTERM reports whether /proc/<pid>/status's SigCgt mask
// has the bit for SIGTERM set (spec §4.2, §6 filesystem paths). Any read
// or parse failure is treated as "not caught", matching the promotion's
// fail-safe intent: an agent we can't introspect gets killed, not ignored.
func processCatchesSIGTERM(pid int) bool {
	return signalBitSet(pid, syscall.SIGTERM)
}

func signalBitSet(pid int, sig syscall.Signal) bool {
	raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return false
	}

	for _, line := range strings.Split(string(raw), "\n") {
		rest, ok := strings.CutPrefix(line, "SigCgt:")
		if !ok {
			continue
		}
		mask, err := strconv.ParseUint(strings.TrimSpace(rest), 16, 64)
		if err != nil {
			return false
		}
		bit := uint(sig) - 1
		return mask&(1<<bit) != 0
	}
	return false
}

// WaitProcess blocks until the target process exits, then reaps its fds
// and removes it from the container (spec §4.2).
func (sb *Sandbox) WaitProcess(id, execID string) (int, error) {
	sb.mu.Lock()
	c, ok := sb.containers[id]
	if !ok {
		sb.mu.Unlock()
		return 0, agenterr.Newf(agenterr.Internal, "wait_process", "container %s not found", id)
	}
	p, ok := c.process(execID)
	sb.mu.Unlock()
	if !ok {
		return 0, agenterr.Newf(agenterr.Internal, "wait_process", "process %s not found", execID)
	}

	if p.ExitPipeR != nil {
		var buf [1]byte
		p.ExitPipeR.Read(buf[:])
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()

	closeAndClear(&p.ParentStdin)
	closeAndClear(&p.ParentStdout)
	closeAndClear(&p.ParentStderr)
	closeAndClear(&p.TermMaster)
	closeAndClear(&p.ExitPipeR)

	exitCode := p.exitCodeValue()
	c.removeProcess(execID)

	return exitCode, nil
}

func closeAndClear(f **os.File) {
	if *f == nil {
		return
	}
	(*f).Close()
	*f = nil
}

// RemoveContainer destroys a container. A zero timeout destroys
// synchronously while holding the sandbox lock, per spec §4.2's literal
// wording ("destroy synchronously under the lock") — the caller is opting
// out of a bound and accepting that the whole sandbox serializes behind
// it. A non-zero timeout instead runs destroy on a worker goroutine and
// waits on a bounded channel, dropping the lock across the blocking call
// (spec §5); on timeout it returns DeadlineExceeded and lets the worker
// finish on its own rather than joining it (spec §9).
func (sb *Sandbox) RemoveContainer(ctx context.Context, id string, timeout time.Duration) error {
	if timeout == 0 {
		sb.mu.Lock()
		defer sb.mu.Unlock()

		c, ok := sb.containers[id]
		if !ok {
			return agenterr.Newf(agenterr.Internal, "remove_container", "container %s not found", id)
		}
		if err := c.rt.Destroy(ctx); err != nil {
			return agenterr.New(agenterr.Internal, "remove_container", err)
		}
		sb.finishRemoveLocked(id, c)
		return nil
	}

	sb.mu.Lock()
	c, ok := sb.containers[id]
	sb.mu.Unlock()
	if !ok {
		return agenterr.Newf(agenterr.Internal, "remove_container", "container %s not found", id)
	}

	done := make(chan error, 1)
	go func() {
		done <- c.rt.Destroy(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			return agenterr.New(agenterr.Internal, "remove_container", err)
		}
	case <-time.After(timeout):
		return agenterr.Newf(agenterr.Timeout, "remove_container", "destroy of %s exceeded %s", id, timeout)
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.finishRemoveLocked(id, c)
	return nil
}

// finishRemoveLocked releases container mounts and removes the container
// entry; sb.mu must already be held.
func (sb *Sandbox) finishRemoveLocked(id string, c *Container) {
	for _, mp := range sb.containerMounts[id] {
		remaining := sb.storages.Release(mp)
		if remaining == 0 {
			sb.storages.Unset(mp)
		}
	}
	delete(sb.containerMounts, id)

	c.State = StateRemoved
	delete(sb.containers, id)

	sandboxLogger.Info().Str("container_id", id).Msg("container removed")
}

// UpdateContainer forwards new resource limits to the runtime collaborator
// (spec §4.2 supplement).
func (sb *Sandbox) UpdateContainer(ctx context.Context, id string, resources LinuxResources) error {
	sb.mu.Lock()
	c, ok := sb.containers[id]
	sb.mu.Unlock()
	if !ok {
		return agenterr.Newf(agenterr.NotFound, "update_container", "container %s not found", id)
	}
	if err := c.rt.Set(ctx, resources); err != nil {
		return agenterr.New(agenterr.Internal, "update_container", err)
	}
	return nil
}

// StatsContainer reports a resource usage snapshot (spec §4.2 supplement).
func (sb *Sandbox) StatsContainer(ctx context.Context, id string) (ContainerStats, error) {
	sb.mu.Lock()
	c, ok := sb.containers[id]
	sb.mu.Unlock()
	if !ok {
		return ContainerStats{}, agenterr.Newf(agenterr.NotFound, "stats_container", "container %s not found", id)
	}
	stats, err := c.rt.Stats(ctx)
	if err != nil {
		return ContainerStats{}, agenterr.New(agenterr.Internal, "stats_container", err)
	}
	return stats, nil
}

// PauseContainer is an explicit stub (spec §4.2, §6, §9 open question b):
// it reports Unimplemented rather than silently succeeding.
func (sb *Sandbox) PauseContainer(ctx context.Context, id string) error {
	return agenterr.Newf(agenterr.Unimplemented, "pause_container", "pause is not implemented")
}

// ResumeContainer is an explicit stub, matching PauseContainer.
func (sb *Sandbox) ResumeContainer(ctx context.Context, id string) error {
	return agenterr.Newf(agenterr.Unimplemented, "resume_container", "resume is not implemented")
}
