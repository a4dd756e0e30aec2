package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cuemby/kata-agent/pkg/agenterr"
	"github.com/cuemby/kata-agent/pkg/log"
	"github.com/cuemby/kata-agent/pkg/namespace"
	"github.com/cuemby/kata-agent/pkg/netlinkadapter"
	"github.com/cuemby/kata-agent/pkg/storageregistry"
)

var sandboxLogger = log.WithComponent("sandbox")

// CreateSandbox purges and recreates the bundle root, records id/hostname,
// sets up the shared IPC/UTS namespaces, and mounts the given storages
// (spec §4.1). Running is set only after every step succeeds, so a failure
// at any step leaves it false. Fields, namespaces and mounts set up by the
// steps before the failing one are not undone.
func (sb *Sandbox) CreateSandbox(ctx context.Context, id, hostname string, storages []storageregistry.Request, guestHookPath string) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if err := os.RemoveAll(BaseDir); err != nil {
		return agenterr.New(agenterr.Precondition, "create_sandbox", fmt.Errorf("purge %s: %w", BaseDir, err))
	}
	if err := os.MkdirAll(BaseDir, 0o755); err != nil {
		return agenterr.New(agenterr.Precondition, "create_sandbox", fmt.Errorf("recreate %s: %w", BaseDir, err))
	}

	sb.ID = id
	sb.Hostname = hostname
	sb.guestHookPath = guestHookPath

	if err := sb.setupSharedNamespacesLocked(); err != nil {
		return agenterr.New(agenterr.Precondition, "create_sandbox", err)
	}

	for _, req := range storages {
		mp, err := sb.storages.Mount(req)
		if err != nil {
			return agenterr.New(agenterr.Precondition, "create_sandbox", fmt.Errorf("mount sandbox storage: %w", err))
		}
		sb.mounts = append(sb.mounts, mp)
	}

	sb.Running = true
	sandboxLogger.Info().Str("sandbox_id", id).Str("hostname", hostname).Msg("sandbox created")
	return nil
}

// DestroySandbox destroys every container, releases sandbox-level mounts,
// tears down the netlink handle, and signals the shutdown channel exactly
// once (spec §4.1).
func (sb *Sandbox) DestroySandbox(ctx context.Context) error {
	sb.mu.Lock()
	ids := make([]string, 0, len(sb.containers))
	for id := range sb.containers {
		ids = append(ids, id)
	}
	sb.mu.Unlock()

	for _, id := range ids {
		if err := sb.RemoveContainer(ctx, id, 0); err != nil {
			sandboxLogger.Error().Err(err).Str("container_id", id).Msg("failed to destroy container during sandbox teardown")
		}
	}

	sb.mu.Lock()
	for _, mp := range sb.mounts {
		sb.storages.Release(mp)
		if sb.storages.Refcount(mp) == 0 {
			sb.storages.Unset(mp)
		}
	}
	sb.mounts = nil

	if sb.rtnl != nil {
		sb.rtnl.Close()
		sb.rtnl = nil
	}

	sb.Running = false
	sb.mu.Unlock()

	sb.shutdownOnce.Do(func() {
		close(sb.shutdown)
	})

	sandboxLogger.Info().Msg("sandbox destroyed")
	return nil
}

// AddContainer registers a container that has already been constructed and
// started (CreateContainer step 8).
func (sb *Sandbox) AddContainer(c *Container) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.containers[c.ID] = c
}

// GetContainer looks up a container by id.
func (sb *Sandbox) GetContainer(id string) (*Container, bool) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	c, ok := sb.containers[id]
	return c, ok
}

// OnlineCPUMemory brings newly hotplugged CPUs and memory blocks online by
// writing "1" to every sysfs online file that currently reads "0" (spec
// §4.9). cpuOnlinePaths/memOnlinePaths are the sysfs globs configured at
// build; a nil/empty glob set is a no-op, useful in environments without
// hotplug.
func (sb *Sandbox) OnlineCPUMemory(cpuOnlinePaths, memOnlinePaths []string) error {
	count := 0
	for _, pattern := range append(append([]string{}, cpuOnlinePaths...), memOnlinePaths...) {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return agenterr.New(agenterr.Internal, "online_cpu_memory", fmt.Errorf("glob %s: %w", pattern, err))
		}
		for _, path := range matches {
			cur, err := os.ReadFile(path)
			if err != nil {
				return agenterr.New(agenterr.Internal, "online_cpu_memory", fmt.Errorf("read %s: %w", path, err))
			}
			if len(cur) > 0 && cur[0] == '1' {
				continue
			}
			if err := os.WriteFile(path, []byte("1"), 0o644); err != nil {
				return agenterr.New(agenterr.Internal, "online_cpu_memory", fmt.Errorf("write %s: %w", path, err))
			}
			count++
		}
	}
	sandboxLogger.Info().Int("brought_online", count).Msg("online_cpu_memory")
	return nil
}

// SetupSharedNamespaces creates the persistent IPC and UTS namespaces (spec
// §4.1/§4.4). PID is deliberately never passed to Setup here.
func (sb *Sandbox) SetupSharedNamespaces() error {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.setupSharedNamespacesLocked()
}

func (sb *Sandbox) setupSharedNamespacesLocked() error {
	ipc, err := sb.nsManager.Setup(namespace.TypeIPC)
	if err != nil {
		return fmt.Errorf("setup shared ipc namespace: %w", err)
	}
	sb.SharedIPCNS = ipc

	uts, err := sb.nsManager.Setup(namespace.TypeUTS)
	if err != nil {
		return fmt.Errorf("setup shared uts namespace: %w", err)
	}
	sb.SharedUTSNs = uts

	return nil
}

// UnsetAndRemoveSandboxStorage removes mp from the sandbox's storage
// registry once nothing references it any more (spec §4.1).
func (sb *Sandbox) UnsetAndRemoveSandboxStorage(mp string) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.storages.Unset(mp)
}

// AddGuestHooks splices OCI lifecycle hooks discovered under the sandbox's
// configured hook path into spec, one sub-directory per hook phase
// (prestart, poststart, poststop). Recovered from original_source: not
// part of the distilled spec's §4.1 operation list, but a real feature of
// the system this core models (see SPEC_FULL.md §4.1 supplement).
func (sb *Sandbox) AddGuestHooks(spec *specs.Spec) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.addGuestHooksLocked(spec)
}

// addGuestHooksLocked is AddGuestHooks for callers (CreateContainer) that
// already hold sb.mu.
func (sb *Sandbox) addGuestHooksLocked(spec *specs.Spec) error {
	if sb.guestHookPath == "" {
		return nil
	}

	prestart, err := loadHooks(filepath.Join(sb.guestHookPath, "prestart"))
	if err != nil {
		return fmt.Errorf("load prestart hooks: %w", err)
	}
	poststart, err := loadHooks(filepath.Join(sb.guestHookPath, "poststart"))
	if err != nil {
		return fmt.Errorf("load poststart hooks: %w", err)
	}
	poststop, err := loadHooks(filepath.Join(sb.guestHookPath, "poststop"))
	if err != nil {
		return fmt.Errorf("load poststop hooks: %w", err)
	}

	if len(prestart) == 0 && len(poststart) == 0 && len(poststop) == 0 {
		return nil
	}

	if spec.Hooks == nil {
		spec.Hooks = &specs.Hooks{}
	}
	spec.Hooks.Prestart = append(spec.Hooks.Prestart, prestart...)
	spec.Hooks.Poststart = append(spec.Hooks.Poststart, poststart...)
	spec.Hooks.Poststop = append(spec.Hooks.Poststop, poststop...)
	return nil
}

func loadHooks(dir string) ([]specs.Hook, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	hooks := make([]specs.Hook, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		hooks = append(hooks, specs.Hook{Path: filepath.Join(dir, e.Name())})
	}
	return hooks, nil
}

// rtnlHandle lazily constructs the netlink handle on first use and caches
// it on the sandbox (spec §4.6).
func (sb *Sandbox) rtnlHandle() (*netlinkadapter.Handle, error) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if sb.rtnl != nil {
		return sb.rtnl, nil
	}
	h, err := netlinkadapter.New()
	if err != nil {
		return nil, agenterr.New(agenterr.Internal, "rtnl_handle", err)
	}
	sb.rtnl = h
	return h, nil
}
