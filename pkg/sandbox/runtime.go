package sandbox

import (
	"context"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// ContainerRuntime is the cgroup/rootfs driver named out of scope in spec
// §1 and specified only by this interface (spec §6). An external
// collaborator supplies the real implementation (the thing the distilled
// spec calls "container runtime library"); pkg/sandbox never reaches past
// this contract into containerd, runc, or any other concrete driver.
type ContainerRuntime interface {
	New(ctx context.Context, id, baseDir string, opts CreateOptions) (RuntimeContainer, error)
}

// RuntimeContainer is the per-container handle the runtime collaborator
// returns from New. Its six verbs mirror the original agent's
// container.{start,exec,run,destroy,set,stats} exactly (spec §6).
type RuntimeContainer interface {
	// Start stages the init process without running it; Exec runs it.
	Start(ctx context.Context, init *Process) error
	// Exec is the legacy name for starting the already-constructed init
	// process from StartContainer; kept distinct from Start because
	// CreateContainer constructs-and-starts in one call while
	// StartContainer only triggers exec.
	Exec(ctx context.Context) error
	// Run starts a non-init process created by ExecProcess.
	Run(ctx context.Context, p *Process) error
	// Destroy tears the container down; may take arbitrarily long, which is
	// why RemoveContainer with a non-zero timeout calls it without holding
	// the sandbox lock. With a zero timeout it is called under the lock.
	Destroy(ctx context.Context) error
	// Set applies updated resource limits (UpdateContainer).
	Set(ctx context.Context, r LinuxResources) error
	// Stats reports a snapshot (StatsContainer).
	Stats(ctx context.Context) (ContainerStats, error)
}

// LinuxResources is the subset of OCI Linux resource limits UpdateContainer
// forwards to the runtime collaborator.
type LinuxResources struct {
	CPUShares   *uint64
	CPUQuota    *int64
	CPUPeriod   *uint64
	MemoryLimit *int64
	PidsLimit   *int64
	BlkioWeight *uint16
}

// ContainerStats is the snapshot StatsContainer returns.
type ContainerStats struct {
	CPUUsage    uint64
	MemoryUsage uint64
}

// Device is one device entry CreateContainer resolves a guest-side path
// for and rewrites into the spec (spec §4.2 step 3).
type Device struct {
	ContainerPath string
	VMPath        string
	Type          string
	Major         int64
	Minor         int64
}

// DeviceResolver is the device-specific handler named out of scope in spec
// §1; it resolves each Device's guest path and rewrites the matching
// entries of spec in place.
type DeviceResolver interface {
	Resolve(ctx context.Context, devices []Device, spec *specs.Spec) error
}
