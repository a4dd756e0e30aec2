package agentrpc

import (
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cuemby/kata-agent/pkg/netlinkadapter"
	"github.com/cuemby/kata-agent/pkg/sandbox"
	"github.com/cuemby/kata-agent/pkg/storageregistry"
)

// Request/response shapes for the RPC surface (spec §6). These are the
// Go-native stand-ins for the legacy protobuf messages; wire transport and
// schema generation are out of scope (spec.md §1).

type CreateSandboxRequest struct {
	SandboxID     string
	Hostname      string
	Storages      []storageregistry.Request
	GuestHookPath string
}

type CreateContainerRequest struct {
	ContainerID string
	ExecID      string
	Spec        *specs.Spec
	Storages    []storageregistry.Request
	Devices     []sandbox.Device
}

type StartContainerRequest struct {
	ContainerID string
}

type RemoveContainerRequest struct {
	ContainerID string
	// Timeout is seconds on the wire (spec §6); the dispatcher converts to
	// time.Duration before calling the core, which works in Durations so
	// its tests don't need multi-second sleeps.
	TimeoutSeconds int64
}

type ExecProcessRequest struct {
	ContainerID string
	ExecID      string
	Spec        *specs.Process
}

type SignalProcessRequest struct {
	ContainerID string
	ExecID      string
	Signal      int
}

type WaitProcessRequest struct {
	ContainerID string
	ExecID      string
}

type WaitProcessResponse struct {
	ExitCode int
}

type ListProcessesRequest struct {
	ContainerID string
	Format      string
	Args        []string
}

type ListProcessesResponse struct {
	Data []byte
}

type UpdateContainerRequest struct {
	ContainerID string
	Resources   sandbox.LinuxResources
}

type StatsContainerRequest struct {
	ContainerID string
}

type StatsContainerResponse struct {
	Stats sandbox.ContainerStats
}

type PauseContainerRequest struct {
	ContainerID string
}

type ResumeContainerRequest struct {
	ContainerID string
}

type WriteStdinRequest struct {
	ContainerID string
	ExecID      string
	Data        []byte
}

type WriteStdinResponse struct {
	Len int
}

type ReadStreamRequest struct {
	ContainerID string
	ExecID      string
	Len         int
}

type ReadStreamResponse struct {
	Data []byte
}

type CloseStdinRequest struct {
	ContainerID string
	ExecID      string
}

type TtyWinResizeRequest struct {
	ContainerID string
	ExecID      string
	Rows        uint16
	Cols        uint16
}

type UpdateInterfaceRequest struct {
	Interface netlinkadapter.Interface
}

type UpdateInterfaceResponse struct {
	Interface netlinkadapter.Interface
}

type ListInterfacesResponse struct {
	Interfaces []netlinkadapter.Interface
}

type UpdateRoutesRequest struct {
	Routes []netlinkadapter.Route
}

type UpdateRoutesResponse struct {
	Routes []netlinkadapter.Route
}

type ListRoutesResponse struct {
	Routes []netlinkadapter.Route
}

type ReseedRandomDevRequest struct {
	Data []byte
}

type MemHotplugByProbeRequest struct {
	Addrs []uint64
}

type SetGuestDateTimeRequest struct {
	Sec  int64
	Usec int64
}

// timeoutDuration converts the wire seconds count to a Duration, clamping
// negative values to zero (disables the worker path, same as zero).
func timeoutDuration(seconds int64) time.Duration {
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
