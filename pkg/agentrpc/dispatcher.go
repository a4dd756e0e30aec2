package agentrpc

import (
	"context"
	"syscall"

	"github.com/cuemby/kata-agent/pkg/agentconfig"
	"github.com/cuemby/kata-agent/pkg/guestutil"
	"github.com/cuemby/kata-agent/pkg/log"
	"github.com/cuemby/kata-agent/pkg/sandbox"
	"github.com/cuemby/kata-agent/pkg/storageregistry"
)

var dispatcherLogger = log.WithComponent("agentrpc")

// Dispatcher maps each RPC to a pkg/sandbox operation, classifying its
// error into a grpc status, and bounds concurrent handlers with a
// fixed-size worker pool (spec §5): a buffered channel of capacity
// cfg.DispatcherWorkers, acquired before the handler body runs and
// released after, the way a bounded completion queue would.
type Dispatcher struct {
	sb       *sandbox.Sandbox
	storages *storageregistry.Registry
	cfg      *agentconfig.Config
	sem      chan struct{}

	agentVersion string
	apiVersion   string
}

// NewDispatcher builds a Dispatcher bound to sb, using cfg's worker-pool
// size and sysfs paths.
func NewDispatcher(sb *sandbox.Sandbox, storages *storageregistry.Registry, cfg *agentconfig.Config, agentVersion, apiVersion string) *Dispatcher {
	n := cfg.DispatcherWorkers
	if n < 1 {
		n = 1
	}
	if n > 10 {
		n = 10
	}
	return &Dispatcher{
		sb:           sb,
		storages:     storages,
		cfg:          cfg,
		sem:          make(chan struct{}, n),
		agentVersion: agentVersion,
		apiVersion:   apiVersion,
	}
}

// acquire blocks until a worker slot is free and returns the release func.
func (d *Dispatcher) acquire() func() {
	d.sem <- struct{}{}
	return func() { <-d.sem }
}

func (d *Dispatcher) CreateSandbox(ctx context.Context, req CreateSandboxRequest) error {
	release := d.acquire()
	defer release()
	return ToStatus(d.sb.CreateSandbox(ctx, req.SandboxID, req.Hostname, req.Storages, req.GuestHookPath))
}

func (d *Dispatcher) DestroySandbox(ctx context.Context) error {
	release := d.acquire()
	defer release()
	return ToStatus(d.sb.DestroySandbox(ctx))
}

func (d *Dispatcher) CreateContainer(ctx context.Context, req CreateContainerRequest) error {
	release := d.acquire()
	defer release()
	return ToStatus(d.sb.CreateContainer(ctx, req.ContainerID, req.ExecID, req.Spec, req.Storages, req.Devices))
}

func (d *Dispatcher) StartContainer(ctx context.Context, req StartContainerRequest) error {
	release := d.acquire()
	defer release()
	return ToStatus(d.sb.StartContainer(ctx, req.ContainerID))
}

func (d *Dispatcher) RemoveContainer(ctx context.Context, req RemoveContainerRequest) error {
	release := d.acquire()
	defer release()
	return ToStatus(d.sb.RemoveContainer(ctx, req.ContainerID, timeoutDuration(req.TimeoutSeconds)))
}

func (d *Dispatcher) ExecProcess(ctx context.Context, req ExecProcessRequest) error {
	release := d.acquire()
	defer release()
	return ToStatus(d.sb.ExecProcess(ctx, req.ContainerID, req.ExecID, req.Spec))
}

func (d *Dispatcher) SignalProcess(ctx context.Context, req SignalProcessRequest) error {
	release := d.acquire()
	defer release()
	return ToStatus(d.sb.SignalProcess(req.ContainerID, req.ExecID, syscall.Signal(req.Signal)))
}

func (d *Dispatcher) WaitProcess(ctx context.Context, req WaitProcessRequest) (WaitProcessResponse, error) {
	release := d.acquire()
	defer release()
	code, err := d.sb.WaitProcess(req.ContainerID, req.ExecID)
	if err != nil {
		return WaitProcessResponse{}, ToStatus(err)
	}
	return WaitProcessResponse{ExitCode: code}, nil
}

func (d *Dispatcher) ListProcesses(ctx context.Context, req ListProcessesRequest) (ListProcessesResponse, error) {
	release := d.acquire()
	defer release()
	data, err := d.sb.ListProcesses(req.ContainerID, req.Format, req.Args)
	if err != nil {
		return ListProcessesResponse{}, ToStatus(err)
	}
	return ListProcessesResponse{Data: data}, nil
}

func (d *Dispatcher) UpdateContainer(ctx context.Context, req UpdateContainerRequest) error {
	release := d.acquire()
	defer release()
	return ToStatus(d.sb.UpdateContainer(ctx, req.ContainerID, req.Resources))
}

func (d *Dispatcher) StatsContainer(ctx context.Context, req StatsContainerRequest) (StatsContainerResponse, error) {
	release := d.acquire()
	defer release()
	stats, err := d.sb.StatsContainer(ctx, req.ContainerID)
	if err != nil {
		return StatsContainerResponse{}, ToStatus(err)
	}
	return StatsContainerResponse{Stats: stats}, nil
}

func (d *Dispatcher) PauseContainer(ctx context.Context, req PauseContainerRequest) error {
	release := d.acquire()
	defer release()
	return ToStatus(d.sb.PauseContainer(ctx, req.ContainerID))
}

func (d *Dispatcher) ResumeContainer(ctx context.Context, req ResumeContainerRequest) error {
	release := d.acquire()
	defer release()
	return ToStatus(d.sb.ResumeContainer(ctx, req.ContainerID))
}

func (d *Dispatcher) WriteStdin(ctx context.Context, req WriteStdinRequest) (WriteStdinResponse, error) {
	release := d.acquire()
	defer release()
	n, err := d.sb.WriteStdin(req.ContainerID, req.ExecID, req.Data)
	if err != nil {
		return WriteStdinResponse{}, ToStatus(err)
	}
	return WriteStdinResponse{Len: n}, nil
}

func (d *Dispatcher) ReadStdout(ctx context.Context, req ReadStreamRequest) (ReadStreamResponse, error) {
	release := d.acquire()
	defer release()
	data, err := d.sb.ReadStdout(req.ContainerID, req.ExecID, req.Len)
	if err != nil {
		return ReadStreamResponse{}, ToStatus(err)
	}
	return ReadStreamResponse{Data: data}, nil
}

func (d *Dispatcher) ReadStderr(ctx context.Context, req ReadStreamRequest) (ReadStreamResponse, error) {
	release := d.acquire()
	defer release()
	data, err := d.sb.ReadStderr(req.ContainerID, req.ExecID, req.Len)
	if err != nil {
		return ReadStreamResponse{}, ToStatus(err)
	}
	return ReadStreamResponse{Data: data}, nil
}

func (d *Dispatcher) CloseStdin(ctx context.Context, req CloseStdinRequest) error {
	release := d.acquire()
	defer release()
	return ToStatus(d.sb.CloseStdin(req.ContainerID, req.ExecID))
}

func (d *Dispatcher) TtyWinResize(ctx context.Context, req TtyWinResizeRequest) error {
	release := d.acquire()
	defer release()
	return ToStatus(d.sb.TtyWinResize(req.ContainerID, req.ExecID, req.Rows, req.Cols))
}

func (d *Dispatcher) UpdateInterface(ctx context.Context, req UpdateInterfaceRequest) (UpdateInterfaceResponse, error) {
	release := d.acquire()
	defer release()
	iface, err := d.sb.UpdateInterface(req.Interface)
	if err != nil {
		return UpdateInterfaceResponse{}, ToStatus(err)
	}
	return UpdateInterfaceResponse{Interface: iface}, nil
}

func (d *Dispatcher) ListInterfaces(ctx context.Context) (ListInterfacesResponse, error) {
	release := d.acquire()
	defer release()
	ifaces, err := d.sb.ListInterfaces()
	if err != nil {
		return ListInterfacesResponse{}, ToStatus(err)
	}
	return ListInterfacesResponse{Interfaces: ifaces}, nil
}

func (d *Dispatcher) UpdateRoutes(ctx context.Context, req UpdateRoutesRequest) (UpdateRoutesResponse, error) {
	release := d.acquire()
	defer release()
	routes, err := d.sb.UpdateRoutes(req.Routes)
	if err != nil {
		return UpdateRoutesResponse{}, ToStatus(err)
	}
	return UpdateRoutesResponse{Routes: routes}, nil
}

func (d *Dispatcher) ListRoutes(ctx context.Context) (ListRoutesResponse, error) {
	release := d.acquire()
	defer release()
	routes, err := d.sb.ListRoutes()
	if err != nil {
		return ListRoutesResponse{}, ToStatus(err)
	}
	return ListRoutesResponse{Routes: routes}, nil
}

// StartTracing/StopTracing are no-ops (spec §6): tracing stub support is
// gated by agentconfig.Config.EnableTracingStub but neither call does
// anything observable regardless of that flag's value.
func (d *Dispatcher) StartTracing(ctx context.Context) error {
	dispatcherLogger.Debug().Bool("enabled", d.cfg.EnableTracingStub).Msg("start_tracing (no-op)")
	return nil
}

func (d *Dispatcher) StopTracing(ctx context.Context) error {
	dispatcherLogger.Debug().Msg("stop_tracing (no-op)")
	return nil
}

func (d *Dispatcher) OnlineCPUMem(ctx context.Context) error {
	release := d.acquire()
	defer release()
	return ToStatus(d.sb.OnlineCPUMemory(d.cfg.CPUOnlinePaths, d.cfg.MemOnlinePaths))
}

func (d *Dispatcher) ReseedRandomDev(ctx context.Context, req ReseedRandomDevRequest) error {
	release := d.acquire()
	defer release()
	return ToStatus(guestutil.ReseedRandomDev(req.Data))
}

func (d *Dispatcher) MemHotplugByProbe(ctx context.Context, req MemHotplugByProbeRequest) error {
	release := d.acquire()
	defer release()
	return ToStatus(guestutil.MemHotplugByProbe(d.cfg.MemHotplugProbePath, req.Addrs))
}

func (d *Dispatcher) SetGuestDateTime(ctx context.Context, req SetGuestDateTimeRequest) error {
	release := d.acquire()
	defer release()
	return ToStatus(guestutil.SetGuestDateTime(req.Sec, req.Usec))
}

func (d *Dispatcher) GetGuestDetails(ctx context.Context) guestutil.GuestDetails {
	release := d.acquire()
	defer release()
	return guestutil.GetGuestDetails(d.cfg.BlockSizePath, d.cfg.MemHotplugProbePath, d.agentVersion, d.storages.KnownDrivers())
}

func (d *Dispatcher) CopyFile(ctx context.Context, req guestutil.CopyFileRequest) error {
	release := d.acquire()
	defer release()
	return ToStatus(guestutil.CopyFile(req))
}

// AgentDetails is Version's response (spec §6): not a protobuf message, a
// plain struct the dispatcher returns directly since schema generation is
// out of scope (spec.md §1).
type AgentDetails struct {
	VersionAgent string
	VersionAPI   string
}

// Version implements the Health service's Version call.
func (d *Dispatcher) Version(ctx context.Context) AgentDetails {
	return AgentDetails{VersionAgent: d.agentVersion, VersionAPI: d.apiVersion}
}
