package agentrpc

import (
	"context"
	"syscall"
	"testing"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/kata-agent/pkg/agentconfig"
	"github.com/cuemby/kata-agent/pkg/namespace"
	"github.com/cuemby/kata-agent/pkg/sandbox"
	"github.com/cuemby/kata-agent/pkg/storageregistry"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

func newTestDispatcher() *Dispatcher {
	storages := storageregistry.NewRegistry()
	sb := sandbox.NewSandbox(newFakeRuntime(), namespace.NewManager(""), storages)
	cfg := agentconfig.Default()
	return NewDispatcher(sb, storages, cfg, "1.0.0-test", "1")
}

func specFor(args ...string) *specs.Spec {
	return &specs.Spec{
		Root:    &specs.Root{Path: "/tmp"},
		Process: &specs.Process{Args: args},
	}
}

// Scenario 1: create, start, wait observes the init process's real exit code.
func TestCreateStartWaitDispatch(t *testing.T) {
	d := newTestDispatcher()
	ctx := context.Background()

	require.NoError(t, d.CreateContainer(ctx, CreateContainerRequest{ContainerID: "c1", Spec: specFor("/bin/true")}))
	require.NoError(t, d.StartContainer(ctx, StartContainerRequest{ContainerID: "c1"}))

	resp, err := d.WaitProcess(ctx, WaitProcessRequest{ContainerID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, 0, resp.ExitCode)
}

// Scenario 3: remove_container honors its timeout, reporting DeadlineExceeded
// when destroy runs longer than requested, and then succeeds once retried
// with the worker path disabled (timeout=0).
func TestRemoveContainerTimeoutMapsToDeadlineExceeded(t *testing.T) {
	fr := newFakeRuntime()
	fr.destroyDelay = 1200 * time.Millisecond
	storages := storageregistry.NewRegistry()
	sb := sandbox.NewSandbox(fr, namespace.NewManager(""), storages)
	d := NewDispatcher(sb, storages, agentconfig.Default(), "1.0.0-test", "1")
	ctx := context.Background()

	require.NoError(t, d.CreateContainer(ctx, CreateContainerRequest{ContainerID: "c3", Spec: specFor("sleep", "5")}))
	require.NoError(t, d.StartContainer(ctx, StartContainerRequest{ContainerID: "c3"}))

	// TimeoutSeconds is wire-granularity seconds (spec §6); 1s is the
	// smallest positive timeout, so destroyDelay must exceed it to
	// reliably observe the timeout.
	err := d.RemoveContainer(ctx, RemoveContainerRequest{ContainerID: "c3", TimeoutSeconds: 1})
	require.Error(t, err)
	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.DeadlineExceeded, st.Code())

	time.Sleep(1500 * time.Millisecond)
	require.NoError(t, d.RemoveContainer(ctx, RemoveContainerRequest{ContainerID: "c3", TimeoutSeconds: 0}))
}

// Scenario 4: tty resize without a pty maps to Unavailable.
func TestTtyWinResizeMapsToUnavailable(t *testing.T) {
	d := newTestDispatcher()
	ctx := context.Background()

	require.NoError(t, d.CreateContainer(ctx, CreateContainerRequest{ContainerID: "c4", Spec: specFor("/bin/true")}))
	require.NoError(t, d.ExecProcess(ctx, ExecProcessRequest{ContainerID: "c4", ExecID: "e1", Spec: &specs.Process{Args: []string{"/bin/true"}}}))

	err := d.TtyWinResize(ctx, TtyWinResizeRequest{ContainerID: "c4", ExecID: "e1", Rows: 24, Cols: 80})
	require.Error(t, err)
	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.Unavailable, st.Code())
}

func TestSignalProcessPromotesSIGTERM(t *testing.T) {
	d := newTestDispatcher()
	ctx := context.Background()

	require.NoError(t, d.CreateContainer(ctx, CreateContainerRequest{ContainerID: "c2", Spec: specFor("sleep", "5")}))
	require.NoError(t, d.StartContainer(ctx, StartContainerRequest{ContainerID: "c2"}))

	err := d.SignalProcess(ctx, SignalProcessRequest{ContainerID: "c2", ExecID: "", Signal: int(syscall.SIGTERM)})
	require.NoError(t, err)

	resp, err := d.WaitProcess(ctx, WaitProcessRequest{ContainerID: "c2"})
	require.NoError(t, err)
	assert.NotEqual(t, 0, resp.ExitCode)
}

func TestListProcessesUnknownFormatMapsToInvalidArgument(t *testing.T) {
	d := newTestDispatcher()
	ctx := context.Background()

	require.NoError(t, d.CreateContainer(ctx, CreateContainerRequest{ContainerID: "c6", Spec: specFor("/bin/true")}))

	_, err := d.ListProcesses(ctx, ListProcessesRequest{ContainerID: "c6", Format: "xml"})
	require.Error(t, err)
	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.InvalidArgument, st.Code())
}

func TestPauseContainerMapsToUnimplemented(t *testing.T) {
	d := newTestDispatcher()
	ctx := context.Background()

	err := d.PauseContainer(ctx, PauseContainerRequest{ContainerID: "whatever"})
	require.Error(t, err)
	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.Unimplemented, st.Code())
}

func TestCreateThenDestroySandboxRoundTrip(t *testing.T) {
	d := newTestDispatcher()
	ctx := context.Background()

	require.NoError(t, d.CreateSandbox(ctx, CreateSandboxRequest{SandboxID: "s1", Hostname: "guest1"}))
	require.NoError(t, d.CreateContainer(ctx, CreateContainerRequest{ContainerID: "c7", Spec: specFor("/bin/true")}))
	require.NoError(t, d.StartContainer(ctx, StartContainerRequest{ContainerID: "c7"}))

	require.NoError(t, d.DestroySandbox(ctx))
	assert.False(t, d.sb.Running)
}

func TestDispatcherBoundsConcurrentHandlers(t *testing.T) {
	cfg := agentconfig.Default()
	cfg.DispatcherWorkers = 1
	storages := storageregistry.NewRegistry()
	sb := sandbox.NewSandbox(newFakeRuntime(), namespace.NewManager(""), storages)
	d := NewDispatcher(sb, storages, cfg, "1.0.0-test", "1")

	require.Len(t, d.sem, 0)
	assert.Equal(t, 1, cap(d.sem))

	done := make(chan struct{})
	go func() {
		_ = d.OnlineCPUMem(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never completed")
	}
}

func TestVersionReportsBothVersions(t *testing.T) {
	d := newTestDispatcher()
	got := d.Version(context.Background())
	assert.Equal(t, "1.0.0-test", got.VersionAgent)
	assert.Equal(t, "1", got.VersionAPI)
}

func TestHealthCheckReportsServing(t *testing.T) {
	d := newTestDispatcher()
	h := NewHealthServer(d)

	resp, err := h.Check(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, resp.Status)
}
