package sandbox

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"testing"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/kata-agent/pkg/agenterr"
	"github.com/cuemby/kata-agent/pkg/namespace"
	"github.com/cuemby/kata-agent/pkg/storageregistry"
)

func newTestSandbox(fr *fakeRuntime) *Sandbox {
	return NewSandbox(fr, namespace.NewManager(""), storageregistry.NewRegistry())
}

func specFor(args ...string) *specs.Spec {
	return &specs.Spec{
		Root:    &specs.Root{Path: "/tmp"},
		Process: &specs.Process{Args: args},
	}
}

// Scenario 1: Create/Start/Wait.
func TestCreateStartWaitInitProcessExitsZero(t *testing.T) {
	sb := newTestSandbox(newFakeRuntime())
	ctx := context.Background()

	require.NoError(t, sb.CreateContainer(ctx, "c1", "", specFor("/bin/true"), nil, nil))
	require.NoError(t, sb.StartContainer(ctx, "c1"))

	code, err := sb.WaitProcess("c1", "")
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}

// Scenario 2: SIGTERM promotion when the init process hasn't installed a
// handler for it.
func TestSignalProcessPromotesSIGTERMToSIGKILL(t *testing.T) {
	sb := newTestSandbox(newFakeRuntime())
	ctx := context.Background()

	require.NoError(t, sb.CreateContainer(ctx, "c2", "", specFor("sleep", "5"), nil, nil))
	require.NoError(t, sb.StartContainer(ctx, "c2"))

	c, ok := sb.GetContainer("c2")
	require.True(t, ok)
	pid := c.InitPID
	require.False(t, processCatchesSIGTERM(pid), "sleep installs no SIGTERM handler")

	require.NoError(t, sb.SignalProcess("c2", "", syscall.SIGTERM))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if syscall.Kill(pid, 0) != nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("process %d still alive after promoted SIGKILL", pid)
}

func TestProcessCatchesSIGTERMDetectsInstalledHandler(t *testing.T) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM)
	defer signal.Stop(ch)

	assert.True(t, processCatchesSIGTERM(os.Getpid()))
}

// Scenario 3: RemoveContainer with a timeout shorter than the destroy.
func TestRemoveContainerTimesOutThenSucceeds(t *testing.T) {
	fr := newFakeRuntime()
	fr.destroyDelay = 150 * time.Millisecond
	sb := newTestSandbox(fr)
	ctx := context.Background()

	require.NoError(t, sb.CreateContainer(ctx, "c3", "", specFor("sleep", "5"), nil, nil))
	require.NoError(t, sb.StartContainer(ctx, "c3"))

	start := time.Now()
	err := sb.RemoveContainer(ctx, "c3", 20*time.Millisecond)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Equal(t, agenterr.Timeout, agenterr.KindOf(err))
	assert.Less(t, elapsed, 150*time.Millisecond)

	// The worker is still finishing destroy; give it time, then retry
	// synchronously per spec §4.2 (0 disables the worker path).
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, sb.RemoveContainer(ctx, "c3", 0))

	_, ok := sb.GetContainer("c3")
	assert.False(t, ok)
}

// Scenario 4: TTY resize without a pty.
func TestTtyWinResizeWithoutPtyIsUnavailable(t *testing.T) {
	sb := newTestSandbox(newFakeRuntime())
	ctx := context.Background()

	require.NoError(t, sb.CreateContainer(ctx, "c4", "", specFor("/bin/true"), nil, nil))
	require.NoError(t, sb.ExecProcess(ctx, "c4", "exec1", &specs.Process{Args: []string{"/bin/true"}}))

	err := sb.TtyWinResize("c4", "exec1", 24, 80)
	require.Error(t, err)
	assert.Equal(t, agenterr.Unavailable, agenterr.KindOf(err))
}

// Scenario 6: ListProcesses table filter keeps the header and only the
// container's own rows.
func TestFilterPSOutputKeepsHeaderAndOwnPIDOnly(t *testing.T) {
	psOutput := "UID   PID  PPID  C STIME TTY   TIME     CMD\n" +
		"root    1     0  0 Jan01 ?     00:00:01 init\n" +
		"root   42     1  0 Jan01 ?     00:00:00 agent\n" +
		"root   99     1  0 Jan01 ?     00:00:00 other\n"

	pids := map[int]struct{}{42: {}}
	out, err := filterPSOutput([]byte(psOutput), pids)
	require.NoError(t, err)

	lines := splitLines(string(out))
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "PID")
	assert.Contains(t, lines[1], "42")
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i, r := range s {
		if r == '\n' {
			if i > start {
				lines = append(lines, s[start:i])
			}
			start = i + 1
		}
	}
	return lines
}

func TestRemoveContainerInvariantsAfterSuccess(t *testing.T) {
	sb := newTestSandbox(newFakeRuntime())
	ctx := context.Background()

	require.NoError(t, sb.CreateContainer(ctx, "c5", "", specFor("/bin/true"), nil, nil))
	require.NoError(t, sb.StartContainer(ctx, "c5"))
	require.NoError(t, sb.RemoveContainer(ctx, "c5", 0))

	_, ok := sb.GetContainer("c5")
	assert.False(t, ok)
	sb.mu.Lock()
	_, mountsTracked := sb.containerMounts["c5"]
	sb.mu.Unlock()
	assert.False(t, mountsTracked)
}

func TestWaitProcessClearsAllFdsAndIsNotRepeatable(t *testing.T) {
	sb := newTestSandbox(newFakeRuntime())
	ctx := context.Background()

	require.NoError(t, sb.CreateContainer(ctx, "c6", "", specFor("/bin/true"), nil, nil))
	require.NoError(t, sb.StartContainer(ctx, "c6"))

	_, err := sb.WaitProcess("c6", "")
	require.NoError(t, err)

	_, err = sb.WaitProcess("c6", "")
	require.Error(t, err)
}
