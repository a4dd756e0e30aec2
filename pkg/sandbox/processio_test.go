package sandbox

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func containerWithProcess(t *testing.T, sb *Sandbox, containerID, execID string, p *Process) *Container {
	t.Helper()
	c := newContainer(containerID, CreateOptions{})
	c.addProcess(p)
	sb.mu.Lock()
	sb.containers[containerID] = c
	sb.mu.Unlock()
	return c
}

func TestWriteStdinPrefersTermMaster(t *testing.T) {
	sb := newTestSandbox(newFakeRuntime())
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()

	p := &Process{ExecID: "e1", PID: 1, TermMaster: w}
	containerWithProcess(t, sb, "c1", "e1", p)

	n, err := sb.WriteStdin("c1", "e1", []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	buf := make([]byte, 2)
	_, err = r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(buf))
}

func TestWriteStdinNoFdReturnsIOError(t *testing.T) {
	sb := newTestSandbox(newFakeRuntime())
	p := &Process{ExecID: "e1", PID: 1}
	containerWithProcess(t, sb, "c1", "e1", p)

	_, err := sb.WriteStdin("c1", "e1", []byte("hi"))
	assert.Error(t, err)
}

func TestReadStdoutVsStderrSelection(t *testing.T) {
	sb := newTestSandbox(newFakeRuntime())

	outR, outW, err := os.Pipe()
	require.NoError(t, err)
	defer outR.Close()
	errR, errW, err := os.Pipe()
	require.NoError(t, err)
	defer errR.Close()

	p := &Process{ExecID: "e1", PID: 1, ParentStdout: outR, ParentStderr: errR}
	containerWithProcess(t, sb, "c1", "e1", p)

	outW.Write([]byte("out"))
	errW.Write([]byte("err"))

	got, err := sb.ReadStdout("c1", "e1", 3)
	require.NoError(t, err)
	assert.Equal(t, "out", string(got))

	got, err = sb.ReadStderr("c1", "e1", 3)
	require.NoError(t, err)
	assert.Equal(t, "err", string(got))
}

func TestCloseStdinClosesTermMasterThenStdin(t *testing.T) {
	sb := newTestSandbox(newFakeRuntime())
	_, w1, err := os.Pipe()
	require.NoError(t, err)
	_, w2, err := os.Pipe()
	require.NoError(t, err)

	p := &Process{ExecID: "e1", PID: 1, TermMaster: w1, ParentStdin: w2}
	containerWithProcess(t, sb, "c1", "e1", p)

	require.NoError(t, sb.CloseStdin("c1", "e1"))
	assert.Nil(t, p.TermMaster)
	assert.Nil(t, p.ParentStdin)
}

func TestListProcessesJSONFormat(t *testing.T) {
	sb := newTestSandbox(newFakeRuntime())
	p := &Process{ExecID: "", PID: 42, Init: true}
	containerWithProcess(t, sb, "c1", "", p)

	raw, err := sb.ListProcesses("c1", "json", nil)
	require.NoError(t, err)

	var pids []int
	require.NoError(t, json.Unmarshal(raw, &pids))
	assert.Equal(t, []int{42}, pids)
}

func TestListProcessesUnknownFormat(t *testing.T) {
	sb := newTestSandbox(newFakeRuntime())
	p := &Process{ExecID: "", PID: 1, Init: true}
	containerWithProcess(t, sb, "c1", "", p)

	_, err := sb.ListProcesses("c1", "xml", nil)
	assert.Error(t, err)
}

func TestListProcessesUnknownContainer(t *testing.T) {
	sb := newTestSandbox(newFakeRuntime())
	_, err := sb.ListProcesses("missing", "json", nil)
	assert.Error(t, err)
}
