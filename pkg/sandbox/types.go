package sandbox

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cuemby/kata-agent/pkg/namespace"
	"github.com/cuemby/kata-agent/pkg/netlinkadapter"
	"github.com/cuemby/kata-agent/pkg/storageregistry"
)

// BaseDir is the root under which every container's bundle lives.
const BaseDir = "/run/kata-containers"

// ContainerState is a container's position in its Created->Running->
// Stopped->Removed lifecycle.
type ContainerState int

const (
	StateCreated ContainerState = iota
	StateRunning
	StateStopped
	StateRemoved
)

func (s ContainerState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// CreateOptions is the snapshot of the OCI spec and policy flags a
// container was created with.
type CreateOptions struct {
	Spec          *specs.Spec
	NoPivotRoot   bool
	GuestHookPath string
}

// Process is one process running inside a container: the init process or
// one started by ExecProcess. Every fd field is owned exclusively by this
// record; a handler that closes one always nils the slot in the same
// critical section.
type Process struct {
	ExecID string
	PID    int
	Init   bool

	// Spec is the OCI process spec this Process runs. CreateContainer sets
	// it from the container spec's top-level Process; ExecProcess sets it
	// from the caller-supplied process spec. The runtime collaborator reads
	// it in Start/Run to know what to execute.
	Spec *specs.Process

	ParentStdin  *os.File
	ParentStdout *os.File
	ParentStderr *os.File
	TermMaster   *os.File
	ExitPipeR    *os.File

	pipeW *os.File

	exitCode    int32
	exitCodeSet int32
}

// newProcess allocates a Process with its exit pipe wired. The write end is
// unexported: the only way to signal exit is the exported SetExitResult,
// which stores the code and closes it in one step.
func newProcess(execID string, init bool) (*Process, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create exit pipe: %w", err)
	}
	return &Process{ExecID: execID, Init: init, ExitPipeR: r, pipeW: w}, nil
}

// SetExitResult stores a process's exit code and closes the write end of
// its exit pipe, waking any WaitProcess blocked reading ExitPipeR. The
// store happens before the close so a reaper (the container runtime
// collaborator) satisfies the ordering spec §5 requires: exit_code is
// visible before the pipe reports EOF. Safe to call from any goroutine.
func (p *Process) SetExitResult(code int) {
	atomic.StoreInt32(&p.exitCode, int32(code))
	atomic.StoreInt32(&p.exitCodeSet, 1)
	p.pipeW.Close()
}

func (p *Process) exitCodeValue() int {
	return int(atomic.LoadInt32(&p.exitCode))
}

// Container is one OCI container inside the sandbox.
type Container struct {
	ID         string
	BaseDir    string
	CreateOpts CreateOptions

	InitPID int

	// Processes is keyed by PID, the table spec §3 names. ExecIDs is an
	// index back to it keyed by exec_id ("" means the init process), since
	// every lookup in §4.2/§4.5 arrives as (container id, exec id).
	Processes map[int]*Process
	ExecIDs   map[string]int

	State ContainerState

	rt RuntimeContainer
}

func newContainer(id string, opts CreateOptions) *Container {
	return &Container{
		ID:         id,
		BaseDir:    BaseDir + "/" + id,
		CreateOpts: opts,
		Processes:  make(map[int]*Process),
		ExecIDs:    make(map[string]int),
		State:      StateCreated,
	}
}

func (c *Container) process(execID string) (*Process, bool) {
	pid, ok := c.ExecIDs[execID]
	if !ok {
		return nil, false
	}
	p, ok := c.Processes[pid]
	return p, ok
}

func (c *Container) addProcess(p *Process) {
	c.Processes[p.PID] = p
	c.ExecIDs[p.ExecID] = p.PID
	if p.Init {
		c.InitPID = p.PID
	}
}

func (c *Container) removeProcess(execID string) {
	pid, ok := c.ExecIDs[execID]
	if !ok {
		return
	}
	delete(c.Processes, pid)
	delete(c.ExecIDs, execID)
}

// Sandbox is the process-wide singleton aggregating shared namespaces, the
// container registry, mounts, and the agent lifecycle signal (spec §2/§3).
// All of its fields are reached only while mu is held; callers that must
// block on a syscall drop mu first (spec §5).
type Sandbox struct {
	mu sync.Mutex

	ID       string
	Hostname string
	Running  bool

	containers      map[string]*Container
	containerMounts map[string][]string

	// storages implements spec §3's storages[mp].refcount map: the registry
	// dispatches to a per-driver Handler and ref-counts every mount point it
	// produces, so the sandbox doesn't duplicate that bookkeeping itself.
	storages *storageregistry.Registry
	mounts   []string

	SharedIPCNS  namespace.Namespace
	SharedUTSNs  namespace.Namespace
	SandboxPidNs bool
	NoPivotRoot  bool

	nsManager      *namespace.Manager
	runtime        ContainerRuntime
	deviceResolver DeviceResolver

	rtnl *netlinkadapter.Handle

	guestHookPath string

	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewSandbox constructs an un-started Sandbox. CreateSandbox must be called
// before any other operation.
func NewSandbox(runtime ContainerRuntime, nsManager *namespace.Manager, storages *storageregistry.Registry) *Sandbox {
	return &Sandbox{
		containers:      make(map[string]*Container),
		containerMounts: make(map[string][]string),
		storages:        storages,
		nsManager:       nsManager,
		runtime:         runtime,
		shutdown:        make(chan struct{}),
	}
}

// SetDeviceResolver installs the optional collaborator that rewrites device
// guest paths at CreateContainer time (spec §4.2 step 3). Devices are
// treated as already resolved when none is configured.
func (sb *Sandbox) SetDeviceResolver(r DeviceResolver) {
	sb.deviceResolver = r
}

// Shutdown returns the channel DestroySandbox closes exactly once, for the
// entrypoint binary to wait on.
func (sb *Sandbox) Shutdown() <-chan struct{} {
	return sb.shutdown
}
