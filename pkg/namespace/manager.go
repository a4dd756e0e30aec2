package namespace

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/cuemby/kata-agent/pkg/log"
)

// Type identifies a kind of Linux namespace this package knows how to
// persist (or, for PID, deliberately does not).
type Type string

const (
	TypeIPC Type = "ipc"
	TypeUTS Type = "uts"
	TypePID Type = "pid"
)

func (t Type) cloneFlag() int {
	switch t {
	case TypeIPC:
		return unix.CLONE_NEWIPC
	case TypeUTS:
		return unix.CLONE_NEWUTS
	case TypePID:
		return unix.CLONE_NEWPID
	}
	return 0
}

// Namespace is a persisted namespace: a type plus the bind-mount path that
// now holds it open.
type Namespace struct {
	Type Type
	Path string
}

// ErrPersistNotSupported is returned by Setup for TypePID: PID namespaces
// cannot be persisted by bind-mounting a /proc/<pid>/task/<tid>/ns/pid
// inode the way IPC/UTS can, because the namespace only becomes "alive" once
// a process runs inside it.
var ErrPersistNotSupported = fmt.Errorf("namespace type pid cannot be persisted")

// DefaultDir is the conventional location for persistent namespaces
// (spec §6 filesystem paths).
const DefaultDir = "/var/run/sandbox-ns"

// Manager creates persistent namespaces under a root directory.
type Manager struct {
	dir string
}

// NewManager returns a Manager rooted at dir. An empty dir defaults to
// DefaultDir.
func NewManager(dir string) *Manager {
	if dir == "" {
		dir = DefaultDir
	}
	return &Manager{dir: dir}
}

// Setup creates one persistent namespace of the given type:
//  1. ensure the persistent namespace directory exists
//  2. create an empty file as the bind-mount target
//  3. spawn a worker goroutine locked to its own OS thread so the unshare
//     below never poisons a thread the Go runtime might hand back to this
//     goroutine or any other
//  4. in the worker: open the current thread's namespace file, unshare with
//     the type's clone flag, then recursive-bind-mount that namespace file
//     onto the target
//
// PID namespaces are refused: see ErrPersistNotSupported.
func (m *Manager) Setup(t Type) (Namespace, error) {
	if t == TypePID {
		return Namespace{}, ErrPersistNotSupported
	}

	logger := log.WithComponent("namespace")

	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return Namespace{}, fmt.Errorf("create persistent ns dir %s: %w", m.dir, err)
	}

	target := filepath.Join(m.dir, string(t))
	f, err := os.Create(target)
	if err != nil {
		return Namespace{}, fmt.Errorf("create bind-mount target %s: %w", target, err)
	}
	f.Close()

	errCh := make(chan error, 1)
	go func() {
		runtime.LockOSThread()
		// Deliberately never UnlockOSThread: this goroutine's thread has an
		// unshared namespace and must never be reused by another goroutine.
		errCh <- unshareAndBindMount(t, target)
	}()

	if err := <-errCh; err != nil {
		logger.Error().Err(err).Str("type", string(t)).Msg("failed to persist namespace")
		return Namespace{}, fmt.Errorf("setup %s namespace: %w", t, err)
	}

	logger.Info().Str("type", string(t)).Str("path", target).Msg("persisted shared namespace")
	return Namespace{Type: t, Path: target}, nil
}

// currentThreadNSPath mirrors the original agent's get_current_thread_ns_path:
// /proc/<pid>/task/<tid>/ns/<type>, valid only from the thread named by tid.
func currentThreadNSPath(t Type) string {
	return fmt.Sprintf("/proc/%d/task/%d/ns/%s", os.Getpid(), unix.Gettid(), t)
}

// unshareAndBindMount runs entirely on the calling (locked) OS thread.
func unshareAndBindMount(t Type, target string) error {
	originPath := currentThreadNSPath(t)

	origin, err := os.Open(originPath)
	if err != nil {
		return fmt.Errorf("open origin namespace %s: %w", originPath, err)
	}
	defer origin.Close()

	if err := unix.Unshare(t.cloneFlag()); err != nil {
		return fmt.Errorf("unshare %s: %w", t, err)
	}

	// The thread's namespace file now refers to the freshly unshared
	// namespace; bind-mount it (recursive, per the original agent's "rbind")
	// onto the persistent target so it outlives this goroutine.
	if err := unix.Mount(originPath, target, "none", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("bind mount %s to %s: %w", originPath, target, err)
	}

	return nil
}
