package storageregistry

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/cuemby/kata-agent/pkg/log"
)

// Request describes one storage to mount, matching the fields the
// dispatcher receives in a CreateSandbox/CreateContainer storages[] entry.
type Request struct {
	// Driver selects the handler: "bind", "overlay", "tmpfs" are built in;
	// device-specific drivers ("blk", "9p", "virtio-fs", ...) are the
	// out-of-scope collaborator named in spec §1 and must be registered by
	// the binary that wires this registry together.
	Driver     string
	Source     string
	MountPoint string
	Fstype     string
	Options    []string
}

// Handler mounts a Request and reports the mount point it produced. Some
// handlers (e.g. overlay) may choose a mount point different from the one
// requested; the registry tracks whatever the handler returns.
type Handler interface {
	Mount(req Request) (mountPoint string, err error)
}

// Registry maps handler keys to Handlers and ref-counts every mount point
// that has been mounted through it (spec §3: storages[mp].refcount).
type Registry struct {
	mu        sync.Mutex
	handlers  map[string]Handler
	refcounts map[string]int
}

// NewRegistry returns a Registry pre-populated with the built-in bind,
// overlay, and tmpfs handlers.
func NewRegistry() *Registry {
	r := &Registry{
		handlers:  make(map[string]Handler),
		refcounts: make(map[string]int),
	}
	r.Register("bind", bindHandler{})
	r.Register("overlay", overlayHandler{})
	r.Register("tmpfs", tmpfsHandler{})
	return r
}

// Register installs (or replaces) the handler for driver.
func (r *Registry) Register(driver string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[driver] = h
}

// KnownDrivers lists every registered handler key, used by
// guestutil.GetGuestDetails to report known storage handlers.
func (r *Registry) KnownDrivers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	drivers := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		drivers = append(drivers, k)
	}
	return drivers
}

// Mount dispatches req to its driver's handler and increments the
// resulting mount point's refcount.
func (r *Registry) Mount(req Request) (string, error) {
	r.mu.Lock()
	handler, ok := r.handlers[req.Driver]
	r.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("no storage handler registered for driver %q", req.Driver)
	}

	mountPoint, err := handler.Mount(req)
	if err != nil {
		return "", fmt.Errorf("mount %s (driver %s): %w", req.MountPoint, req.Driver, err)
	}

	r.mu.Lock()
	r.refcounts[mountPoint]++
	r.mu.Unlock()

	log.WithComponent("storageregistry").Debug().
		Str("mount_point", mountPoint).
		Str("driver", req.Driver).
		Msg("mounted storage")

	return mountPoint, nil
}

// Release decrements mountPoint's refcount and reports what remains. It is
// the caller's responsibility to actually unmount (via the out-of-scope
// remove_mounts collaborator) and call Unset once the count reaches zero;
// the invariant from spec §3 is "refcount >= 1 while referenced anywhere",
// so Release never removes entries itself — Unset does.
func (r *Registry) Release(mountPoint string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.refcounts[mountPoint] > 0 {
		r.refcounts[mountPoint]--
	}
	return r.refcounts[mountPoint]
}

// Unset drops mountPoint from the registry entirely. Callers must only do
// this once Release has reported a refcount of zero.
func (r *Registry) Unset(mountPoint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.refcounts, mountPoint)
}

// Refcount reports the current refcount for mountPoint (0 if untracked).
func (r *Registry) Refcount(mountPoint string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refcounts[mountPoint]
}

type bindHandler struct{}

func (bindHandler) Mount(req Request) (string, error) {
	flags := uintptr(unix.MS_BIND)
	for _, opt := range req.Options {
		if opt == "ro" {
			flags |= unix.MS_RDONLY
		}
		if opt == "rbind" {
			flags |= unix.MS_REC
		}
	}
	if err := unix.Mount(req.Source, req.MountPoint, "", flags, ""); err != nil {
		return "", fmt.Errorf("bind mount %s to %s: %w", req.Source, req.MountPoint, err)
	}
	return req.MountPoint, nil
}

type overlayHandler struct{}

func (overlayHandler) Mount(req Request) (string, error) {
	data := "lowerdir=" + req.Source
	for _, opt := range req.Options {
		data += "," + opt
	}
	if err := unix.Mount("overlay", req.MountPoint, "overlay", 0, data); err != nil {
		return "", fmt.Errorf("overlay mount onto %s: %w", req.MountPoint, err)
	}
	return req.MountPoint, nil
}

type tmpfsHandler struct{}

func (tmpfsHandler) Mount(req Request) (string, error) {
	var data string
	for i, opt := range req.Options {
		if i > 0 {
			data += ","
		}
		data += opt
	}
	if err := unix.Mount("tmpfs", req.MountPoint, "tmpfs", 0, data); err != nil {
		return "", fmt.Errorf("tmpfs mount onto %s: %w", req.MountPoint, err)
	}
	return req.MountPoint, nil
}
