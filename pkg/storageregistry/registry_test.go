package storageregistry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandler struct {
	mountPoint string
	err        error
}

func (f fakeHandler) Mount(req Request) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if f.mountPoint != "" {
		return f.mountPoint, nil
	}
	return req.MountPoint, nil
}

func TestMountIncrementsRefcount(t *testing.T) {
	r := NewRegistry()
	r.Register("fake", fakeHandler{})

	mp, err := r.Mount(Request{Driver: "fake", MountPoint: "/mnt/a"})
	require.NoError(t, err)
	assert.Equal(t, "/mnt/a", mp)
	assert.Equal(t, 1, r.Refcount("/mnt/a"))

	_, err = r.Mount(Request{Driver: "fake", MountPoint: "/mnt/a"})
	require.NoError(t, err)
	assert.Equal(t, 2, r.Refcount("/mnt/a"))
}

func TestReleaseDecrementsAndUnsetRemoves(t *testing.T) {
	r := NewRegistry()
	r.Register("fake", fakeHandler{})

	mp, err := r.Mount(Request{Driver: "fake", MountPoint: "/mnt/b"})
	require.NoError(t, err)

	remaining := r.Release(mp)
	assert.Equal(t, 0, remaining)

	r.Unset(mp)
	assert.Equal(t, 0, r.Refcount(mp))
}

func TestMountUnknownDriver(t *testing.T) {
	r := NewRegistry()
	_, err := r.Mount(Request{Driver: "nonexistent", MountPoint: "/mnt/c"})
	assert.Error(t, err)
}

func TestMountHandlerError(t *testing.T) {
	r := NewRegistry()
	r.Register("fake", fakeHandler{err: errors.New("boom")})

	_, err := r.Mount(Request{Driver: "fake", MountPoint: "/mnt/d"})
	assert.Error(t, err)
	assert.Equal(t, 0, r.Refcount("/mnt/d"))
}

func TestKnownDriversIncludesBuiltins(t *testing.T) {
	r := NewRegistry()
	drivers := r.KnownDrivers()
	assert.Contains(t, drivers, "bind")
	assert.Contains(t, drivers, "overlay")
	assert.Contains(t, drivers, "tmpfs")
}
