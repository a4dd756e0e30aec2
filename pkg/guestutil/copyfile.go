package guestutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/cuemby/kata-agent/pkg/agenterr"
	"github.com/cuemby/kata-agent/pkg/sandbox"
)

// CopyFileRequest is one chunk of the copy_file staging protocol (spec
// §4.8).
type CopyFileRequest struct {
	Path     string
	Offset   int64
	FileSize int64
	Data     []byte
	DirMode  os.FileMode
	FileMode os.FileMode
	UID      int
	GID      int
}

// tmpSuffix names the sibling staging file copy_file writes chunks into
// before the commit rename.
const tmpSuffix = ".tmp"

// CopyFile applies one chunk of req, finalizing the target once its
// staged size reaches req.FileSize. The rename from the .tmp sibling to
// the real path is the commit point (spec §4.8 step 5); callers retrying a
// chunk after a crash simply re-write the same bytes at the same offset,
// which is idempotent since the write doesn't truncate.
func CopyFile(req CopyFileRequest) error {
	if !strings.HasPrefix(req.Path, sandbox.BaseDir) {
		return agenterr.Newf(agenterr.InvalidArgument, "copy_file", "path %s is outside %s", req.Path, sandbox.BaseDir)
	}

	dir := filepath.Dir(req.Path)
	if err := os.MkdirAll(dir, req.DirMode); err != nil {
		return agenterr.New(agenterr.Internal, "copy_file", fmt.Errorf("create parent dir %s: %w", dir, err))
	}
	if err := os.Chmod(dir, req.DirMode); err != nil {
		return agenterr.New(agenterr.Internal, "copy_file", fmt.Errorf("chmod parent dir %s: %w", dir, err))
	}

	tmpPath := req.Path + tmpSuffix
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE, 0o600)
	if err != nil {
		return agenterr.New(agenterr.Internal, "copy_file", fmt.Errorf("open staging file %s: %w", tmpPath, err))
	}
	if _, err := f.WriteAt(req.Data, req.Offset); err != nil {
		f.Close()
		return agenterr.New(agenterr.Internal, "copy_file", fmt.Errorf("write chunk at offset %d: %w", req.Offset, err))
	}
	f.Close()

	info, err := os.Stat(tmpPath)
	if err != nil {
		return agenterr.New(agenterr.Internal, "copy_file", fmt.Errorf("stat staging file %s: %w", tmpPath, err))
	}
	if info.Size() < req.FileSize {
		// Transfer incomplete; the caller will send more chunks.
		return nil
	}

	if err := os.Chmod(tmpPath, req.FileMode); err != nil {
		return agenterr.New(agenterr.Internal, "copy_file", fmt.Errorf("chmod %s: %w", tmpPath, err))
	}
	if err := unix.Chown(tmpPath, req.UID, req.GID); err != nil {
		return agenterr.New(agenterr.Internal, "copy_file", fmt.Errorf("chown %s: %w", tmpPath, err))
	}
	if err := os.Rename(tmpPath, req.Path); err != nil {
		return agenterr.New(agenterr.Internal, "copy_file", fmt.Errorf("commit rename %s -> %s: %w", tmpPath, req.Path, err))
	}

	guestutilLogger.Info().Str("path", req.Path).Msg("copy_file committed")
	return nil
}
