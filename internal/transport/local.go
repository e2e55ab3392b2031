package transport

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"openvdm-jobs/internal/models"
)

// LocalAdapter transfers between directories on the warehouse filesystem.
type LocalAdapter struct {
	runner  Runner
	tempDir string
}

func NewLocalAdapter(runner Runner, tempDir string) *LocalAdapter {
	return &LocalAdapter{runner: runner, tempDir: tempDir}
}

func (a *LocalAdapter) Kind() models.TransferKind { return models.KindLocal }

func (a *LocalAdapter) Open(ctx context.Context, ep Endpoint) (Session, error) {
	if ep.Definition.LocalDirIsMountPoint {
		ok, err := isMountPoint(ep.Remote)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%s is not a mountpoint", ep.Remote)
		}
	}
	ws, err := NewWorkspace(a.tempDir)
	if err != nil {
		return nil, err
	}
	return &rsyncSession{ep: ep, runner: a.runner, ws: ws, remote: ep.Remote, remoteIsLocal: true}, nil
}

func (a *LocalAdapter) Test(ctx context.Context, ep Endpoint) []models.Part {
	var parts []models.Part
	if ep.Definition.LocalDirIsMountPoint {
		ok, err := isMountPoint(ep.Remote)
		if err != nil || !ok {
			return append(parts, fail("Mountpoint", fmt.Sprintf("Unable to confirm %s is a mountpoint", ep.Remote)))
		}
		parts = append(parts, pass("Mountpoint"))
	}
	if ep.Direction == Pull {
		if !isDir(ep.Remote) {
			return append(parts, fail("Source Directory", fmt.Sprintf("Unable to find source directory: %s", ep.Remote)))
		}
		parts = append(parts, pass("Source Directory"))
		if !isDir(ep.Local) {
			return append(parts, fail("Destination Directory", fmt.Sprintf("Unable to find destination directory: %s", ep.Local)))
		}
		return append(parts, pass("Destination Directory"))
	}
	if !isDir(ep.Remote) {
		return append(parts, fail("Destination Directory", fmt.Sprintf("Unable to find destination directory: %s", ep.Remote)))
	}
	parts = append(parts, pass("Destination Directory"))
	if err := writeTest(ep.Remote); err != nil {
		return append(parts, fail("Write Test", fmt.Sprintf("Unable to write to destination directory: %s", ep.Remote)))
	}
	return append(parts, pass("Write Test"))
}

func isDir(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.IsDir()
}

func writeTest(dir string) error {
	f, err := os.CreateTemp(dir, ".openvdm_write_test_")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// isMountPoint compares the device of path with its parent's.
func isMountPoint(p string) (bool, error) {
	info, err := os.Stat(p)
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", p, err)
	}
	parent, err := os.Stat(filepath.Dir(filepath.Clean(p)))
	if err != nil {
		return false, fmt.Errorf("stat parent of %s: %w", p, err)
	}
	st, ok1 := info.Sys().(*syscall.Stat_t)
	pst, ok2 := parent.Sys().(*syscall.Stat_t)
	if !ok1 || !ok2 {
		return false, fmt.Errorf("no device information for %s", p)
	}
	return st.Dev != pst.Dev || st.Ino == pst.Ino, nil
}
