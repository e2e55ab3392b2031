package transport

import (
	"fmt"
	"os"
	"path/filepath"
)

// Workspace is a private temporary directory for one transfer. It holds
// file lists, credential files and mount points, and is removed on Close.
type Workspace struct {
	Dir string
}

// NewWorkspace creates a 0700 directory under base.
func NewWorkspace(base string) (*Workspace, error) {
	dir, err := os.MkdirTemp(base, "openvdm-")
	if err != nil {
		return nil, fmt.Errorf("create temp workspace: %w", err)
	}
	if err := os.Chmod(dir, 0o700); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("restrict temp workspace: %w", err)
	}
	return &Workspace{Dir: dir}, nil
}

// WriteFile writes an owner-only file inside the workspace.
func (w *Workspace) WriteFile(name string, data []byte) (string, error) {
	p := filepath.Join(w.Dir, name)
	if err := os.WriteFile(p, data, 0o600); err != nil {
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	// WriteFile keeps the mode of an existing file
	if err := os.Chmod(p, 0o600); err != nil {
		return "", fmt.Errorf("restrict %s: %w", name, err)
	}
	return p, nil
}

// Mkdir creates a private subdirectory.
func (w *Workspace) Mkdir(name string) (string, error) {
	p := filepath.Join(w.Dir, name)
	if err := os.Mkdir(p, 0o700); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", name, err)
	}
	return p, nil
}

// Close removes the workspace and everything in it.
func (w *Workspace) Close() error {
	if w == nil || w.Dir == "" {
		return nil
	}
	return os.RemoveAll(w.Dir)
}
