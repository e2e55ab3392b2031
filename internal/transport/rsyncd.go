package transport

import (
	"context"
	"fmt"
	"strings"

	"openvdm-jobs/internal/models"
)

// RsyncDaemonAdapter talks to an rsync daemon module. Passwords go through a
// fresh owner-only password file per session.
type RsyncDaemonAdapter struct {
	runner  Runner
	tempDir string
}

func NewRsyncDaemonAdapter(runner Runner, tempDir string) *RsyncDaemonAdapter {
	return &RsyncDaemonAdapter{runner: runner, tempDir: tempDir}
}

func (a *RsyncDaemonAdapter) Kind() models.TransferKind { return models.KindRsyncDaemon }

func daemonURL(def models.TransferDefinition, dir string) string {
	host := def.RsyncServer
	if def.RsyncUser != "" && def.RsyncUser != "anonymous" {
		host = def.RsyncUser + "@" + host
	}
	return "rsync://" + host + "/" + strings.TrimLeft(dir, "/")
}

func (a *RsyncDaemonAdapter) Open(ctx context.Context, ep Endpoint) (Session, error) {
	ws, err := NewWorkspace(a.tempDir)
	if err != nil {
		return nil, err
	}
	s := &rsyncSession{ep: ep, runner: a.runner, ws: ws, remote: daemonURL(ep.Definition, ep.Remote)}
	if ep.Definition.RsyncUser != "" && ep.Definition.RsyncUser != "anonymous" {
		pwFile, err := ws.WriteFile("passwordFile", []byte(ep.Definition.RsyncPass))
		if err != nil {
			_ = ws.Close()
			return nil, fmt.Errorf("save temporary rsync password file: %w", err)
		}
		s.extra = []string{"--password-file=" + pwFile}
	}
	return s, nil
}

func (a *RsyncDaemonAdapter) Test(ctx context.Context, ep Endpoint) []models.Part {
	var parts []models.Part
	sess, err := a.Open(ctx, ep)
	if err != nil {
		return append(parts, fail("Rsync Connection", err.Error()))
	}
	defer sess.Close()
	s := sess.(*rsyncSession)
	args := append([]string{"--list-only", "--no-motd"}, s.extra...)
	args = append(args, daemonURL(ep.Definition, ""))
	if _, err := a.runner.Run(ctx, Command{Name: "rsync", Args: args}); err != nil {
		return append(parts, fail("Rsync Connection", fmt.Sprintf("Unable to connect to rsync server %s: %v", ep.Definition.RsyncServer, err)))
	}
	parts = append(parts, pass("Rsync Connection"))

	name := "Source Directory"
	if ep.Direction == Push {
		name = "Destination Directory"
	}
	args = append(append([]string{"--list-only", "--no-motd"}, s.extra...), strings.TrimSuffix(s.remote, "/")+"/")
	if _, err := a.runner.Run(ctx, Command{Name: "rsync", Args: args}); err != nil {
		return append(parts, fail(name, fmt.Sprintf("Unable to find %s on rsync server %s", ep.Remote, ep.Definition.RsyncServer)))
	}
	return append(parts, pass(name))
}
