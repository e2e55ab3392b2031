package transport

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	log "github.com/sirupsen/logrus"

	"openvdm-jobs/internal/models"
)

// SMBAdapter mounts a CIFS share on a private mountpoint and transfers with
// rsync against the mounted path.
type SMBAdapter struct {
	runner  Runner
	tempDir string
}

func NewSMBAdapter(runner Runner, tempDir string) *SMBAdapter {
	return &SMBAdapter{runner: runner, tempDir: tempDir}
}

func (a *SMBAdapter) Kind() models.TransferKind { return models.KindSMB }

// shareHost extracts the server name from //server/share.
func shareHost(server string) string {
	s := strings.TrimLeft(server, "/")
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	return s
}

func guest(def models.TransferDefinition) bool {
	return def.SMBUser == "" || strings.EqualFold(def.SMBUser, "guest")
}

// dialect probes the server with smbclient and picks the mount vers option.
// Servers that refuse SMB2 or report Windows 5.1 get 1.0.
func (a *SMBAdapter) dialect(ctx context.Context, def models.TransferDefinition) (string, error) {
	args := []string{"-L", shareHost(def.SMBServer), "-W", def.SMBDomain, "-m", "SMB2", "-g"}
	var env []string
	if guest(def) {
		args = append(args, "-N")
	} else {
		args = append(args, "-U", def.SMBUser)
		env = []string{"PASSWD=" + def.SMBPass}
	}
	out, err := a.runner.Run(ctx, Command{Name: "smbclient", Args: args, Env: env})
	text := string(out)
	if strings.Contains(text, "NT_STATUS_LOGON_FAILURE") || strings.Contains(text, "NT_STATUS_ACCESS_DENIED") {
		return "", fmt.Errorf("unable to connect to SMB server %s: authentication failed", def.SMBServer)
	}
	for _, unreachable := range []string{"NT_STATUS_HOST_UNREACHABLE", "NT_STATUS_IO_TIMEOUT", "NT_STATUS_CONNECTION_REFUSED"} {
		if strings.Contains(text, unreachable) {
			return "", fmt.Errorf("unable to connect to SMB server %s: %s", def.SMBServer, unreachable)
		}
	}
	if err != nil || strings.Contains(text, "OS=[Windows 5.1]") {
		return "1.0", nil
	}
	return "2.1", nil
}

func (a *SMBAdapter) mount(ctx context.Context, ws *Workspace, def models.TransferDefinition, readOnly bool) (string, func() error, error) {
	vers, err := a.dialect(ctx, def)
	if err != nil {
		return "", nil, err
	}
	mnt, err := ws.Mkdir("mntpoint")
	if err != nil {
		return "", nil, err
	}
	mode := "rw"
	if readOnly {
		mode = "ro"
	}
	opts := []string{mode, "vers=" + vers}
	var credFile string
	if guest(def) {
		opts = append(opts, "guest")
	} else {
		creds := fmt.Sprintf("username=%s\npassword=%s\n", def.SMBUser, def.SMBPass)
		if def.SMBDomain != "" {
			creds += "domain=" + def.SMBDomain + "\n"
		}
		if credFile, err = ws.WriteFile("smbcredentials", []byte(creds)); err != nil {
			return "", nil, err
		}
		opts = append(opts, "credentials="+credFile)
	}
	cmd := Command{Name: "mount", Args: []string{"-t", "cifs", def.SMBServer, mnt, "-o", strings.Join(opts, ",")}}
	if _, err := a.runner.Run(ctx, cmd); err != nil {
		return "", nil, fmt.Errorf("unable to mount SMB share %s: %w", def.SMBServer, err)
	}
	unmount := func() error {
		if _, err := a.runner.Run(context.Background(), Command{Name: "umount", Args: []string{mnt}}); err != nil {
			// the share may still be mounted, so the workspace must not be
			// removed recursively
			if credFile != "" {
				_ = os.Remove(credFile)
			}
			log.WithError(err).WithField("mountpoint", mnt).Error("unable to unmount SMB share")
			return fmt.Errorf("unmount %s: %w", mnt, err)
		}
		return nil
	}
	return mnt, unmount, nil
}

func (a *SMBAdapter) Open(ctx context.Context, ep Endpoint) (Session, error) {
	ws, err := NewWorkspace(a.tempDir)
	if err != nil {
		return nil, err
	}
	mnt, unmount, err := a.mount(ctx, ws, ep.Definition, ep.Direction == Pull && !bool(ep.Definition.RemoveSourceFiles))
	if err != nil {
		_ = ws.Close()
		return nil, err
	}
	return &rsyncSession{
		ep:            ep,
		runner:        a.runner,
		ws:            ws,
		remote:        path.Join(mnt, ep.Remote),
		remoteIsLocal: true,
		cleanup:       []func() error{unmount},
	}, nil
}

func (a *SMBAdapter) Test(ctx context.Context, ep Endpoint) []models.Part {
	var parts []models.Part
	if _, err := a.dialect(ctx, ep.Definition); err != nil {
		return append(parts, fail("SMB Server", err.Error()))
	}
	parts = append(parts, pass("SMB Server"))

	ws, err := NewWorkspace(a.tempDir)
	if err != nil {
		return append(parts, fail("SMB Share", err.Error()))
	}
	mnt, unmount, err := a.mount(ctx, ws, ep.Definition, ep.Direction == Pull)
	if err != nil {
		_ = ws.Close()
		return append(parts, fail("SMB Share", err.Error()))
	}
	defer func() {
		if err := unmount(); err == nil {
			_ = ws.Close()
		}
	}()
	parts = append(parts, pass("SMB Share"))

	dir := path.Join(mnt, ep.Remote)
	name := "Source Directory"
	if ep.Direction == Push {
		name = "Destination Directory"
	}
	if !isDir(dir) {
		return append(parts, fail(name, fmt.Sprintf("Unable to find %s within SMB share", ep.Remote)))
	}
	parts = append(parts, pass(name))
	if ep.Direction == Push {
		if err := writeTest(dir); err != nil {
			return append(parts, fail("Write Test", "Unable to write to destination directory within SMB share"))
		}
		parts = append(parts, pass("Write Test"))
	}
	return parts
}
