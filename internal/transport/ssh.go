package transport

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"openvdm-jobs/internal/models"
)

const sshOptions = "ssh -o StrictHostKeyChecking=no -o UserKnownHostsFile=/dev/null"

// SSHAdapter runs rsync over ssh, authenticating with the worker's key or a
// password fed through sshpass.
type SSHAdapter struct {
	runner  Runner
	tempDir string
	// dial opens a client connection; replaced in tests.
	dial func(ctx context.Context, def models.TransferDefinition) (sshClient, error)
}

// sshClient is the subset of *ssh.Client used by connection tests.
type sshClient interface {
	Run(cmd string) error
	Close() error
}

func NewSSHAdapter(runner Runner, tempDir string) *SSHAdapter {
	return &SSHAdapter{runner: runner, tempDir: tempDir, dial: dialSSH}
}

func (a *SSHAdapter) Kind() models.TransferKind { return models.KindSSH }

func (a *SSHAdapter) Open(ctx context.Context, ep Endpoint) (Session, error) {
	ws, err := NewWorkspace(a.tempDir)
	if err != nil {
		return nil, err
	}
	def := ep.Definition
	s := &rsyncSession{
		ep:     ep,
		runner: a.runner,
		ws:     ws,
		remote: def.SSHUser + "@" + def.SSHServer + ":" + ep.Remote,
	}
	if def.SSHUseKey {
		s.extra = []string{"-e", sshOptions + " -o BatchMode=yes"}
	} else {
		s.wrapper = []string{"sshpass", "-e"}
		s.env = []string{"SSHPASS=" + def.SSHPass}
		s.extra = []string{"-e", sshOptions + " -o PubkeyAuthentication=no"}
	}
	return s, nil
}

func (a *SSHAdapter) Test(ctx context.Context, ep Endpoint) []models.Part {
	var parts []models.Part
	client, err := a.dial(ctx, ep.Definition)
	if err != nil {
		return append(parts, fail("SSH Connection", fmt.Sprintf("Unable to connect to %s: %v", ep.Definition.SSHServer, err)))
	}
	defer client.Close()
	parts = append(parts, pass("SSH Connection"))

	name := "Source Directory"
	if ep.Direction == Push {
		name = "Destination Directory"
	}
	if err := client.Run("test -d " + shellQuote(ep.Remote)); err != nil {
		return append(parts, fail(name, fmt.Sprintf("Unable to find %s on %s", ep.Remote, ep.Definition.SSHServer)))
	}
	parts = append(parts, pass(name))
	if ep.Direction == Push {
		probe := strings.TrimSuffix(ep.Remote, "/") + "/.openvdm_write_test"
		if err := client.Run("touch " + shellQuote(probe) + " && rm " + shellQuote(probe)); err != nil {
			return append(parts, fail("Write Test", fmt.Sprintf("Unable to write to %s on %s", ep.Remote, ep.Definition.SSHServer)))
		}
		parts = append(parts, pass("Write Test"))
	}
	return parts
}

type sshClientAdapter struct{ c *ssh.Client }

func (s sshClientAdapter) Run(cmd string) error {
	sess, err := s.c.NewSession()
	if err != nil {
		return err
	}
	defer sess.Close()
	return sess.Run(cmd)
}

func (s sshClientAdapter) Close() error { return s.c.Close() }

func dialSSH(ctx context.Context, def models.TransferDefinition) (sshClient, error) {
	cfg := &ssh.ClientConfig{
		User:            def.SSHUser,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         15 * time.Second,
	}
	if def.SSHUseKey {
		signer, err := loadKey()
		if err != nil {
			return nil, err
		}
		cfg.Auth = []ssh.AuthMethod{ssh.PublicKeys(signer)}
	} else {
		cfg.Auth = []ssh.AuthMethod{ssh.Password(def.SSHPass)}
	}
	addr := def.SSHServer
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "22")
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return sshClientAdapter{c: ssh.NewClient(c, chans, reqs)}, nil
}

func loadKey() (ssh.Signer, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
		pem, err := os.ReadFile(filepath.Join(home, ".ssh", name))
		if err != nil {
			continue
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		return signer, nil
	}
	return nil, fmt.Errorf("no ssh private key found in %s/.ssh", home)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
