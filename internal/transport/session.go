package transport

import (
	"context"
	"errors"
	"strings"

	"openvdm-jobs/internal/models"
	"openvdm-jobs/internal/reconcile"
)

// rsyncSession is the session shared by every rsync based adapter.
type rsyncSession struct {
	ep     Endpoint
	runner Runner
	ws     *Workspace

	// remote is the rsync argument for the remote side without a trailing
	// slash: a local path, a mounted share path, user@host:path or an
	// rsync:// URL.
	remote string
	// remoteIsLocal is set when remote can be walked directly.
	remoteIsLocal bool
	wrapper       []string
	env           []string
	extra         []string

	// cleanup runs in reverse order before the workspace is removed. A
	// failing step keeps the workspace on disk.
	cleanup []func() error
}

func (s *rsyncSession) call() rsyncCall {
	c := rsyncCall{wrapper: s.wrapper, env: s.env, extra: s.extra}
	local := strings.TrimSuffix(s.ep.Local, "/") + "/"
	remote := strings.TrimSuffix(s.remote, "/") + "/"
	if s.ep.Direction == Push {
		c.src, c.dst = local, remote
	} else {
		c.src, c.dst = remote, local
	}
	return c
}

func (s *rsyncSession) Files(ctx context.Context, opts reconcile.Options) (models.FileSet, reconcile.Stats, error) {
	switch {
	case s.ep.Direction == Push:
		opts.Root = s.ep.Local
		return reconcile.Local(ctx, opts)
	case s.remoteIsLocal:
		opts.Root = s.remote
		return reconcile.Local(ctx, opts)
	default:
		return listRemote(ctx, s.runner, s.call(), strings.TrimSuffix(s.ep.Remote, "/"), opts)
	}
}

func (s *rsyncSession) Transfer(ctx context.Context, req Request) Outcome {
	return runRsync(ctx, s.runner, s.ws, s.ep.Definition, s.call(), req)
}

func (s *rsyncSession) Close() error {
	var errs []error
	for i := len(s.cleanup) - 1; i >= 0; i-- {
		if err := s.cleanup[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.cleanup = nil
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return s.ws.Close()
}
