// Package transport moves files between the warehouse and collection systems
// or archives. Every kind except s3 drives rsync in itemize mode and turns its
// change lines into new and updated file lists.
package transport

import (
	"context"
	"errors"
	"fmt"

	"openvdm-jobs/internal/models"
	"openvdm-jobs/internal/reconcile"
)

// ErrUnsupportedKind is returned for transfer kinds no adapter handles in the
// requested direction.
var ErrUnsupportedKind = errors.New("unsupported transfer kind")

// Direction says which side of a transfer the warehouse is on.
type Direction int

const (
	// Pull copies from a collection system into the warehouse.
	Pull Direction = iota
	// Push copies warehouse data out to an archive.
	Push
)

func (d Direction) String() string {
	if d == Push {
		return "push"
	}
	return "pull"
}

// Endpoint describes both sides of one transfer.
type Endpoint struct {
	Definition models.TransferDefinition
	Direction  Direction
	// Local is the warehouse side path, the destination of a pull or the
	// source of a push.
	Local string
	// Remote is the resolved sourceDir of a pull or destDir of a push, as a
	// path on the remote server, share or local filesystem.
	Remote string
}

// Stopper is polled between output lines; a true answer ends the transfer early.
type Stopper interface {
	Stopped() bool
}

// ProgressFunc receives numerator/denominator progress.
type ProgressFunc func(numerator, denominator int)

// Request is one transfer of an already reconciled include list.
type Request struct {
	Include        []string
	BandwidthLimit int // kbit/s, 0 is unlimited
	Stop           Stopper
	Progress       ProgressFunc
	// ProgressBase and ProgressRange map completed/total onto a percentage.
	ProgressBase  int
	ProgressRange int
}

// Outcome is the structured result of a transfer. Failures carry Verdict
// false and a reason; nothing in this package panics on bad endpoints.
type Outcome struct {
	Verdict bool
	Reason  string
	Files   models.FileSet
}

func failed(format string, args ...any) Outcome {
	return Outcome{Reason: fmt.Sprintf(format, args...), Files: emptyFiles()}
}

func emptyFiles() models.FileSet {
	return models.FileSet{Include: []string{}, Exclude: []string{}, New: []string{}, Updated: []string{}}
}

// Session is an open endpoint. Close must be called on every path.
type Session interface {
	// Files reconciles the source side of the transfer. opts.Root is set by
	// the session.
	Files(ctx context.Context, opts reconcile.Options) (models.FileSet, reconcile.Stats, error)
	Transfer(ctx context.Context, req Request) Outcome
	Close() error
}

// Adapter opens sessions for one transfer kind.
type Adapter interface {
	Kind() models.TransferKind
	Open(ctx context.Context, ep Endpoint) (Session, error)
	// Test checks connectivity step by step and stops at the first failure.
	Test(ctx context.Context, ep Endpoint) []models.Part
}

// Set resolves adapters by kind.
type Set struct {
	adapters map[models.TransferKind]Adapter
}

// NewSet indexes adapters by their kind.
func NewSet(adapters ...Adapter) *Set {
	s := &Set{adapters: make(map[models.TransferKind]Adapter, len(adapters))}
	for _, a := range adapters {
		s.adapters[a.Kind()] = a
	}
	return s
}

// DefaultSet wires every adapter to the real command runner.
func DefaultSet(runner Runner, tempDir string) *Set {
	return NewSet(
		NewLocalAdapter(runner, tempDir),
		NewSMBAdapter(runner, tempDir),
		NewSSHAdapter(runner, tempDir),
		NewRsyncDaemonAdapter(runner, tempDir),
		NewS3Adapter(nil),
	)
}

// For returns the adapter for kind.
func (s *Set) For(kind models.TransferKind) (Adapter, error) {
	a, ok := s.adapters[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKind, kind)
	}
	return a, nil
}

func pass(name string) models.Part { return models.Part{PartName: name, Result: models.Pass} }

func fail(name, reason string) models.Part {
	return models.Part{PartName: name, Result: models.Fail, Reason: reason}
}
