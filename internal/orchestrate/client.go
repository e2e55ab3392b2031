// Package orchestrate lets handlers submit dependent jobs to the queue and
// combine their results.
package orchestrate

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"openvdm-jobs/internal/config"
	"openvdm-jobs/internal/models"
	"openvdm-jobs/internal/queue"
	"openvdm-jobs/internal/telemetry"
)

// Client submits jobs on behalf of a running handler.
type Client struct {
	q    *queue.RedisQueue
	poll time.Duration
}

func NewClient(q *queue.RedisQueue, poll time.Duration) *Client {
	return &Client{q: q, poll: poll}
}

// Submission is one job of a fan-out.
type Submission struct {
	Type    models.JobType
	Payload any
}

func encode(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return []byte("{}"), nil
	case []byte:
		return p, nil
	case json.RawMessage:
		return p, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}

// Background queues a job without waiting for it.
func (c *Client) Background(ctx context.Context, t models.JobType, payload any) (string, error) {
	body, err := encode(payload)
	if err != nil {
		return "", err
	}
	handle, err := c.q.Submit(ctx, string(t), body, true)
	if err != nil {
		return "", err
	}
	telemetry.JobsSubmitted.WithLabelValues(string(t)).Inc()
	return handle, nil
}

// RunSync queues a job and blocks until its result is available.
func (c *Client) RunSync(ctx context.Context, t models.JobType, payload any) (models.JobResult, error) {
	body, err := encode(payload)
	if err != nil {
		return models.JobResult{}, err
	}
	handle, err := c.q.Submit(ctx, string(t), body, false)
	if err != nil {
		return models.JobResult{}, err
	}
	telemetry.JobsSubmitted.WithLabelValues(string(t)).Inc()
	raw, err := c.q.WaitResult(ctx, handle, c.poll)
	if err != nil {
		return models.JobResult{}, fmt.Errorf("wait for %s: %w", t, err)
	}
	return models.DecodeResult(raw)
}

// FanOut queues every submission at once and waits until all of them have
// finished. A failing job does not cut the wait short; only queue errors do.
// Results are in submission order.
func (c *Client) FanOut(ctx context.Context, subs []Submission) ([]models.JobResult, error) {
	if len(subs) == 0 {
		return nil, nil
	}
	batch := make([]queue.Submission, 0, len(subs))
	for _, s := range subs {
		body, err := encode(s.Payload)
		if err != nil {
			return nil, err
		}
		batch = append(batch, queue.Submission{Type: string(s.Type), Payload: body, Background: true})
	}
	handles, err := c.q.SubmitMultiple(ctx, batch)
	if err != nil {
		return nil, err
	}
	for _, s := range subs {
		telemetry.JobsSubmitted.WithLabelValues(string(s.Type)).Inc()
	}

	results := make([]models.JobResult, len(handles))
	g, gctx := errgroup.WithContext(ctx)
	for i, h := range handles {
		i, h := i, h
		g.Go(func() error {
			raw, err := c.q.WaitResult(gctx, h, c.poll)
			if err != nil {
				return fmt.Errorf("wait for %s: %w", h, err)
			}
			res, err := models.DecodeResult(raw)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Step is one link of a sequential chain.
type Step struct {
	PartName string
	Type     models.JobType
	Payload  any
}

// Chain runs steps one after another, recording a part on res for each. The
// first failing step ends the chain with its reason copied into the parent's
// verdict; later steps are never submitted. It reports whether every step
// passed.
func (c *Client) Chain(ctx context.Context, res *models.JobResult, steps ...Step) bool {
	for _, s := range steps {
		sub, err := c.RunSync(ctx, s.Type, s.Payload)
		if err != nil {
			res.Fail(s.PartName, err.Error())
			return false
		}
		if sub.Failed() {
			res.Fail(s.PartName, sub.Final().Reason)
			return false
		}
		res.Pass(s.PartName)
	}
	return true
}

// Hooks enqueues the follow-on jobs configured for a job type.
type Hooks struct {
	client *Client
	sys    config.System
}

func NewHooks(client *Client, sys config.System) *Hooks {
	return &Hooks{client: client, sys: sys}
}

// Run submits each hook configured after jobType in the background with the
// same payload. Missing configuration means no hooks; submit failures are
// logged and skipped.
func (h *Hooks) Run(ctx context.Context, after models.JobType, payload any) []string {
	names := h.sys.HooksFor(string(after))
	var handles []string
	for _, name := range names {
		t, err := models.ParseJobType(name)
		if err != nil {
			log.WithField("hook", name).Warn("ignoring unknown hook job type")
			continue
		}
		handle, err := h.client.Background(ctx, t, payload)
		if err != nil {
			log.WithError(err).WithField("hook", name).Warn("hook not submitted")
			continue
		}
		handles = append(handles, handle)
	}
	return handles
}

// RewritePaths re-roots the new and updated lists under prefix, turning
// destination-relative paths into cruise-relative ones.
func RewritePaths(files models.FileSet, prefix string) models.FileSet {
	out := models.FileSet{
		Exclude: []string{},
		New:     make([]string, 0, len(files.New)),
		Updated: make([]string, 0, len(files.Updated)),
	}
	for _, p := range files.New {
		out.New = append(out.New, path.Join(prefix, p))
	}
	for _, p := range files.Updated {
		out.Updated = append(out.Updated, path.Join(prefix, p))
	}
	return out
}
