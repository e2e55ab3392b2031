// Package scheduler periodically queues one background job per active
// transfer definition.
package scheduler

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"openvdm-jobs/internal/models"
	"openvdm-jobs/internal/orchestrate"
	"openvdm-jobs/internal/statusstore"
	"openvdm-jobs/internal/telemetry"
)

const (
	DefaultPace = 2 * time.Second
	// Overhead is subtracted from every interval for the time a tick spends
	// talking to the status store.
	Overhead = 5 * time.Second
)

// Scheduler submits transfer jobs every Interval.
type Scheduler struct {
	Interval time.Duration
	Pace     time.Duration
	Overhead time.Duration

	status              *statusstore.Client
	submit              *orchestrate.Client
	shipToShoreTransfer string

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a scheduler that ticks every interval.
func New(status *statusstore.Client, submit *orchestrate.Client, shipToShoreTransfer string, interval time.Duration) *Scheduler {
	return &Scheduler{
		Interval:            interval,
		Pace:                DefaultPace,
		Overhead:            Overhead,
		status:              status,
		submit:              submit,
		shipToShoreTransfer: shipToShoreTransfer,
		now:                 time.Now,
		sleep:               sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type entry struct {
	jobType models.JobType
	name    string
	payload models.JobPayload
}

func (s *Scheduler) entries(ctx context.Context) ([]entry, error) {
	csts, err := s.status.GetActiveCollectionSystemTransfers(ctx, models.ScopeBoth)
	if err != nil {
		return nil, err
	}
	cdts, err := s.status.GetActiveCruiseDataTransfers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]entry, 0, len(csts)+len(cdts)+1)
	for _, d := range csts {
		out = append(out, entry{
			jobType: models.JobRunCollectionSystemTransfer,
			name:    d.Name,
			payload: models.JobPayload{CollectionSystemTransferID: d.CollectionSystemTransferID},
		})
	}
	for _, d := range cdts {
		out = append(out, entry{
			jobType: models.JobRunCruiseDataTransfer,
			name:    d.Name,
			payload: models.JobPayload{CruiseDataTransferID: d.CruiseDataTransferID},
		})
	}

	ssdw, err := s.status.GetRequiredCruiseDataTransfer(ctx, s.shipToShoreTransfer)
	switch {
	case errors.Is(err, statusstore.ErrNotFound):
		log.WithField("transfer", s.shipToShoreTransfer).Warn("ship-to-shore transfer is not defined")
	case err != nil:
		return nil, err
	default:
		out = append(out, entry{
			jobType: models.JobRunShipToShoreTransfer,
			name:    ssdw.Name,
			payload: models.JobPayload{CruiseDataTransferID: ssdw.CruiseDataTransferID},
		})
	}
	return out, nil
}

// Tick queues one background job per active transfer, pausing Pace between
// submissions. It returns how many jobs were queued.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	list, err := s.entries(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for i, e := range list {
		if i > 0 {
			if err := s.sleep(ctx, s.Pace); err != nil {
				return n, err
			}
		}
		handle, err := s.submit.Background(ctx, e.jobType, e.payload)
		if err != nil {
			log.WithError(err).WithField("transfer", e.name).Error("unable to queue transfer")
			continue
		}
		n++
		telemetry.SchedulerSubmits.Inc()
		log.WithFields(log.Fields{"job": e.jobType, "transfer": e.name, "handle": handle}).Info("queued transfer")
	}
	return n, nil
}

// remaining is the sleep left in an interval after n paced submissions.
func (s *Scheduler) remaining(n int) time.Duration {
	d := s.Interval - time.Duration(n)*s.Pace - s.Overhead
	if d < 0 {
		return 0
	}
	return d
}

// alignToMinute sleeps until the wall clock reaches the next whole minute.
func (s *Scheduler) alignToMinute(ctx context.Context) error {
	now := s.now()
	next := now.Truncate(time.Minute).Add(time.Minute)
	return s.sleep(ctx, next.Sub(now))
}

// Run ticks until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	log.WithField("interval", s.Interval).Info("scheduler started")
	for {
		if err := s.alignToMinute(ctx); err != nil {
			return err
		}
		n, err := s.Tick(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.WithError(err).Error("scheduler tick failed")
		}
		wait := s.remaining(n)
		log.WithFields(log.Fields{"submitted": n, "sleep": wait}).Debug("scheduler sleeping")
		if err := s.sleep(ctx, wait); err != nil {
			return err
		}
	}
}
