// Package jobs implements the handler of every job type a worker can serve.
package jobs

import (
	"context"
	"strings"
	"time"

	"openvdm-jobs/internal/models"
	"openvdm-jobs/internal/orchestrate"
	"openvdm-jobs/internal/reconcile"
	"openvdm-jobs/internal/statusstore"
	"openvdm-jobs/internal/transport"
	"openvdm-jobs/internal/worker"
)

// Progress windows of a transfer: file list building up to 20, the transfer
// itself from 20 to 90.
const (
	transferProgressBase  = 20
	transferProgressRange = 70
)

// Jobs holds the services shared by all handlers.
type Jobs struct {
	status     *statusstore.Client
	orch       *orchestrate.Client
	hooks      *orchestrate.Hooks
	transports *transport.Set
	runner     transport.Runner
	signaler   Signaler
	locker     Locker
	now        func() time.Time
}

// Locker provides a mutex shared by every worker process. The returned
// function releases it.
type Locker interface {
	Lock(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, error)
}

// Option customises a Jobs value.
type Option func(*Jobs)

// WithSignaler replaces the process signaler used by stopJob.
func WithSignaler(s Signaler) Option { return func(j *Jobs) { j.signaler = s } }

// WithLocker serialises MD5 summary writes across workers. Without it the
// summary is only safe with a single worker serving the MD5 jobs.
func WithLocker(l Locker) Option { return func(j *Jobs) { j.locker = l } }

// WithClock replaces time.Now for log file naming.
func WithClock(now func() time.Time) Option { return func(j *Jobs) { j.now = now } }

func New(status *statusstore.Client, orch *orchestrate.Client, hooks *orchestrate.Hooks, transports *transport.Set, runner transport.Runner, opts ...Option) *Jobs {
	j := &Jobs{
		status:     status,
		orch:       orch,
		hooks:      hooks,
		transports: transports,
		runner:     runner,
		signaler:   killSignaler{},
		now:        time.Now,
	}
	for _, o := range opts {
		o(j)
	}
	return j
}

// Register binds every job type to its handler.
func (j *Jobs) Register(r *worker.Registry) {
	handlers := map[models.JobType]worker.HandlerFunc{
		models.JobRunCollectionSystemTransfer:       j.runCollectionSystemTransfer,
		models.JobTestCollectionSystemTransfer:      j.testCollectionSystemTransfer,
		models.JobRunCruiseDataTransfer:             j.runCruiseDataTransfer,
		models.JobTestCruiseDataTransfer:            j.testCruiseDataTransfer,
		models.JobRunShipToShoreTransfer:            j.runShipToShoreTransfer,
		models.JobUpdateMD5Summary:                  j.updateMD5Summary,
		models.JobRebuildMD5Summary:                 j.rebuildMD5Summary,
		models.JobCreateCruiseDirectory:             j.createCruiseDirectory,
		models.JobSetCruiseDataDirectoryPermissions: j.setCruiseDataDirectoryPermissions,
		models.JobRebuildDataDashboard:              j.rebuildDataDashboard,
		models.JobSetupNewCruise:                    j.setupNewCruise,
		models.JobFinalizeCurrentCruise:             j.finalizeCurrentCruise,
		models.JobSetupNewLowering:                  j.setupNewLowering,
		models.JobFinalizeCurrentLowering:           j.finalizeCurrentLowering,
		models.JobStopJob:                           j.stopJob,
	}
	for _, t := range models.HookJobTypes() {
		handlers[t] = j.runPostHook
	}
	// registration order decides claim preference
	for _, t := range models.AllJobTypes() {
		if h, ok := handlers[t]; ok {
			r.Register(t, h)
		}
	}
}

// addParts copies adapter test steps into a result.
func addParts(res *models.JobResult, parts []models.Part) {
	for _, p := range parts {
		if p.Result == models.Pass {
			res.Pass(p.PartName)
			continue
		}
		res.Fail(p.PartName, p.Reason)
	}
}

// cruisePayload carries the frozen cruise context to a dependent job.
func cruisePayload(jc *worker.JobContext) models.JobPayload {
	p := models.JobPayload{CruiseID: jc.CruiseID, LoweringID: jc.LoweringID}
	if !jc.CruiseStart.IsZero() {
		p.CruiseStartDate = jc.CruiseStart.Format(statusstore.DateLayout)
	}
	if !jc.CruiseEnd.IsZero() {
		p.CruiseEndDate = jc.CruiseEnd.Format(statusstore.DateLayout)
	}
	if !jc.LoweringStart.IsZero() {
		p.LoweringStartDate = jc.LoweringStart.Format(statusstore.DateLayout)
	}
	if !jc.LoweringEnd.IsZero() {
		p.LoweringEndDate = jc.LoweringEnd.Format(statusstore.DateLayout)
	}
	return p
}

// window builds the modification time window of a transfer.
func window(def *models.TransferDefinition, jc *worker.JobContext) reconcile.Window {
	w := reconcile.OpenWindow()
	if !def.UseStartDate {
		return w
	}
	start, end := jc.CruiseStart, jc.CruiseEnd
	if def.IsLowering() {
		start, end = jc.LoweringStart, jc.LoweringEnd
	}
	if !start.IsZero() {
		w.Start = start.Unix()
	}
	if !end.IsZero() {
		w.End = end.Unix()
	}
	return w
}

// systemOn reports whether transfers may run. The payload wins over the store.
func (j *Jobs) systemOn(ctx context.Context, jc *worker.JobContext) (bool, error) {
	if s := jc.Payload.SystemStatus; s != "" {
		return strings.EqualFold(s, "On"), nil
	}
	return j.status.GetSystemStatus(ctx)
}
