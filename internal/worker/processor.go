package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"openvdm-jobs/internal/config"
	"openvdm-jobs/internal/models"
	"openvdm-jobs/internal/queue"
	"openvdm-jobs/internal/statusstore"
	"openvdm-jobs/internal/telemetry"
)

// JobLog is the optional persistent record of executed jobs.
type JobLog interface {
	RecordClaim(ctx context.Context, rec models.JobRecord, pid int) error
	RecordResult(ctx context.Context, handle, status string, result []byte) error
	AppendAudit(ctx context.Context, handle, event, detail string) error
}

// ephemeralTasks are the jobs with no row in the status store task table.
// They are tracked through the job table only.
var ephemeralTasks = map[models.JobType]string{
	models.JobStopJob:                      "Stopping Job",
	models.JobUpdateMD5Summary:             "Updating MD5 Summary",
	models.JobPostCollectionSystemTransfer: "Post Collection System Transfer Hooks",
	models.JobPostDataDashboard:            "Post Data Dashboard Hooks",
	models.JobPostSetupNewCruise:           "Post Setup New Cruise Hooks",
	models.JobPostSetupNewLowering:         "Post Setup New Lowering Hooks",
	models.JobPostFinalizeCurrentCruise:    "Post Finalize Current Cruise Hooks",
	models.JobPostFinalizeCurrentLowering:  "Post Finalize Current Lowering Hooks",
}

// Processor drives the worker execution loop: one job at a time, claimed
// from the queue for the registered job types.
type Processor struct {
	cfg      config.Config
	sys      config.System
	queue    *queue.RedisQueue
	status   *statusstore.Client
	joblog   JobLog
	registry *Registry
	workerID string
	pid      int

	stop     StopFlag
	shutdown atomic.Bool
}

// NewProcessor wires a processor. joblog may be nil.
func NewProcessor(cfg config.Config, sys config.System, q *queue.RedisQueue, status *statusstore.Client, joblog JobLog, registry *Registry) *Processor {
	host, _ := os.Hostname()
	pid := os.Getpid()
	return &Processor{
		cfg:      cfg,
		sys:      sys,
		queue:    q,
		status:   status,
		joblog:   joblog,
		registry: registry,
		workerID: fmt.Sprintf("%s:%d", host, pid),
		pid:      pid,
	}
}

// Stop returns the process-wide stop flag.
func (p *Processor) Stop() *StopFlag { return &p.stop }

// Shutdown asks Run to return after the current job.
func (p *Processor) Shutdown() { p.shutdown.Store(true) }

func (p *Processor) jobTypes() []string {
	types := p.registry.Types()
	out := make([]string, 0, len(types))
	for _, t := range types {
		out = append(out, string(t))
	}
	return out
}

// Run claims and executes jobs until ctx ends or Shutdown is called.
func (p *Processor) Run(ctx context.Context) error {
	types := p.jobTypes()
	if len(types) == 0 {
		return errors.New("no job handlers registered")
	}
	log.WithFields(log.Fields{"worker": p.workerID, "jobs": types}).Info("worker waiting for jobs")

	for {
		if p.shutdown.Load() {
			log.Info("shutdown requested, worker exiting")
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if lost, err := p.queue.ReapLost(ctx, time.Now(), p.cfg.LeaseTimeout, 100); err == nil && len(lost) > 0 {
			telemetry.JobsLost.Add(float64(len(lost)))
			log.WithField("handles", lost).Warn("reaped jobs abandoned by their worker")
		}
		if depth, err := p.queue.Depth(ctx, types); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		rec, err := p.queue.Claim(ctx, types, p.workerID)
		if err != nil {
			log.WithError(err).Warn("claim failed")
		}
		if err != nil || rec == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.WorkerPollInterval):
			}
			continue
		}
		p.Execute(ctx, *rec)
	}
}

// Execute runs one claimed job to completion and stores its result.
func (p *Processor) Execute(ctx context.Context, rec models.JobRecord) models.JobResult {
	p.stop.Reset()
	logger := log.WithFields(log.Fields{"job": rec.Type, "handle": rec.Handle})
	telemetry.JobsClaimed.WithLabelValues(rec.Type).Inc()
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	if err := p.queue.SetPID(ctx, rec.Handle, p.pid); err != nil {
		logger.WithError(err).Debug("unable to record pid on queue")
	}
	if p.joblog != nil {
		if err := p.joblog.RecordClaim(ctx, rec, p.pid); err != nil {
			logger.WithError(err).Warn("job log claim not recorded")
		}
	}

	result, jc := p.prepare(ctx, rec, logger)
	if jc != nil {
		stopBeat := p.heartbeat(ctx, rec.Handle)
		result = p.invoke(ctx, jc)
		stopBeat()
		p.finish(ctx, jc, &result)
	}
	p.complete(ctx, rec, result, logger)
	return result
}

// prepare resolves everything the handler needs. A nil context means the job
// cannot run and result already holds the failure.
func (p *Processor) prepare(ctx context.Context, rec models.JobRecord, logger *log.Entry) (models.JobResult, *JobContext) {
	var result models.JobResult
	jobType, err := models.ParseJobType(rec.Type)
	if err != nil {
		result.Fail("Valid OpenVDM Job", "Unknown job type: "+rec.Type)
		return result, nil
	}
	payload, err := models.DecodePayload(rec.Payload)
	if err != nil {
		result.Fail("Decode Job Payload", err.Error())
		return result, nil
	}
	jc, err := p.buildContext(ctx, rec, jobType, payload, logger)
	if err != nil {
		logger.WithError(err).Error("unable to resolve job context")
		result.Fail("Retrieve Job Context", err.Error())
		return result, nil
	}

	switch jc.Owner.Kind {
	case models.EntityTask:
		if err := p.status.SetRunning(ctx, models.EntityTask, jc.Owner.ID, p.pid, rec.Handle); err != nil {
			result.Fail("Set Task Running", fmt.Sprintf("Unable to set %s running: %v", jc.Owner.Name, err))
			return result, nil
		}
	case models.EntityEphemeral:
		if err := p.status.RecordJobTracking(ctx, string(jobType), p.pid, rec.Handle); err != nil {
			logger.WithError(err).Warn("unable to record job tracking")
		}
	}
	return result, jc
}

func (p *Processor) buildContext(ctx context.Context, rec models.JobRecord, jobType models.JobType, payload models.JobPayload, logger *log.Entry) (*JobContext, error) {
	warehouse, err := p.status.GetWarehouseConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("warehouse config: %w", err)
	}
	jc := &JobContext{
		Handle:    rec.Handle,
		Type:      jobType,
		Payload:   payload,
		Raw:       rec.Payload,
		PID:       p.pid,
		Warehouse: warehouse,
		System:    p.sys,
		TempDir:   p.cfg.TempDir,
		Settle:    p.cfg.StalenessSettle,
		Stop:      &p.stop,
		Log:       logger,
	}
	handle := rec.Handle
	jc.Progress = func(num, den int) {
		if err := p.queue.SetProgress(context.Background(), handle, num, den); err != nil {
			logger.WithError(err).Debug("progress not recorded")
		}
	}

	if jc.CruiseID, err = p.value(ctx, payload.CruiseID, p.status.GetCruiseID); err != nil {
		return nil, fmt.Errorf("cruise id: %w", err)
	}
	if jc.LoweringID, err = p.value(ctx, payload.LoweringID, p.status.GetLoweringID); err != nil {
		return nil, fmt.Errorf("lowering id: %w", err)
	}
	dates := []struct {
		raw   string
		fetch func(context.Context) (time.Time, error)
		dst   *time.Time
	}{
		{payload.CruiseStartDate, p.status.GetCruiseStartDate, &jc.CruiseStart},
		{payload.CruiseEndDate, p.status.GetCruiseEndDate, &jc.CruiseEnd},
		{payload.LoweringStartDate, p.status.GetLoweringStartDate, &jc.LoweringStart},
		{payload.LoweringEndDate, p.status.GetLoweringEndDate, &jc.LoweringEnd},
	}
	for _, d := range dates {
		if d.raw != "" {
			if *d.dst, err = statusstore.ParseDate(d.raw); err != nil {
				return nil, err
			}
			continue
		}
		if *d.dst, err = d.fetch(ctx); err != nil {
			return nil, err
		}
	}

	if err := p.resolveOwner(ctx, jc); err != nil {
		return nil, err
	}
	jc.Log = logger.WithField("owner", jc.Owner.Name)
	return jc, nil
}

func (p *Processor) value(ctx context.Context, fromPayload string, fetch func(context.Context) (string, error)) (string, error) {
	if fromPayload != "" {
		return fromPayload, nil
	}
	return fetch(ctx)
}

// resolveOwner finds the status store entity whose status this job drives.
func (p *Processor) resolveOwner(ctx context.Context, jc *JobContext) error {
	kind := jc.Type.OwnerKind()
	if kind == models.EntityTask {
		task, err := p.status.GetTaskByName(ctx, string(jc.Type))
		switch {
		case err == nil && task.Persisted():
			jc.Owner = models.Owner{Kind: models.EntityTask, ID: task.TaskID, Name: taskName(task), PreviousStatus: task.Status}
			return nil
		case err != nil && !errors.Is(err, statusstore.ErrNotFound):
			return fmt.Errorf("task %s: %w", jc.Type, err)
		}
		name := ephemeralTasks[jc.Type]
		if name == "" {
			name = string(jc.Type)
		}
		jc.Owner = models.Owner{Kind: models.EntityEphemeral, ID: "0", Name: name}
		return nil
	}

	var (
		stored models.TransferDefinition
		err    error
	)
	given := jc.Payload.CollectionSystemTransfer
	if kind == models.EntityCruiseDataTransfer {
		given = jc.Payload.CruiseDataTransfer
	}
	id := jc.Payload.CollectionSystemTransferID
	if kind == models.EntityCruiseDataTransfer {
		id = jc.Payload.CruiseDataTransferID
	}
	if id == "" && given != nil {
		id = given.ID()
	}

	switch {
	case jc.Type == models.JobRunShipToShoreTransfer:
		stored, err = p.status.GetRequiredCruiseDataTransfer(ctx, p.sys.ShipToShoreTransfer)
	case id != "":
		stored, err = p.status.GetTransfer(ctx, kind, id)
	default:
		err = statusstore.ErrNotFound
	}
	if err != nil && !errors.Is(err, statusstore.ErrNotFound) {
		return fmt.Errorf("transfer %s: %w", id, err)
	}
	found := err == nil

	switch {
	case given != nil:
		def := *given
		if found {
			def.Status = stored.Status
		}
		if def.ID() == "" {
			if kind == models.EntityCruiseDataTransfer {
				def.CruiseDataTransferID = id
			} else {
				def.CollectionSystemTransferID = id
			}
		}
		jc.Transfer = &def
	case found:
		def := stored
		jc.Transfer = &def
	}

	if found {
		jc.Owner = models.Owner{Kind: stored.Kind(), ID: stored.ID(), Name: stored.Name, PreviousStatus: stored.Status}
	} else {
		// nothing to update in the status store
		jc.Owner = models.Owner{Kind: kind, Name: id}
		if jc.Transfer != nil {
			jc.Owner.Name = jc.Transfer.Name
		}
	}
	return nil
}

func taskName(t models.Task) string {
	if t.LongName != "" {
		return t.LongName
	}
	return t.Name
}

// heartbeat keeps the running entry alive until the returned func is called.
func (p *Processor) heartbeat(ctx context.Context, handle string) func() {
	every := p.cfg.LeaseTimeout / 4
	if every <= 0 {
		every = 15 * time.Second
	}
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.queue.Heartbeat(ctx, handle); err != nil {
					log.WithError(err).WithField("handle", handle).Debug("heartbeat failed")
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

// invoke runs the handler, converting a panic into a crash result.
func (p *Processor) invoke(ctx context.Context, jc *JobContext) (result models.JobResult) {
	h, ok := p.registry.Lookup(jc.Type)
	if !ok {
		result.Fail("Valid OpenVDM Job", "Unknown job type: "+string(jc.Type))
		return result
	}
	defer func() {
		if r := recover(); r != nil {
			telemetry.JobsCrashed.WithLabelValues(string(jc.Type)).Inc()
			jc.Log.WithField("panic", r).Errorf("worker crashed\n%s", debug.Stack())
			result = models.Crashed()
		}
	}()
	return h.Execute(ctx, jc)
}

type disposition int

const (
	leaveStatus disposition = iota
	markIdle
	markError
	clearError
	notifyOnly
)

// dispose maps a finished result to the owner status transition. It depends
// only on its arguments, so repeated calls agree.
func dispose(t models.JobType, owner models.Owner, res *models.JobResult) disposition {
	switch {
	case owner.Kind == models.EntityEphemeral:
		if res.Escalates() {
			return notifyOnly
		}
		return leaveStatus
	case owner.ID == "":
		return leaveStatus
	case owner.Kind == models.EntityTask:
		if res.Escalates() {
			return markError
		}
		return markIdle
	case res.Quiet():
		return leaveStatus
	case res.Escalates():
		return markError
	case t.IsTest():
		return clearError
	default:
		return markIdle
	}
}

func messageTitle(t models.JobType, owner models.Owner) string {
	switch t {
	case models.JobTestCollectionSystemTransfer, models.JobTestCruiseDataTransfer:
		return owner.Name + " Connection test failed"
	case models.JobRunCollectionSystemTransfer, models.JobRunCruiseDataTransfer, models.JobRunShipToShoreTransfer:
		return owner.Name + " Data Transfer failed"
	}
	return owner.Name + " failed"
}

func (p *Processor) finish(ctx context.Context, jc *JobContext, res *models.JobResult) {
	if err := res.Validate(); err != nil {
		jc.Log.WithError(err).Error("handler returned an inconsistent result")
	}
	owner := jc.Owner
	final := res.Final()
	var err error
	switch dispose(jc.Type, owner, res) {
	case markIdle:
		err = p.status.SetIdle(ctx, owner.Kind, owner.ID)
	case clearError:
		err = p.status.ClearErrorIfIdleRequested(ctx, owner.Kind, owner.ID, owner.PreviousStatus)
	case markError:
		err = p.status.SetError(ctx, owner.Kind, owner.ID, final.Reason)
		p.status.SendMessage(ctx, messageTitle(jc.Type, owner), final.Reason)
	case notifyOnly:
		p.status.SendMessage(ctx, messageTitle(jc.Type, owner), final.Reason)
	}
	if err != nil {
		jc.Log.WithError(err).Error("unable to update owner status")
	}
}

func (p *Processor) complete(ctx context.Context, rec models.JobRecord, res models.JobResult, logger *log.Entry) {
	status := models.JobComplete
	switch {
	case res.Failed():
		status = models.JobFailed
		telemetry.JobsFailed.WithLabelValues(rec.Type).Inc()
	case res.Cancelled():
		telemetry.JobsCancelled.WithLabelValues(rec.Type).Inc()
		telemetry.JobsPassed.WithLabelValues(rec.Type).Inc()
	default:
		telemetry.JobsPassed.WithLabelValues(rec.Type).Inc()
	}
	if res.Files != nil {
		telemetry.FilesTransferred.WithLabelValues("new").Add(float64(len(res.Files.New)))
		telemetry.FilesTransferred.WithLabelValues("updated").Add(float64(len(res.Files.Updated)))
	}

	body, err := json.Marshal(res)
	if err != nil {
		logger.WithError(err).Error("unable to encode job result")
		body = []byte(`{"parts":[]}`)
	}
	if err := p.queue.Complete(ctx, rec.Handle, status, body); err != nil {
		logger.WithError(err).Error("unable to store job result")
	}
	final := res.Final()
	if p.joblog != nil {
		if err := p.joblog.RecordResult(ctx, rec.Handle, status, body); err != nil {
			logger.WithError(err).Warn("job log result not recorded")
		}
		_ = p.joblog.AppendAudit(ctx, rec.Handle, status, final.PartName+": "+string(final.Result))
	}
	entry := logger.WithFields(log.Fields{"verdict": final.Result, "part": final.PartName})
	if res.Failed() {
		entry.WithField("reason", final.Reason).Warn("job failed")
		return
	}
	entry.Info("job finished")
}
