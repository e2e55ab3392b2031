package jobs

import (
	"context"
	"errors"
	"fmt"
	"syscall"

	"openvdm-jobs/internal/models"
	"openvdm-jobs/internal/worker"
)

// Signaler delivers a signal to a worker process.
type Signaler interface {
	Signal(pid int, sig syscall.Signal) error
}

type killSignaler struct{}

// Signal ignores processes that already exited.
func (killSignaler) Signal(pid int, sig syscall.Signal) error {
	if err := syscall.Kill(pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

// runningEntity is a status store entity whose recorded pid matched.
type runningEntity struct {
	kind models.EntityKind
	id   string
	name string
}

// findByPID scans collection system transfers, cruise data transfers,
// required cruise data transfers and tasks in that order.
func (j *Jobs) findByPID(ctx context.Context, pid int) (runningEntity, bool, error) {
	csts, err := j.status.GetCollectionSystemTransfers(ctx)
	if err != nil {
		return runningEntity{}, false, err
	}
	for _, d := range csts {
		if d.PID != 0 && int(d.PID) == pid {
			return runningEntity{models.EntityCollectionSystemTransfer, d.CollectionSystemTransferID, d.Name}, true, nil
		}
	}
	cdts, err := j.status.GetCruiseDataTransfers(ctx)
	if err != nil {
		return runningEntity{}, false, err
	}
	required, err := j.status.GetRequiredCruiseDataTransfers(ctx)
	if err != nil {
		return runningEntity{}, false, err
	}
	for _, d := range append(cdts, required...) {
		if d.PID != 0 && int(d.PID) == pid {
			return runningEntity{models.EntityCruiseDataTransfer, d.CruiseDataTransferID, d.Name}, true, nil
		}
	}
	tasks, err := j.status.GetTasks(ctx)
	if err != nil {
		return runningEntity{}, false, err
	}
	for _, t := range tasks {
		if t.PID != 0 && int(t.PID) == pid {
			return runningEntity{models.EntityTask, t.TaskID, t.LongName}, true, nil
		}
	}
	return runningEntity{}, false, nil
}

// stopJob asks the worker running the entity with the payload pid to stop
// after its current file, then marks the entity idle.
func (j *Jobs) stopJob(ctx context.Context, jc *worker.JobContext) models.JobResult {
	var res models.JobResult
	pid := int(jc.Payload.PID)
	if pid <= 0 {
		res.Fail("Valid OpenVDM Job", "Unknown job type: unknown")
		return res
	}
	ent, found, err := j.findByPID(ctx, pid)
	if err != nil {
		res.Fail("Retrieve job list", err.Error())
		return res
	}
	if !found {
		res.Fail("Valid OpenVDM Job", "Unknown job type: unknown")
		return res
	}
	res.Pass("Valid OpenVDM Job")

	// the owner is released even when the signal fails
	var note string
	if err := j.signaler.Signal(pid, syscall.SIGQUIT); err != nil {
		note = fmt.Sprintf("Unable to signal process %d: %v", pid, err)
		jc.Log.WithError(err).WithField("pid", pid).Warn("unable to signal worker")
	}
	if err := j.status.SetIdle(ctx, ent.kind, ent.id); err != nil {
		res.Fail("Set idle", err.Error())
		return res
	}
	j.status.SendMessage(ctx, "Manual Stop of "+ent.name, note)
	jc.Log.WithField("pid", pid).WithField("entity", ent.name).Info("stop requested")
	if note != "" {
		res.PassWithNote("Stopped Job", note)
		return res
	}
	res.Pass("Stopped Job")
	return res
}
