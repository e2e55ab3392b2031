package jobs

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"

	"openvdm-jobs/internal/models"
	"openvdm-jobs/internal/orchestrate"
	"openvdm-jobs/internal/reconcile"
	"openvdm-jobs/internal/transport"
	"openvdm-jobs/internal/worker"
)

// collectionEndpoint resolves where a collection system transfer reads from
// and writes to. destRel is the destination relative to the cruise directory.
func collectionEndpoint(jc *worker.JobContext, def *models.TransferDefinition) (ep transport.Endpoint, destRel string) {
	base := jc.CruiseDir()
	if def.IsLowering() {
		base = jc.LoweringDir()
	}
	local := filepath.Join(base, reconcile.Substitute(def.DestDir, jc.CruiseID, jc.LoweringID))
	destRel, err := filepath.Rel(jc.CruiseDir(), local)
	if err != nil {
		destRel = def.DestDir
	}
	return transport.Endpoint{
		Definition: *def,
		Direction:  transport.Pull,
		Local:      local,
		Remote:     reconcile.Substitute(def.SourceDir, jc.CruiseID, jc.LoweringID),
	}, destRel
}

// checkRunnable applies the checks every transfer run makes before touching
// the owner: definition present, enabled, system on and not already running.
// It returns false when res already holds the verdict.
func (j *Jobs) checkRunnable(ctx context.Context, jc *worker.JobContext, res *models.JobResult) bool {
	def := jc.Transfer
	if def == nil {
		res.Fail("Located Transfer Details", "Could not find configuration details for transfer")
		return false
	}
	res.Pass("Located Transfer Details")
	if !def.Enable {
		res.Ignore("Transfer Enabled", "Transfer is disabled")
		return false
	}
	on, err := j.systemOn(ctx, jc)
	if err != nil {
		res.FailQuiet("System Running", fmt.Sprintf("Unable to retrieve system status: %v", err))
		return false
	}
	if !on {
		res.Ignore("System Running", "System is off")
		return false
	}
	if def.Status == models.StatusRunning {
		res.FailQuiet("Transfer In-Progress", "Transfer is already in-progress")
		return false
	}
	res.Pass("Transfer In-Progress")
	if err := j.status.SetRunning(ctx, def.Kind(), def.ID(), jc.PID, jc.Handle); err != nil {
		res.FailQuiet("Set transfer status", fmt.Sprintf("Unable to set transfer running: %v", err))
		return false
	}
	return true
}

func (j *Jobs) runCollectionSystemTransfer(ctx context.Context, jc *worker.JobContext) models.JobResult {
	var res models.JobResult
	if !j.checkRunnable(ctx, jc, &res) {
		return res
	}
	def := jc.Transfer
	if def.IsLowering() && jc.LoweringID == "" {
		res.Fail("Verify Lowering ID", "Lowering ID is not defined")
		return res
	}

	ep, destRel := collectionEndpoint(jc, def)
	if !isDir(ep.Local) {
		res.Fail("Verify destination directory", fmt.Sprintf("Unable to find destination directory: %s", ep.Local))
		return res
	}
	res.Pass("Verify destination directory")

	adapter, err := j.transports.For(def.TransferType)
	if err != nil {
		res.Fail("Connect to source", err.Error())
		return res
	}
	sess, err := adapter.Open(ctx, ep)
	if err != nil {
		res.Fail("Connect to source", err.Error())
		return res
	}
	defer func() {
		if err := sess.Close(); err != nil {
			jc.Log.WithError(err).Error("unable to clean up transfer session")
		}
	}()
	res.Pass("Connect to source")

	filter, err := reconcile.NewFilter(def.IncludeFilter, def.ExcludeFilter, def.IgnoreFilter, jc.CruiseID, jc.LoweringID)
	if err != nil {
		res.Fail("Build file list", err.Error())
		return res
	}
	jc.ReportProgress(5, 100)
	files, stats, err := sess.Files(ctx, reconcile.Options{
		Filter:    filter,
		Window:    window(def, jc),
		Staleness: int(def.Staleness),
		Settle:    jc.Settle,
	})
	if err != nil {
		res.Fail("Build file list", err.Error())
		return res
	}
	res.Pass("Build file list")
	jc.Log.WithFields(log.Fields{
		"include": len(files.Include),
		"exclude": len(files.Exclude),
		"stale":   stats.StaleDropped,
		"size":    humanize.Bytes(uint64(stats.IncludeBytes)),
	}).Info("file list built")

	logDir := jc.TransferLogsDir()
	if len(files.Exclude) > 0 {
		p, err := writeExcludeLog(logDir, def.Name, files.Exclude)
		if err != nil {
			res.Fail("Write exclude log", err.Error())
			return res
		}
		normalizePath(jc, p)
	}
	jc.ReportProgress(transferProgressBase, 100)

	out := sess.Transfer(ctx, transport.Request{
		Include:        files.Include,
		BandwidthLimit: int(def.BandwidthLimit),
		Stop:           jc,
		Progress:       jc.ReportProgress,
		ProgressBase:   transferProgressBase,
		ProgressRange:  transferProgressRange,
	})
	if !out.Verdict {
		res.Fail("Transfer Files", out.Reason)
		return res
	}
	if jc.Stopped() {
		res.MarkCancelled()
	}
	out.Files.Exclude = files.Exclude
	res.Files = &out.Files

	if out.Files.Changed() {
		p, err := writeTransferLog(logDir, def.Name, j.now(), out.Files.New, out.Files.Updated)
		if err != nil {
			res.Fail("Write transfer logs", err.Error())
			return res
		}
		normalizePath(jc, p)
		j.afterCollection(ctx, jc, def, destRel, out.Files)
	}
	jc.ReportProgress(100, 100)
	res.Pass("Transfer Files")
	return res
}

// afterCollection queues the MD5 summary update and the configured hooks
// with cruise relative file lists.
func (j *Jobs) afterCollection(ctx context.Context, jc *worker.JobContext, def *models.TransferDefinition, destRel string, files models.FileSet) {
	rewritten := orchestrate.RewritePaths(files, destRel)
	payload := cruisePayload(jc)
	payload.Files = &rewritten
	if _, err := j.orch.Background(ctx, models.JobUpdateMD5Summary, payload); err != nil {
		jc.Log.WithError(err).Warn("unable to queue MD5 summary update")
	}
	payload.CollectionSystemTransferID = def.CollectionSystemTransferID
	j.hooks.Run(ctx, models.JobRunCollectionSystemTransfer, payload)
}

func (j *Jobs) testCollectionSystemTransfer(ctx context.Context, jc *worker.JobContext) models.JobResult {
	var res models.JobResult
	def := jc.Transfer
	if def == nil {
		res.Fail("Located Transfer Details", "Could not find configuration details for transfer")
		return res
	}
	res.Pass("Located Transfer Details")
	adapter, err := j.transports.For(def.TransferType)
	if err != nil {
		res.Fail("Transfer Type", err.Error())
		return res
	}
	ep, _ := collectionEndpoint(jc, def)
	addParts(&res, adapter.Test(ctx, ep))
	if res.Failed() || def.TransferType == models.KindLocal {
		return res
	}
	if !isDir(ep.Local) {
		res.Fail("Destination Directory", fmt.Sprintf("Unable to find destination directory: %s", ep.Local))
		return res
	}
	res.Pass("Destination Directory")
	return res
}
