package jobs

import (
	"context"
	"fmt"
	"path"
	"strings"

	log "github.com/sirupsen/logrus"

	"openvdm-jobs/internal/models"
	"openvdm-jobs/internal/reconcile"
	"openvdm-jobs/internal/transport"
	"openvdm-jobs/internal/worker"
)

// cruiseDataEndpoint pushes the cruise directory into destDir/<cruiseID>.
func cruiseDataEndpoint(jc *worker.JobContext, def *models.TransferDefinition) transport.Endpoint {
	dest := reconcile.Substitute(def.DestDir, jc.CruiseID, jc.LoweringID)
	return transport.Endpoint{
		Definition: *def,
		Direction:  transport.Push,
		Local:      jc.CruiseDir(),
		Remote:     path.Join(dest, jc.CruiseID),
	}
}

// cruiseDataExcludes adds the warehouse's own bookkeeping files to the
// definition's exclude filter unless the definition asks for them.
func cruiseDataExcludes(jc *worker.JobContext, def *models.TransferDefinition) string {
	var patterns []string
	if def.ExcludeFilter != "" {
		patterns = append(patterns, def.ExcludeFilter)
	}
	if !def.IncludeOVDMFiles {
		patterns = append(patterns,
			"*/"+jc.System.TransferLogsDir+"/*",
			"*/"+jc.System.DashboardDataDir+"/*",
			"*/"+jc.System.MD5SummaryFn,
			"*/"+jc.System.MD5SummaryMD5Fn,
		)
	}
	if !def.IncludePublicDataFiles {
		patterns = append(patterns, "*/"+jc.System.PublicDataDestDir+"/*")
	}
	return strings.Join(patterns, ",")
}

func (j *Jobs) runCruiseDataTransfer(ctx context.Context, jc *worker.JobContext) models.JobResult {
	var res models.JobResult
	if !j.checkRunnable(ctx, jc, &res) {
		return res
	}
	j.pushCruiseData(ctx, jc, &res, int(jc.Transfer.BandwidthLimit), false)
	return res
}

// runShipToShoreTransfer pushes the cruise to shore through the designated
// cruise data transfer. Its bandwidth limit only applies while the operator
// has switched ship-to-shore limiting on.
func (j *Jobs) runShipToShoreTransfer(ctx context.Context, jc *worker.JobContext) models.JobResult {
	var res models.JobResult
	if !j.checkRunnable(ctx, jc, &res) {
		return res
	}
	bw := 0
	limited, err := j.status.GetShipToShoreBWLimitStatus(ctx)
	if err != nil {
		jc.Log.WithError(err).Warn("unable to read ship-to-shore bandwidth limit status, transferring unlimited")
	}
	if limited {
		bw = int(jc.Transfer.BandwidthLimit)
	}
	j.pushCruiseData(ctx, jc, &res, bw, true)
	return res
}

func (j *Jobs) pushCruiseData(ctx context.Context, jc *worker.JobContext, res *models.JobResult, bandwidth int, logChanges bool) {
	def := jc.Transfer
	if jc.CruiseID == "" {
		res.Fail("Verify Cruise ID", "Cruise ID is not defined")
		return
	}
	ep := cruiseDataEndpoint(jc, def)
	if !isDir(ep.Local) {
		res.Fail("Verify cruise directory", fmt.Sprintf("Unable to find cruise directory: %s", ep.Local))
		return
	}
	res.Pass("Verify cruise directory")

	adapter, err := j.transports.For(def.TransferType)
	if err != nil {
		res.Fail("Connect to destination", err.Error())
		return
	}
	sess, err := adapter.Open(ctx, ep)
	if err != nil {
		res.Fail("Connect to destination", err.Error())
		return
	}
	defer func() {
		if err := sess.Close(); err != nil {
			jc.Log.WithError(err).Error("unable to clean up transfer session")
		}
	}()
	res.Pass("Connect to destination")

	filter, err := reconcile.NewFilter(def.IncludeFilter, cruiseDataExcludes(jc, def), def.IgnoreFilter, jc.CruiseID, jc.LoweringID)
	if err != nil {
		res.Fail("Build file list", err.Error())
		return
	}
	jc.ReportProgress(5, 100)
	files, _, err := sess.Files(ctx, reconcile.Options{
		Filter:    filter,
		Window:    reconcile.OpenWindow(),
		Staleness: int(def.Staleness),
		Settle:    jc.Settle,
	})
	if err != nil {
		res.Fail("Build file list", err.Error())
		return
	}
	res.Pass("Build file list")
	jc.ReportProgress(transferProgressBase, 100)

	out := sess.Transfer(ctx, transport.Request{
		Include:        files.Include,
		BandwidthLimit: bandwidth,
		Stop:           jc,
		Progress:       jc.ReportProgress,
		ProgressBase:   transferProgressBase,
		ProgressRange:  transferProgressRange,
	})
	if !out.Verdict {
		res.Fail("Transfer Files", out.Reason)
		return
	}
	if jc.Stopped() {
		res.MarkCancelled()
	}
	out.Files.Exclude = files.Exclude
	res.Files = &out.Files
	jc.Log.WithFields(log.Fields{"new": len(out.Files.New), "updated": len(out.Files.Updated)}).Info("cruise data pushed")

	if logChanges && out.Files.Changed() {
		p, err := writeTransferLog(jc.TransferLogsDir(), def.Name, j.now(), out.Files.New, out.Files.Updated)
		if err != nil {
			res.Fail("Write transfer logs", err.Error())
			return
		}
		normalizePath(jc, p)
	}
	jc.ReportProgress(100, 100)
	res.Pass("Transfer Files")
}

func (j *Jobs) testCruiseDataTransfer(ctx context.Context, jc *worker.JobContext) models.JobResult {
	var res models.JobResult
	def := jc.Transfer
	if def == nil {
		res.Fail("Located Transfer Details", "Could not find configuration details for transfer")
		return res
	}
	res.Pass("Located Transfer Details")
	if jc.CruiseID == "" || !isDir(jc.CruiseDir()) {
		res.Fail("Cruise Directory", fmt.Sprintf("Unable to find cruise directory: %s", jc.CruiseDir()))
		return res
	}
	res.Pass("Cruise Directory")
	adapter, err := j.transports.For(def.TransferType)
	if err != nil {
		res.Fail("Transfer Type", err.Error())
		return res
	}
	ep := cruiseDataEndpoint(jc, def)
	// test against the destination root, the cruise folder may not exist yet
	ep.Remote = reconcile.Substitute(def.DestDir, jc.CruiseID, jc.LoweringID)
	addParts(&res, adapter.Test(ctx, ep))
	return res
}
