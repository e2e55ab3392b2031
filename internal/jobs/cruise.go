package jobs

import (
	"context"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"openvdm-jobs/internal/models"
	"openvdm-jobs/internal/orchestrate"
	"openvdm-jobs/internal/reconcile"
	"openvdm-jobs/internal/transport"
	"openvdm-jobs/internal/worker"
)

const (
	configExportFn     = "ovdmConfig.json"
	publicDataLogName  = "PublicData"
	loweringConfigFile = "loweringConfig.json"
)

func (j *Jobs) setupNewCruise(ctx context.Context, jc *worker.JobContext) models.JobResult {
	var res models.JobResult
	if jc.CruiseID == "" {
		res.Fail("Retrieve Cruise Settings", "Cruise ID is not defined")
		return res
	}
	res.Pass("Retrieve Cruise Settings")

	payload := cruisePayload(jc)
	payload.LoweringID, payload.LoweringStartDate, payload.LoweringEndDate = "", "", ""
	ok := j.orch.Chain(ctx, &res,
		orchestrate.Step{PartName: "Lockdown data directory permissions", Type: models.JobSetCruiseDataDirectoryPermissions, Payload: payload},
		orchestrate.Step{PartName: "Create cruise data directory structure", Type: models.JobCreateCruiseDirectory, Payload: payload},
		orchestrate.Step{PartName: "Create MD5 summary files", Type: models.JobRebuildMD5Summary, Payload: payload},
		orchestrate.Step{PartName: "Create data dashboard directory structure", Type: models.JobRebuildDataDashboard, Payload: payload},
	)
	if !ok {
		return res
	}
	if err := j.exportConfig(ctx, jc, jc.CruiseDir(), configExportFn); err != nil {
		res.Fail("Export OpenVDM config", err.Error())
		return res
	}
	res.Pass("Export OpenVDM config")
	j.hooks.Run(ctx, models.JobSetupNewCruise, payload)
	return res
}

func (j *Jobs) finalizeCurrentCruise(ctx context.Context, jc *worker.JobContext) models.JobResult {
	var res models.JobResult
	if jc.CruiseID == "" || !isDir(jc.CruiseDir()) {
		res.Fail("Verify cruise directory", fmt.Sprintf("Unable to find cruise directory: %s", jc.CruiseDir()))
		return res
	}
	res.Pass("Verify cruise directory")

	payload := cruisePayload(jc)
	payload.LoweringID, payload.LoweringStartDate, payload.LoweringEndDate = "", "", ""
	if !j.runTransfers(ctx, jc, &res, models.ScopeCruise, payload) {
		return res
	}
	if !j.syncPublicData(ctx, jc, &res) {
		return res
	}
	if err := j.exportConfig(ctx, jc, jc.CruiseDir(), configExportFn); err != nil {
		res.Fail("Export OpenVDM config", err.Error())
		return res
	}
	res.Pass("Export OpenVDM config")
	if !j.orch.Chain(ctx, &res, orchestrate.Step{
		PartName: "Set cruise data directory permissions",
		Type:     models.JobSetCruiseDataDirectoryPermissions,
		Payload:  payload,
	}) {
		return res
	}
	j.hooks.Run(ctx, models.JobFinalizeCurrentCruise, payload)
	return res
}

func (j *Jobs) setupNewLowering(ctx context.Context, jc *worker.JobContext) models.JobResult {
	var res models.JobResult
	if jc.CruiseID == "" || !isDir(jc.CruiseDir()) {
		res.Fail("Verify cruise directory", fmt.Sprintf("Unable to find cruise directory: %s", jc.CruiseDir()))
		return res
	}
	res.Pass("Verify cruise directory")
	if jc.LoweringID == "" {
		res.Fail("Retrieve Lowering Settings", "Lowering ID is not defined")
		return res
	}
	res.Pass("Retrieve Lowering Settings")
	if err := j.createLoweringDirectory(ctx, jc); err != nil {
		res.Fail("Create lowering data directory structure", err.Error())
		return res
	}
	res.Pass("Create lowering data directory structure")

	payload := cruisePayload(jc)
	if !j.orch.Chain(ctx, &res, orchestrate.Step{
		PartName: "Set lowering data directory permissions",
		Type:     models.JobSetCruiseDataDirectoryPermissions,
		Payload:  payload,
	}) {
		return res
	}
	if err := j.exportConfig(ctx, jc, jc.LoweringDir(), loweringConfigFile); err != nil {
		res.Fail("Export OpenVDM config", err.Error())
		return res
	}
	res.Pass("Export OpenVDM config")
	j.hooks.Run(ctx, models.JobSetupNewLowering, payload)
	return res
}

func (j *Jobs) finalizeCurrentLowering(ctx context.Context, jc *worker.JobContext) models.JobResult {
	var res models.JobResult
	if jc.LoweringID == "" || !isDir(jc.LoweringDir()) {
		res.Fail("Verify lowering directory", fmt.Sprintf("Unable to find lowering directory: %s", jc.LoweringDir()))
		return res
	}
	res.Pass("Verify lowering directory")

	payload := cruisePayload(jc)
	if !j.runTransfers(ctx, jc, &res, models.ScopeLowering, payload) {
		return res
	}
	if err := j.exportConfig(ctx, jc, jc.LoweringDir(), loweringConfigFile); err != nil {
		res.Fail("Export OpenVDM config", err.Error())
		return res
	}
	res.Pass("Export OpenVDM config")
	if !j.orch.Chain(ctx, &res, orchestrate.Step{
		PartName: "Set lowering data directory permissions",
		Type:     models.JobSetCruiseDataDirectoryPermissions,
		Payload:  payload,
	}) {
		return res
	}
	j.hooks.Run(ctx, models.JobFinalizeCurrentLowering, payload)
	return res
}

// runTransfers runs every active collection system transfer in scope in
// parallel and waits for all of them. Individual failures are noted but do
// not fail the caller.
func (j *Jobs) runTransfers(ctx context.Context, jc *worker.JobContext, res *models.JobResult, scope models.Scope, base models.JobPayload) bool {
	defs, err := j.status.GetActiveCollectionSystemTransfers(ctx, scope)
	if err != nil {
		res.Fail("Retrieve Collection System Transfers", err.Error())
		return false
	}
	subs := make([]orchestrate.Submission, 0, len(defs))
	for _, d := range defs {
		p := base
		p.CollectionSystemTransferID = d.CollectionSystemTransferID
		// finalizing runs the transfers one last time even if the system is off
		p.SystemStatus = "On"
		subs = append(subs, orchestrate.Submission{Type: models.JobRunCollectionSystemTransfer, Payload: p})
	}
	jc.ReportProgress(10, 100)
	results, err := j.orch.FanOut(ctx, subs)
	if err != nil {
		res.Fail("Run Collection System Transfers", err.Error())
		return false
	}
	failed := 0
	for i, r := range results {
		if r.Failed() {
			failed++
			jc.Log.WithFields(log.Fields{
				"transfer": defs[i].Name,
				"reason":   r.Final().Reason,
			}).Warn("collection system transfer failed during finalize")
		}
	}
	if failed > 0 {
		res.PassWithNote("Run Collection System Transfers", fmt.Sprintf("%d of %d transfers failed", failed, len(results)))
	} else {
		res.Pass("Run Collection System Transfers")
	}
	jc.ReportProgress(60, 100)
	return true
}

// syncPublicData copies the warehouse public share into the cruise.
func (j *Jobs) syncPublicData(ctx context.Context, jc *worker.JobContext, res *models.JobResult) bool {
	src := jc.Warehouse.PublicDataDir
	if src == "" || !isDir(src) {
		res.PassWithNote("Transfer Public Data", "No public data directory")
		return true
	}
	dest, err := within(jc.CruiseDir(), jc.System.PublicDataDestDir)
	if err == nil {
		err = os.MkdirAll(dest, dirMode)
	}
	if err != nil {
		res.Fail("Transfer Public Data", err.Error())
		return false
	}
	adapter, err := j.transports.For(models.KindLocal)
	if err != nil {
		res.Fail("Transfer Public Data", err.Error())
		return false
	}
	ep := transport.Endpoint{
		Definition: models.TransferDefinition{Name: publicDataLogName, TransferType: models.KindLocal},
		Direction:  transport.Pull,
		Local:      dest,
		Remote:     src,
	}
	sess, err := adapter.Open(ctx, ep)
	if err != nil {
		res.Fail("Transfer Public Data", err.Error())
		return false
	}
	defer func() {
		if err := sess.Close(); err != nil {
			jc.Log.WithError(err).Error("unable to clean up public data session")
		}
	}()
	files, _, err := sess.Files(ctx, reconcile.Options{Filter: reconcile.MatchAll(), Window: reconcile.OpenWindow()})
	if err != nil {
		res.Fail("Transfer Public Data", err.Error())
		return false
	}
	out := sess.Transfer(ctx, transport.Request{Include: files.Include, Stop: jc})
	if !out.Verdict {
		res.Fail("Transfer Public Data", out.Reason)
		return false
	}
	if out.Files.Changed() {
		p, err := writeTransferLog(jc.TransferLogsDir(), publicDataLogName, j.now(), out.Files.New, out.Files.Updated)
		if err != nil {
			res.Fail("Transfer Public Data", err.Error())
			return false
		}
		normalizePath(jc, p)
		rewritten := orchestrate.RewritePaths(out.Files, jc.System.PublicDataDestDir)
		payload := cruisePayload(jc)
		payload.Files = &rewritten
		if _, err := j.orch.Background(ctx, models.JobUpdateMD5Summary, payload); err != nil {
			jc.Log.WithError(err).Warn("unable to queue MD5 summary update")
		}
	}
	res.Pass("Transfer Public Data")
	jc.ReportProgress(80, 100)
	return true
}

type configExport struct {
	CruiseID                  string                      `json:"cruiseID"`
	CruiseStartDate           string                      `json:"cruiseStartDate,omitempty"`
	CruiseEndDate             string                      `json:"cruiseEndDate,omitempty"`
	LoweringID                string                      `json:"loweringID,omitempty"`
	LoweringStartDate         string                      `json:"loweringStartDate,omitempty"`
	LoweringEndDate           string                      `json:"loweringEndDate,omitempty"`
	Warehouse                 models.WarehouseConfig      `json:"warehouseConfig"`
	CollectionSystemTransfers []models.TransferDefinition `json:"collectionSystemTransfersConfig"`
	CruiseDataTransfers       []models.TransferDefinition `json:"cruiseDataTransfersConfig"`
	ExtraDirectories          []models.ExtraDirectory     `json:"extraDirectoriesConfig"`
	Exported                  time.Time                   `json:"configCreatedOn"`
}

// withoutSecrets strips credentials and run state from exported definitions.
func withoutSecrets(defs []models.TransferDefinition) []models.TransferDefinition {
	out := make([]models.TransferDefinition, len(defs))
	for i, d := range defs {
		d.RsyncPass, d.SMBPass, d.SSHPass = "", "", ""
		d.Status, d.PID = models.StatusIdle, 0
		out[i] = d
	}
	return out
}

// exportConfig writes the cruise configuration, without passwords, into dir.
func (j *Jobs) exportConfig(ctx context.Context, jc *worker.JobContext, dir, name string) error {
	csts, err := j.status.GetCollectionSystemTransfers(ctx)
	if err != nil {
		return fmt.Errorf("collection system transfers: %w", err)
	}
	cdts, err := j.status.GetCruiseDataTransfers(ctx)
	if err != nil {
		return fmt.Errorf("cruise data transfers: %w", err)
	}
	extra, err := j.status.GetExtraDirectories(ctx)
	if err != nil {
		return fmt.Errorf("extra directories: %w", err)
	}
	p := cruisePayload(jc)
	export := configExport{
		CruiseID:                  jc.CruiseID,
		CruiseStartDate:           p.CruiseStartDate,
		CruiseEndDate:             p.CruiseEndDate,
		LoweringID:                p.LoweringID,
		LoweringStartDate:         p.LoweringStartDate,
		LoweringEndDate:           p.LoweringEndDate,
		Warehouse:                 jc.Warehouse,
		CollectionSystemTransfers: withoutSecrets(csts),
		CruiseDataTransfers:       withoutSecrets(cdts),
		ExtraDirectories:          extra,
		Exported:                  j.now().UTC(),
	}
	if name == configExportFn {
		export.LoweringID, export.LoweringStartDate, export.LoweringEndDate = "", "", ""
	}
	out, err := writeJSONFile(dir, name, export)
	if err != nil {
		return err
	}
	normalizePath(jc, out)
	return nil
}
