package jobs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"openvdm-jobs/internal/models"
	"openvdm-jobs/internal/reconcile"
	"openvdm-jobs/internal/worker"
)

const dashboardManifest = "manifest.json"

// within joins rel onto root and refuses results that escape root.
func within(root, rel string) (string, error) {
	p := filepath.Join(root, rel)
	if p != root && !strings.HasPrefix(p, root+string(filepath.Separator)) {
		return "", fmt.Errorf("%s escapes %s", rel, root)
	}
	return p, nil
}

// cruiseDirectories lists every directory a cruise is expected to contain.
func (j *Jobs) cruiseDirectories(ctx context.Context, jc *worker.JobContext) ([]string, error) {
	root := jc.CruiseDir()
	rels := []string{jc.System.TransferLogsDir, jc.System.DashboardDataDir}

	csts, err := j.status.GetActiveCollectionSystemTransfers(ctx, models.ScopeCruise)
	if err != nil {
		return nil, fmt.Errorf("collection system transfers: %w", err)
	}
	for _, d := range csts {
		rels = append(rels, reconcile.Substitute(d.DestDir, jc.CruiseID, jc.LoweringID))
	}
	required, err := j.status.GetRequiredExtraDirectories(ctx)
	if err != nil {
		return nil, fmt.Errorf("required extra directories: %w", err)
	}
	extra, err := j.status.GetExtraDirectories(ctx)
	if err != nil {
		return nil, fmt.Errorf("extra directories: %w", err)
	}
	for _, d := range append(required, extra...) {
		if d.Enable || d.Required {
			rels = append(rels, reconcile.Substitute(d.DestDir, jc.CruiseID, jc.LoweringID))
		}
	}
	showLowerings, err := j.status.GetShowLoweringComponents(ctx)
	if err != nil {
		return nil, fmt.Errorf("lowering components: %w", err)
	}
	if showLowerings && jc.Warehouse.LoweringDataBaseDir != "" {
		rels = append(rels, jc.Warehouse.LoweringDataBaseDir)
	}

	dirs := []string{root}
	for _, rel := range rels {
		if strings.TrimSpace(rel) == "" {
			continue
		}
		p, err := within(root, rel)
		if err != nil {
			return nil, err
		}
		dirs = append(dirs, p)
	}
	return dirs, nil
}

func makeDirs(dirs []string) error {
	for _, d := range dirs {
		if err := os.MkdirAll(d, dirMode); err != nil {
			return fmt.Errorf("unable to create directory %s: %w", d, err)
		}
	}
	return nil
}

// createCruiseDirectory builds the cruise directory tree. Existing
// directories are left in place.
func (j *Jobs) createCruiseDirectory(ctx context.Context, jc *worker.JobContext) models.JobResult {
	var res models.JobResult
	if !isDir(jc.Warehouse.BaseDir) {
		res.Fail("Verify Base Directory exists", fmt.Sprintf("Unable to find base directory: %s", jc.Warehouse.BaseDir))
		return res
	}
	res.Pass("Verify Base Directory exists")
	if jc.CruiseID == "" {
		res.Fail("Verify Cruise ID", "Cruise ID is not defined")
		return res
	}
	dirs, err := j.cruiseDirectories(ctx, jc)
	if err != nil {
		res.Fail("Retrieve directory list", err.Error())
		return res
	}
	res.Pass("Retrieve directory list")
	if err := makeDirs(dirs); err != nil {
		res.Fail("Create Directories", err.Error())
		return res
	}
	res.Pass("Create Directories")

	owner, err := lookupOwner(jc.Warehouse.Username)
	if err == nil {
		err = normalizeTree(ctx, jc.CruiseDir(), owner)
	}
	if err != nil {
		res.Fail("Set directory ownership/permissions", err.Error())
		return res
	}
	res.Pass("Set directory ownership/permissions")
	return res
}

// createLoweringDirectory builds the lowering directory and the destinations
// of the lowering scoped collection system transfers.
func (j *Jobs) createLoweringDirectory(ctx context.Context, jc *worker.JobContext) error {
	root := jc.LoweringDir()
	dirs := []string{root}
	csts, err := j.status.GetActiveCollectionSystemTransfers(ctx, models.ScopeLowering)
	if err != nil {
		return fmt.Errorf("collection system transfers: %w", err)
	}
	for _, d := range csts {
		rel := reconcile.Substitute(d.DestDir, jc.CruiseID, jc.LoweringID)
		if strings.TrimSpace(rel) == "" {
			continue
		}
		p, err := within(root, rel)
		if err != nil {
			return err
		}
		dirs = append(dirs, p)
	}
	return makeDirs(dirs)
}

// rebuildDataDashboard resets the dashboard manifest of the cruise. The
// dashboard data itself is regenerated by the configured hooks.
func (j *Jobs) rebuildDataDashboard(ctx context.Context, jc *worker.JobContext) models.JobResult {
	var res models.JobResult
	if jc.CruiseID == "" || !isDir(jc.CruiseDir()) {
		res.Fail("Verify cruise directory", fmt.Sprintf("Unable to find cruise directory: %s", jc.CruiseDir()))
		return res
	}
	res.Pass("Verify cruise directory")
	dir, err := within(jc.CruiseDir(), jc.System.DashboardDataDir)
	if err == nil {
		err = os.MkdirAll(dir, dirMode)
	}
	if err != nil {
		res.Fail("Verify dashboard directory", err.Error())
		return res
	}
	res.Pass("Verify dashboard directory")
	p, err := writeFileAtomic(dir, dashboardManifest, []byte("[]\n"))
	if err != nil {
		res.Fail("Reset dashboard manifest", err.Error())
		return res
	}
	normalizePath(jc, p)
	res.Pass("Reset dashboard manifest")
	j.hooks.Run(ctx, models.JobRebuildDataDashboard, cruisePayload(jc))
	return res
}
