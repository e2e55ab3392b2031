package jobs

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openvdm-jobs/internal/models"
	"openvdm-jobs/internal/reconcile"
	"openvdm-jobs/internal/transport"
)

func archive() models.TransferDefinition {
	return models.TransferDefinition{
		CruiseDataTransferID: "2",
		Name:                 "Archive",
		TransferType:         models.KindLocal,
		DestDir:              "/mnt/archive",
		BandwidthLimit:       800,
		Enable:               true,
	}
}

func TestCruiseDataTransferPushesCruise(t *testing.T) {
	h := newHarness(t)
	h.fake.AddCruiseDataTransfer(archive())
	mkdirs(t, h.cruiseDir())
	h.adapter.out = transport.Outcome{Verdict: true, Files: models.FileSet{New: []string{"SCS/a.txt"}}}

	res := h.run(t, models.JobRunCruiseDataTransfer, `{"cruiseDataTransferID":"2"}`)
	require.False(t, res.Failed(), "%+v", res.Parts)
	eps := h.adapter.endpoints()
	require.Len(t, eps, 1)
	assert.Equal(t, transport.Push, eps[0].Direction)
	assert.Equal(t, h.cruiseDir(), eps[0].Local)
	assert.Equal(t, "/mnt/archive/FK2301", eps[0].Remote)
	assert.Equal(t, 800, h.adapter.requests[0].BandwidthLimit)
	st, _ := h.fake.Status(models.EntityCruiseDataTransfer, "2")
	assert.Equal(t, models.StatusIdle, st)
}

func TestCruiseDataExcludesBookkeepingFiles(t *testing.T) {
	h := newHarness(t)
	jc := h.jobContext(t, models.JobRunCruiseDataTransfer)
	def := archive()
	def.ExcludeFilter = "*.tmp"

	f, err := reconcile.NewFilter("", cruiseDataExcludes(jc, &def), "", cruiseID, "")
	require.NoError(t, err)
	root := h.cruiseDir()
	assert.True(t, f.Included(filepath.Join(root, "SCS/a.txt")))
	assert.False(t, f.Included(filepath.Join(root, "SCS/a.tmp")))
	assert.False(t, f.Included(filepath.Join(root, "OpenVDM/TransferLogs/SCS_Exclude.log")))
	assert.False(t, f.Included(filepath.Join(root, "MD5_Summary.txt")))
	assert.False(t, f.Included(filepath.Join(root, "From_PublicData/notes.txt")))

	def.IncludeOVDMFiles = true
	def.IncludePublicDataFiles = true
	f, err = reconcile.NewFilter("", cruiseDataExcludes(jc, &def), "", cruiseID, "")
	require.NoError(t, err)
	assert.True(t, f.Included(filepath.Join(root, "MD5_Summary.txt")))
	assert.True(t, f.Included(filepath.Join(root, "From_PublicData/notes.txt")))
}

func TestShipToShoreBandwidthFollowsSwitch(t *testing.T) {
	h := newHarness(t)
	ssdw := archive()
	ssdw.CruiseDataTransferID = "9"
	ssdw.Name = h.sys.ShipToShoreTransfer
	h.fake.AddRequiredCruiseDataTransfer(ssdw)
	mkdirs(t, h.cruiseDir(), filepath.Join(h.cruiseDir(), h.sys.TransferLogsDir))
	h.adapter.out = transport.Outcome{Verdict: true, Files: models.FileSet{New: []string{"SCS/a.txt"}}}

	res := h.run(t, models.JobRunShipToShoreTransfer, "")
	require.False(t, res.Failed(), "%+v", res.Parts)
	assert.Equal(t, 0, h.adapter.requests[0].BandwidthLimit)
	assert.FileExists(t, filepath.Join(h.cruiseDir(), h.sys.TransferLogsDir, "SSDW_20230105T120000Z.log"))

	h.fake.SetValue("shipToShoreBWLimitStatus", "On")
	res = h.run(t, models.JobRunShipToShoreTransfer, "")
	require.False(t, res.Failed(), "%+v", res.Parts)
	assert.Equal(t, 800, h.adapter.requests[1].BandwidthLimit)
}

func TestCruiseDataConnectionTestNeedsCruiseDirectory(t *testing.T) {
	h := newHarness(t)
	h.fake.AddCruiseDataTransfer(archive())
	h.adapter.tests = []models.Part{{PartName: "Destination Directory", Result: models.Pass}}

	res := h.run(t, models.JobTestCruiseDataTransfer, `{"cruiseDataTransferID":"2"}`)
	assert.Equal(t, "Cruise Directory", res.Final().PartName)
	assert.Equal(t, models.Fail, res.Final().Result)

	mkdirs(t, h.cruiseDir())
	res = h.run(t, models.JobTestCruiseDataTransfer, `{"cruiseDataTransferID":"2"}`)
	require.False(t, res.Failed(), "%+v", res.Parts)
	assert.Equal(t, "Destination Directory", res.Final().PartName)
}
