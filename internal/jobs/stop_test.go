package jobs

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openvdm-jobs/internal/models"
)

func TestStopJobSignalsOwnerAndMarksIdle(t *testing.T) {
	h := newHarness(t)
	def := archive()
	def.Status = models.StatusRunning
	def.PID = 4242
	h.fake.AddCruiseDataTransfer(def)
	h.fake.AddCollectionSystemTransfer(scs())

	res := h.run(t, models.JobStopJob, `{"pid":"4242"}`)
	require.False(t, res.Failed(), "%+v", res.Parts)
	require.Len(t, h.signals.sent, 1)
	assert.Equal(t, signal{4242, syscall.SIGQUIT}, h.signals.sent[0])
	st, _ := h.fake.Status(models.EntityCruiseDataTransfer, "2")
	assert.Equal(t, models.StatusIdle, st)
	msgs := h.fake.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Manual Stop of Archive", msgs[0].Title)
}

func TestStopJobMarksIdleWhenSignalFails(t *testing.T) {
	h := newHarness(t)
	h.signals.err = syscall.EPERM
	def := scs()
	def.Status = models.StatusRunning
	def.PID = 31337
	h.fake.AddCollectionSystemTransfer(def)

	res := h.run(t, models.JobStopJob, `{"pid":31337}`)
	require.False(t, res.Failed(), "%+v", res.Parts)
	final := res.Parts[len(res.Parts)-1]
	assert.Equal(t, "Stopped Job", final.PartName)
	assert.Contains(t, final.Reason, "Unable to signal process 31337")
	st, _ := h.fake.Status(models.EntityCollectionSystemTransfer, def.CollectionSystemTransferID)
	assert.Equal(t, models.StatusIdle, st)
	msgs := h.fake.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Manual Stop of "+def.Name, msgs[0].Title)
}

func TestStopJobFindsTasks(t *testing.T) {
	h := newHarness(t)
	h.fake.AddTask(models.Task{TaskID: "6", Name: "rebuildMD5Summary", LongName: "Rebuilding MD5 Summary", Status: models.StatusRunning, PID: 77})

	res := h.run(t, models.JobStopJob, `{"pid":77}`)
	require.False(t, res.Failed(), "%+v", res.Parts)
	st, _ := h.fake.Status(models.EntityTask, "6")
	assert.Equal(t, models.StatusIdle, st)
}

func TestStopJobUnknownPID(t *testing.T) {
	h := newHarness(t)
	h.fake.AddCollectionSystemTransfer(scs())

	res := h.run(t, models.JobStopJob, `{"pid":"5555"}`)
	require.Len(t, res.Parts, 1)
	assert.Equal(t, models.Part{PartName: "Valid OpenVDM Job", Result: models.Fail, Reason: "Unknown job type: unknown"}, res.Parts[0])
	assert.Empty(t, h.signals.sent)
}

func TestKillSignalerIgnoresExitedProcess(t *testing.T) {
	// pid far above pid_max on Linux, never allocated
	assert.NoError(t, killSignaler{}.Signal(1<<30, syscall.Signal(0)))
}
