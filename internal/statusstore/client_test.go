package statusstore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openvdm-jobs/internal/models"
	"openvdm-jobs/internal/statusstore"
	"openvdm-jobs/internal/statusstore/statusstoretest"
)

func newClient(t *testing.T) (*statusstore.Client, *statusstoretest.Server) {
	t.Helper()
	fake := statusstoretest.New()
	t.Cleanup(fake.Close)
	return statusstore.New(fake.URL(), 5*time.Second), fake
}

func TestGetCollectionSystemTransferNotFound(t *testing.T) {
	c, fake := newClient(t)
	fake.AddCollectionSystemTransfer(models.TransferDefinition{CollectionSystemTransferID: "1", Name: "SCS", Enable: true})

	def, err := c.GetCollectionSystemTransfer(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, "SCS", def.Name)

	_, err = c.GetCollectionSystemTransfer(context.Background(), "99")
	assert.True(t, errors.Is(err, statusstore.ErrNotFound))
}

func TestActiveCollectionSystemTransfersFiltersByScope(t *testing.T) {
	c, fake := newClient(t)
	fake.AddCollectionSystemTransfer(models.TransferDefinition{CollectionSystemTransferID: "1", Name: "SCS", Enable: true})
	fake.AddCollectionSystemTransfer(models.TransferDefinition{CollectionSystemTransferID: "2", Name: "ROV", Enable: true, CruiseOrLowering: 1})
	fake.AddCollectionSystemTransfer(models.TransferDefinition{CollectionSystemTransferID: "3", Name: "EM302", Enable: false})

	ctx := context.Background()
	both, err := c.GetActiveCollectionSystemTransfers(ctx, models.ScopeBoth)
	require.NoError(t, err)
	assert.Len(t, both, 2)

	cruise, err := c.GetActiveCollectionSystemTransfers(ctx, models.ScopeCruise)
	require.NoError(t, err)
	require.Len(t, cruise, 1)
	assert.Equal(t, "SCS", cruise[0].Name)

	lowering, err := c.GetActiveCollectionSystemTransfers(ctx, models.ScopeLowering)
	require.NoError(t, err)
	require.Len(t, lowering, 1)
	assert.Equal(t, "ROV", lowering[0].Name)
}

func TestStatusTransitions(t *testing.T) {
	c, fake := newClient(t)
	ctx := context.Background()
	fake.AddCruiseDataTransfer(models.TransferDefinition{CruiseDataTransferID: "4", Name: "NAS", Enable: true})

	require.NoError(t, c.SetRunning(ctx, models.EntityCruiseDataTransfer, "4", 321, "H:abc"))
	status, pid := fake.Status(models.EntityCruiseDataTransfer, "4")
	assert.Equal(t, models.StatusRunning, status)
	assert.Equal(t, 321, pid)

	require.NoError(t, c.SetError(ctx, models.EntityCruiseDataTransfer, "4", "mount failed"))
	status, _ = fake.Status(models.EntityCruiseDataTransfer, "4")
	assert.Equal(t, models.StatusError, status)
	assert.Equal(t, "mount failed", fake.ErrorReason(models.EntityCruiseDataTransfer, "4"))

	// A previous status other than error leaves the entity alone.
	require.NoError(t, c.ClearErrorIfIdleRequested(ctx, models.EntityCruiseDataTransfer, "4", models.StatusRunning))
	status, _ = fake.Status(models.EntityCruiseDataTransfer, "4")
	assert.Equal(t, models.StatusError, status)

	require.NoError(t, c.ClearErrorIfIdleRequested(ctx, models.EntityCruiseDataTransfer, "4", models.StatusError))
	status, _ = fake.Status(models.EntityCruiseDataTransfer, "4")
	assert.Equal(t, models.StatusIdle, status)
}

func TestNonSuccessStatusIsAnError(t *testing.T) {
	c, fake := newClient(t)
	fake.AddTask(models.Task{TaskID: "2", Name: "rebuildMD5Summary"})
	fake.FailNext("/api/tasks/setIdleTask/2", 1)

	err := c.SetIdle(context.Background(), models.EntityTask, "2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestSendMessageSwallowsFailures(t *testing.T) {
	c, fake := newClient(t)
	fake.FailNext("/api/messages/newMessage", 1)
	c.SendMessage(context.Background(), "lost", "body")
	c.SendMessage(context.Background(), "kept", "body")

	msgs := fake.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "kept", msgs[0].Title)
}

func TestWarehouseValues(t *testing.T) {
	c, fake := newClient(t)
	ctx := context.Background()
	fake.SetWarehouse(models.WarehouseConfig{BaseDir: "/data", Username: "survey"})
	fake.SetValue("cruiseID", "FK2301")
	fake.SetValue("cruiseStartDate", "2023/01/05 08:30")
	fake.SetValue("systemStatus", "Off")
	fake.SetValue("md5FilesizeLimit", "10")

	wh, err := c.GetWarehouseConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, "/data", wh.BaseDir)

	id, err := c.GetCruiseID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "FK2301", id)

	start, err := c.GetCruiseStartDate(ctx)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2023, 1, 5, 8, 30, 0, 0, time.UTC), start)

	end, err := c.GetCruiseEndDate(ctx)
	require.NoError(t, err)
	assert.True(t, end.IsZero())

	on, err := c.GetSystemStatus(ctx)
	require.NoError(t, err)
	assert.False(t, on)

	limit, err := c.GetMD5FilesizeLimit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, limit)
}

func TestTasksAndJobTracking(t *testing.T) {
	c, fake := newClient(t)
	ctx := context.Background()
	fake.AddTask(models.Task{TaskID: "3", Name: "setupNewCruise", LongName: "Setup New Cruise"})

	task, err := c.GetTaskByName(ctx, "setupNewCruise")
	require.NoError(t, err)
	assert.True(t, task.Persisted())

	_, err = c.GetTaskByName(ctx, "updateMD5Summary")
	assert.ErrorIs(t, err, statusstore.ErrNotFound)

	require.NoError(t, c.RecordJobTracking(ctx, "updateMD5Summary", 77, "H:1"))
	jobs := fake.TrackedJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, statusstoretest.TrackedJob{Handle: "H:1", Name: "updateMD5Summary", PID: 77}, jobs[0])

	require.NoError(t, c.ClearAllJobsFromDB(ctx))
	assert.Empty(t, fake.TrackedJobs())
}

func TestRequiredCruiseDataTransferByName(t *testing.T) {
	c, fake := newClient(t)
	fake.AddRequiredCruiseDataTransfer(models.TransferDefinition{CruiseDataTransferID: "1", Name: "SSDW", Enable: true})
	fake.AddCruiseDataTransfer(models.TransferDefinition{CruiseDataTransferID: "2", Name: "NAS", Enable: true})

	def, err := c.GetRequiredCruiseDataTransfer(context.Background(), "SSDW")
	require.NoError(t, err)
	assert.Equal(t, "1", def.ID())

	active, err := c.GetActiveCruiseDataTransfers(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "NAS", active[0].Name)
}
