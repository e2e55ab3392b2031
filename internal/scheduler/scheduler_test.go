package scheduler

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openvdm-jobs/internal/config"
	"openvdm-jobs/internal/models"
	"openvdm-jobs/internal/orchestrate"
	"openvdm-jobs/internal/queue"
	"openvdm-jobs/internal/statusstore"
	"openvdm-jobs/internal/statusstore/statusstoretest"
)

type harness struct {
	sched  *Scheduler
	fake   *statusstoretest.Server
	q      *queue.RedisQueue
	sleeps []time.Duration
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	q := queue.NewRedisQueue(config.Config{RedisAddr: mr.Addr(), ResultTTL: time.Hour})
	t.Cleanup(func() { _ = q.Close() })
	fake := statusstoretest.New()
	t.Cleanup(fake.Close)

	h := &harness{fake: fake, q: q}
	h.sched = New(statusstore.New(fake.URL(), time.Second), orchestrate.NewClient(q, 5*time.Millisecond), "SSDW", 5*time.Minute)
	h.sched.sleep = func(ctx context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return ctx.Err()
	}
	return h
}

func (h *harness) depth(t *testing.T, jt models.JobType) int64 {
	t.Helper()
	n, err := h.q.Depth(context.Background(), []string{string(jt)})
	require.NoError(t, err)
	return n
}

func TestTickQueuesEveryActiveTransfer(t *testing.T) {
	h := newHarness(t)
	h.fake.AddCollectionSystemTransfer(models.TransferDefinition{CollectionSystemTransferID: "1", Name: "SCS", Enable: true})
	h.fake.AddCollectionSystemTransfer(models.TransferDefinition{CollectionSystemTransferID: "2", Name: "ROV", Enable: true, CruiseOrLowering: 1})
	h.fake.AddCollectionSystemTransfer(models.TransferDefinition{CollectionSystemTransferID: "3", Name: "Off"})
	h.fake.AddCruiseDataTransfer(models.TransferDefinition{CruiseDataTransferID: "4", Name: "Archive", Enable: true})
	h.fake.AddRequiredCruiseDataTransfer(models.TransferDefinition{CruiseDataTransferID: "9", Name: "SSDW", Enable: true})

	n, err := h.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.EqualValues(t, 2, h.depth(t, models.JobRunCollectionSystemTransfer))
	assert.EqualValues(t, 1, h.depth(t, models.JobRunCruiseDataTransfer))
	assert.EqualValues(t, 1, h.depth(t, models.JobRunShipToShoreTransfer))
	assert.Equal(t, []time.Duration{DefaultPace, DefaultPace, DefaultPace}, h.sleeps)

	rec, err := h.q.Claim(context.Background(), []string{string(models.JobRunShipToShoreTransfer)}, "test")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.Background)
	payload, err := models.DecodePayload(rec.Payload)
	require.NoError(t, err)
	assert.Equal(t, "9", payload.CruiseDataTransferID)
}

func TestTickWithoutShipToShoreDefinition(t *testing.T) {
	h := newHarness(t)
	h.fake.AddCollectionSystemTransfer(models.TransferDefinition{CollectionSystemTransferID: "1", Name: "SCS", Enable: true})

	n, err := h.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, h.sleeps)
}

func TestTickReportsStatusStoreErrors(t *testing.T) {
	h := newHarness(t)
	h.fake.FailNext("/api/collectionSystemTransfers/getCollectionSystemTransfers", 1)

	n, err := h.sched.Tick(context.Background())
	assert.Error(t, err)
	assert.Zero(t, n)
}

func TestRemainingNeverNegative(t *testing.T) {
	s := &Scheduler{Interval: 5 * time.Minute, Pace: 2 * time.Second, Overhead: 5 * time.Second}
	assert.Equal(t, 5*time.Minute-11*time.Second, s.remaining(3))
	assert.Equal(t, time.Duration(0), s.remaining(1000))
}

func TestRunAlignsToMinute(t *testing.T) {
	h := newHarness(t)
	h.sched.now = func() time.Time { return time.Date(2023, 1, 5, 12, 0, 45, 0, time.UTC) }
	ctx, cancel := context.WithCancel(context.Background())
	h.sched.sleep = func(_ context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		if len(h.sleeps) == 2 {
			cancel()
			return context.Canceled
		}
		return nil
	}

	err := h.sched.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, h.sleeps, 2)
	assert.Equal(t, 15*time.Second, h.sleeps[0])
	assert.Equal(t, 5*time.Minute-Overhead, h.sleeps[1])
}
