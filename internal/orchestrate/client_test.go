package orchestrate

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openvdm-jobs/internal/config"
	"openvdm-jobs/internal/models"
	"openvdm-jobs/internal/queue"
)

// fakeWorker claims jobs of the given types and completes them with script.
type fakeWorker struct {
	mu      sync.Mutex
	claimed []string
}

func (w *fakeWorker) seen() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.claimed...)
}

func startWorker(t *testing.T, q *queue.RedisQueue, types []models.JobType, script func(models.JobRecord) models.JobResult) *fakeWorker {
	t.Helper()
	names := make([]string, 0, len(types))
	for _, jt := range types {
		names = append(names, string(jt))
	}
	w := &fakeWorker{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	t.Cleanup(func() {
		cancel()
		<-done
	})
	go func() {
		defer close(done)
		for ctx.Err() == nil {
			rec, err := q.Claim(ctx, names, "fake")
			if err != nil || rec == nil {
				time.Sleep(2 * time.Millisecond)
				continue
			}
			w.mu.Lock()
			w.claimed = append(w.claimed, rec.Type)
			w.mu.Unlock()
			res := script(*rec)
			body, _ := json.Marshal(res)
			status := models.JobComplete
			if res.Failed() {
				status = models.JobFailed
			}
			_ = q.Complete(ctx, rec.Handle, status, body)
		}
	}()
	return w
}

func newQueue(t *testing.T) *queue.RedisQueue {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	q := queue.NewRedisQueue(config.Config{RedisAddr: mr.Addr(), ResultTTL: time.Hour})
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func pass(name string) models.JobResult {
	var r models.JobResult
	r.Pass(name)
	return r
}

func TestChainFailsFast(t *testing.T) {
	q := newQueue(t)
	steps := []models.JobType{
		models.JobSetCruiseDataDirectoryPermissions,
		models.JobCreateCruiseDirectory,
		models.JobRebuildMD5Summary,
		models.JobRebuildDataDashboard,
	}
	w := startWorker(t, q, steps, func(rec models.JobRecord) models.JobResult {
		if rec.Type == string(models.JobCreateCruiseDirectory) {
			var r models.JobResult
			r.Fail("Create Directories", "disk full")
			return r
		}
		return pass("ok")
	})
	c := NewClient(q, 5*time.Millisecond)

	var res models.JobResult
	res.Pass("Retrieve Cruise Settings")
	ok := c.Chain(context.Background(), &res,
		Step{PartName: "Lockdown data directory permissions", Type: steps[0]},
		Step{PartName: "Create cruise data directory structure", Type: steps[1]},
		Step{PartName: "Create MD5 summary files", Type: steps[2]},
		Step{PartName: "Create data dashboard directory structure", Type: steps[3]},
	)
	require.False(t, ok)
	final := res.Final()
	assert.Equal(t, "Create cruise data directory structure", final.PartName)
	assert.Equal(t, models.Fail, final.Result)
	assert.Equal(t, "disk full", final.Reason)
	assert.Equal(t, final, res.Parts[len(res.Parts)-1])

	assert.Equal(t, []string{string(steps[0]), string(steps[1])}, w.seen())
	depth, err := q.Depth(context.Background(), []string{string(steps[2]), string(steps[3])})
	require.NoError(t, err)
	assert.Zero(t, depth, "later steps must never be submitted")
}

func TestChainAllPass(t *testing.T) {
	q := newQueue(t)
	startWorker(t, q, []models.JobType{models.JobCreateCruiseDirectory}, func(models.JobRecord) models.JobResult {
		return pass("Create Directories")
	})
	c := NewClient(q, 5*time.Millisecond)
	var res models.JobResult
	ok := c.Chain(context.Background(), &res, Step{PartName: "Create cruise data directory structure", Type: models.JobCreateCruiseDirectory})
	require.True(t, ok)
	assert.False(t, res.Failed())
	assert.Len(t, res.Parts, 1)
}

func TestFanOutWaitsForAll(t *testing.T) {
	q := newQueue(t)
	var mu sync.Mutex
	finished := map[string]bool{}
	startWorker(t, q, []models.JobType{models.JobRunCollectionSystemTransfer}, func(rec models.JobRecord) models.JobResult {
		p, _ := models.DecodePayload(rec.Payload)
		if p.CollectionSystemTransferID == "1" {
			time.Sleep(50 * time.Millisecond)
		}
		mu.Lock()
		finished[p.CollectionSystemTransferID] = true
		mu.Unlock()
		if p.CollectionSystemTransferID == "2" {
			var r models.JobResult
			r.Fail("Transfer Files", "unreachable")
			return r
		}
		return pass("Transfer Files")
	})
	c := NewClient(q, 5*time.Millisecond)

	subs := []Submission{}
	for _, id := range []string{"1", "2", "3"} {
		subs = append(subs, Submission{Type: models.JobRunCollectionSystemTransfer, Payload: models.JobPayload{CollectionSystemTransferID: id}})
	}
	results, err := c.FanOut(context.Background(), subs)
	require.NoError(t, err)
	require.Len(t, results, 3)

	mu.Lock()
	assert.Len(t, finished, 3, "continuation ran before every job finished")
	mu.Unlock()
	assert.False(t, results[0].Failed())
	assert.True(t, results[1].Failed())
	assert.False(t, results[2].Failed())
}

func TestFanOutEmpty(t *testing.T) {
	c := NewClient(newQueue(t), time.Millisecond)
	results, err := c.FanOut(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestHooksEnqueueConfiguredJobs(t *testing.T) {
	q := newQueue(t)
	sys := config.DefaultSystem()
	sys.Hooks = map[string][]string{
		"runCollectionSystemTransfer": {"postCollectionSystemTransfer", "notAJob"},
	}
	h := NewHooks(NewClient(q, time.Millisecond), sys)

	handles := h.Run(context.Background(), models.JobRunCollectionSystemTransfer, models.JobPayload{CruiseID: "FK2301"})
	require.Len(t, handles, 1)
	info, err := q.Info(context.Background(), handles[0])
	require.NoError(t, err)
	assert.Equal(t, "postCollectionSystemTransfer", info.Type)
	assert.True(t, info.Background)
	assert.JSONEq(t, `{"cruiseID":"FK2301"}`, string(info.Payload))

	assert.Empty(t, h.Run(context.Background(), models.JobSetupNewCruise, nil))
}

func TestRewritePaths(t *testing.T) {
	files := models.FileSet{
		Include: []string{"a.txt", "b.txt"},
		New:     []string{"a.txt"},
		Updated: []string{"sub/b.txt"},
	}
	out := RewritePaths(files, "SCS")
	assert.Equal(t, []string{"SCS/a.txt"}, out.New)
	assert.Equal(t, []string{"SCS/sub/b.txt"}, out.Updated)
	assert.Empty(t, out.Include)
}
