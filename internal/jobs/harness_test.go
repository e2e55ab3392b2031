package jobs

import (
	"context"
	"errors"
	"os"
	"os/user"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"openvdm-jobs/internal/config"
	"openvdm-jobs/internal/models"
	"openvdm-jobs/internal/orchestrate"
	"openvdm-jobs/internal/queue"
	"openvdm-jobs/internal/reconcile"
	"openvdm-jobs/internal/statusstore"
	"openvdm-jobs/internal/statusstore/statusstoretest"
	"openvdm-jobs/internal/transport"
	"openvdm-jobs/internal/worker"
)

const cruiseID = "FK2301"

var fixedNow = time.Date(2023, 1, 5, 12, 0, 0, 0, time.UTC)

// fakeAdapter stands in for the local transport. files and transfer default
// to the fixed files and out values.
type fakeAdapter struct {
	mu       sync.Mutex
	files    models.FileSet
	out      transport.Outcome
	filesFn  func(ep transport.Endpoint) models.FileSet
	transfer func(ep transport.Endpoint, req transport.Request) transport.Outcome
	tests    []models.Part
	openErr  error
	opened   []transport.Endpoint
	requests []transport.Request
	closed   int
}

func (a *fakeAdapter) Kind() models.TransferKind { return models.KindLocal }

func (a *fakeAdapter) Open(_ context.Context, ep transport.Endpoint) (transport.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.openErr != nil {
		return nil, a.openErr
	}
	a.opened = append(a.opened, ep)
	return &fakeSession{a: a, ep: ep}, nil
}

func (a *fakeAdapter) Test(context.Context, transport.Endpoint) []models.Part { return a.tests }

func (a *fakeAdapter) endpoints() []transport.Endpoint {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]transport.Endpoint(nil), a.opened...)
}

type fakeSession struct {
	a  *fakeAdapter
	ep transport.Endpoint
}

func (s *fakeSession) Files(context.Context, reconcile.Options) (models.FileSet, reconcile.Stats, error) {
	if s.a.filesFn != nil {
		return s.a.filesFn(s.ep), reconcile.Stats{}, nil
	}
	return s.a.files, reconcile.Stats{}, nil
}

func (s *fakeSession) Transfer(_ context.Context, req transport.Request) transport.Outcome {
	s.a.mu.Lock()
	s.a.requests = append(s.a.requests, req)
	s.a.mu.Unlock()
	if s.a.transfer != nil {
		return s.a.transfer(s.ep, req)
	}
	return s.a.out
}

func (s *fakeSession) Close() error {
	s.a.mu.Lock()
	defer s.a.mu.Unlock()
	s.a.closed++
	return nil
}

// fakeRunner records hook commands.
type fakeRunner struct {
	mu   sync.Mutex
	ran  []transport.Command
	errs map[string]error
}

func (r *fakeRunner) Start(context.Context, transport.Command) (transport.Process, error) {
	return nil, errors.New("not supported")
}

func (r *fakeRunner) Run(_ context.Context, c transport.Command) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ran = append(r.ran, c)
	return nil, r.errs[c.Name]
}

func (r *fakeRunner) commands() []transport.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transport.Command(nil), r.ran...)
}

type signal struct {
	pid int
	sig syscall.Signal
}

type fakeSignaler struct {
	mu   sync.Mutex
	sent []signal
	err  error
}

func (s *fakeSignaler) Signal(pid int, sig syscall.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, signal{pid, sig})
	return s.err
}

type harness struct {
	cfg      config.Config
	sys      config.System
	fake     *statusstoretest.Server
	q        *queue.RedisQueue
	status   *statusstore.Client
	jobs     *Jobs
	registry *worker.Registry
	p        *worker.Processor
	adapter  *fakeAdapter
	runner   *fakeRunner
	signals  *fakeSignaler
	base     string
}

func newHarness(t *testing.T, configure ...func(*config.System)) *harness {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	cfg := config.Config{
		RedisAddr:          mr.Addr(),
		ResultTTL:          time.Hour,
		LeaseTimeout:       time.Minute,
		WorkerPollInterval: 5 * time.Millisecond,
		ResultPollInterval: 5 * time.Millisecond,
		TempDir:            t.TempDir(),
	}
	q := queue.NewRedisQueue(cfg)
	t.Cleanup(func() { _ = q.Close() })

	base := t.TempDir()
	fake := statusstoretest.New()
	t.Cleanup(fake.Close)
	fake.SetWarehouse(models.WarehouseConfig{
		Username:            currentUser(t),
		BaseDir:             base,
		LoweringDataBaseDir: "Vehicle/Lowerings",
	})
	fake.SetValue("cruiseID", cruiseID)
	fake.SetValue("cruiseStartDate", "2023/01/01 00:00")

	sys := config.DefaultSystem()
	sys.SiteRoot = fake.URL()
	for _, c := range configure {
		c(&sys)
	}

	status := statusstore.New(fake.URL(), 5*time.Second)
	orch := orchestrate.NewClient(q, cfg.ResultPollInterval)
	adapter := &fakeAdapter{}
	runner := &fakeRunner{errs: map[string]error{}}
	signals := &fakeSignaler{}
	j := New(status, orch, orchestrate.NewHooks(orch, sys), transport.NewSet(adapter), runner,
		WithSignaler(signals), WithLocker(q), WithClock(func() time.Time { return fixedNow }))
	registry := worker.NewRegistry()
	j.Register(registry)

	return &harness{
		cfg:      cfg,
		sys:      sys,
		fake:     fake,
		q:        q,
		status:   status,
		jobs:     j,
		registry: registry,
		p:        worker.NewProcessor(cfg, sys, q, status, nil, registry),
		adapter:  adapter,
		runner:   runner,
		signals:  signals,
		base:     base,
	}
}

func (h *harness) cruiseDir() string { return filepath.Join(h.base, cruiseID) }

// run submits one job and executes it in the test goroutine.
func (h *harness) run(t *testing.T, jobType models.JobType, payload string) models.JobResult {
	t.Helper()
	ctx := context.Background()
	_, err := h.q.Submit(ctx, string(jobType), []byte(payload), false)
	require.NoError(t, err)
	rec, err := h.q.Claim(ctx, []string{string(jobType)}, "test")
	require.NoError(t, err)
	require.NotNil(t, rec)
	return h.p.Execute(ctx, *rec)
}

// serve runs a second worker for the given job types until the test ends.
func (h *harness) serve(t *testing.T, types ...models.JobType) {
	t.Helper()
	names := make([]string, 0, len(types))
	for _, jt := range types {
		names = append(names, string(jt))
	}
	sub, err := h.registry.Restrict(names)
	require.NoError(t, err)
	p := worker.NewProcessor(h.cfg, h.sys, h.q, h.status, nil, sub)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// queued claims the next queued job of jobType, failing when there is none.
func (h *harness) queued(t *testing.T, jobType models.JobType) models.JobPayload {
	t.Helper()
	rec, err := h.q.Claim(context.Background(), []string{string(jobType)}, "inspect")
	require.NoError(t, err)
	require.NotNil(t, rec, "expected a queued %s job", jobType)
	p, err := models.DecodePayload(rec.Payload)
	require.NoError(t, err)
	return p
}

func (h *harness) depth(t *testing.T, types ...models.JobType) int {
	t.Helper()
	names := make([]string, 0, len(types))
	for _, jt := range types {
		names = append(names, string(jt))
	}
	n, err := h.q.Depth(context.Background(), names)
	require.NoError(t, err)
	return int(n)
}

func writeFile(t *testing.T, p, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
}

func mkdirs(t *testing.T, dirs ...string) {
	t.Helper()
	for _, d := range dirs {
		require.NoError(t, os.MkdirAll(d, 0o755))
	}
}

// jobContext builds a context for calling a handler directly.
func (h *harness) jobContext(t *testing.T, jobType models.JobType) *worker.JobContext {
	t.Helper()
	return &worker.JobContext{
		Type:     jobType,
		CruiseID: cruiseID,
		Warehouse: models.WarehouseConfig{
			Username:            currentUser(t),
			BaseDir:             h.base,
			LoweringDataBaseDir: "Vehicle/Lowerings",
		},
		System: h.sys,
		Stop:   &worker.StopFlag{},
		Log:    testLogger(),
	}
}

func testLogger() *log.Entry { return log.NewEntry(log.StandardLogger()) }

func currentUser(t *testing.T) string {
	t.Helper()
	me, err := user.Current()
	require.NoError(t, err)
	return me.Username
}
