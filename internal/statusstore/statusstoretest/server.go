// Package statusstoretest provides an in-memory status store served over
// HTTP for tests of components that talk to the status store client.
package statusstoretest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"

	"openvdm-jobs/internal/models"
)

// Message is an operator notification received by the fake.
type Message struct {
	Title string
	Body  string
}

// TrackedJob is a RecordJobTracking call received by the fake.
type TrackedJob struct {
	Handle string
	Name   string
	PID    int
}

// Server is a fake status store.
type Server struct {
	srv *httptest.Server

	mu        sync.Mutex
	cst       map[string]*models.TransferDefinition
	cdt       map[string]*models.TransferDefinition
	required  map[string]bool
	tasks     map[string]*models.Task
	errors    map[string]string
	extra     []models.ExtraDirectory
	reqExtra  []models.ExtraDirectory
	warehouse models.WarehouseConfig
	values    map[string]any
	messages  []Message
	jobs      []TrackedJob
	failPaths map[string]int
}

// New starts a fake status store. Callers must Close it.
func New() *Server {
	s := &Server{
		cst:       make(map[string]*models.TransferDefinition),
		cdt:       make(map[string]*models.TransferDefinition),
		required:  make(map[string]bool),
		tasks:     make(map[string]*models.Task),
		errors:    make(map[string]string),
		values:    map[string]any{"systemStatus": "On"},
		failPaths: make(map[string]int),
	}
	s.srv = httptest.NewServer(s.router())
	return s
}

// URL is the site root to hand to statusstore.New.
func (s *Server) URL() string { return s.srv.URL + "/" }

// Close stops the HTTP server.
func (s *Server) Close() { s.srv.Close() }

func (s *Server) AddCollectionSystemTransfer(def models.TransferDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := def
	s.cst[def.CollectionSystemTransferID] = &d
}

func (s *Server) AddCruiseDataTransfer(def models.TransferDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := def
	s.cdt[def.CruiseDataTransferID] = &d
}

func (s *Server) AddRequiredCruiseDataTransfer(def models.TransferDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := def
	s.cdt[def.CruiseDataTransferID] = &d
	s.required[def.CruiseDataTransferID] = true
}

func (s *Server) AddTask(task models.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := task
	s.tasks[task.TaskID] = &t
}

func (s *Server) SetExtraDirectories(extra, required []models.ExtraDirectory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extra = extra
	s.reqExtra = required
}

func (s *Server) SetWarehouse(cfg models.WarehouseConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warehouse = cfg
}

// SetValue sets a warehouse scalar such as "cruiseID" or "systemStatus".
func (s *Server) SetValue(key string, v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = v
}

// FailNext makes the next n requests to path answer 500.
func (s *Server) FailNext(path string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPaths[path] = n
}

// Status returns the recorded status and pid of an entity.
func (s *Server) Status(kind models.EntityKind, id string) (models.Status, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch kind {
	case models.EntityCollectionSystemTransfer:
		if d := s.cst[id]; d != nil {
			return d.Status, int(d.PID)
		}
	case models.EntityCruiseDataTransfer:
		if d := s.cdt[id]; d != nil {
			return d.Status, int(d.PID)
		}
	case models.EntityTask:
		if t := s.tasks[id]; t != nil {
			return t.Status, int(t.PID)
		}
	}
	return -1, 0
}

// ErrorReason returns the last reason posted with setError for an entity.
func (s *Server) ErrorReason(kind models.EntityKind, id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errors[string(kind)+"/"+id]
}

func (s *Server) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

func (s *Server) TrackedJobs() []TrackedJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TrackedJob(nil), s.jobs...)
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.failures)

	r.Route("/api/collectionSystemTransfers", func(r chi.Router) {
		r.Get("/getCollectionSystemTransfer/{id}", s.getOne(models.EntityCollectionSystemTransfer))
		r.Get("/getCollectionSystemTransfers", s.list(func(string) bool { return true }, models.EntityCollectionSystemTransfer))
		r.Post("/setRunningCollectionSystemTransfer/{id}", s.setRunning(models.EntityCollectionSystemTransfer))
		r.Get("/setIdleCollectionSystemTransfer/{id}", s.setIdle(models.EntityCollectionSystemTransfer))
		r.Post("/setErrorCollectionSystemTransfer/{id}", s.setError(models.EntityCollectionSystemTransfer))
	})
	r.Route("/api/cruiseDataTransfers", func(r chi.Router) {
		r.Get("/getCruiseDataTransfer/{id}", s.getOne(models.EntityCruiseDataTransfer))
		r.Get("/getCruiseDataTransfers", s.list(func(id string) bool { return !s.required[id] }, models.EntityCruiseDataTransfer))
		r.Get("/getRequiredCruiseDataTransfers", s.list(func(id string) bool { return s.required[id] }, models.EntityCruiseDataTransfer))
		r.Post("/setRunningCruiseDataTransfer/{id}", s.setRunning(models.EntityCruiseDataTransfer))
		r.Get("/setIdleCruiseDataTransfer/{id}", s.setIdle(models.EntityCruiseDataTransfer))
		r.Post("/setErrorCruiseDataTransfer/{id}", s.setError(models.EntityCruiseDataTransfer))
	})
	r.Route("/api/tasks", func(r chi.Router) {
		r.Get("/getTasks", s.listTasks)
		r.Post("/setRunningTask/{id}", s.setRunning(models.EntityTask))
		r.Get("/setIdleTask/{id}", s.setIdle(models.EntityTask))
		r.Post("/setErrorTask/{id}", s.setError(models.EntityTask))
	})
	r.Post("/api/messages/newMessage", s.newMessage)
	r.Post("/api/gearman/newJob/{handle}", s.newJob)
	r.Get("/api/gearman/clearAllJobsFromDB", func(w http.ResponseWriter, _ *http.Request) {
		s.mu.Lock()
		s.jobs = nil
		s.mu.Unlock()
		writeJSON(w, []any{})
	})
	r.Get("/api/warehouse/getShipboardDataWarehouseConfig", func(w http.ResponseWriter, _ *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		writeJSON(w, s.warehouse)
	})
	for endpoint, key := range map[string]string{
		"getCruiseID":                 "cruiseID",
		"getLoweringID":               "loweringID",
		"getCruiseStartDate":          "cruiseStartDate",
		"getCruiseEndDate":            "cruiseEndDate",
		"getLoweringStartDate":        "loweringStartDate",
		"getLoweringEndDate":          "loweringEndDate",
		"getSystemStatus":             "systemStatus",
		"getShowLoweringComponents":   "showLoweringComponents",
		"getShipToShoreBWLimitStatus": "shipToShoreBWLimitStatus",
		"getMD5FilesizeLimit":         "md5FilesizeLimit",
		"getMD5FilesizeLimitStatus":   "md5FilesizeLimitStatus",
	} {
		key := key
		r.Get("/api/warehouse/"+endpoint, func(w http.ResponseWriter, _ *http.Request) {
			s.mu.Lock()
			defer s.mu.Unlock()
			writeJSON(w, map[string]any{key: s.values[key]})
		})
	}
	r.Get("/api/extraDirectories/getExtraDirectories", func(w http.ResponseWriter, _ *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		writeJSON(w, nonNil(s.extra))
	})
	r.Get("/api/extraDirectories/getRequiredExtraDirectories", func(w http.ResponseWriter, _ *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		writeJSON(w, nonNil(s.reqExtra))
	})
	return r
}

func (s *Server) failures(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		n := s.failPaths[r.URL.Path]
		if n > 0 {
			s.failPaths[r.URL.Path] = n - 1
		}
		s.mu.Unlock()
		if n > 0 {
			http.Error(w, "injected failure", http.StatusInternalServerError)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) collection(kind models.EntityKind) map[string]*models.TransferDefinition {
	if kind == models.EntityCollectionSystemTransfer {
		return s.cst
	}
	return s.cdt
}

func (s *Server) getOne(kind models.EntityKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		d, ok := s.collection(kind)[chi.URLParam(r, "id")]
		if !ok {
			writeJSON(w, []any{})
			return
		}
		writeJSON(w, []models.TransferDefinition{*d})
	}
}

func (s *Server) list(keep func(id string) bool, kind models.EntityKind) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		coll := s.collection(kind)
		ids := make([]string, 0, len(coll))
		for id := range coll {
			if keep(id) {
				ids = append(ids, id)
			}
		}
		sortIDs(ids)
		out := make([]models.TransferDefinition, 0, len(ids))
		for _, id := range ids {
			out = append(out, *coll[id])
		}
		writeJSON(w, out)
	}
}

func (s *Server) listTasks(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	sortIDs(ids)
	out := make([]models.Task, 0, len(ids))
	for _, id := range ids {
		out = append(out, *s.tasks[id])
	}
	writeJSON(w, out)
}

// update sets status and pid. Callers hold s.mu.
func (s *Server) update(kind models.EntityKind, id string, status models.Status, pid int) {
	switch kind {
	case models.EntityTask:
		if t := s.tasks[id]; t != nil {
			t.Status, t.PID = status, models.FlexInt(pid)
		}
	default:
		if d := s.collection(kind)[id]; d != nil {
			d.Status, d.PID = status, models.FlexInt(pid)
		}
	}
}

func (s *Server) setRunning(kind models.EntityKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pid, _ := strconv.Atoi(r.FormValue("jobPid"))
		s.mu.Lock()
		s.update(kind, chi.URLParam(r, "id"), models.StatusRunning, pid)
		s.mu.Unlock()
		writeJSON(w, []any{})
	}
}

func (s *Server) setIdle(kind models.EntityKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.update(kind, chi.URLParam(r, "id"), models.StatusIdle, 0)
		s.mu.Unlock()
		writeJSON(w, []any{})
	}
}

func (s *Server) setError(kind models.EntityKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		reason := r.FormValue("reason")
		s.mu.Lock()
		s.update(kind, id, models.StatusError, 0)
		s.errors[string(kind)+"/"+id] = reason
		s.mu.Unlock()
		writeJSON(w, []any{})
	}
}

func (s *Server) newMessage(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.messages = append(s.messages, Message{Title: r.FormValue("messageTitle"), Body: r.FormValue("messageBody")})
	s.mu.Unlock()
	writeJSON(w, []any{})
}

func (s *Server) newJob(w http.ResponseWriter, r *http.Request) {
	pid, _ := strconv.Atoi(r.FormValue("jobPid"))
	s.mu.Lock()
	s.jobs = append(s.jobs, TrackedJob{Handle: chi.URLParam(r, "handle"), Name: r.FormValue("jobName"), PID: pid})
	s.mu.Unlock()
	writeJSON(w, []any{})
}

func sortIDs(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		a, errA := strconv.Atoi(ids[i])
		b, errB := strconv.Atoi(ids[j])
		if errA == nil && errB == nil {
			return a < b
		}
		return ids[i] < ids[j]
	})
}

func nonNil(dirs []models.ExtraDirectory) []models.ExtraDirectory {
	if dirs == nil {
		return []models.ExtraDirectory{}
	}
	return dirs
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(payload)
}
