package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"openvdm-jobs/internal/models"
	"openvdm-jobs/internal/queue"
	"openvdm-jobs/internal/ratelimit"
	"openvdm-jobs/internal/store"
	"openvdm-jobs/internal/telemetry"
)

// History is the job log consulted once the queue has expired a job.
type History interface {
	GetJob(ctx context.Context, handle string) (models.JobRecord, error)
	Audit(ctx context.Context, handle string) ([]models.AuditLog, error)
}

// Server is the operator-facing HTTP front of the job queue.
type Server struct {
	queue   *queue.RedisQueue
	limiter *ratelimit.TokenBucket
	history History
}

// New constructs the API server. limiter and history may be nil.
func New(q *queue.RedisQueue, limiter *ratelimit.TokenBucket, history History) *Server {
	return &Server{queue: q, limiter: limiter, history: history}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.With(s.rateLimited).Post("/jobs", s.handleSubmit)
	r.Get("/jobs/{handle}", s.handleGetJob)
	r.Delete("/jobs/{handle}", s.handleCancelQueued)
	r.Get("/jobs/{handle}/audit", s.handleAudit)
	r.Get("/running", s.handleRunning)
	r.With(s.rateLimited).Post("/cancel/{pid}", s.handleStopPID)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "down", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type submitRequest struct {
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Background *bool           `json:"background"`
}

type submitResponse struct {
	Handle string `json:"handle"`
	Type   string `json:"type"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	jobType, err := models.ParseJobType(req.Type)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	payload := []byte(req.Payload)
	if len(payload) == 0 || string(payload) == "null" {
		payload = []byte("{}")
	}
	if _, err := models.DecodePayload(payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	background := req.Background == nil || *req.Background

	s.submit(w, r, jobType, payload, background)
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, jobType models.JobType, payload []byte, background bool) {
	handle, err := s.queue.Submit(r.Context(), string(jobType), payload, background)
	if err != nil {
		log.WithError(err).WithField("job", jobType).Error("submit failed")
		writeError(w, http.StatusInternalServerError, "submit failed")
		return
	}
	telemetry.JobsSubmitted.WithLabelValues(string(jobType)).Inc()
	log.WithFields(log.Fields{"job": jobType, "handle": handle, "caller": caller(r)}).Info("job submitted")
	writeJSON(w, http.StatusAccepted, submitResponse{Handle: handle, Type: string(jobType)})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, "handle")
	rec, err := s.queue.Info(r.Context(), handle)
	if errors.Is(err, queue.ErrUnknownHandle) && s.history != nil {
		rec, err = s.history.GetJob(r.Context(), handle)
	}
	switch {
	case errors.Is(err, queue.ErrUnknownHandle), errors.Is(err, store.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "unknown job handle")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, rec)
	}
}

func (s *Server) handleCancelQueued(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, "handle")
	err := s.queue.Cancel(r.Context(), handle)
	switch {
	case errors.Is(err, queue.ErrUnknownHandle):
		writeError(w, http.StatusNotFound, "unknown job handle")
	case errors.Is(err, queue.ErrNotQueued):
		writeError(w, http.StatusConflict, "job already started; cancel it by pid")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": models.JobCancelled})
	}
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotImplemented, "job log is not configured")
		return
	}
	events, err := s.history.Audit(r.Context(), chi.URLParam(r, "handle"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []models.AuditLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleRunning(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.queue.Running(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if jobs == nil {
		jobs = []models.JobRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// handleStopPID queues a stopJob for the process running a job.
func (s *Server) handleStopPID(w http.ResponseWriter, r *http.Request) {
	pid, err := strconv.Atoi(chi.URLParam(r, "pid"))
	if err != nil || pid <= 0 {
		writeError(w, http.StatusBadRequest, "pid must be a positive integer")
		return
	}
	payload, err := json.Marshal(models.JobPayload{PID: models.FlexInt(pid)})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.submit(w, r, models.JobStopJob, payload, true)
}

func (s *Server) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		d, err := s.limiter.Allow(r.Context(), caller(r))
		if err != nil {
			log.WithError(err).Error("rate limiter unavailable")
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// caller identifies the submitting operator for rate limiting.
func caller(r *http.Request) string {
	if v := r.Header.Get("X-OpenVDM-User"); v != "" {
		return v
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
