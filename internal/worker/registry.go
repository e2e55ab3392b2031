package worker

import (
	"context"
	"fmt"

	"openvdm-jobs/internal/models"
)

// Handler executes one job type. Anticipated failures are reported through
// the returned result; a panic is treated as a worker crash.
type Handler interface {
	Execute(ctx context.Context, jc *JobContext) models.JobResult
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, jc *JobContext) models.JobResult

func (f HandlerFunc) Execute(ctx context.Context, jc *JobContext) models.JobResult {
	return f(ctx, jc)
}

// Registry maps job types to handlers, keeping registration order so claims
// prefer earlier types.
type Registry struct {
	handlers map[models.JobType]Handler
	order    []models.JobType
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[models.JobType]Handler)}
}

// Register binds a handler to a job type, replacing any earlier binding.
func (r *Registry) Register(t models.JobType, h Handler) {
	if t == "" || h == nil {
		return
	}
	if _, ok := r.handlers[t]; !ok {
		r.order = append(r.order, t)
	}
	r.handlers[t] = h
}

// Lookup returns the handler of t.
func (r *Registry) Lookup(t models.JobType) (Handler, bool) {
	h, ok := r.handlers[t]
	return h, ok
}

// Types lists registered job types in registration order.
func (r *Registry) Types() []models.JobType {
	out := make([]models.JobType, len(r.order))
	copy(out, r.order)
	return out
}

// Restrict returns a registry holding only the named job types. An empty
// list keeps every registered type that does not wait on other jobs;
// orchestrating types must be named explicitly.
func (r *Registry) Restrict(names []string) (*Registry, error) {
	out := NewRegistry()
	if len(names) == 0 {
		for _, t := range r.order {
			if !t.Orchestrates() {
				out.Register(t, r.handlers[t])
			}
		}
		return out, nil
	}
	for _, name := range names {
		t, err := models.ParseJobType(name)
		if err != nil {
			return nil, err
		}
		h, ok := r.handlers[t]
		if !ok {
			return nil, fmt.Errorf("no handler for job type %q", name)
		}
		out.Register(t, h)
	}
	if err := out.CheckLayout(); err != nil {
		return nil, err
	}
	return out, nil
}

// CheckLayout fails when the registry serves an orchestrating job type
// together with a type it waits on. A single process serving both would
// claim the parent and then never pick up the children it blocks on.
func (r *Registry) CheckLayout() error {
	for _, t := range r.order {
		for _, child := range t.Awaits() {
			if _, ok := r.handlers[child]; ok {
				return fmt.Errorf("job type %s waits on %s; serve them from separate workers", t, child)
			}
		}
	}
	return nil
}
