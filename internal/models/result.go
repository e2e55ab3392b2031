package models

import (
	"encoding/json"
	"fmt"
)

// Outcome is the result of one step of a job.
type Outcome string

const (
	Pass   Outcome = "Pass"
	Fail   Outcome = "Fail"
	Ignore Outcome = "Ignore"
)

// Part is one named step of a job result.
type Part struct {
	PartName string  `json:"partName"`
	Result   Outcome `json:"result"`
	Reason   string  `json:"reason,omitempty"`
}

// FileSet holds the path lists produced by reconciliation and transfer. All
// paths are relative to the frame of the job that produced them.
type FileSet struct {
	Include []string `json:"include,omitempty"`
	Exclude []string `json:"exclude"`
	New     []string `json:"new"`
	Updated []string `json:"updated"`
}

// Changed reports whether the transfer moved anything.
func (f FileSet) Changed() bool { return len(f.New)+len(f.Updated) > 0 }

// JobResult is the structured outcome of a job. The verdict is recorded
// explicitly whenever a part is added; on the wire it is the last element of
// parts.
type JobResult struct {
	Parts []Part   `json:"parts"`
	Files *FileSet `json:"files,omitempty"`

	verdict   *Part
	quiet     bool
	cancelled bool
}

// Pass records a successful step.
func (r *JobResult) Pass(name string) *JobResult {
	return r.add(Part{PartName: name, Result: Pass}, false)
}

// PassWithNote records a successful step carrying an informational reason.
func (r *JobResult) PassWithNote(name, note string) *JobResult {
	return r.add(Part{PartName: name, Result: Pass, Reason: note}, false)
}

// Fail records a failed step that escalates the owner to error.
func (r *JobResult) Fail(name, reason string) *JobResult {
	return r.add(Part{PartName: name, Result: Fail, Reason: reason}, false)
}

// FailQuiet records a failure that must not touch the owner's status nor
// notify anyone, such as a duplicate claim or a missing definition.
func (r *JobResult) FailQuiet(name, reason string) *JobResult {
	return r.add(Part{PartName: name, Result: Fail, Reason: reason}, true)
}

// Ignore records a benign refusal, such as a disabled definition.
func (r *JobResult) Ignore(name, reason string) *JobResult {
	return r.add(Part{PartName: name, Result: Ignore, Reason: reason}, true)
}

// MarkCancelled flags the result as a partial success after an operator stop.
func (r *JobResult) MarkCancelled() { r.cancelled = true }

// Cancelled reports whether the job stopped early on operator request.
func (r *JobResult) Cancelled() bool { return r.cancelled }

func (r *JobResult) add(p Part, quiet bool) *JobResult {
	r.Parts = append(r.Parts, p)
	v := p
	r.verdict = &v
	r.quiet = quiet
	return r
}

// Final returns the authoritative verdict. An empty result is a success.
func (r *JobResult) Final() Part {
	if r.verdict != nil {
		return *r.verdict
	}
	return Part{PartName: "Final Verdict", Result: Pass}
}

// Failed reports whether the verdict is Fail.
func (r *JobResult) Failed() bool { return r.Final().Result == Fail }

// Escalates reports whether the verdict should move the owner to error.
func (r *JobResult) Escalates() bool { return r.Failed() && !r.quiet }

// Quiet reports whether the owner status must be left untouched.
func (r *JobResult) Quiet() bool { return r.verdict != nil && r.quiet }

// Validate checks that the serialised order still ends with the verdict.
func (r *JobResult) Validate() error {
	if r.verdict == nil {
		return nil
	}
	if len(r.Parts) == 0 || r.Parts[len(r.Parts)-1] != *r.verdict {
		return fmt.Errorf("job result: last part does not match verdict %q", r.verdict.PartName)
	}
	return nil
}

func (r JobResult) MarshalJSON() ([]byte, error) {
	parts := r.Parts
	if parts == nil {
		parts = []Part{}
	}
	if r.verdict != nil && (len(parts) == 0 || parts[len(parts)-1] != *r.verdict) {
		parts = append(append([]Part{}, parts...), *r.verdict)
	}
	type wire struct {
		Parts []Part   `json:"parts"`
		Files *FileSet `json:"files,omitempty"`
	}
	return json.Marshal(wire{Parts: parts, Files: r.Files})
}

func (r *JobResult) UnmarshalJSON(b []byte) error {
	type wire struct {
		Parts []Part   `json:"parts"`
		Files *FileSet `json:"files,omitempty"`
	}
	var w wire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	r.Parts = w.Parts
	r.Files = w.Files
	r.verdict = nil
	r.quiet = false
	if n := len(w.Parts); n > 0 {
		v := w.Parts[n-1]
		r.verdict = &v
	}
	return nil
}

// DecodeResult parses a result payload returned by the queue.
func DecodeResult(raw []byte) (JobResult, error) {
	var r JobResult
	if len(raw) == 0 {
		return r, nil
	}
	if err := json.Unmarshal(raw, &r); err != nil {
		return r, fmt.Errorf("decode job result: %w", err)
	}
	return r, nil
}

// Crashed is the result synthesised when a handler panics.
func Crashed() JobResult {
	var r JobResult
	r.Fail("Worker crashed", "Worker crashed")
	return r
}
