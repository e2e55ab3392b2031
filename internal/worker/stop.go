package worker

import "go.uber.org/atomic"

// StopFlag is the cooperative cancellation token shared between the signal
// handler and the job executing in this process. It is reset at every claim.
type StopFlag struct {
	b atomic.Bool
}

// Set requests that the current job stop at its next poll point.
func (s *StopFlag) Set() { s.b.Store(true) }

// Reset clears the flag for a newly claimed job.
func (s *StopFlag) Reset() { s.b.Store(false) }

// Stopped reports whether a stop was requested.
func (s *StopFlag) Stopped() bool { return s.b.Load() }
