package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Queue-side lifecycle states of a submitted job.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobComplete  = "complete"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
	JobLost      = "lost"
)

// IsFinished reports whether a queue status is terminal.
func IsFinished(status string) bool {
	switch status {
	case JobComplete, JobFailed, JobCancelled, JobLost:
		return true
	}
	return false
}

// JobType is the closed set of job names a worker process can register.
type JobType string

const (
	JobRunCollectionSystemTransfer       JobType = "runCollectionSystemTransfer"
	JobTestCollectionSystemTransfer      JobType = "testCollectionSystemTransfer"
	JobRunCruiseDataTransfer             JobType = "runCruiseDataTransfer"
	JobTestCruiseDataTransfer            JobType = "testCruiseDataTransfer"
	JobRunShipToShoreTransfer            JobType = "runShipToShoreTransfer"
	JobUpdateMD5Summary                  JobType = "updateMD5Summary"
	JobRebuildMD5Summary                 JobType = "rebuildMD5Summary"
	JobCreateCruiseDirectory             JobType = "createCruiseDirectory"
	JobSetCruiseDataDirectoryPermissions JobType = "setCruiseDataDirectoryPermissions"
	JobRebuildDataDashboard              JobType = "rebuildDataDashboard"
	JobSetupNewCruise                    JobType = "setupNewCruise"
	JobFinalizeCurrentCruise             JobType = "finalizeCurrentCruise"
	JobSetupNewLowering                  JobType = "setupNewLowering"
	JobFinalizeCurrentLowering           JobType = "finalizeCurrentLowering"
	JobStopJob                           JobType = "stopJob"

	JobPostCollectionSystemTransfer JobType = "postCollectionSystemTransfer"
	JobPostDataDashboard            JobType = "postDataDashboard"
	JobPostSetupNewCruise           JobType = "postSetupNewCruise"
	JobPostSetupNewLowering         JobType = "postSetupNewLowering"
	JobPostFinalizeCurrentCruise    JobType = "postFinalizeCurrentCruise"
	JobPostFinalizeCurrentLowering  JobType = "postFinalizeCurrentLowering"
)

var allJobTypes = []JobType{
	JobRunCollectionSystemTransfer,
	JobTestCollectionSystemTransfer,
	JobRunCruiseDataTransfer,
	JobTestCruiseDataTransfer,
	JobRunShipToShoreTransfer,
	JobUpdateMD5Summary,
	JobRebuildMD5Summary,
	JobCreateCruiseDirectory,
	JobSetCruiseDataDirectoryPermissions,
	JobRebuildDataDashboard,
	JobSetupNewCruise,
	JobFinalizeCurrentCruise,
	JobSetupNewLowering,
	JobFinalizeCurrentLowering,
	JobStopJob,
	JobPostCollectionSystemTransfer,
	JobPostDataDashboard,
	JobPostSetupNewCruise,
	JobPostSetupNewLowering,
	JobPostFinalizeCurrentCruise,
	JobPostFinalizeCurrentLowering,
}

// AllJobTypes lists every job type in registration order.
func AllJobTypes() []JobType {
	out := make([]JobType, len(allJobTypes))
	copy(out, allJobTypes)
	return out
}

// awaits lists, per orchestrating job type, the job types it blocks on while
// it runs. A worker process must never serve both sides: the children would
// queue behind the parent that waits for them.
var awaits = map[JobType][]JobType{
	JobSetupNewCruise: {
		JobSetCruiseDataDirectoryPermissions,
		JobCreateCruiseDirectory,
		JobRebuildMD5Summary,
		JobRebuildDataDashboard,
	},
	JobFinalizeCurrentCruise:   {JobRunCollectionSystemTransfer, JobSetCruiseDataDirectoryPermissions},
	JobSetupNewLowering:        {JobSetCruiseDataDirectoryPermissions},
	JobFinalizeCurrentLowering: {JobRunCollectionSystemTransfer, JobSetCruiseDataDirectoryPermissions},
}

// Awaits returns the job types t waits on while it runs.
func (t JobType) Awaits() []JobType {
	return append([]JobType(nil), awaits[t]...)
}

// Orchestrates reports whether t waits on other jobs.
func (t JobType) Orchestrates() bool { return len(awaits[t]) > 0 }

// WorkerJobTypes lists the job types that never wait on other jobs, in
// registration order. It is the default set served by one worker process.
func WorkerJobTypes() []JobType {
	out := make([]JobType, 0, len(allJobTypes))
	for _, t := range allJobTypes {
		if !t.Orchestrates() {
			out = append(out, t)
		}
	}
	return out
}

// OrchestratorJobTypes lists the job types that wait on other jobs.
func OrchestratorJobTypes() []JobType {
	var out []JobType
	for _, t := range allJobTypes {
		if t.Orchestrates() {
			out = append(out, t)
		}
	}
	return out
}

// HookJobTypes lists the job types served by the post hook command runner.
func HookJobTypes() []JobType {
	return []JobType{
		JobPostCollectionSystemTransfer,
		JobPostDataDashboard,
		JobPostSetupNewCruise,
		JobPostSetupNewLowering,
		JobPostFinalizeCurrentCruise,
		JobPostFinalizeCurrentLowering,
	}
}

// ParseJobType validates a job name received from the queue or an operator.
func ParseJobType(s string) (JobType, error) {
	for _, t := range allJobTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown job type %q", s)
}

// OwnerKind reports which status store entity a job of this type reports against.
func (t JobType) OwnerKind() EntityKind {
	switch t {
	case JobRunCollectionSystemTransfer, JobTestCollectionSystemTransfer:
		return EntityCollectionSystemTransfer
	case JobRunCruiseDataTransfer, JobTestCruiseDataTransfer, JobRunShipToShoreTransfer:
		return EntityCruiseDataTransfer
	default:
		return EntityTask
	}
}

// IsTest reports whether the job only verifies a definition without moving data.
func (t JobType) IsTest() bool {
	return t == JobTestCollectionSystemTransfer || t == JobTestCruiseDataTransfer
}

// JobPayload is the JSON object carried by every job on the queue. Fields a
// given job type does not use are left empty.
type JobPayload struct {
	CruiseID                   string              `json:"cruiseID,omitempty"`
	LoweringID                 string              `json:"loweringID,omitempty"`
	CruiseStartDate            string              `json:"cruiseStartDate,omitempty"`
	CruiseEndDate              string              `json:"cruiseEndDate,omitempty"`
	LoweringStartDate          string              `json:"loweringStartDate,omitempty"`
	LoweringEndDate            string              `json:"loweringEndDate,omitempty"`
	SystemStatus               string              `json:"systemStatus,omitempty"`
	CollectionSystemTransferID string              `json:"collectionSystemTransferID,omitempty"`
	CruiseDataTransferID       string              `json:"cruiseDataTransferID,omitempty"`
	CollectionSystemTransfer   *TransferDefinition `json:"collectionSystemTransfer,omitempty"`
	CruiseDataTransfer         *TransferDefinition `json:"cruiseDataTransfer,omitempty"`
	PID                        FlexInt             `json:"pid,omitempty"`
	Files                      *FileSet            `json:"files,omitempty"`
	BandwidthLimit             FlexInt             `json:"bandwidthLimit,omitempty"`
}

// DecodePayload parses raw queue bytes. An empty body decodes to the zero payload.
func DecodePayload(raw []byte) (JobPayload, error) {
	var p JobPayload
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("decode payload: %w", err)
	}
	return p, nil
}

// JobRecord is a job as seen on the queue.
type JobRecord struct {
	Handle      string          `json:"handle"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Status      string          `json:"status"`
	Background  bool            `json:"background"`
	PID         int             `json:"pid,omitempty"`
	Worker      string          `json:"worker,omitempty"`
	Numerator   int             `json:"numerator"`
	Denominator int             `json:"denominator"`
	Result      json.RawMessage `json:"result,omitempty"`
	SubmittedAt time.Time       `json:"submitted_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

// AuditLog is a job log audit event row.
type AuditLog struct {
	Handle   string    `json:"handle"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
