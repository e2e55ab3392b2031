package worker

import (
	"encoding/json"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"openvdm-jobs/internal/config"
	"openvdm-jobs/internal/models"
)

// JobContext is everything a handler may know about the job it executes. It
// is built once at claim time and must not be modified afterwards; values
// fetched from the status store are frozen for the whole execution.
type JobContext struct {
	Handle  string
	Type    models.JobType
	Payload models.JobPayload
	Raw     json.RawMessage
	PID     int

	CruiseID      string
	LoweringID    string
	CruiseStart   time.Time
	CruiseEnd     time.Time
	LoweringStart time.Time
	LoweringEnd   time.Time

	Warehouse models.WarehouseConfig
	System    config.System
	// Transfer is the definition a transfer job operates on, nil when it
	// could not be located.
	Transfer *models.TransferDefinition
	Owner    models.Owner

	TempDir string
	Settle  time.Duration

	Stop     *StopFlag
	Progress func(numerator, denominator int)
	Log      *log.Entry
}

// CruiseDir is the warehouse directory of the current cruise.
func (jc *JobContext) CruiseDir() string {
	return filepath.Join(jc.Warehouse.BaseDir, jc.CruiseID)
}

// LoweringDir is the directory of the current lowering inside the cruise.
func (jc *JobContext) LoweringDir() string {
	return filepath.Join(jc.CruiseDir(), jc.Warehouse.LoweringDataBaseDir, jc.LoweringID)
}

// TransferLogsDir is where transfer log artifacts are written.
func (jc *JobContext) TransferLogsDir() string {
	return filepath.Join(jc.CruiseDir(), jc.System.TransferLogsDir)
}

// ReportProgress forwards progress to the queue record. Safe to call with a
// nil reporter.
func (jc *JobContext) ReportProgress(numerator, denominator int) {
	if jc.Progress != nil {
		jc.Progress(numerator, denominator)
	}
}

// Stopped reports whether the operator asked the job to stop.
func (jc *JobContext) Stopped() bool {
	return jc.Stop != nil && jc.Stop.Stopped()
}
