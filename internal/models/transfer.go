package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Status is the run state of a transfer definition or task. The status store
// exchanges it as the strings "0".."3".
type Status int

const (
	StatusIdle Status = iota
	StatusRunning
	StatusTesting
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusRunning:
		return "running"
	case StatusTesting:
		return "testing"
	case StatusError:
		return "error"
	default:
		return "unknown(" + strconv.Itoa(int(s)) + ")"
	}
}

// Code is the wire form used by the status store ("0".."3").
func (s Status) Code() string { return strconv.Itoa(int(s)) }

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Code())
}

func (s *Status) UnmarshalJSON(b []byte) error {
	var n FlexInt
	if err := n.UnmarshalJSON(b); err != nil {
		return fmt.Errorf("status: %w", err)
	}
	*s = Status(n)
	return nil
}

// FlexInt decodes integers the status store sends either as numbers or as
// numeric strings. Empty strings and null decode to zero.
type FlexInt int

func (f *FlexInt) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*f = 0
			return nil
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("invalid integer %q", s)
		}
		*f = FlexInt(n)
		return nil
	}
	var n float64
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = FlexInt(int(n))
	return nil
}

// Flag decodes the status store's "0"/"1" booleans as well as JSON booleans.
type Flag bool

func (f *Flag) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch string(b) {
	case "true", `"true"`, `"1"`, "1", `"on"`, `"On"`, `"yes"`:
		*f = true
	default:
		*f = false
	}
	return nil
}

// TransferKind selects the transport used by a transfer definition.
type TransferKind string

const (
	KindLocal       TransferKind = "local"
	KindRsyncDaemon TransferKind = "rsync"
	KindSMB         TransferKind = "smb"
	KindSSH         TransferKind = "ssh"
	KindS3          TransferKind = "s3"
)

var transferKindCodes = map[string]TransferKind{
	"1": KindLocal,
	"2": KindRsyncDaemon,
	"3": KindSMB,
	"4": KindSSH,
	"5": KindS3,
}

func (k *TransferKind) UnmarshalJSON(b []byte) error {
	var n FlexInt
	if err := n.UnmarshalJSON(b); err == nil {
		if n == 0 {
			*k = ""
			return nil
		}
		kind, ok := transferKindCodes[strconv.Itoa(int(n))]
		if !ok {
			return fmt.Errorf("unknown transfer type code %d", n)
		}
		*k = kind
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("transfer type: %w", err)
	}
	switch kind := TransferKind(strings.ToLower(s)); kind {
	case KindLocal, KindRsyncDaemon, KindSMB, KindSSH, KindS3:
		*k = kind
		return nil
	}
	return fmt.Errorf("unknown transfer type %q", s)
}

// EntityKind names the status store collection an owner lives in.
type EntityKind string

const (
	EntityCollectionSystemTransfer EntityKind = "collectionSystemTransfer"
	EntityCruiseDataTransfer       EntityKind = "cruiseDataTransfer"
	EntityTask                     EntityKind = "task"
	EntityEphemeral                EntityKind = "ephemeral"
)

// Scope restricts active collection system transfers to cruise or lowering data.
type Scope int

const (
	ScopeBoth Scope = iota
	ScopeCruise
	ScopeLowering
)

// TransferDefinition describes one source/destination pairing, either a
// collection system transfer (instrument into the warehouse) or a cruise data
// transfer (warehouse out to an archive).
type TransferDefinition struct {
	CollectionSystemTransferID string `json:"collectionSystemTransferID,omitempty"`
	CruiseDataTransferID       string `json:"cruiseDataTransferID,omitempty"`

	Name         string       `json:"name"`
	LongName     string       `json:"longName,omitempty"`
	TransferType TransferKind `json:"transferType"`
	SourceDir    string       `json:"sourceDir,omitempty"`
	DestDir      string       `json:"destDir,omitempty"`

	LocalDirIsMountPoint Flag `json:"localDirIsMountPoint,omitempty"`

	RsyncServer string `json:"rsyncServer,omitempty"`
	RsyncUser   string `json:"rsyncUser,omitempty"`
	RsyncPass   string `json:"rsyncPass,omitempty"`

	SMBServer string `json:"smbServer,omitempty"`
	SMBUser   string `json:"smbUser,omitempty"`
	SMBPass   string `json:"smbPass,omitempty"`
	SMBDomain string `json:"smbDomain,omitempty"`

	SSHServer string `json:"sshServer,omitempty"`
	SSHUser   string `json:"sshUser,omitempty"`
	SSHPass   string `json:"sshPass,omitempty"`
	SSHUseKey Flag   `json:"sshUseKey,omitempty"`

	S3Bucket   string `json:"s3Bucket,omitempty"`
	S3Region   string `json:"s3Region,omitempty"`
	S3Endpoint string `json:"s3Endpoint,omitempty"`
	S3Prefix   string `json:"s3Prefix,omitempty"`

	BandwidthLimit FlexInt `json:"bandwidthLimit,omitempty"`
	Staleness      FlexInt `json:"staleness,omitempty"`
	UseStartDate   Flag    `json:"useStartDate,omitempty"`
	IncludeFilter  string  `json:"includeFilter,omitempty"`
	ExcludeFilter  string  `json:"excludeFilter,omitempty"`
	IgnoreFilter   string  `json:"ignoreFilter,omitempty"`

	Enable            Flag    `json:"enable"`
	CruiseOrLowering  FlexInt `json:"cruiseOrLowering,omitempty"`
	RemoveSourceFiles Flag    `json:"removeSourceFiles,omitempty"`
	SkipEmptyFiles    Flag    `json:"skipEmptyFiles,omitempty"`
	SkipEmptyDirs     Flag    `json:"skipEmptyDirs,omitempty"`
	SyncFromSource    Flag    `json:"syncFromSource,omitempty"`
	SyncToDest        Flag    `json:"syncToDest,omitempty"`

	IncludeOVDMFiles       Flag `json:"includeOVDMFiles,omitempty"`
	IncludePublicDataFiles Flag `json:"includePublicDataFiles,omitempty"`

	Status Status  `json:"status"`
	PID    FlexInt `json:"pid,omitempty"`
}

// ID returns whichever identifier the definition carries.
func (d *TransferDefinition) ID() string {
	if d.CollectionSystemTransferID != "" {
		return d.CollectionSystemTransferID
	}
	return d.CruiseDataTransferID
}

// Kind reports which status store collection the definition belongs to.
func (d *TransferDefinition) Kind() EntityKind {
	if d.CollectionSystemTransferID != "" {
		return EntityCollectionSystemTransfer
	}
	return EntityCruiseDataTransfer
}

// IsLowering reports whether a collection system transfer targets lowering data.
func (d *TransferDefinition) IsLowering() bool { return d.CruiseOrLowering == 1 }

// InScope applies the cruise/lowering scope filter.
func (d *TransferDefinition) InScope(s Scope) bool {
	switch s {
	case ScopeCruise:
		return !d.IsLowering()
	case ScopeLowering:
		return d.IsLowering()
	default:
		return true
	}
}

// Task is a named operation tracked in the status store task table. TaskID "0"
// marks an ephemeral task known only to the worker and the job log.
type Task struct {
	TaskID   string  `json:"taskID"`
	Name     string  `json:"name"`
	LongName string  `json:"longName"`
	Status   Status  `json:"status"`
	PID      FlexInt `json:"pid,omitempty"`
	Enable   Flag    `json:"enable"`
}

// Persisted reports whether the task has a row to update in the status store.
func (t Task) Persisted() bool {
	n, err := strconv.Atoi(t.TaskID)
	return err == nil && n > 0
}

// ExtraDirectory is an additional directory created inside each cruise.
type ExtraDirectory struct {
	ExtraDirectoryID string `json:"extraDirectoryID"`
	Name             string `json:"name"`
	LongName         string `json:"longName"`
	DestDir          string `json:"destDir"`
	Enable           Flag   `json:"enable"`
	Required         Flag   `json:"required,omitempty"`
}

// WarehouseConfig locates the shipboard data warehouse.
type WarehouseConfig struct {
	IP                  string `json:"shipboardDataWarehouseIP"`
	Username            string `json:"shipboardDataWarehouseUsername"`
	BaseDir             string `json:"shipboardDataWarehouseBaseDir"`
	PublicDataDir       string `json:"shipboardDataWarehousePublicDataDir"`
	LoweringDataBaseDir string `json:"loweringDataBaseDir"`
}

// Owner is the status store entity whose status a job execution drives.
type Owner struct {
	Kind           EntityKind
	ID             string
	Name           string
	PreviousStatus Status
}
