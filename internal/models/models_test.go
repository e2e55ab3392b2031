package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransferDefinitionDecodesStatusStoreStrings(t *testing.T) {
	raw := []byte(`{
		"collectionSystemTransferID": "7",
		"name": "SCS",
		"transferType": "4",
		"bandwidthLimit": "0",
		"staleness": "5",
		"useStartDate": "1",
		"enable": "1",
		"cruiseOrLowering": "0",
		"status": "3",
		"pid": "",
		"sshUseKey": "0"
	}`)
	var def TransferDefinition
	require.NoError(t, json.Unmarshal(raw, &def))
	assert.Equal(t, "7", def.ID())
	assert.Equal(t, EntityCollectionSystemTransfer, def.Kind())
	assert.Equal(t, KindSSH, def.TransferType)
	assert.Equal(t, FlexInt(5), def.Staleness)
	assert.True(t, bool(def.UseStartDate))
	assert.True(t, bool(def.Enable))
	assert.False(t, bool(def.SSHUseKey))
	assert.Equal(t, StatusError, def.Status)
	assert.Equal(t, FlexInt(0), def.PID)
	assert.True(t, def.InScope(ScopeCruise))
	assert.False(t, def.InScope(ScopeLowering))
}

func TestTransferKindAcceptsNames(t *testing.T) {
	var k TransferKind
	require.NoError(t, json.Unmarshal([]byte(`"SMB"`), &k))
	assert.Equal(t, KindSMB, k)
	assert.Error(t, json.Unmarshal([]byte(`"ftp"`), &k))
	assert.Error(t, json.Unmarshal([]byte(`"9"`), &k))
}

func TestStatusWireForm(t *testing.T) {
	b, err := json.Marshal(StatusRunning)
	require.NoError(t, err)
	assert.Equal(t, `"1"`, string(b))
}

func TestTaskPersisted(t *testing.T) {
	assert.True(t, Task{TaskID: "4"}.Persisted())
	assert.False(t, Task{TaskID: "0"}.Persisted())
	assert.False(t, Task{}.Persisted())
}

func TestJobResultVerdictIsLastRecordedPart(t *testing.T) {
	var r JobResult
	r.Pass("Located Transfer Details").Fail("Transfer files", "rsync exited 12")
	assert.True(t, r.Failed())
	assert.True(t, r.Escalates())
	assert.Equal(t, "rsync exited 12", r.Final().Reason)

	// Reordering the slice does not change the verdict.
	r.Parts[0], r.Parts[1] = r.Parts[1], r.Parts[0]
	assert.Equal(t, "Transfer files", r.Final().PartName)
	assert.Error(t, r.Validate())

	b, err := json.Marshal(r)
	require.NoError(t, err)
	decoded, err := DecodeResult(b)
	require.NoError(t, err)
	assert.Equal(t, "Transfer files", decoded.Final().PartName)
	assert.Equal(t, Fail, decoded.Final().Result)
}

func TestJobResultFinalIsStable(t *testing.T) {
	var r JobResult
	r.Pass("a").Fail("b", "x").Pass("c")
	first := r.Final()
	second := r.Final()
	assert.Equal(t, first, second)
	assert.False(t, r.Failed())
	assert.NoError(t, r.Validate())
}

func TestEmptyResultIsSuccess(t *testing.T) {
	var r JobResult
	assert.False(t, r.Failed())
	assert.False(t, r.Quiet())
	b, err := json.Marshal(r)
	require.NoError(t, err)
	assert.JSONEq(t, `{"parts":[]}`, string(b))
}

func TestQuietAndIgnore(t *testing.T) {
	var dup JobResult
	dup.FailQuiet("Transfer In-Progress", "Transfer is already in-progress")
	assert.True(t, dup.Failed())
	assert.False(t, dup.Escalates())
	assert.True(t, dup.Quiet())

	var disabled JobResult
	disabled.Ignore("Transfer Enabled", "Transfer is disabled")
	assert.False(t, disabled.Failed())
	assert.True(t, disabled.Quiet())
}

func TestParseJobType(t *testing.T) {
	jt, err := ParseJobType("stopJob")
	require.NoError(t, err)
	assert.Equal(t, JobStopJob, jt)
	assert.Equal(t, EntityTask, jt.OwnerKind())
	assert.Equal(t, EntityCollectionSystemTransfer, JobRunCollectionSystemTransfer.OwnerKind())
	assert.Equal(t, EntityCruiseDataTransfer, JobRunShipToShoreTransfer.OwnerKind())
	_, err = ParseJobType("reticulateSplines")
	assert.Error(t, err)
}

func TestDecodePayload(t *testing.T) {
	p, err := DecodePayload([]byte(`{"cruiseID":"FK2301","pid":"4242","files":{"new":["a.txt"],"updated":[]}}`))
	require.NoError(t, err)
	assert.Equal(t, "FK2301", p.CruiseID)
	assert.Equal(t, FlexInt(4242), p.PID)
	require.NotNil(t, p.Files)
	assert.Equal(t, []string{"a.txt"}, p.Files.New)

	empty, err := DecodePayload(nil)
	require.NoError(t, err)
	assert.Equal(t, JobPayload{}, empty)
}
