package jobs

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openvdm-jobs/internal/models"
)

const helloMD5 = "5d41402abc4b2a76b9719d911017c592"

func TestUpdateMD5SummaryMergesEntries(t *testing.T) {
	h := newHarness(t)
	root := h.cruiseDir()
	writeFile(t, filepath.Join(root, "SCS/a.txt"), "hello")
	writeFile(t, filepath.Join(root, h.sys.MD5SummaryFn), "0000 SCS/gone.txt\nffff ADCP/keep.bin\n")

	res := h.run(t, models.JobUpdateMD5Summary, `{"files":{"new":["SCS/a.txt"],"updated":["SCS/gone.txt"]}}`)
	require.False(t, res.Failed(), "%+v", res.Parts)

	body, err := os.ReadFile(filepath.Join(root, h.sys.MD5SummaryFn))
	require.NoError(t, err)
	assert.Equal(t, "ffff ADCP/keep.bin\n"+helloMD5+" SCS/a.txt\n", string(body))

	sum, err := os.ReadFile(filepath.Join(root, h.sys.MD5SummaryMD5Fn))
	require.NoError(t, err)
	digest := md5.Sum(body)
	assert.Equal(t, hex.EncodeToString(digest[:]), strings.TrimSpace(string(sum)))
}

func TestConcurrentMD5UpdatesKeepEveryEntry(t *testing.T) {
	h := newHarness(t)
	root := h.cruiseDir()
	for i := 0; i < 4; i++ {
		h.serve(t, models.JobUpdateMD5Summary)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var handles []string
	var want []string
	for i := 0; i < 12; i++ {
		name := fmt.Sprintf("SCS/file%02d.txt", i)
		writeFile(t, filepath.Join(root, name), "hello")
		want = append(want, helloMD5+" "+name)
		handle, err := h.q.Submit(ctx, string(models.JobUpdateMD5Summary),
			[]byte(fmt.Sprintf(`{"files":{"new":[%q],"updated":[]}}`, name)), false)
		require.NoError(t, err)
		handles = append(handles, handle)
	}
	for _, handle := range handles {
		raw, err := h.q.WaitResult(ctx, handle, 5*time.Millisecond)
		require.NoError(t, err)
		res, err := models.DecodeResult(raw)
		require.NoError(t, err)
		require.False(t, res.Failed(), "%+v", res.Parts)
	}

	body, err := os.ReadFile(filepath.Join(root, h.sys.MD5SummaryFn))
	require.NoError(t, err)
	assert.Equal(t, strings.Join(want, "\n")+"\n", string(body))
}

func TestUpdateMD5SummaryMarksOversizeFiles(t *testing.T) {
	h := newHarness(t)
	root := h.cruiseDir()
	writeFile(t, filepath.Join(root, "big.bin"), strings.Repeat("x", 1<<20+1))
	writeFile(t, filepath.Join(root, "small.txt"), "hello")
	h.fake.SetValue("md5FilesizeLimitStatus", "On")
	h.fake.SetValue("md5FilesizeLimit", "1")

	res := h.run(t, models.JobUpdateMD5Summary, `{"files":{"new":["big.bin","small.txt"],"updated":[]}}`)
	require.False(t, res.Failed(), "%+v", res.Parts)
	body, err := os.ReadFile(filepath.Join(root, h.sys.MD5SummaryFn))
	require.NoError(t, err)
	assert.Equal(t, oversizeHash+" big.bin\n"+helloMD5+" small.txt\n", string(body))
}

func TestUpdateMD5SummaryWithoutFilesPasses(t *testing.T) {
	h := newHarness(t)
	mkdirs(t, h.cruiseDir())
	res := h.run(t, models.JobUpdateMD5Summary, `{}`)
	require.False(t, res.Failed())
	assert.NoFileExists(t, filepath.Join(h.cruiseDir(), h.sys.MD5SummaryFn))
}

func TestRebuildMD5SummarySkipsItself(t *testing.T) {
	h := newHarness(t)
	root := h.cruiseDir()
	writeFile(t, filepath.Join(root, "SCS/a.txt"), "hello")
	writeFile(t, filepath.Join(root, h.sys.MD5SummaryFn), "stale entries\n")

	res := h.jobs.rebuildMD5Summary(context.Background(), h.jobContext(t, models.JobRebuildMD5Summary))
	require.False(t, res.Failed(), "%+v", res.Parts)
	body, err := os.ReadFile(filepath.Join(root, h.sys.MD5SummaryFn))
	require.NoError(t, err)
	assert.Equal(t, helloMD5+" SCS/a.txt\n", string(body))
}

func TestRebuildMD5SummaryStopKeepsOldSummary(t *testing.T) {
	h := newHarness(t)
	root := h.cruiseDir()
	writeFile(t, filepath.Join(root, "SCS/a.txt"), "hello")
	writeFile(t, filepath.Join(root, h.sys.MD5SummaryFn), "old\n")
	jc := h.jobContext(t, models.JobRebuildMD5Summary)
	jc.Stop.Set()

	res := h.jobs.rebuildMD5Summary(context.Background(), jc)
	require.False(t, res.Failed(), "%+v", res.Parts)
	assert.True(t, res.Cancelled())
	body, err := os.ReadFile(filepath.Join(root, h.sys.MD5SummaryFn))
	require.NoError(t, err)
	assert.Equal(t, "old\n", string(body))
}

func TestReadMD5SummaryMissingFileIsEmpty(t *testing.T) {
	sum, err := readMD5Summary(filepath.Join(t.TempDir(), "none"))
	require.NoError(t, err)
	assert.Empty(t, sum)
}
