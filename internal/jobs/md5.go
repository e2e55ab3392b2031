package jobs

import (
	"bufio"
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"openvdm-jobs/internal/models"
	"openvdm-jobs/internal/reconcile"
	"openvdm-jobs/internal/worker"
)

// oversizeHash stands in for the checksum of files above the size limit.
const oversizeHash = "********************************"

const hashWorkers = 4

var errHashStopped = errors.New("stop requested")

// md5Summary maps cruise relative paths to checksums.
type md5Summary map[string]string

func readMD5Summary(fn string) (md5Summary, error) {
	sum := md5Summary{}
	f, err := os.Open(fn)
	if errors.Is(err, fs.ErrNotExist) {
		return sum, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		hash, name, ok := strings.Cut(strings.TrimRight(sc.Text(), "\r"), " ")
		if !ok || name == "" {
			continue
		}
		sum[name] = hash
	}
	return sum, sc.Err()
}

func (s md5Summary) encode() []byte {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	var buf bytes.Buffer
	for _, name := range names {
		fmt.Fprintf(&buf, "%s %s\n", s[name], name)
	}
	return buf.Bytes()
}

func hashFile(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// sizeLimit returns the byte size above which files are not hashed, 0 when
// unlimited.
func (j *Jobs) sizeLimit(ctx context.Context) (int64, error) {
	on, err := j.status.GetMD5FilesizeLimitStatus(ctx)
	if err != nil || !on {
		return 0, err
	}
	mb, err := j.status.GetMD5FilesizeLimit(ctx)
	if err != nil {
		return 0, err
	}
	return int64(mb) * 1024 * 1024, nil
}

// hashFiles checksums the cruise relative names under root. Files that
// vanished are reported in missing.
func hashFiles(ctx context.Context, jc *worker.JobContext, root string, names []string, limit int64) (md5Summary, []string, error) {
	var (
		mu      sync.Mutex
		out     = md5Summary{}
		missing []string
		done    int
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(hashWorkers)
	for _, name := range names {
		name := name
		g.Go(func() error {
			if jc.Stopped() {
				return errHashStopped
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			p := filepath.Join(root, name)
			info, err := os.Stat(p)
			if errors.Is(err, fs.ErrNotExist) {
				mu.Lock()
				missing = append(missing, name)
				mu.Unlock()
				return nil
			}
			if err != nil {
				return err
			}
			hash := oversizeHash
			if limit <= 0 || info.Size() <= limit {
				if hash, err = hashFile(p); err != nil {
					return fmt.Errorf("hash %s: %w", name, err)
				}
			}
			mu.Lock()
			out[name] = hash
			done++
			jc.ReportProgress(10+80*done/len(names), 100)
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	return out, missing, err
}

// writeMD5Summary replaces the summary and its own checksum file.
func writeMD5Summary(jc *worker.JobContext, sum md5Summary) error {
	dir := jc.CruiseDir()
	body := sum.encode()
	p, err := writeFileAtomic(dir, jc.System.MD5SummaryFn, body)
	if err != nil {
		return err
	}
	normalizePath(jc, p)
	digest := md5.Sum(body)
	p, err = writeFileAtomic(dir, jc.System.MD5SummaryMD5Fn, []byte(hex.EncodeToString(digest[:])+"\n"))
	if err != nil {
		return err
	}
	normalizePath(jc, p)
	return nil
}

// summaryLockTTL bounds how long a crashed worker can hold the summary.
const summaryLockTTL = 5 * time.Minute

// lockSummary serialises read-merge-write cycles on the cruise's summary
// file. Without a locker it returns a no-op release.
func (j *Jobs) lockSummary(ctx context.Context, jc *worker.JobContext) (func(), error) {
	if j.locker == nil {
		return func() {}, nil
	}
	release, err := j.locker.Lock(ctx, "md5summary:"+jc.CruiseID, summaryLockTTL)
	if err != nil {
		return nil, err
	}
	return func() {
		if err := release(context.Background()); err != nil {
			jc.Log.WithError(err).Warn("unable to release md5 summary lock")
		}
	}, nil
}

// updateMD5Summary refreshes the summary entries of the new and updated files
// in the payload. Paths are relative to the cruise directory.
func (j *Jobs) updateMD5Summary(ctx context.Context, jc *worker.JobContext) models.JobResult {
	var res models.JobResult
	if jc.CruiseID == "" || !isDir(jc.CruiseDir()) {
		res.Fail("Verify cruise directory", fmt.Sprintf("Unable to find cruise directory: %s", jc.CruiseDir()))
		return res
	}
	res.Pass("Verify cruise directory")
	var names []string
	if f := jc.Payload.Files; f != nil {
		names = append(append(names, f.New...), f.Updated...)
	}
	if len(names) == 0 {
		res.PassWithNote("Update MD5 Summary", "No new or updated files")
		return res
	}
	limit, err := j.sizeLimit(ctx)
	if err != nil {
		res.Fail("Retrieve MD5 filesize limit", err.Error())
		return res
	}
	jc.ReportProgress(5, 100)
	hashed, missing, err := hashFiles(ctx, jc, jc.CruiseDir(), names, limit)
	if errors.Is(err, errHashStopped) {
		res.MarkCancelled()
		res.PassWithNote("Calculate Hashes", "Stopped before all files were hashed, summary unchanged")
		return res
	}
	if err != nil {
		res.Fail("Calculate Hashes", err.Error())
		return res
	}
	res.Pass("Calculate Hashes")

	unlock, err := j.lockSummary(ctx, jc)
	if err != nil {
		res.Fail("Lock MD5 Summary", err.Error())
		return res
	}
	defer unlock()
	fn := filepath.Join(jc.CruiseDir(), jc.System.MD5SummaryFn)
	sum, err := readMD5Summary(fn)
	if err != nil {
		res.Fail("Read MD5 Summary", err.Error())
		return res
	}
	for name, hash := range hashed {
		sum[name] = hash
	}
	for _, name := range missing {
		delete(sum, name)
	}
	if err := writeMD5Summary(jc, sum); err != nil {
		res.Fail("Write MD5 Summary", err.Error())
		return res
	}
	jc.Log.WithFields(log.Fields{"hashed": len(hashed), "missing": len(missing)}).Info("md5 summary updated")
	jc.ReportProgress(100, 100)
	res.Pass("Write MD5 Summary")
	return res
}

// rebuildMD5Summary hashes the whole cruise directory from scratch.
func (j *Jobs) rebuildMD5Summary(ctx context.Context, jc *worker.JobContext) models.JobResult {
	var res models.JobResult
	if jc.CruiseID == "" || !isDir(jc.CruiseDir()) {
		res.Fail("Verify cruise directory", fmt.Sprintf("Unable to find cruise directory: %s", jc.CruiseDir()))
		return res
	}
	res.Pass("Verify cruise directory")
	ignore := "*/" + jc.System.MD5SummaryFn + ",*/" + jc.System.MD5SummaryMD5Fn
	filter, err := reconcile.NewFilter("*", "", ignore, jc.CruiseID, jc.LoweringID)
	if err != nil {
		res.Fail("Build file list", err.Error())
		return res
	}
	files, stats, err := reconcile.Local(ctx, reconcile.Options{
		Root:   jc.CruiseDir(),
		Filter: filter,
		Window: reconcile.OpenWindow(),
	})
	if err != nil {
		res.Fail("Build file list", err.Error())
		return res
	}
	res.Pass("Build file list")
	jc.Log.WithFields(log.Fields{
		"files": len(files.Include),
		"size":  humanize.Bytes(uint64(stats.IncludeBytes)),
	}).Info("rebuilding md5 summary")

	limit, err := j.sizeLimit(ctx)
	if err != nil {
		res.Fail("Retrieve MD5 filesize limit", err.Error())
		return res
	}
	sum, _, err := hashFiles(ctx, jc, jc.CruiseDir(), files.Include, limit)
	if errors.Is(err, errHashStopped) {
		res.MarkCancelled()
		res.PassWithNote("Calculate Hashes", "Stopped before all files were hashed, summary unchanged")
		return res
	}
	if err != nil {
		res.Fail("Calculate Hashes", err.Error())
		return res
	}
	res.Pass("Calculate Hashes")
	unlock, err := j.lockSummary(ctx, jc)
	if err != nil {
		res.Fail("Lock MD5 Summary", err.Error())
		return res
	}
	defer unlock()
	if err := writeMD5Summary(jc, sum); err != nil {
		res.Fail("Write MD5 Summary", err.Error())
		return res
	}
	jc.ReportProgress(100, 100)
	res.Pass("Write MD5 Summary")
	return res
}
