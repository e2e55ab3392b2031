// Package reconcile decides which files of a source tree a transfer should
// move, partitioning candidates into include and exclude lists.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"

	"openvdm-jobs/internal/models"
)

// DefaultSettle is how long a staleness-sensitive pass waits before
// re-checking file sizes.
const DefaultSettle = 5 * time.Second

// Window bounds file modification times in epoch seconds, inclusive at both ends.
type Window struct {
	Start int64
	End   int64
}

// OpenWindow accepts every modification time.
func OpenWindow() Window { return Window{Start: 0, End: math.MaxInt64} }

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	s := t.Unix()
	return s >= w.Start && s <= w.End
}

// Entry is one candidate file. Path is absolute, or prefixed with the
// source root for remote listings.
type Entry struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// Lister re-lists a source so sizes can be compared after the settle delay.
type Lister func(ctx context.Context) ([]Entry, error)

// Options configures a reconciliation pass.
type Options struct {
	Root      string
	Filter    *Filter
	Window    Window
	Staleness int // minutes, 0 disables the settle re-check
	Settle    time.Duration

	// Sleep waits for d or until ctx ends. Defaults to a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Stats describes a pass for logging and progress reporting.
type Stats struct {
	Candidates          int
	Ignored             int
	InitialIncludeCount int
	StaleDropped        int
	IncludeBytes        int64
}

// Local walks a local directory tree. Symbolic links are skipped.
func Local(ctx context.Context, opts Options) (models.FileSet, Stats, error) {
	info, err := os.Stat(opts.Root)
	if err != nil {
		return models.FileSet{}, Stats{}, fmt.Errorf("source directory %s: %w", opts.Root, err)
	}
	if !info.IsDir() {
		return models.FileSet{}, Stats{}, fmt.Errorf("source directory %s: not a directory", opts.Root)
	}
	entries, err := walk(opts.Root)
	if err != nil {
		return models.FileSet{}, Stats{}, err
	}
	return Entries(ctx, entries, opts, func(context.Context) ([]Entry, error) {
		return walk(opts.Root)
	})
}

func walk(root string) ([]Entry, error) {
	var out []Entry
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || d.Type()&fs.ModeSymlink != 0 || !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		out = append(out, Entry{Path: path, Size: info.Size(), ModTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	return out, nil
}

// Entries partitions an already listed set of candidates. When staleness is
// enabled it waits for the settle delay, calls relist and drops every
// included file whose size changed or which disappeared.
func Entries(ctx context.Context, entries []Entry, opts Options, relist Lister) (models.FileSet, Stats, error) {
	filter := opts.Filter
	if filter == nil {
		filter = MatchAll()
	}
	var (
		stats    Stats
		included []Entry
		files    = models.FileSet{Include: []string{}, Exclude: []string{}, New: []string{}, Updated: []string{}}
	)
	stats.Candidates = len(entries)
	for _, e := range entries {
		switch {
		case filter.Ignored(e.Path):
			stats.Ignored++
		case !isASCII(Relative(opts.Root, e.Path)):
			files.Exclude = append(files.Exclude, e.Path)
		case filter.Included(e.Path) && opts.Window.Contains(e.ModTime):
			included = append(included, e)
		default:
			files.Exclude = append(files.Exclude, e.Path)
		}
	}
	stats.InitialIncludeCount = len(included)

	if opts.Staleness != 0 && len(included) > 0 {
		settle := opts.Settle
		if settle <= 0 {
			settle = DefaultSettle
		}
		sleep := opts.Sleep
		if sleep == nil {
			sleep = sleepCtx
		}
		if err := sleep(ctx, settle); err != nil {
			return models.FileSet{}, stats, err
		}
		if relist == nil {
			return models.FileSet{}, stats, errors.New("staleness re-check needs a lister")
		}
		again, err := relist(ctx)
		if err != nil {
			return models.FileSet{}, stats, fmt.Errorf("staleness re-check: %w", err)
		}
		sizes := make(map[string]int64, len(again))
		for _, e := range again {
			sizes[e.Path] = e.Size
		}
		kept := included[:0]
		for _, e := range included {
			if size, ok := sizes[e.Path]; ok && size == e.Size {
				kept = append(kept, e)
				continue
			}
			stats.StaleDropped++
			log.WithField("file", e.Path).Debug("size changed during settle, skipping until next pass")
		}
		included = kept
	}

	for _, e := range included {
		files.Include = append(files.Include, e.Path)
		stats.IncludeBytes += e.Size
	}
	files.Include = relativeAll(opts.Root, files.Include)
	files.Exclude = relativeAll(opts.Root, files.Exclude)

	log.WithFields(log.Fields{
		"root":    opts.Root,
		"include": len(files.Include),
		"exclude": len(files.Exclude),
		"ignored": stats.Ignored,
		"stale":   stats.StaleDropped,
		"size":    humanize.Bytes(uint64(stats.IncludeBytes)),
	}).Debug("reconciled source")
	return files, stats, nil
}

// Relative strips the root prefix at its first occurrence in path.
func Relative(root, path string) string {
	root = strings.TrimSuffix(root, "/")
	if root == "" {
		return strings.TrimPrefix(path, "/")
	}
	return strings.TrimPrefix(strings.Replace(path, root+"/", "", 1), "/")
}

func relativeAll(root string, paths []string) []string {
	for i, p := range paths {
		paths[i] = Relative(root, p)
	}
	return paths
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
