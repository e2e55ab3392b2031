package transport

import (
	"context"
	"path"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"openvdm-jobs/internal/models"
	"openvdm-jobs/internal/reconcile"
)

// UnlimitedBandwidth stands in for a zero bandwidth limit so the flag is
// always present.
const UnlimitedBandwidth = 20000000

// rsync exit 24 means some source files vanished mid-transfer, which is
// expected for live collection systems.
const rsyncPartialVanished = 24

// rsyncCall is one rsync invocation against a prepared endpoint.
type rsyncCall struct {
	// wrapper runs before rsync, e.g. sshpass
	wrapper []string
	env     []string
	// extra flags such as -e or --password-file
	extra []string
	src   string
	dst   string
}

func (c rsyncCall) command(args ...string) Command {
	all := append(append([]string{}, args...), c.extra...)
	all = append(all, c.src, c.dst)
	if len(c.wrapper) == 0 {
		return Command{Name: "rsync", Args: all, Env: c.env}
	}
	return Command{Name: c.wrapper[0], Args: append(append(append([]string{}, c.wrapper[1:]...), "rsync"), all...), Env: c.env}
}

// classify maps one itemized change line to new, updated or noise.
func classify(line string) (path string, isNew, isUpdated bool) {
	if len(line) < 13 || line[11] != ' ' {
		return "", false, false
	}
	code := line[:11]
	if code[1] != 'f' || !strings.ContainsRune("<>c", rune(code[0])) {
		return "", false, false
	}
	path = line[12:]
	if code[2:] == "+++++++++" {
		return path, true, false
	}
	return path, false, true
}

// runRsync transfers the include list with --files-from and classifies the
// itemized output. It polls req.Stop after every line.
func runRsync(ctx context.Context, runner Runner, ws *Workspace, def models.TransferDefinition, call rsyncCall, req Request) Outcome {
	listing := strings.Join(req.Include, "\n")
	if listing != "" {
		listing += "\n"
	}
	fileList, err := ws.WriteFile("rsyncFileList.txt", []byte(listing))
	if err != nil {
		return failed("Error saving temporary rsync filelist file: %v", err)
	}

	bw := req.BandwidthLimit
	if bw <= 0 {
		bw = UnlimitedBandwidth
	}
	flags := "-tri"
	if def.SkipEmptyDirs {
		flags += "m"
	}
	args := []string{flags, "--progress", "--files-from=" + fileList, "--bwlimit=" + strconv.Itoa(bw)}
	if def.SkipEmptyFiles {
		args = append(args, "--min-size=1")
	}
	if def.RemoveSourceFiles {
		args = append(args, "--remove-source-files")
	}
	cmd := call.command(args...)
	logger := log.WithFields(log.Fields{"transfer": def.Name, "src": call.src, "dst": call.dst})
	logger.Debug("starting rsync")

	proc, err := runner.Start(ctx, cmd)
	if err != nil {
		return failed("Error starting rsync: %v", err)
	}

	files := emptyFiles()
	files.Include = req.Include
	total := len(req.Include)
	done := 0
	for line := range proc.Lines() {
		if path, isNew, isUpdated := classify(line); isNew || isUpdated {
			if isNew {
				files.New = append(files.New, path)
			} else {
				files.Updated = append(files.Updated, path)
			}
			done++
			if req.Progress != nil && total > 0 {
				if done > total {
					done = total
				}
				req.Progress(req.ProgressBase+req.ProgressRange*done/total, 100)
			}
		}
		if req.Stop != nil && req.Stop.Stopped() {
			logger.Info("stop requested, ending transfer early")
			_ = proc.Kill()
			_ = proc.Wait()
			return Outcome{Verdict: true, Files: files}
		}
	}

	if err := proc.Wait(); err != nil {
		if code := ExitCode(err); code != rsyncPartialVanished {
			return Outcome{Reason: "Error transferring files: rsync " + err.Error(), Files: emptyFiles()}
		}
		logger.Warn("some source files vanished during transfer")
	}
	logger.WithFields(log.Fields{"new": len(files.New), "updated": len(files.Updated)}).Info("rsync finished")
	return Outcome{Verdict: true, Files: files}
}

// listRemote runs rsync --list-only against a remote source and reconciles
// the listing. The listing is repeated for the staleness re-check.
func listRemote(ctx context.Context, runner Runner, call rsyncCall, root string, opts reconcile.Options) (models.FileSet, reconcile.Stats, error) {
	root = path.Clean(root)
	// rsync formats listing times in the client's zone
	env := append(append([]string{}, call.env...), "TZ=UTC")
	list := func(ctx context.Context) ([]reconcile.Entry, error) {
		args := append([]string{"-r", "--list-only", "--no-human-readable"}, call.extra...)
		args = append(args, call.src)
		cmd := Command{Name: "rsync", Args: args, Env: env}
		if len(call.wrapper) > 0 {
			cmd = Command{Name: call.wrapper[0], Args: append(append(append([]string{}, call.wrapper[1:]...), "rsync"), args...), Env: env}
		}
		out, err := runner.Run(ctx, cmd)
		if err != nil && ExitCode(err) != rsyncPartialVanished {
			return nil, err
		}
		return reconcile.ParseRsyncListing(string(out), root)
	}
	entries, err := list(ctx)
	if err != nil {
		return models.FileSet{}, reconcile.Stats{}, err
	}
	opts.Root = root
	return reconcile.Entries(ctx, entries, opts, list)
}
