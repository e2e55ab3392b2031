package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"openvdm-jobs/internal/config"
	"openvdm-jobs/internal/models"
	"openvdm-jobs/internal/reconcile"
	"openvdm-jobs/internal/transport"
	"openvdm-jobs/internal/worker"
)

// hookCommands selects the commands configured for the running hook job.
// Commands bound to a collection system transfer only run after that transfer.
func (j *Jobs) hookCommands(ctx context.Context, jc *worker.JobContext) ([]config.HookCommand, error) {
	all := jc.System.PostHookCommands[string(jc.Type)]
	transferName := ""
	if id := jc.Payload.CollectionSystemTransferID; id != "" {
		def, err := j.status.GetCollectionSystemTransfer(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("collection system transfer %s: %w", id, err)
		}
		transferName = def.Name
	}
	var out []config.HookCommand
	for _, c := range all {
		if c.CollectionSystemTransfer != "" && c.CollectionSystemTransfer != transferName {
			continue
		}
		if len(c.Argv) == 0 {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// runPostHook executes the external commands configured for a hook job type.
// Every command runs even when an earlier one fails.
func (j *Jobs) runPostHook(ctx context.Context, jc *worker.JobContext) models.JobResult {
	var res models.JobResult
	cmds, err := j.hookCommands(ctx, jc)
	if err != nil {
		res.Fail("Retrieve hook commands", err.Error())
		return res
	}
	if len(cmds) == 0 {
		res.PassWithNote("Run hook commands", "No commands configured")
		return res
	}
	res.Pass("Retrieve hook commands")

	var errs []error
	for i, c := range cmds {
		argv := make([]string, len(c.Argv))
		for k, a := range c.Argv {
			argv[k] = reconcile.Substitute(a, jc.CruiseID, jc.LoweringID)
		}
		cmdCtx, cancel := context.WithTimeout(ctx, jc.System.HookTimeout())
		out, err := j.runner.Run(cmdCtx, transport.Command{Name: argv[0], Args: argv[1:]})
		cancel()
		logger := jc.Log.WithField("hook", c.Name)
		if err != nil {
			logger.WithError(err).WithField("output", strings.TrimSpace(string(out))).Warn("hook command failed")
			errs = append(errs, fmt.Errorf("%s: %w", c.Name, err))
			continue
		}
		logger.Debug("hook command finished")
		jc.ReportProgress(100*(i+1)/len(cmds), 100)
	}
	if err := errors.Join(errs...); err != nil {
		res.Fail("Run hook commands", err.Error())
		return res
	}
	res.Pass("Run hook commands")
	return res
}
