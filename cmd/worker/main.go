package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"openvdm-jobs/internal/config"
	"openvdm-jobs/internal/jobs"
	"openvdm-jobs/internal/logging"
	"openvdm-jobs/internal/orchestrate"
	"openvdm-jobs/internal/queue"
	"openvdm-jobs/internal/statusstore"
	"openvdm-jobs/internal/store"
	"openvdm-jobs/internal/telemetry"
	"openvdm-jobs/internal/transport"
	"openvdm-jobs/internal/worker"
)

var (
	verbosity  int
	configPath string
	jobNames   []string
	clearJobs  bool

	rootCmd = &cobra.Command{
		Use:          "openvdm-worker",
		Short:        "Claim and run OpenVDM jobs from the shared queue",
		SilenceUsage: true,
		RunE:         runWorker,
	}
)

func init() {
	flags := rootCmd.Flags()
	flags.CountVarP(&verbosity, "verbosity", "v", "increase output verbosity")
	flags.StringVarP(&configPath, "config", "c", "", "path to openvdm.yaml (defaults to $OPENVDM_CONFIG)")
	flags.StringSliceVar(&jobNames, "jobs", nil, "job types to serve (defaults to $WORKER_JOBS, then every type that does not wait on other jobs)")
	flags.BoolVar(&clearJobs, "clear-jobs", false, "clear the job tables before claiming work")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func runWorker(cmd *cobra.Command, _ []string) error {
	logging.Setup(verbosity)
	cfg := config.Load()
	if configPath != "" {
		cfg.SystemConfigPath = configPath
	}
	if len(jobNames) > 0 {
		cfg.WorkerJobs = jobNames
	}
	sys, err := config.LoadSystem(cfg.SystemConfigPath)
	if err != nil {
		return err
	}

	// SIGINT and SIGTERM are handled by the processor so the current job can finish.
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	q := queue.NewRedisQueue(cfg)
	defer q.Close()
	if err := q.Ping(ctx); err != nil {
		return fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
	}
	status := statusstore.New(sys.SiteRoot, cfg.StatusStoreTimeout)

	var joblog worker.JobLog
	if cfg.JobLogDSN != "" {
		st, err := store.New(ctx, cfg.JobLogDSN)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.RunMigrations(ctx); err != nil {
			return fmt.Errorf("job log migrations: %w", err)
		}
		if clearJobs {
			if err := st.ClearAll(ctx); err != nil {
				return err
			}
		}
		joblog = st
	}
	if clearJobs {
		if err := status.ClearAllJobsFromDB(ctx); err != nil {
			log.WithError(err).Warn("unable to clear status store job table")
		}
	}

	orch := orchestrate.NewClient(q, cfg.ResultPollInterval)
	runner := transport.ExecRunner{}
	all := worker.NewRegistry()
	jobs.New(status, orch, orchestrate.NewHooks(orch, sys), transport.DefaultSet(runner, cfg.TempDir), runner,
		jobs.WithLocker(q)).Register(all)
	// Orchestrating types block on child jobs and run in their own worker,
	// started with --jobs naming them.
	registry, err := all.Restrict(cfg.WorkerJobs)
	if err != nil {
		return err
	}

	p := worker.NewProcessor(cfg, sys, q, status, joblog, registry)
	p.WatchSignals(ctx)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()

	log.WithFields(log.Fields{"site": sys.SiteRoot, "redis": cfg.RedisAddr, "jobs": registry.Types()}).Info("worker started")
	return p.Run(ctx)
}
