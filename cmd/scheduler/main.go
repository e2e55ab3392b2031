package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"openvdm-jobs/internal/config"
	"openvdm-jobs/internal/logging"
	"openvdm-jobs/internal/orchestrate"
	"openvdm-jobs/internal/queue"
	"openvdm-jobs/internal/scheduler"
	"openvdm-jobs/internal/statusstore"
)

var (
	verbosity  int
	configPath string
	interval   int

	rootCmd = &cobra.Command{
		Use:          "openvdm-scheduler",
		Short:        "Queue a transfer job for every active transfer on a fixed interval",
		SilenceUsage: true,
		RunE:         runScheduler,
	}
)

func init() {
	flags := rootCmd.Flags()
	flags.CountVarP(&verbosity, "verbosity", "v", "increase output verbosity")
	flags.StringVarP(&configPath, "config", "c", "", "path to openvdm.yaml (defaults to $OPENVDM_CONFIG)")
	flags.IntVarP(&interval, "interval", "i", 0, "minutes between runs (defaults to schedulerInterval from openvdm.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func runScheduler(cmd *cobra.Command, _ []string) error {
	logging.Setup(verbosity)
	cfg := config.Load()
	if configPath != "" {
		cfg.SystemConfigPath = configPath
	}
	sys, err := config.LoadSystem(cfg.SystemConfigPath)
	if err != nil {
		return err
	}
	minutes := sys.SchedulerInterval
	if interval > 0 {
		minutes = interval
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	q := queue.NewRedisQueue(cfg)
	defer q.Close()
	if err := q.Ping(ctx); err != nil {
		return fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
	}

	s := scheduler.New(
		statusstore.New(sys.SiteRoot, cfg.StatusStoreTimeout),
		orchestrate.NewClient(q, cfg.ResultPollInterval),
		sys.ShipToShoreTransfer,
		time.Duration(minutes)*time.Minute,
	)
	if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("scheduler stopped")
	return nil
}
