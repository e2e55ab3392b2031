package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"openvdm-jobs/internal/api"
	"openvdm-jobs/internal/config"
	"openvdm-jobs/internal/logging"
	"openvdm-jobs/internal/queue"
	"openvdm-jobs/internal/ratelimit"
	"openvdm-jobs/internal/store"
)

var (
	verbosity  int
	configPath string

	rootCmd = &cobra.Command{
		Use:          "openvdm-api",
		Short:        "HTTP front of the OpenVDM job queue",
		SilenceUsage: true,
		RunE:         runAPI,
	}
)

func init() {
	flags := rootCmd.Flags()
	flags.CountVarP(&verbosity, "verbosity", "v", "increase output verbosity")
	flags.StringVarP(&configPath, "config", "c", "", "path to openvdm.yaml, validated at startup when given")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func runAPI(cmd *cobra.Command, _ []string) error {
	logging.Setup(verbosity)
	cfg := config.Load()
	if configPath != "" {
		if _, err := config.LoadSystem(configPath); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	q := queue.NewRedisQueue(cfg)
	defer q.Close()
	if err := q.Ping(ctx); err != nil {
		return fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
	}
	limiter := ratelimit.NewTokenBucket(q.Client(), "openvdm:", cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	var history api.History
	if cfg.JobLogDSN != "" {
		st, err := store.New(ctx, cfg.JobLogDSN)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.RunMigrations(ctx); err != nil {
			return fmt.Errorf("job log migrations: %w", err)
		}
		history = st
	}

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           api.New(q, limiter, history).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", srv.Addr).Info("api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
