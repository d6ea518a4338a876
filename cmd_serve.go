package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ekaya-inc/assay-engine/pkg/handlers"
	"github.com/ekaya-inc/assay-engine/pkg/middleware"
)

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the job worker with health, ping and metrics endpoints",
		Long: `Resumes jobs left pending or running by a previous process, then serves
/health, /ping and /metrics until interrupted. Jobs still running at
shutdown stay resumable.`,
		Args: cobra.NoArgs,
		RunE: c.runServe,
	}
}

func (c *cli) runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a := c.app
	logger := c.logger().Named("serve")

	resumed, err := a.jobs.ResumeUnfinished(ctx)
	if err != nil {
		return err
	}
	logger.Info("Resumed unfinished jobs", zap.Int("count", resumed))

	mux := http.NewServeMux()
	handlers.NewHealthHandler(a.cfg, a.healthChecks(), logger).RegisterRoutes(mux)

	server := &http.Server{
		Addr:              net.JoinHostPort(a.cfg.BindAddr, a.cfg.Port),
		Handler:           middleware.RequestLogger(logger)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Starting assay-engine",
			zap.String("addr", server.Addr),
			zap.String("version", a.cfg.Version),
			zap.String("storage", a.repos.Driver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	interval := a.cfg.Jobs.PollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case err, ok := <-serveErr:
			if ok {
				return err
			}
			return nil
		case <-ticker.C:
			if n := a.jobs.Prune(); n > 0 {
				logger.Debug("Pruned finished job tasks", zap.Int("count", n))
			}
		case <-ctx.Done():
			logger.Info("Shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Error("Server shutdown failed", zap.Error(err))
			}
			return nil
		}
	}
}
