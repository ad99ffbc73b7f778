// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/olmstore/lib/config"
	"github.com/bureau-foundation/olmstore/lib/e2ee"
	"github.com/bureau-foundation/olmstore/lib/schedule"
)

const shutdownTimeout = 10 * time.Second

func runServe(ctx context.Context, env *environment, args []string) error {
	flagSet := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	if done, err := parseCommandFlags(flagSet, args, env.stdout); done || err != nil {
		return err
	}

	logger, err := env.logger()
	if err != nil {
		return err
	}
	cfg, err := env.loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	s, err := openStack(ctx, cfg, env.clock, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Error("shutdown flush failed", "error", err)
		}
	}()

	scheduler, err := newScheduler(cfg, s, env)
	if err != nil {
		return err
	}

	var server *http.Server
	serverDone := make(chan error, 1)
	if cfg.Metrics.Listen != "" {
		listener, err := net.Listen("tcp", cfg.Metrics.Listen)
		if err != nil {
			return fmt.Errorf("metrics listener: %w", err)
		}
		server = &http.Server{
			Handler:           metricsHandler(s),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			serverDone <- server.Serve(listener)
		}()
		logger.Info("metrics endpoint listening", "address", listener.Addr().String())
	}

	logger.Info("olmstore serving",
		"driver", cfg.Store.Driver,
		"persistence", cfg.Sessions.Persistence,
		"jobs", scheduler.Len(),
	)
	if err := scheduler.Run(ctx); err != nil {
		return err
	}
	logger.Info("shutting down")

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics endpoint shutdown", "error", err)
		}
		if err := <-serverDone; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics endpoint: %w", err)
		}
	}
	return nil
}

// newScheduler registers the reaper and, in periodic persistence mode,
// the flush job.
func newScheduler(cfg *config.Config, s *stack, env *environment) (*schedule.Scheduler, error) {
	scheduler := schedule.New(env.clock, s.logger)

	if cfg.Reaper.Interval > 0 {
		err := scheduler.Add(schedule.Job{
			Name:     "reap",
			Interval: cfg.Reaper.Interval,
			Run: func(ctx context.Context) error {
				_, err := s.manager.Reap(ctx)
				return err
			},
		})
		if err != nil {
			return nil, err
		}
	}

	if e2ee.PersistMode(cfg.Sessions.Persistence) == e2ee.PersistPeriodic {
		err := scheduler.Add(schedule.Job{
			Name:     "flush",
			Interval: cfg.Sessions.FlushInterval,
			Run: func(ctx context.Context) error {
				_, err := s.manager.PersistAll(ctx)
				return err
			},
		})
		if err != nil {
			return nil, err
		}
	}
	return scheduler, nil
}

func metricsHandler(s *stack) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))
	mux.HandleFunc("GET /stats", func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.manager.Stats(r.Context())
		if err != nil {
			http.Error(w, "stats unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, newStatsOutput(stats))
	})
	return mux
}
