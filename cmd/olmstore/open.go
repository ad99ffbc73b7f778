// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/bureau-foundation/olmstore/lib/clock"
	"github.com/bureau-foundation/olmstore/lib/config"
	"github.com/bureau-foundation/olmstore/lib/e2ee"
	"github.com/bureau-foundation/olmstore/lib/picklekey"
	"github.com/bureau-foundation/olmstore/lib/sessioncodec"
	"github.com/bureau-foundation/olmstore/lib/sessionstore"
	"github.com/bureau-foundation/olmstore/lib/sqlitepool"
)

// storeBackend is what both session stores provide.
type storeBackend interface {
	e2ee.Store
	Close() error
}

// stack is everything a command needs to touch sessions: the store,
// the sealed codec and a Manager over them. Close releases it in
// reverse order.
type stack struct {
	store    storeBackend
	key      *picklekey.Key
	codec    *sessioncodec.Codec
	manager  *e2ee.Manager
	registry *prometheus.Registry
	logger   *slog.Logger
}

func openStack(ctx context.Context, cfg *config.Config, clk clock.Clock, logger *slog.Logger) (*stack, error) {
	s := &stack{logger: logger, registry: prometheus.NewRegistry()}
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var err error
	s.key, err = loadPickleKey(cfg.PickleKey)
	if err != nil {
		return nil, err
	}
	logger.Info("pickle key loaded", "fingerprint", s.key.Fingerprint())

	compression, err := sessioncodec.ParseCompression(cfg.Codec.Compression)
	if err != nil {
		s.Close(ctx)
		return nil, err
	}
	s.codec, err = sessioncodec.New(s.key, compression)
	if err != nil {
		s.Close(ctx)
		return nil, err
	}

	s.store, err = openStore(ctx, cfg.Store, clk, logger)
	if err != nil {
		s.Close(ctx)
		return nil, err
	}
	if err := s.store.BindKeyFingerprint(ctx, s.codec.Fingerprint()); err != nil {
		s.Close(ctx)
		if errors.Is(err, sessionstore.ErrKeyMismatch) {
			return nil, fmt.Errorf("pickle key %s does not match the store: %w", s.key.Fingerprint(), err)
		}
		return nil, fmt.Errorf("binding pickle key: %w", err)
	}

	metrics, err := e2ee.NewMetrics(s.registry)
	if err != nil {
		s.Close(ctx)
		return nil, fmt.Errorf("registering metrics: %w", err)
	}
	mode, err := e2ee.ParsePersistMode(cfg.Sessions.Persistence)
	if err != nil {
		s.Close(ctx)
		return nil, err
	}
	s.manager, err = e2ee.NewManager(e2ee.Config{
		Store:        s.store,
		Codec:        s.codec,
		Persistence:  mode,
		IdleLifetime: cfg.Sessions.IdleLifetime,
		Clock:        clk,
		Metrics:      metrics,
		Logger:       logger,
	})
	if err != nil {
		s.Close(ctx)
		return nil, err
	}
	return s, nil
}

// Close flushes the manager and releases the store, codec and key.
func (s *stack) Close(ctx context.Context) error {
	var errs []error
	if s.manager != nil {
		if err := s.manager.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("final flush: %w", err))
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing store: %w", err))
		}
	}
	if s.codec != nil {
		if err := s.codec.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.key != nil {
		if err := s.key.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func loadPickleKey(cfg config.PickleKeyConfig) (*picklekey.Key, error) {
	if cfg.AgeIdentityPath != "" {
		return picklekey.LoadSealed(cfg.Path, cfg.AgeIdentityPath)
	}
	return picklekey.LoadFile(cfg.Path)
}

func openStore(ctx context.Context, cfg config.StoreConfig, clk clock.Clock, logger *slog.Logger) (storeBackend, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		synchronous := sqlitepool.SynchronousFull
		if cfg.Synchronous == "normal" {
			synchronous = sqlitepool.SynchronousNormal
		}
		store, err := sessionstore.OpenSQLite(sessionstore.SQLiteConfig{
			Path:        cfg.Path,
			PoolSize:    cfg.PoolSize,
			Synchronous: synchronous,
			Clock:       clk,
			Logger:      logger,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.DriverPostgres:
		store, err := sessionstore.OpenPostgres(ctx, sessionstore.PostgresConfig{
			DSN:      cfg.DSN,
			MaxConns: cfg.MaxConns,
			Clock:    clk,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
