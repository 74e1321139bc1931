// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package defectsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SyncService is the server-side queue processor. It applies batches of
// queued operations against the entity tables with per-operation
// transactions, optimistic conflict detection and durable audit records.
type SyncService struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	config *ServiceConfig
	blobs  BlobStore

	mu     sync.RWMutex
	closed bool
}

// ServiceConfig holds configuration for the sync service. It is loaded once
// per process and never mutated afterwards; the resolution strategy can be
// overridden per Resolve call but the default lives here.
type ServiceConfig struct {
	AppName         string // Application name for connection tracking
	DefaultStrategy string // Conflict resolution strategy announced on conflicts
	MaxBatchSize    int    // Maximum operations per submitted batch (0 = unlimited)

	BlobStore BlobStore // Destination for inline file payloads (nil disables materialization)
}

// NewSyncService creates a new sync service instance from an existing pool.
// The entity registry and configuration are validated up front and the sync
// schema is initialized inside a single transaction.
func NewSyncService(pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*SyncService, error) {
	if config == nil {
		config = &ServiceConfig{
			AppName:         "defect-tracker-sync",
			DefaultStrategy: StrategyServerWins,
		}
	}
	if config.DefaultStrategy == "" {
		config.DefaultStrategy = StrategyServerWins
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := ValidateRegistry(); err != nil {
		return nil, fmt.Errorf("invalid entity registry: %w", err)
	}
	if !validStrategy(config.DefaultStrategy) {
		return nil, fmt.Errorf("unknown default strategy %q", config.DefaultStrategy)
	}

	service := &SyncService{
		pool:   pool,
		logger: logger,
		config: config,
		blobs:  config.BlobStore,
	}

	ctx := context.Background()
	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if err := service.initializeSchemaInTx(ctx, tx); err != nil {
			logger.Error("Failed to initialize database schema", "error", err)
			return err
		}
		logger.Debug("Database schema initialized successfully")
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize sync service: %w", err)
	}

	return service, nil
}

// Close gracefully shuts down the sync service.
// It's safe to call multiple times. It does NOT close the database pool -
// the caller is responsible for pool lifecycle.
func (s *SyncService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.logger.Debug("Shutting down sync service")
	s.closed = true
	return nil
}

// Pool returns the underlying database connection pool.
// This allows advanced users to execute custom queries.
func (s *SyncService) Pool() *pgxpool.Pool {
	return s.pool
}

// DefaultStrategy returns the configured conflict resolution strategy.
func (s *SyncService) DefaultStrategy() string {
	return s.config.DefaultStrategy
}

// checkClosed returns an error if the service has been closed
func (s *SyncService) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return errors.New("sync service has been closed")
	}
	return nil
}

func validStrategy(strategy string) bool {
	switch strategy {
	case StrategyServerWins, StrategyClientWins, StrategyTimestampWins, StrategyPromptUser, StrategyMerge:
		return true
	default:
		return false
	}
}
