package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rendis/taskflow/internal/engine"
	"github.com/rendis/taskflow/internal/executors"
	"github.com/rendis/taskflow/internal/metrics"
	"github.com/rendis/taskflow/internal/queue"
	"github.com/rendis/taskflow/internal/secrets"
	"github.com/rendis/taskflow/internal/store"
)

// openStore opens and migrates the libSQL database, creating its directory.
func (a *app) openStore(ctx context.Context) (*store.LibSQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(a.cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}
	s, err := store.NewLibSQLStore(a.dsn())
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (a *app) httpConfig() executors.HTTPConfig {
	return executors.HTTPConfig{
		DefaultTimeout: a.cfg.HTTPExecutor.Timeout,
		AllowedHosts:   a.cfg.HTTPExecutor.AllowedHosts,
	}
}

func (a *app) breakerConfig() *engine.CircuitBreakerConfig {
	return &engine.CircuitBreakerConfig{
		FailureThreshold: a.cfg.CircuitBreaker.FailureThreshold,
		Cooldown:         a.cfg.CircuitBreaker.Cooldown,
	}
}

// leaseRenewInterval renews queue entries three times per visibility window.
func (a *app) leaseRenewInterval() time.Duration {
	if a.cfg.Queue.VisibilityTimeout <= 0 {
		return engine.DefaultLeaseRenewInterval
	}
	return a.cfg.Queue.VisibilityTimeout / 3
}

func (a *app) tracingConfig() metrics.TracingConfig {
	return metrics.TracingConfig{
		Enabled:    a.cfg.Tracing.Enabled,
		Exporter:   a.cfg.Tracing.Exporter,
		Endpoint:   a.cfg.Tracing.Endpoint,
		Insecure:   a.cfg.Tracing.Insecure,
		SampleRate: a.cfg.Tracing.SampleRate,
	}
}

// openQueue builds the configured queue backend. The returned close func
// releases backend resources.
func (a *app) openQueue(ctx context.Context, s *store.LibSQLStore) (queue.Queue, func(), error) {
	qcfg := queue.Config{
		PollInterval:      a.cfg.Queue.PollInterval,
		VisibilityTimeout: a.cfg.Queue.VisibilityTimeout,
		Logger:            a.logger,
	}
	switch a.cfg.Queue.Backend {
	case "memory":
		a.logger.Warn("memory queue: queued executions do not survive a restart")
		return queue.NewMemoryQueue(qcfg), func() {}, nil
	case "postgres":
		pool, err := pgxpool.New(ctx, a.cfg.Queue.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect queue database: %w", err)
		}
		q := queue.NewPostgresQueue(pool, qcfg)
		if err := q.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return q, pool.Close, nil
	default:
		return queue.NewSQLQueue(s.DB(), qcfg), func() {}, nil
	}
}

// openVault returns nil when no passphrase is configured.
func (a *app) openVault(s *store.LibSQLStore) (*secrets.AESVault, error) {
	if a.cfg.Vault.Passphrase == "" {
		return nil, nil
	}
	return secrets.NewAESVault(s, secrets.VaultConfig{
		Passphrase: a.cfg.Vault.Passphrase,
		Salt:       []byte(a.cfg.Vault.Salt),
	})
}
