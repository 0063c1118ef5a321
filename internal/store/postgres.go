// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package store provides the PostgreSQL connection, transaction and schema
// plumbing shared by the plugin registry and the job store.
package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
)

// Querier abstracts query execution for both *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB is the subset of *pgxpool.Pool used by repositories. pgxmock pools
// satisfy it, which keeps repository tests free of a real database.
type DB interface {
	Querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PoolConfig tunes the connection pool.
type PoolConfig struct {
	MaxConns        int32         `koanf:"max_conns"`
	MaxConnLifetime time.Duration `koanf:"max_conn_lifetime"`
}

// Open connects to dsn and verifies the connection with a ping.
func Open(ctx context.Context, dsn string, cfg PoolConfig) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, oops.Code("DB_CONFIG_INVALID").Wrap(err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		pcfg.MaxConnLifetime = cfg.MaxConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, oops.Code("DB_CONNECT_FAILED").Wrap(err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, oops.Code("DB_CONNECT_FAILED").With("operation", "ping").Wrap(err)
	}
	return pool, nil
}

type txKey struct{}

// Q returns the transaction carried by ctx, or db when there is none.
// Repository methods use it so they join an enclosing InTransaction call.
func Q(ctx context.Context, db DB) Querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return db
}

// InTx reports whether ctx carries a transaction.
func InTx(ctx context.Context) bool {
	_, ok := ctx.Value(txKey{}).(pgx.Tx)
	return ok
}

// Transactor runs functions inside a database transaction. Transactions
// aborted by a serialization failure or deadlock are retried from the top.
type Transactor struct {
	db      DB
	backoff func() retry.Backoff
}

// TransactorOption configures a Transactor.
type TransactorOption func(*Transactor)

// WithTxRetry overrides the retry policy for aborted transactions.
func WithTxRetry(maxRetries uint64, base time.Duration) TransactorOption {
	return func(t *Transactor) {
		t.backoff = func() retry.Backoff {
			return retry.WithMaxRetries(maxRetries, retry.NewExponential(base))
		}
	}
}

// NewTransactor creates a Transactor backed by db. By default an aborted
// transaction is retried three times starting at 20ms.
func NewTransactor(db DB, opts ...TransactorOption) *Transactor {
	t := &Transactor{db: db}
	WithTxRetry(3, 20*time.Millisecond)(t)
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// InTransaction calls fn with a context carrying a fresh transaction and
// commits when fn returns nil. Calls nested inside another InTransaction
// join the outer transaction and are never retried on their own.
func (t *Transactor) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if InTx(ctx) {
		return fn(ctx)
	}
	return retry.Do(ctx, t.backoff(), func(ctx context.Context) error {
		err := t.attempt(ctx, fn)
		if retryableTx(err) {
			slog.DebugContext(ctx, "transaction aborted, retrying", "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
}

func (t *Transactor) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := t.db.Begin(ctx)
	if err != nil {
		return oops.Code("TX_BEGIN_FAILED").Wrap(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op once committed

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return oops.Code("TX_COMMIT_FAILED").Wrap(err)
	}
	return nil
}

func retryableTx(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
}

// UniqueViolation reports whether err is a unique constraint violation and
// returns the violated constraint name.
func UniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return pgErr.ConstraintName, true
	}
	return "", false
}
