// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build integration

// Package storetest starts throwaway PostgreSQL databases for integration suites.
package storetest

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/holomush/plugind/internal/store"
)

// Database is a migrated PostgreSQL container.
type Database struct {
	Pool      *pgxpool.Pool
	DSN       string
	container *postgres.PostgresContainer
}

// Start runs a PostgreSQL container and applies every migration.
func Start(ctx context.Context) (*Database, error) {
	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("plugind_test"),
		postgres.WithUsername("plugind"),
		postgres.WithPassword("plugind"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		return nil, oops.Code("TEST_DB_START_FAILED").Wrap(err)
	}

	db := &Database{container: container}
	db.DSN, err = container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		db.Close(ctx)
		return nil, oops.Code("TEST_DB_START_FAILED").Wrap(err)
	}

	migrator, err := store.NewMigrator(db.DSN)
	if err != nil {
		db.Close(ctx)
		return nil, err
	}
	defer func() { _ = migrator.Close() }()
	if err := migrator.Up(); err != nil {
		db.Close(ctx)
		return nil, err
	}

	db.Pool, err = store.Open(ctx, db.DSN, store.PoolConfig{MaxConns: 8})
	if err != nil {
		db.Close(ctx)
		return nil, err
	}
	return db, nil
}

// Truncate empties every table between specs.
func (d *Database) Truncate(ctx context.Context) error {
	_, err := d.Pool.Exec(ctx, `TRUNCATE plugins, permission_grants, installation_jobs`)
	return err
}

// Close releases the pool and terminates the container.
func (d *Database) Close(ctx context.Context) {
	if d.Pool != nil {
		d.Pool.Close()
	}
	if d.container != nil {
		_ = d.container.Terminate(ctx)
	}
}
