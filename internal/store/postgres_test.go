// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/plugind/pkg/errutil"
)

func newPool(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	pool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, pool.ExpectationsWereMet())
		pool.Close()
	})
	return pool
}

func fastTransactor(pool DB) *Transactor {
	return NewTransactor(pool, WithTxRetry(2, time.Millisecond))
}

func TestInTransaction_CommitsAndSharesTx(t *testing.T) {
	pool := newPool(t)
	pool.ExpectBegin()
	pool.ExpectExec(`UPDATE plugins`).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	pool.ExpectCommit()

	err := fastTransactor(pool).InTransaction(context.Background(), func(ctx context.Context) error {
		assert.True(t, InTx(ctx))
		_, err := Q(ctx, pool).Exec(ctx, `UPDATE plugins SET status = 'enabled'`)
		return err
	})

	require.NoError(t, err)
}

func TestInTransaction_Failures(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name    string
		expect  func(pool pgxmock.PgxPoolIface)
		fnErr   error
		errCode string
		errIs   error
	}{
		{
			name:   "fn error rolls back",
			expect: func(p pgxmock.PgxPoolIface) { p.ExpectBegin(); p.ExpectRollback() },
			fnErr:  boom,
			errIs:  boom,
		},
		{
			name:    "begin failure",
			expect:  func(p pgxmock.PgxPoolIface) { p.ExpectBegin().WillReturnError(errors.New("connection refused")) },
			errCode: "TX_BEGIN_FAILED",
		},
		{
			name: "commit failure",
			expect: func(p pgxmock.PgxPoolIface) {
				p.ExpectBegin()
				p.ExpectCommit().WillReturnError(errors.New("connection reset"))
				p.ExpectRollback()
			},
			errCode: "TX_COMMIT_FAILED",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool := newPool(t)
			tt.expect(pool)

			err := fastTransactor(pool).InTransaction(context.Background(), func(context.Context) error {
				return tt.fnErr
			})

			if tt.errIs != nil {
				require.ErrorIs(t, err, tt.errIs)
			}
			if tt.errCode != "" {
				errutil.AssertErrorCode(t, err, tt.errCode)
			}
		})
	}
}

func TestInTransaction_RetriesSerializationFailure(t *testing.T) {
	pool := newPool(t)
	conflict := &pgconn.PgError{Code: pgerrcode.SerializationFailure}
	pool.ExpectBegin()
	pool.ExpectRollback()
	pool.ExpectBegin()
	pool.ExpectCommit()

	attempts := 0
	err := fastTransactor(pool).InTransaction(context.Background(), func(context.Context) error {
		attempts++
		if attempts == 1 {
			return conflict
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestInTransaction_GivesUpAfterRetries(t *testing.T) {
	pool := newPool(t)
	deadlock := &pgconn.PgError{Code: pgerrcode.DeadlockDetected}
	for range 3 {
		pool.ExpectBegin()
		pool.ExpectRollback()
	}

	attempts := 0
	err := fastTransactor(pool).InTransaction(context.Background(), func(context.Context) error {
		attempts++
		return deadlock
	})

	require.ErrorIs(t, err, deadlock)
	assert.Equal(t, 3, attempts)
}

func TestInTransaction_NestedCallsJoin(t *testing.T) {
	pool := newPool(t)
	pool.ExpectBegin()
	pool.ExpectCommit()

	tr := fastTransactor(pool)
	err := tr.InTransaction(context.Background(), func(ctx context.Context) error {
		return tr.InTransaction(ctx, func(inner context.Context) error {
			assert.Equal(t, Q(ctx, pool), Q(inner, pool))
			return nil
		})
	})

	require.NoError(t, err)
}

func TestQ_WithoutTransaction(t *testing.T) {
	pool := newPool(t)

	assert.False(t, InTx(context.Background()))
	assert.Equal(t, Querier(pool), Q(context.Background(), pool))
}

func TestUniqueViolation(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		constraint string
		ok         bool
	}{
		{
			name:       "wrapped unique violation",
			err:        oops.With("operation", "insert job").Wrap(&pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: "idx_installation_jobs_active_name"}),
			constraint: "idx_installation_jobs_active_name",
			ok:         true,
		},
		{name: "other constraint class", err: &pgconn.PgError{Code: pgerrcode.ForeignKeyViolation}},
		{name: "not a postgres error", err: errors.New("plain")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			constraint, ok := UniqueViolation(tt.err)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.constraint, constraint)
		})
	}
}

func TestOpen_InvalidDSN(t *testing.T) {
	_, err := Open(context.Background(), "postgres://%zz", PoolConfig{})
	errutil.AssertErrorCode(t, err, "DB_CONFIG_INVALID")
}
