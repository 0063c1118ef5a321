// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build integration

package store_test

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/holomush/plugind/internal/store"
)

const insertPlugin = `INSERT INTO plugins
	(name, version, author, kind, runtime, entry, source_locator, revision, commit_sha, manifest_hash, install_path)
	VALUES ($1, '1.0.0', 'Trusted Org', 'dashboard', 'lua', 'main.lua', 'github.com/trusted-org/db-viewer', 'v1.0.0', 'abc', 'sha256:x', '/tmp/x')`

const insertJob = `INSERT INTO installation_jobs (id, plugin_name, source_locator, revision, status)
	VALUES ($1, $2, 'github.com/trusted-org/db-viewer', 'v1.0.0', $3)`

var _ = Describe("schema", func() {
	ctx := context.Background()

	BeforeEach(func() {
		Expect(db.Truncate(ctx)).To(Succeed())
	})

	It("rejects a second active job for the same plugin name", func() {
		_, err := db.Pool.Exec(ctx, insertJob, "01A", "db-viewer", "running")
		Expect(err).NotTo(HaveOccurred())

		_, err = db.Pool.Exec(ctx, insertJob, "01B", "db-viewer", "pending")
		constraint, ok := store.UniqueViolation(err)
		Expect(ok).To(BeTrue())
		Expect(constraint).To(Equal("idx_installation_jobs_active_name"))
	})

	It("allows any number of finished jobs per name", func() {
		for _, id := range []string{"01A", "01B", "01C"} {
			_, err := db.Pool.Exec(ctx, insertJob, id, "db-viewer", "failed")
			Expect(err).NotTo(HaveOccurred())
		}
		_, err := db.Pool.Exec(ctx, insertJob, "01D", "db-viewer", "pending")
		Expect(err).NotTo(HaveOccurred())
	})

	It("rejects progress outside 0..100", func() {
		_, err := db.Pool.Exec(ctx, insertJob, "01A", "db-viewer", "running")
		Expect(err).NotTo(HaveOccurred())
		_, err = db.Pool.Exec(ctx, `UPDATE installation_jobs SET progress = 101 WHERE id = '01A'`)
		Expect(err).To(HaveOccurred())
	})

	It("cascades grant deletion from plugins", func() {
		_, err := db.Pool.Exec(ctx, insertPlugin, "db-viewer")
		Expect(err).NotTo(HaveOccurred())
		_, err = db.Pool.Exec(ctx, `INSERT INTO permission_grants (plugin_name, permission, position) VALUES ('db-viewer', 'database:read', 0)`)
		Expect(err).NotTo(HaveOccurred())

		_, err = db.Pool.Exec(ctx, `DELETE FROM plugins WHERE name = 'db-viewer'`)
		Expect(err).NotTo(HaveOccurred())

		var n int
		Expect(db.Pool.QueryRow(ctx, `SELECT count(*) FROM permission_grants`).Scan(&n)).To(Succeed())
		Expect(n).To(BeZero())
	})

	It("rolls back everything written inside a failed transaction", func() {
		tr := store.NewTransactor(db.Pool)
		boom := errors.New("registry write failed")

		err := tr.InTransaction(ctx, func(ctx context.Context) error {
			if _, err := store.Q(ctx, db.Pool).Exec(ctx, insertPlugin, "db-viewer"); err != nil {
				return err
			}
			return boom
		})
		Expect(err).To(MatchError(boom))

		var n int
		Expect(db.Pool.QueryRow(ctx, `SELECT count(*) FROM plugins`).Scan(&n)).To(Succeed())
		Expect(n).To(BeZero())
	})
})
