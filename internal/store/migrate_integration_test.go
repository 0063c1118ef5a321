// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build integration

package store_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/holomush/plugind/internal/store"
)

var _ = Describe("Migrator", Ordered, func() {
	var migrator *store.Migrator

	BeforeAll(func() {
		var err error
		migrator, err = store.NewMigrator(db.DSN)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() {
			// Leave the shared database at head for the other specs.
			Expect(migrator.Up()).To(Succeed())
			Expect(migrator.Close()).To(Succeed())
			// Drop connections that cached statements against the old tables.
			db.Pool.Reset()
		})
	})

	It("reports the suite database at head", func() {
		all, err := store.Migrations()
		Expect(err).NotTo(HaveOccurred())

		st, err := migrator.Status()
		Expect(err).NotTo(HaveOccurred())
		Expect(st.Version).To(Equal(all[len(all)-1].Version))
		Expect(st.Dirty).To(BeFalse())
		Expect(st.Pending).To(BeEmpty())
		Expect(st.Applied).To(HaveLen(len(all)))
	})

	It("treats a repeated Up as a no-op", func() {
		Expect(migrator.Up()).To(Succeed())
	})

	It("reverts everything with Down", func() {
		Expect(migrator.Down()).To(Succeed())

		version, dirty, err := migrator.Version()
		Expect(err).NotTo(HaveOccurred())
		Expect(version).To(BeZero())
		Expect(dirty).To(BeFalse())

		var tables int
		Expect(db.Pool.QueryRow(context.Background(),
			`SELECT count(*) FROM information_schema.tables WHERE table_name = 'plugins'`).Scan(&tables)).To(Succeed())
		Expect(tables).To(BeZero())
	})

	It("re-applies one step at a time", func() {
		Expect(migrator.Steps(1)).To(Succeed())

		st, err := migrator.Status()
		Expect(err).NotTo(HaveOccurred())
		Expect(st.Name).To(Equal("000001_initial"))
	})
})
