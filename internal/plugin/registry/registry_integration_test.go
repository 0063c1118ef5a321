// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build integration

package registry_test

import (
	"context"
	"sync"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/holomush/plugind/internal/plugin"
	"github.com/holomush/plugind/internal/plugin/registry"
)

func newPlugin() *plugin.Plugin {
	return &plugin.Plugin{
		Name:          "db-viewer",
		Version:       "1.0.0",
		Description:   "Browse database tables",
		Author:        "Trusted Org",
		Kind:          plugin.KindDashboard,
		Runtime:       plugin.RuntimeLua,
		Entry:         "main.lua",
		UI:            []string{"dashboard.widget"},
		SourceLocator: "github.com/trusted-org/db-viewer",
		Revision:      "v2.3.0",
		Commit:        "0123456789abcdef0123456789abcdef01234567",
		ManifestHash:  "sha256:abc",
		Status:        plugin.StatusDisabled,
		InstallPath:   "/var/lib/plugind/plugins/db-viewer",
		Permissions:   []string{"database:read", "ui:notify"},
		Dependencies:  map[string]string{"host": ">= 2.0.0"},
	}
}

var _ = Describe("PostgresRegistry", func() {
	var (
		ctx = context.Background()
		reg *registry.PostgresRegistry
	)

	BeforeEach(func() {
		Expect(db.Truncate(ctx)).To(Succeed())
		reg = registry.NewPostgresRegistry(db.Pool)
	})

	It("round-trips a plugin with its grants", func() {
		Expect(reg.Insert(ctx, newPlugin())).To(Succeed())

		got, err := reg.Get(ctx, "db-viewer")
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Status).To(Equal(plugin.StatusDisabled))
		Expect(got.Permissions).To(Equal([]string{"database:read", "ui:notify"}))
		Expect(got.Dependencies).To(Equal(map[string]string{"host": ">= 2.0.0"}))
		Expect(got.UI).To(Equal([]string{"dashboard.widget"}))

		grants, err := reg.Grants(ctx, "db-viewer")
		Expect(err).NotTo(HaveOccurred())
		Expect(grants).To(HaveLen(2))
		Expect(grants[0].Permission).To(Equal("database:read"))
		Expect(grants[1].Position).To(Equal(1))
	})

	It("rejects a duplicate name", func() {
		Expect(reg.Insert(ctx, newPlugin())).To(Succeed())
		err := reg.Insert(ctx, newPlugin())
		Expect(plugin.CodeOf(err)).To(Equal(plugin.CodeAlreadyInstalled))
	})

	It("lets exactly one of two racing transitions win", func() {
		Expect(reg.Insert(ctx, newPlugin())).To(Succeed())

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i := range errs {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, errs[i] = reg.Transition(ctx, "db-viewer", plugin.StatusDisabled, plugin.StatusEnabled, "")
			}()
		}
		wg.Wait()

		var stale int
		for _, err := range errs {
			if err != nil {
				Expect(plugin.CodeOf(err)).To(Equal(plugin.CodeStaleState))
				stale++
			}
		}
		Expect(stale).To(Equal(1))
	})

	It("deletes plugin and grants only while uninstalling", func() {
		Expect(reg.Insert(ctx, newPlugin())).To(Succeed())
		Expect(plugin.CodeOf(reg.Delete(ctx, "db-viewer"))).To(Equal(plugin.CodeStaleState))

		_, err := reg.Transition(ctx, "db-viewer", plugin.StatusDisabled, plugin.StatusUninstalling, "")
		Expect(err).NotTo(HaveOccurred())
		Expect(reg.Delete(ctx, "db-viewer")).To(Succeed())

		_, err = reg.Get(ctx, "db-viewer")
		Expect(err).To(MatchError(plugin.ErrNotFound))
		grants, err := reg.Grants(ctx, "db-viewer")
		Expect(err).NotTo(HaveOccurred())
		Expect(grants).To(BeEmpty())
	})
})
