// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build integration

package job_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/holomush/plugind/internal/plugin"
	"github.com/holomush/plugind/internal/plugin/job"
	"github.com/holomush/plugind/internal/plugin/registry"
	"github.com/holomush/plugind/internal/plugin/sandbox"
	"github.com/holomush/plugind/internal/plugin/security"
	"github.com/holomush/plugind/internal/plugin/source"
	"github.com/holomush/plugind/internal/plugin/source/sourcetest"
	"github.com/holomush/plugind/internal/store"
)

var _ = Describe("PostgresStore", func() {
	var (
		ctx  = context.Background()
		jobs *job.PostgresStore
	)

	BeforeEach(func() {
		Expect(db.Truncate(ctx)).To(Succeed())
		jobs = job.NewPostgresStore(db.Pool)
	})

	newJob := func(name string) *job.Job {
		return &job.Job{ID: job.NewID(), PluginName: name, SourceLocator: "trusted-org/" + name, Revision: "main"}
	}

	It("allows one active job per plugin", func() {
		first := newJob("db-viewer")
		Expect(jobs.Create(ctx, first)).To(Succeed())

		err := jobs.Create(ctx, newJob("db-viewer"))
		Expect(plugin.CodeOf(err)).To(Equal(plugin.CodeJobActive))

		Expect(jobs.Start(ctx, first.ID)).To(Succeed())
		Expect(jobs.Fail(ctx, first.ID, &job.Failure{Kind: plugin.KindInstallError, Code: plugin.CodeTimeout}, "timed out")).To(Succeed())
		Expect(jobs.Create(ctx, newJob("db-viewer"))).To(Succeed())
	})

	It("keeps progress monotonic", func() {
		j := newJob("db-viewer")
		Expect(jobs.Create(ctx, j)).To(Succeed())
		Expect(jobs.Start(ctx, j.ID)).To(Succeed())
		Expect(jobs.Progress(ctx, j.ID, 30, "permissions checks passed")).To(Succeed())
		Expect(jobs.Progress(ctx, j.ID, 10, "late update")).To(Succeed())

		got, err := jobs.Get(ctx, j.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Progress).To(Equal(30))
	})

	It("never modifies a finished job", func() {
		j := newJob("db-viewer")
		Expect(jobs.Create(ctx, j)).To(Succeed())
		Expect(jobs.Start(ctx, j.ID)).To(Succeed())
		Expect(jobs.Complete(ctx, j.ID, "installed")).To(Succeed())

		err := jobs.Fail(ctx, j.ID, nil, "too late")
		Expect(plugin.CodeOf(err)).To(Equal(plugin.CodeJobFinished))

		got, err := jobs.Get(ctx, j.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Status).To(Equal(job.StatusCompleted))
		Expect(got.Progress).To(Equal(100))
		Expect(got.Error).To(BeNil())
	})

	It("lists active jobs oldest first", func() {
		a, b := newJob("db-viewer"), newJob("map-tools")
		Expect(jobs.Create(ctx, a)).To(Succeed())
		Expect(jobs.Create(ctx, b)).To(Succeed())
		Expect(jobs.Start(ctx, b.ID)).To(Succeed())

		active, err := jobs.Active(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(active).To(HaveLen(2))
		Expect(active[0].ID).To(Equal(a.ID))
		Expect(active[1].Status).To(Equal(job.StatusRunning))
	})
})

var _ = Describe("Orchestrator on PostgreSQL", func() {
	var (
		ctx  = context.Background()
		host *sourcetest.Host
		reg  *registry.PostgresRegistry
		orch *job.Orchestrator
	)

	BeforeEach(func() {
		Expect(db.Truncate(ctx)).To(Succeed())
		host = sourcetest.NewHost()
		host.AddRepo("trusted-org", "db-viewer", "v2.3.0", repoFiles(manifestFor("db-viewer", "database:read")))

		allow, err := source.NewAllowList("", []string{"trusted-org"})
		Expect(err).NotTo(HaveOccurred())
		guard, err := source.NewGuard("", allow, map[string]source.Host{"github.com": host})
		Expect(err).NotTo(HaveOccurred())
		pipeline, err := security.NewPipeline(guard, security.DefaultConfig())
		Expect(err).NotTo(HaveOccurred())

		reg = registry.NewPostgresRegistry(db.Pool)
		root := GinkgoT().TempDir()
		DeferCleanup(func() { _ = sandbox.Rollback(root) })
		inst, err := sandbox.NewInstaller(sandbox.DefaultConfig(root), reg, sandbox.NewLuaProvisioner())
		Expect(err).NotTo(HaveOccurred())

		orch, err = job.NewOrchestrator(job.Config{Workers: 2, JobTimeout: 30 * time.Second}, job.Deps{
			Jobs:      job.NewPostgresStore(db.Pool),
			Registry:  reg,
			Tx:        store.NewTransactor(db.Pool),
			Pipeline:  pipeline,
			Installer: inst,
			Names:     guard,
		})
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { _ = orch.Close(context.Background()) })
	})

	It("commits the plugin and the completed job together", func() {
		j, err := orch.Submit(ctx, job.Request{Locator: "trusted-org/db-viewer", Revision: "v2.3.0", RequestedBy: "admin"})
		Expect(err).NotTo(HaveOccurred())

		done, err := orch.Wait(ctx, j.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(done.Status).To(Equal(job.StatusCompleted))
		Expect(done.Progress).To(Equal(100))

		p, err := reg.Get(ctx, "db-viewer")
		Expect(err).NotTo(HaveOccurred())
		Expect(p.Status).To(Equal(plugin.StatusDisabled))
		Expect(p.InstalledByJob).To(Equal(j.ID.String()))

		grants, err := reg.Grants(ctx, "db-viewer")
		Expect(err).NotTo(HaveOccurred())
		Expect(grants).To(HaveLen(1))
		Expect(grants[0].Permission).To(Equal("database:read"))
	})

	It("leaves no registry row for a rejected plugin", func() {
		host.AddRepo("trusted-org", "db-viewer", "v9.0.0", repoFiles(manifestFor("db-viewer", "system:exec")))

		j, err := orch.Submit(ctx, job.Request{Locator: "trusted-org/db-viewer", Revision: "v9.0.0"})
		Expect(err).NotTo(HaveOccurred())
		done, err := orch.Wait(ctx, j.ID)
		Expect(err).NotTo(HaveOccurred())

		Expect(done.Status).To(Equal(job.StatusFailed))
		Expect(done.Error.Code).To(Equal(plugin.CodeInvalidPermission))
		Expect(done.Error.Severity).To(Equal(plugin.SeverityHigh))

		plugins, err := reg.List(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(plugins).To(BeEmpty())
	})
})
