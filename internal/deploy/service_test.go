package deploy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hatem-elsheref/server-setup/internal/detect"
	"github.com/hatem-elsheref/server-setup/internal/domain"
	"github.com/hatem-elsheref/server-setup/internal/operr"
	"github.com/hatem-elsheref/server-setup/internal/provision"
	"github.com/hatem-elsheref/server-setup/internal/reconcile"
	"github.com/hatem-elsheref/server-setup/internal/release"
	"github.com/hatem-elsheref/server-setup/pkg/config"
)

type fakeCloner struct {
	files map[string]string
	err   error
}

func (f *fakeCloner) Clone(_ context.Context, _, _ string, dest string) error {
	if f.err != nil {
		return f.err
	}
	for name, content := range f.files {
		path := filepath.Join(dest, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

type recordingRunner struct {
	commands []string
	failOn   string
}

func (r *recordingRunner) Run(_ context.Context, _ string, _ []string, name string, args ...string) error {
	cmd := strings.Join(append([]string{name}, args...), " ")
	r.commands = append(r.commands, cmd)
	if r.failOn != "" && strings.Contains(cmd, r.failOn) {
		return errors.New("command failed: " + cmd)
	}
	return nil
}

type nopServices struct{}

func (nopServices) Reload(context.Context, string) error         { return nil }
func (nopServices) Restart(context.Context, string) error        { return nil }
func (nopServices) ValidateConfig(context.Context, string) error { return nil }

type nopSupervisor struct{ ensured int }

func (s *nopSupervisor) EnsureApp(context.Context, domain.Project) error {
	s.ensured++
	return nil
}
func (s *nopSupervisor) EnsureWorker(context.Context, domain.Project, string, int) error { return nil }
func (s *nopSupervisor) Status(context.Context, string) error                            { return nil }

type fixture struct {
	service  Service
	store    *provision.Store
	releases *release.Manager
	cloner   *fakeCloner
	runner   *recordingRunner
	sup      *nopSupervisor
}

func newFixture(t *testing.T, files map[string]string) *fixture {
	t.Helper()
	root := t.TempDir()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	cloner := &fakeCloner{files: files}
	releases, err := release.NewManager(root, cloner, release.NopOwnership{}, log)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	runner := &recordingRunner{}
	sup := &nopSupervisor{}
	cfg := config.HostConfig{ProjectsRoot: root, DefaultPHPVersion: "8.3", KeepReleases: 5}
	reconciler := reconcile.New(releases, runner, nopServices{}, sup, cfg, log)
	store := provision.NewStore(root)

	return &fixture{
		service:  New(cfg, store, releases, reconciler, nil, log),
		store:    store,
		releases: releases,
		cloner:   cloner,
		runner:   runner,
		sup:      sup,
	}
}

func (fx *fixture) saveProject(t *testing.T, backend string) {
	t.Helper()
	err := fx.store.Save(domain.Project{
		Name:    "myapp",
		Domain:  "myapp.example.com",
		Backend: backend,
		UID:     10000,
		Port:    3000,
		RepoURL: "https://example.com/myapp.git",
	})
	if err != nil {
		t.Fatalf("save project: %v", err)
	}
}

func TestDeployUnknownProject(t *testing.T) {
	fx := newFixture(t, nil)

	_, err := fx.service.Deploy(context.Background(), Request{Project: "ghost"})
	if !errors.Is(err, operr.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestDeployNodeProjectEndToEnd(t *testing.T) {
	fx := newFixture(t, map[string]string{"package.json": `{"scripts":{"start":"node ."}}`})
	fx.saveProject(t, "node")

	result, err := fx.service.Deploy(context.Background(), Request{Project: "myapp", Ref: "v1.0.0"})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if result.Kind != detect.KindNode {
		t.Fatalf("expected node kind, got %s", result.Kind)
	}
	if result.Release != "v1.0.0" {
		t.Fatalf("expected release v1.0.0, got %s", result.Release)
	}
	if result.RunID == "" {
		t.Fatalf("expected a run id")
	}
	if fx.sup.ensured != 1 {
		t.Fatalf("expected supervised process ensure, got %d", fx.sup.ensured)
	}

	current, err := fx.releases.Current("myapp")
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if current != "v1.0.0" {
		t.Fatalf("expected current v1.0.0, got %s", current)
	}
}

func TestDeployKindFromStagedReleaseOnFirstDeploy(t *testing.T) {
	fx := newFixture(t, map[string]string{"artisan": "#!/usr/bin/env php"})
	// Declared backend disagrees with the tree; the staged release wins.
	fx.saveProject(t, "node")

	result, err := fx.service.Deploy(context.Background(), Request{Project: "myapp", Ref: "v1.0.0"})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if result.Kind != detect.KindLaravel {
		t.Fatalf("expected laravel from staged release, got %s", result.Kind)
	}
}

func TestDeployFailureKeepsPreviousRelease(t *testing.T) {
	fx := newFixture(t, map[string]string{"package.json": `{"scripts":{"start":"node ."}}`})
	fx.saveProject(t, "node")

	if _, err := fx.service.Deploy(context.Background(), Request{Project: "myapp", Ref: "v1.0.0"}); err != nil {
		t.Fatalf("first deploy: %v", err)
	}

	fx.runner.failOn = "npm install"
	_, err := fx.service.Deploy(context.Background(), Request{Project: "myapp", Ref: "v1.1.0"})
	if !errors.Is(err, operr.ErrBuild) {
		t.Fatalf("expected ErrBuild, got %v", err)
	}

	current, err := fx.releases.Current("myapp")
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if current != "v1.0.0" {
		t.Fatalf("expected previous release to keep serving, got %s", current)
	}
	if _, err := os.Stat(filepath.Join(fx.releases.ReleasesDir("myapp"), "v1.1.0")); err != nil {
		t.Fatalf("failed release directory must remain: %v", err)
	}
}

func TestDeployUpdatesStoredSourceURL(t *testing.T) {
	fx := newFixture(t, map[string]string{"package.json": `{"scripts":{"start":"node ."}}`})
	fx.saveProject(t, "node")

	_, err := fx.service.Deploy(context.Background(), Request{
		Project:   "myapp",
		SourceURL: "https://example.com/fork.git",
		Ref:       "v1.0.0",
	})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}

	project, err := fx.store.Load("myapp")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if project.RepoURL != "https://example.com/fork.git" {
		t.Fatalf("expected stored source url to update, got %s", project.RepoURL)
	}
}

func TestRollbackToPreviousRelease(t *testing.T) {
	fx := newFixture(t, map[string]string{"dist/index.html": "<html></html>"})
	fx.saveProject(t, "static")

	if _, err := fx.service.Deploy(context.Background(), Request{Project: "myapp", Ref: "v1.0.0"}); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if _, err := fx.service.Deploy(context.Background(), Request{Project: "myapp", Ref: "v1.1.0"}); err != nil {
		t.Fatalf("deploy: %v", err)
	}

	name, err := fx.service.Rollback(context.Background(), "myapp", "")
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if name != "v1.0.0" {
		t.Fatalf("expected rollback to v1.0.0, got %s", name)
	}
	current, err := fx.releases.Current("myapp")
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if current != "v1.0.0" {
		t.Fatalf("expected current v1.0.0, got %s", current)
	}
}
