package reconcile

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
	"github.com/hatem-elsheref/server-setup/internal/release"
	"github.com/hatem-elsheref/server-setup/pkg/config"
)

type fakeRunner struct {
	commands []string
	failOn   string
}

func (f *fakeRunner) Run(_ context.Context, _ string, _ []string, name string, args ...string) error {
	cmd := strings.Join(append([]string{name}, args...), " ")
	f.commands = append(f.commands, cmd)
	if f.failOn != "" && strings.Contains(cmd, f.failOn) {
		return errors.New("command failed: " + cmd)
	}
	return nil
}

func (f *fakeRunner) ran(fragment string) bool {
	for _, cmd := range f.commands {
		if strings.Contains(cmd, fragment) {
			return true
		}
	}
	return false
}

type fakeServices struct {
	reloaded  []string
	restarted []string
	reloadErr error
}

func (f *fakeServices) Reload(_ context.Context, service string) error {
	f.reloaded = append(f.reloaded, service)
	return f.reloadErr
}

func (f *fakeServices) Restart(_ context.Context, service string) error {
	f.restarted = append(f.restarted, service)
	return nil
}

func (f *fakeServices) ValidateConfig(context.Context, string) error { return nil }

type fakeSupervisor struct {
	ensured []string
	err     error
}

func (f *fakeSupervisor) EnsureApp(_ context.Context, project domain.Project) error {
	f.ensured = append(f.ensured, project.Name)
	return f.err
}

func (f *fakeSupervisor) EnsureWorker(context.Context, domain.Project, string, int) error {
	return nil
}

func (f *fakeSupervisor) Status(context.Context, string) error { return nil }

type fixture struct {
	reconciler *Reconciler
	releases   *release.Manager
	runner     *fakeRunner
	services   *fakeServices
	supervisor *fakeSupervisor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	releases, err := release.NewManager(t.TempDir(), nil, release.NopOwnership{}, log)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	runner := &fakeRunner{}
	services := &fakeServices{}
	sup := &fakeSupervisor{}
	cfg := config.HostConfig{DefaultPHPVersion: "8.3", KeepReleases: 5}
	return &fixture{
		reconciler: New(releases, runner, services, sup, cfg, log),
		releases:   releases,
		runner:     runner,
		services:   services,
		supervisor: sup,
	}
}

func (fx *fixture) seedRelease(t *testing.T, name string, files map[string]string) domain.Release {
	t.Helper()
	dir := filepath.Join(fx.releases.ReleasesDir("myapp"), name)
	for file, content := range files {
		path := filepath.Join(dir, file)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir release: %v", err)
	}
	return domain.Release{Name: name, Path: dir}
}

func project() domain.Project {
	return domain.Project{Name: "myapp", Domain: "myapp.example.com", UID: 10000, Port: 3000}
}

func TestLaravelPipeline(t *testing.T) {
	fx := newFixture(t)
	rel := fx.seedRelease(t, "v1.0.0", map[string]string{"artisan": "#!/usr/bin/env php"})

	err := fx.reconciler.Apply(context.Background(), project(), rel, detect.KindLaravel, Options{RunMigrations: true})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	for _, fragment := range []string{
		"composer install --no-dev",
		"php artisan config:cache",
		"php artisan route:cache",
		"php artisan view:cache",
		"php artisan migrate --force",
	} {
		if !fx.runner.ran(fragment) {
			t.Fatalf("expected %q to run, got %v", fragment, fx.runner.commands)
		}
	}
	if len(fx.services.reloaded) != 1 || fx.services.reloaded[0] != "php8.3-fpm" {
		t.Fatalf("expected php8.3-fpm reload, got %v", fx.services.reloaded)
	}
	current, err := fx.releases.Current("myapp")
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if current != "v1.0.0" {
		t.Fatalf("expected cutover to v1.0.0, got %s", current)
	}
}

func TestLaravelMigrationsSkippedByDefault(t *testing.T) {
	fx := newFixture(t)
	rel := fx.seedRelease(t, "v1.0.0", map[string]string{"artisan": "#!/usr/bin/env php"})

	if err := fx.reconciler.Apply(context.Background(), project(), rel, detect.KindLaravel, Options{}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if fx.runner.ran("migrate") {
		t.Fatalf("expected migrations to be skipped, got %v", fx.runner.commands)
	}
}

func TestLaravelUsesProjectRuntimeVersion(t *testing.T) {
	fx := newFixture(t)
	rel := fx.seedRelease(t, "v1.0.0", map[string]string{"artisan": "#!/usr/bin/env php"})

	p := project()
	p.RuntimeVersion = "8.2"
	if err := fx.reconciler.Apply(context.Background(), p, rel, detect.KindLaravel, Options{}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if fx.services.reloaded[0] != "php8.2-fpm" {
		t.Fatalf("expected php8.2-fpm reload, got %v", fx.services.reloaded)
	}
}

func TestBuildFailureLeavesPointerUntouched(t *testing.T) {
	fx := newFixture(t)
	previous := fx.seedRelease(t, "v1.0.0", map[string]string{"artisan": "old"})
	if err := fx.releases.Cutover("myapp", previous.Path); err != nil {
		t.Fatalf("cutover: %v", err)
	}

	rel := fx.seedRelease(t, "v1.1.0", map[string]string{"artisan": "new"})
	fx.runner.failOn = "composer install"

	err := fx.reconciler.Apply(context.Background(), project(), rel, detect.KindLaravel, Options{})
	if !errors.Is(err, operr.ErrBuild) {
		t.Fatalf("expected ErrBuild, got %v", err)
	}

	current, err := fx.releases.Current("myapp")
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if current != "v1.0.0" {
		t.Fatalf("expected pointer still at v1.0.0, got %s", current)
	}
	if _, err := os.Stat(rel.Path); err != nil {
		t.Fatalf("failed release directory must remain: %v", err)
	}
}

func TestNodePipelineRestartsSupervisedProcess(t *testing.T) {
	fx := newFixture(t)
	rel := fx.seedRelease(t, "v1.0.0", map[string]string{"package.json": `{"scripts":{"start":"node ."}}`})

	if err := fx.reconciler.Apply(context.Background(), project(), rel, detect.KindNode, Options{}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !fx.runner.ran("npm install --omit=dev") {
		t.Fatalf("expected production install, got %v", fx.runner.commands)
	}
	if len(fx.supervisor.ensured) != 1 || fx.supervisor.ensured[0] != "myapp" {
		t.Fatalf("expected supervised restart for myapp, got %v", fx.supervisor.ensured)
	}
}

func TestNodeSupervisorFailureIsReconcileError(t *testing.T) {
	fx := newFixture(t)
	rel := fx.seedRelease(t, "v1.0.0", map[string]string{"package.json": `{}`})
	fx.supervisor.err = errors.New("unit refused to start")

	err := fx.reconciler.Apply(context.Background(), project(), rel, detect.KindNode, Options{})
	if !errors.Is(err, operr.ErrReconcile) {
		t.Fatalf("expected ErrReconcile, got %v", err)
	}
	// Cutover already happened; the pointer must reference the new release.
	current, currentErr := fx.releases.Current("myapp")
	if currentErr != nil {
		t.Fatalf("current: %v", currentErr)
	}
	if current != "v1.0.0" {
		t.Fatalf("expected v1.0.0, got %s", current)
	}
}

func TestStaticPipelinePointsAtBuildOutput(t *testing.T) {
	fx := newFixture(t)
	rel := fx.seedRelease(t, "v1.0.0", map[string]string{
		"package.json":    `{"scripts":{"build":"vite build"}}`,
		"dist/index.html": "<html></html>",
	})

	if err := fx.reconciler.Apply(context.Background(), project(), rel, detect.KindStatic, Options{}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !fx.runner.ran("npm run build") {
		t.Fatalf("expected build step, got %v", fx.runner.commands)
	}

	target, err := os.Readlink(fx.releases.CurrentPath("myapp"))
	if err != nil {
		t.Fatalf("readlink: %v", err)
	}
	if target != filepath.Join(rel.Path, "dist") {
		t.Fatalf("expected pointer at dist, got %s", target)
	}
	if len(fx.services.restarted) != 0 && len(fx.services.reloaded) != 0 {
		t.Fatalf("static deploys must not touch services")
	}
}

func TestUnknownKindFallsBackToLaravel(t *testing.T) {
	fx := newFixture(t)
	rel := fx.seedRelease(t, "v1.0.0", map[string]string{"readme.md": "docs"})

	if err := fx.reconciler.Apply(context.Background(), project(), rel, detect.KindUnknown, Options{}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !fx.runner.ran("composer install") {
		t.Fatalf("expected laravel fallback pipeline, got %v", fx.runner.commands)
	}
}
