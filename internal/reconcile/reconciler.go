// Package reconcile drives a staged release through the kind-specific
// install/build/migrate sequence, the atomic cutover, and the process
// restart that makes the release serve traffic.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hatem-elsheref/server-setup/internal/detect"
	"github.com/hatem-elsheref/server-setup/internal/domain"
	"github.com/hatem-elsheref/server-setup/internal/operr"
	"github.com/hatem-elsheref/server-setup/internal/release"
	"github.com/hatem-elsheref/server-setup/internal/run"
	"github.com/hatem-elsheref/server-setup/internal/supervisor"
	"github.com/hatem-elsheref/server-setup/pkg/config"
)

// Options tune one reconcile pass.
type Options struct {
	// RunMigrations gates schema migrations for Laravel-like projects.
	// The confirmation is collected by the CLI; skipping is a valid,
	// non-error outcome.
	RunMigrations bool
}

// Reconciler owns the per-kind deployment pipelines.
type Reconciler struct {
	releases   *release.Manager
	runner     run.Runner
	services   ServiceManager
	supervisor supervisor.Manager
	cfg        config.HostConfig
	logger     *slog.Logger
}

// New returns a Reconciler.
func New(releases *release.Manager, runner run.Runner, services ServiceManager, sup supervisor.Manager, cfg config.HostConfig, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		releases:   releases,
		runner:     runner,
		services:   services,
		supervisor: sup,
		cfg:        cfg,
		logger:     logger,
	}
}

// Apply runs the pipeline for kind against the staged release, ending with
// the release serving traffic. Failures before cutover leave the previous
// current pointer untouched and the release directory in place.
func (r *Reconciler) Apply(ctx context.Context, project domain.Project, rel domain.Release, kind detect.Kind, opts Options) error {
	switch kind {
	case detect.KindLaravel:
		return r.laravel(ctx, project, rel, opts)
	case detect.KindNode:
		return r.node(ctx, project, rel)
	case detect.KindStatic:
		return r.static(ctx, project, rel)
	case detect.KindUnknown:
		// Documented fallback, not silently correct.
		r.logger.Warn("backend kind unknown, deploying as laravel", "project", project.Name, "release", rel.Name)
		return r.laravel(ctx, project, rel, opts)
	default:
		return fmt.Errorf("%w: unsupported backend kind %q", operr.ErrValidation, kind)
	}
}

func (r *Reconciler) laravel(ctx context.Context, project domain.Project, rel domain.Release, opts Options) error {
	if err := r.runner.Run(ctx, rel.Path, nil, "composer", "install", "--no-dev", "--prefer-dist", "--optimize-autoloader", "--no-interaction"); err != nil {
		return fmt.Errorf("%w: composer install: %v", operr.ErrBuild, err)
	}
	if err := r.releases.LinkShared(rel, project, detect.KindLaravel); err != nil {
		return fmt.Errorf("%w: %v", operr.ErrBuild, err)
	}
	for _, cache := range []string{"config:cache", "route:cache", "view:cache"} {
		if err := r.runner.Run(ctx, rel.Path, nil, "php", "artisan", cache); err != nil {
			return fmt.Errorf("%w: artisan %s: %v", operr.ErrBuild, cache, err)
		}
	}
	if opts.RunMigrations {
		if err := r.runner.Run(ctx, rel.Path, nil, "php", "artisan", "migrate", "--force"); err != nil {
			return fmt.Errorf("%w: artisan migrate: %v", operr.ErrBuild, err)
		}
	} else {
		r.logger.Info("migrations skipped", "project", project.Name, "release", rel.Name)
	}

	if err := r.releases.Cutover(project.Name, rel.Path); err != nil {
		return err
	}

	// Reload, not restart: the pool keeps in-flight requests alive while
	// picking up the new code path.
	pool := fmt.Sprintf("php%s-fpm", r.phpVersion(project))
	if err := r.services.Reload(ctx, pool); err != nil {
		return fmt.Errorf("%w: reload %s: %v", operr.ErrReconcile, pool, err)
	}
	return nil
}

func (r *Reconciler) node(ctx context.Context, project domain.Project, rel domain.Release) error {
	if err := r.runner.Run(ctx, rel.Path, nil, "npm", "install", "--omit=dev", "--no-audit", "--no-fund"); err != nil {
		return fmt.Errorf("%w: npm install: %v", operr.ErrBuild, err)
	}
	if err := r.releases.LinkShared(rel, project, detect.KindNode); err != nil {
		return fmt.Errorf("%w: %v", operr.ErrBuild, err)
	}

	if err := r.releases.Cutover(project.Name, rel.Path); err != nil {
		return err
	}

	if err := r.supervisor.EnsureApp(ctx, project); err != nil {
		return fmt.Errorf("%w: %v", operr.ErrReconcile, err)
	}
	return nil
}

func (r *Reconciler) static(ctx context.Context, project domain.Project, rel domain.Release) error {
	if err := r.runner.Run(ctx, rel.Path, nil, "npm", "install", "--no-audit", "--no-fund"); err != nil {
		return fmt.Errorf("%w: npm install: %v", operr.ErrBuild, err)
	}
	if err := r.runner.Run(ctx, rel.Path, nil, "npm", "run", "build"); err != nil {
		return fmt.Errorf("%w: npm run build: %v", operr.ErrBuild, err)
	}
	if err := r.releases.LinkShared(rel, project, detect.KindStatic); err != nil {
		return fmt.Errorf("%w: %v", operr.ErrBuild, err)
	}

	target := r.releases.TargetFor(rel, detect.KindStatic)
	if target == rel.Path {
		r.logger.Warn("no build output directory found, serving release root", "project", project.Name, "release", rel.Name)
	}
	// Static bundles are served directly by nginx; no process restart.
	return r.releases.Cutover(project.Name, target)
}

func (r *Reconciler) phpVersion(project domain.Project) string {
	if project.RuntimeVersion != "" {
		return project.RuntimeVersion
	}
	return r.cfg.DefaultPHPVersion
}
