// Package deploy glues detection, release staging, reconciliation and
// pruning into the zero-downtime redeploy flow.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/hatem-elsheref/server-setup/internal/detect"
	"github.com/hatem-elsheref/server-setup/internal/domain"
	"github.com/hatem-elsheref/server-setup/internal/metrics"
	"github.com/hatem-elsheref/server-setup/internal/operr"
	"github.com/hatem-elsheref/server-setup/internal/provision"
	"github.com/hatem-elsheref/server-setup/internal/reconcile"
	"github.com/hatem-elsheref/server-setup/internal/release"
	"github.com/hatem-elsheref/server-setup/pkg/config"
)

// Request describes one deploy invocation.
type Request struct {
	Project   string
	SourceURL string
	Ref       string
	// RunMigrations carries the operator's explicit confirmation for
	// schema migrations; false skips them without error.
	RunMigrations bool
}

// Result summarizes a finished deploy.
type Result struct {
	RunID    string
	Project  string
	Release  string
	Kind     detect.Kind
	Pruned   []string
	Duration time.Duration
}

// Service runs deploys for projects on this host.
type Service struct {
	cfg        config.HostConfig
	store      *provision.Store
	releases   *release.Manager
	reconciler *reconcile.Reconciler
	recorder   *metrics.Recorder
	logger     *slog.Logger
}

// New returns a deploy service.
func New(cfg config.HostConfig, store *provision.Store, releases *release.Manager, reconciler *reconcile.Reconciler, recorder *metrics.Recorder, logger *slog.Logger) Service {
	return Service{
		cfg:        cfg,
		store:      store,
		releases:   releases,
		reconciler: reconciler,
		recorder:   recorder,
		logger:     logger,
	}
}

// Deploy stages, builds and activates a new release. A failure anywhere
// before cutover leaves the previous release serving and the failed release
// directory on disk for inspection.
func (s Service) Deploy(ctx context.Context, req Request) (Result, error) {
	started := time.Now()
	runID := uuid.NewString()
	log := s.logger.With("run_id", runID, "project", req.Project)

	project, err := s.store.Load(req.Project)
	if err != nil {
		if errors.Is(err, provision.ErrProjectNotFound) {
			return Result{}, fmt.Errorf("%w: project %s not found", operr.ErrValidation, req.Project)
		}
		return Result{}, err
	}
	if req.SourceURL != "" && req.SourceURL != project.RepoURL {
		project.RepoURL = req.SourceURL
		if err := s.store.Save(project); err != nil {
			return Result{}, err
		}
	}

	kind := detect.Detect(os.DirFS(s.releases.ProjectDir(project.Name)))
	log.Info("deploy started", "ref", req.Ref, "detected_kind", kind)

	rel, err := s.releases.Stage(ctx, project, req.SourceURL, req.Ref)
	if err != nil {
		s.record(project, kind, "", "failed", time.Since(started))
		return Result{}, err
	}
	log = log.With("release", rel.Name)

	if kind == detect.KindUnknown {
		kind = s.resolveKind(log, project, rel)
	}

	if err := s.reconciler.Apply(ctx, project, rel, kind, reconcile.Options{RunMigrations: req.RunMigrations}); err != nil {
		s.record(project, kind, rel.Name, "failed", time.Since(started))
		return Result{}, err
	}

	pruned, err := s.releases.Prune(project.Name, s.cfg.KeepReleases)
	if err != nil {
		// The new release already serves; retention trouble is not worth
		// failing the deploy over.
		log.Warn("prune failed", "error", err)
	}

	duration := time.Since(started)
	s.record(project, kind, rel.Name, "success", duration)
	log.Info("deploy finished", "kind", kind, "pruned", len(pruned), "duration", duration.String())

	return Result{
		RunID:    runID,
		Project:  project.Name,
		Release:  rel.Name,
		Kind:     kind,
		Pruned:   pruned,
		Duration: duration,
	}, nil
}

// resolveKind falls back from an undetectable project tree to the staged
// release's own signals, then to the backend declared at creation.
func (s Service) resolveKind(log *slog.Logger, project domain.Project, rel domain.Release) detect.Kind {
	if kind := detect.DetectRelease(os.DirFS(rel.Path)); kind != detect.KindUnknown {
		log.Info("kind resolved from staged release", "kind", kind)
		return kind
	}
	if declared, ok := detect.ParseKind(project.Backend); ok && declared != detect.KindUnknown {
		log.Warn("tree undetectable, using declared backend", "kind", declared)
		return declared
	}
	log.Warn("backend kind undetectable, reconciler will fall back")
	return detect.KindUnknown
}

// Rollback repoints the project at a previously staged release and restarts
// what the kind requires.
func (s Service) Rollback(ctx context.Context, projectName, releaseName string) (string, error) {
	project, err := s.store.Load(projectName)
	if err != nil {
		if errors.Is(err, provision.ErrProjectNotFound) {
			return "", fmt.Errorf("%w: project %s not found", operr.ErrValidation, projectName)
		}
		return "", err
	}

	if releaseName == "" {
		releaseName, err = s.previousRelease(project.Name)
		if err != nil {
			return "", err
		}
	}
	if err := s.releases.Rollback(project.Name, releaseName); err != nil {
		return "", err
	}
	s.logger.Info("rollback complete", "project", project.Name, "release", releaseName)
	return releaseName, nil
}

// previousRelease picks the newest release that is not currently active.
func (s Service) previousRelease(project string) (string, error) {
	current, err := s.releases.Current(project)
	if err != nil && !errors.Is(err, release.ErrNoCurrent) {
		return "", err
	}
	all, err := s.releases.List(project)
	if err != nil {
		return "", err
	}
	for _, rel := range all {
		if rel.Name != current {
			return rel.Name, nil
		}
	}
	return "", fmt.Errorf("%w: no previous release to roll back to", operr.ErrValidation)
}

func (s Service) record(project domain.Project, kind detect.Kind, releaseName, outcome string, duration time.Duration) {
	s.recorder.RecordDeploy(project.Name, string(kind), releaseName, outcome, duration)
}
