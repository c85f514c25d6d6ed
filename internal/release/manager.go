// Package release manages the immutable release directories of a project and
// the atomic current pointer selecting the active one.
package release

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/hatem-elsheref/server-setup/internal/detect"
	"github.com/hatem-elsheref/server-setup/internal/domain"
	"github.com/hatem-elsheref/server-setup/internal/operr"
)

// Ownership assigns file ownership for a project's tree. The real
// implementation chowns recursively; tests use a no-op fake since they do
// not run as root.
type Ownership interface {
	ChownTree(path string, uid, gid int) error
}

// ChownOwnership applies ownership with os.Chown over the whole tree.
type ChownOwnership struct{}

// ChownTree chowns path and everything below it.
func (ChownOwnership) ChownTree(path string, uid, gid int) error {
	return filepath.Walk(path, func(p string, _ os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		// Lchown so symlinks into shared state are not followed.
		return os.Lchown(p, uid, gid)
	})
}

// NopOwnership leaves ownership untouched.
type NopOwnership struct{}

// ChownTree is a no-op.
func (NopOwnership) ChownTree(string, int, int) error { return nil }

// ErrNoCurrent indicates the project has no active release yet.
var ErrNoCurrent = errors.New("release: no current release")

var versionRefPattern = regexp.MustCompile(`^v?\d+(\.\d+){0,3}([-.][0-9A-Za-z]+)*$`)

const releaseNameFormat = "20060102150405"

// Manager owns the releases/, current and shared/ layout under a projects
// root.
type Manager struct {
	root   string
	cloner Cloner
	owner  Ownership
	logger *slog.Logger
}

// NewManager returns a Manager rooted at the projects directory.
func NewManager(root string, cloner Cloner, owner Ownership, logger *slog.Logger) (*Manager, error) {
	if root == "" {
		return nil, errors.New("projects root cannot be empty")
	}
	if cloner == nil {
		cloner = GitCloner{}
	}
	if owner == nil {
		owner = ChownOwnership{}
	}
	return &Manager{root: root, cloner: cloner, owner: owner, logger: logger}, nil
}

// ProjectDir returns the project's directory under the root.
func (m *Manager) ProjectDir(project string) string {
	return filepath.Join(m.root, project)
}

// ReleasesDir returns the directory holding a project's releases.
func (m *Manager) ReleasesDir(project string) string {
	return filepath.Join(m.root, project, "releases")
}

// SharedDir returns the directory holding a project's persistent state.
func (m *Manager) SharedDir(project string) string {
	return filepath.Join(m.root, project, "shared")
}

// CurrentPath returns the path of the project's current pointer.
func (m *Manager) CurrentPath(project string) string {
	return filepath.Join(m.root, project, "current")
}

// Stage exports sourceRef into a new uniquely named release directory and
// assigns it to the project's OS identity. The release name derives from the
// ref when it looks like a version tag, otherwise from a sortable timestamp.
func (m *Manager) Stage(ctx context.Context, project domain.Project, sourceURL, ref string) (domain.Release, error) {
	if sourceURL == "" {
		sourceURL = project.RepoURL
	}
	if sourceURL == "" {
		return domain.Release{}, fmt.Errorf("%w: project %s has no source URL", operr.ErrValidation, project.Name)
	}

	name, err := m.nextReleaseName(project.Name, ref)
	if err != nil {
		return domain.Release{}, err
	}
	dir := filepath.Join(m.ReleasesDir(project.Name), name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return domain.Release{}, fmt.Errorf("create release directory: %w", err)
	}

	if err := m.cloner.Clone(ctx, sourceURL, ref, dir); err != nil {
		// The directory stays behind for inspection, same as any later
		// build failure.
		return domain.Release{}, fmt.Errorf("%w: %v", operr.ErrBuild, err)
	}
	if err := m.owner.ChownTree(dir, project.UID, project.GroupID()); err != nil {
		return domain.Release{}, fmt.Errorf("%w: chown release: %v", operr.ErrBuild, err)
	}

	rel := domain.Release{
		Name:      name,
		Path:      dir,
		CreatedAt: time.Now().UTC(),
		SourceRef: ref,
	}
	if m.logger != nil {
		m.logger.Info("release staged", "project", project.Name, "release", name, "source", sourceURL, "ref", ref)
	}
	return rel, nil
}

func (m *Manager) nextReleaseName(project, ref string) (string, error) {
	base := time.Now().UTC().Format(releaseNameFormat)
	if ref != "" && versionRefPattern.MatchString(ref) {
		base = strings.ReplaceAll(ref, "/", "-")
	}
	name := base
	for i := 2; i <= 100; i++ {
		if _, err := os.Stat(filepath.Join(m.ReleasesDir(project), name)); os.IsNotExist(err) {
			return name, nil
		}
		name = fmt.Sprintf("%s-%d", base, i)
	}
	return "", fmt.Errorf("cannot find a free release name for %s", base)
}

// sharedLink declares one symlink from a release into shared state.
type sharedLink struct {
	sharedRel  string // path under shared/, created on first use when dir
	releaseRel string // link location under the release
	dir        bool
}

// LinkShared replaces well-known paths inside the release with symlinks into
// the project's shared state, creating the shared paths with project
// ownership on first use. The secrets file is linked for every kind;
// framework storage directories only for Laravel-like projects.
func (m *Manager) LinkShared(release domain.Release, project domain.Project, kind detect.Kind) error {
	links := []sharedLink{
		{sharedRel: ".env", releaseRel: ".env", dir: false},
	}
	if kind == detect.KindLaravel {
		links = append(links,
			sharedLink{sharedRel: "storage", releaseRel: "storage", dir: true},
			sharedLink{sharedRel: "bootstrap-cache", releaseRel: "bootstrap/cache", dir: true},
		)
	}

	shared := m.SharedDir(project.Name)
	if err := os.MkdirAll(filepath.Join(shared, "nginx"), 0o755); err != nil {
		return fmt.Errorf("create shared directory: %w", err)
	}

	for _, link := range links {
		source := filepath.Join(shared, link.sharedRel)
		if link.dir {
			if _, err := os.Stat(source); os.IsNotExist(err) {
				if err := os.MkdirAll(source, 0o775); err != nil {
					return fmt.Errorf("create shared %s: %w", link.sharedRel, err)
				}
				if err := m.owner.ChownTree(source, project.UID, project.GroupID()); err != nil {
					return fmt.Errorf("chown shared %s: %w", link.sharedRel, err)
				}
			}
		}

		target := filepath.Join(release.Path, link.releaseRel)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("create link parent for %s: %w", link.releaseRel, err)
		}
		// The repository may ship its own copy of the path; the shared
		// one wins.
		if err := os.RemoveAll(target); err != nil {
			return fmt.Errorf("clear %s: %w", link.releaseRel, err)
		}
		if err := os.Symlink(source, target); err != nil {
			return fmt.Errorf("link %s: %w", link.releaseRel, err)
		}
	}
	return nil
}

// Cutover atomically repoints the current pointer at target, which is either
// a release directory or a build-output subdirectory inside one. The switch
// is a symlink created aside and renamed over the pointer, so no observer
// ever sees a missing or half-written pointer.
func (m *Manager) Cutover(project string, target string) error {
	if _, err := os.Stat(target); err != nil {
		return fmt.Errorf("%w: target %s: %v", operr.ErrCutover, target, err)
	}
	current := m.CurrentPath(project)
	tmp := current + ".next"
	if err := os.Remove(tmp); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: clear staging pointer: %v", operr.ErrCutover, err)
	}
	if err := os.Symlink(target, tmp); err != nil {
		return fmt.Errorf("%w: stage pointer: %v", operr.ErrCutover, err)
	}
	if err := os.Rename(tmp, current); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: replace pointer: %v", operr.ErrCutover, err)
	}
	if m.logger != nil {
		m.logger.Info("cutover complete", "project", project, "target", target)
	}
	return nil
}

// Rollback repoints the current pointer at a previously staged release. It
// deliberately runs no build or health check: restoring service past a
// broken release must not depend on that release's state.
func (m *Manager) Rollback(project, releaseName string) error {
	dir := filepath.Join(m.ReleasesDir(project), releaseName)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: release %s not found", operr.ErrValidation, releaseName)
	}
	return m.Cutover(project, m.TargetFor(domain.Release{Name: releaseName, Path: dir}, detect.DetectRelease(os.DirFS(dir))))
}

// TargetFor resolves the pointer target for a release: the build output
// subdirectory for static bundles, the release root otherwise.
func (m *Manager) TargetFor(release domain.Release, kind detect.Kind) string {
	if kind == detect.KindStatic {
		for _, sub := range []string{"dist", "build"} {
			candidate := filepath.Join(release.Path, sub)
			if info, err := os.Stat(candidate); err == nil && info.IsDir() {
				return candidate
			}
		}
	}
	return release.Path
}

// Current returns the name of the release the current pointer resolves to.
func (m *Manager) Current(project string) (string, error) {
	target, err := os.Readlink(m.CurrentPath(project))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNoCurrent
		}
		return "", fmt.Errorf("read current pointer: %w", err)
	}
	return m.releaseNameFromTarget(project, target), nil
}

// releaseNameFromTarget extracts the release directory name from a pointer
// target, which may reference a build subdirectory inside the release.
func (m *Manager) releaseNameFromTarget(project, target string) string {
	rel, err := filepath.Rel(m.ReleasesDir(project), target)
	if err != nil || strings.HasPrefix(rel, "..") {
		return ""
	}
	parts := strings.Split(rel, string(filepath.Separator))
	return parts[0]
}

// List returns a project's releases sorted newest first. Names sort
// lexically for timestamps; version-tagged names fall back to directory
// modification time.
func (m *Manager) List(project string) ([]domain.Release, error) {
	dir := m.ReleasesDir(project)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read releases: %w", err)
	}
	var releases []domain.Release
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		releases = append(releases, domain.Release{
			Name:      entry.Name(),
			Path:      filepath.Join(dir, entry.Name()),
			CreatedAt: info.ModTime().UTC(),
		})
	}
	sort.Slice(releases, func(i, j int) bool {
		if !releases[i].CreatedAt.Equal(releases[j].CreatedAt) {
			return releases[i].CreatedAt.After(releases[j].CreatedAt)
		}
		return releases[i].Name > releases[j].Name
	})
	return releases, nil
}

// Prune deletes releases beyond the keep most recent ones. The active
// release is resolved again immediately before deleting so a cutover racing
// this call cannot lose the release it just activated.
func (m *Manager) Prune(project string, keep int) ([]string, error) {
	if keep < 1 {
		keep = 1
	}
	releases, err := m.List(project)
	if err != nil {
		return nil, err
	}
	if len(releases) <= keep {
		return nil, nil
	}

	var removed []string
	for _, candidate := range releases[keep:] {
		active, err := m.Current(project)
		if err != nil && !errors.Is(err, ErrNoCurrent) {
			return removed, err
		}
		if candidate.Name == active {
			continue
		}
		if err := os.RemoveAll(candidate.Path); err != nil {
			return removed, fmt.Errorf("remove release %s: %w", candidate.Name, err)
		}
		removed = append(removed, candidate.Name)
		if m.logger != nil {
			m.logger.Info("release pruned", "project", project, "release", candidate.Name)
		}
	}
	return removed, nil
}
