// Package provision implements the project creation flow: identifier
// allocation, OS identity, database, shared state, and the reverse-proxy
// route. It also owns the later config augmentations (SSL, basic auth).
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/hatem-elsheref/server-setup/internal/certs"
	"github.com/hatem-elsheref/server-setup/internal/database"
	"github.com/hatem-elsheref/server-setup/internal/detect"
	"github.com/hatem-elsheref/server-setup/internal/domain"
	"github.com/hatem-elsheref/server-setup/internal/ledger"
	"github.com/hatem-elsheref/server-setup/internal/operr"
	"github.com/hatem-elsheref/server-setup/internal/reconcile"
	"github.com/hatem-elsheref/server-setup/internal/release"
	"github.com/hatem-elsheref/server-setup/internal/template"
	"github.com/hatem-elsheref/server-setup/pkg/config"
	"github.com/hatem-elsheref/server-setup/pkg/crypto"
)

var (
	namePattern   = regexp.MustCompile(`^[a-z][a-z0-9-]{1,30}$`)
	domainPattern = regexp.MustCompile(`^([a-z0-9]([a-z0-9-]*[a-z0-9])?\.)+[a-z]{2,}$`)
)

// CreateInput holds the attributes collected for a new project.
type CreateInput struct {
	Name           string
	Domain         string
	Backend        string
	Database       string
	RuntimeVersion string
	RepoURL        string
}

// Service orchestrates provisioning for one host.
type Service struct {
	cfg      config.HostConfig
	ledger   *ledger.Ledger
	store    *Store
	users    SystemUsers
	dbs      map[domain.DatabaseKind]database.Admin
	services reconcile.ServiceManager
	issuer   certs.Issuer
	owner    release.Ownership
	logger   *slog.Logger
}

// NewService returns a provisioning service. dbs maps each database kind to
// its engine admin; kinds without an entry cannot be provisioned on this
// host. issuer may be nil when no ACME client is configured.
func NewService(cfg config.HostConfig, ledg *ledger.Ledger, store *Store, users SystemUsers, dbs map[domain.DatabaseKind]database.Admin, services reconcile.ServiceManager, issuer certs.Issuer, owner release.Ownership, logger *slog.Logger) Service {
	if owner == nil {
		owner = release.ChownOwnership{}
	}
	return Service{
		cfg:      cfg,
		ledger:   ledg,
		store:    store,
		users:    users,
		dbs:      dbs,
		services: services,
		issuer:   issuer,
		owner:    owner,
		logger:   logger,
	}
}

// Store exposes the metadata store for commands that only need lookups.
func (s Service) Store() *Store { return s.store }

func (s Service) projectDir(name string) string {
	return filepath.Join(s.cfg.ProjectsRoot, name)
}

// Create provisions a project end to end. Validation failures abort before
// any mutation; identifier allocation is idempotent, so an interrupted run
// can be retried with the same input.
func (s Service) Create(ctx context.Context, input CreateInput) (*domain.Project, error) {
	name := strings.ToLower(strings.TrimSpace(input.Name))
	if !namePattern.MatchString(name) {
		return nil, fmt.Errorf("%w: project name %q must be lowercase alphanumeric", operr.ErrValidation, input.Name)
	}
	domainName := strings.ToLower(strings.TrimSpace(input.Domain))
	if !domainPattern.MatchString(domainName) {
		return nil, fmt.Errorf("%w: invalid domain %q", operr.ErrValidation, input.Domain)
	}
	kind, ok := detect.ParseKind(input.Backend)
	if !ok || kind == detect.KindUnknown {
		return nil, fmt.Errorf("%w: backend must be one of laravel, node, static", operr.ErrValidation)
	}
	dbKind := domain.DatabaseKind(strings.ToLower(strings.TrimSpace(input.Database)))
	switch dbKind {
	case "", domain.DatabaseNone:
		dbKind = domain.DatabaseNone
	case domain.DatabasePostgres, domain.DatabaseMySQL:
	default:
		return nil, fmt.Errorf("%w: database must be one of postgres, mysql, none", operr.ErrValidation)
	}
	if s.store.Exists(name) {
		return nil, fmt.Errorf("%w: project %s already exists", operr.ErrValidation, name)
	}

	uid, err := s.ledger.Allocate(name, ledger.CategoryOSUser, s.cfg.UIDFloor)
	if err != nil {
		return nil, err
	}
	if _, _, err := s.ledger.LookupIdentity(name); errors.Is(err, ledger.ErrNotFound) {
		if err := s.ledger.RecordIdentity(name, name, uid); err != nil {
			return nil, fmt.Errorf("%w: %v", operr.ErrAllocation, err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("%w: %v", operr.ErrAllocation, err)
	}

	project := domain.Project{
		Name:           name,
		Domain:         domainName,
		Backend:        string(kind),
		Database:       dbKind,
		RuntimeVersion: strings.TrimSpace(input.RuntimeVersion),
		RepoURL:        strings.TrimSpace(input.RepoURL),
		UID:            uid,
		CreatedAt:      time.Now().UTC(),
	}
	if kind == detect.KindNode {
		port, err := s.ledger.Allocate(name, ledger.CategoryPort, s.cfg.PortFloor)
		if err != nil {
			return nil, err
		}
		project.Port = port
	}

	dir := s.projectDir(name)
	gid, err := s.users.Ensure(ctx, name, uid, dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", operr.ErrExternalTool, err)
	}
	project.GID = gid
	for _, sub := range []string{"releases", "shared/nginx"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create project layout: %w", err)
		}
	}
	if err := s.owner.ChownTree(filepath.Join(dir, "shared"), uid, gid); err != nil {
		s.logger.Warn("chown shared failed", "project", name, "error", err)
	}

	dbPassword := ""
	if dbKind != domain.DatabaseNone {
		admin := s.dbs[dbKind]
		if admin == nil {
			return nil, fmt.Errorf("%w: no %s engine configured on this host", operr.ErrExternalTool, dbKind)
		}
		dbPassword, err = crypto.GeneratePassword(24)
		if err != nil {
			return nil, err
		}
		dbName := strings.ReplaceAll(name, "-", "_")
		if err := admin.Provision(ctx, dbName, dbName, dbPassword); err != nil {
			return nil, err
		}
	}

	if err := s.writeEnvFile(project, kind, dbPassword); err != nil {
		return nil, err
	}
	if kind == detect.KindLaravel {
		// The vhost hands PHP traffic to a per-project pool socket, so
		// the pool has to exist before nginx starts routing to it.
		if err := s.installFPMPool(ctx, project); err != nil {
			return nil, err
		}
	}
	if err := s.installVhost(ctx, project, false); err != nil {
		return nil, err
	}
	if err := s.store.Save(project); err != nil {
		return nil, err
	}

	s.logger.Info("project created", "project", name, "domain", domainName, "backend", kind, "uid", uid, "port", project.Port)
	return &project, nil
}

// writeEnvFile renders the shared secrets file unless one already exists; a
// re-run must not clobber credentials a running release links to.
func (s Service) writeEnvFile(project domain.Project, kind detect.Kind, dbPassword string) error {
	path := filepath.Join(s.projectDir(project.Name), "shared", ".env")
	if _, err := os.Stat(path); err == nil {
		s.logger.Info("shared env exists, leaving in place", "project", project.Name)
		return nil
	}

	ctx := map[string]string{
		"APP_NAME":  project.Name,
		"APP_URL":   "https://" + project.Domain,
		"NODE_PORT": fmt.Sprintf("%d", project.Port),
	}
	switch project.Database {
	case domain.DatabasePostgres:
		ctx["DB_CONNECTION"] = "pgsql"
		ctx["DB_HOST"] = "127.0.0.1"
		ctx["DB_PORT"] = "5432"
	case domain.DatabaseMySQL:
		ctx["DB_CONNECTION"] = "mysql"
		ctx["DB_HOST"] = "127.0.0.1"
		ctx["DB_PORT"] = "3306"
	default:
		ctx["DB_CONNECTION"] = "sqlite"
		ctx["DB_HOST"] = ""
		ctx["DB_PORT"] = ""
	}
	if project.Database != domain.DatabaseNone {
		dbName := strings.ReplaceAll(project.Name, "-", "_")
		ctx["DB_DATABASE"] = dbName
		ctx["DB_USERNAME"] = dbName
		ctx["DB_PASSWORD"] = dbPassword
	} else {
		ctx["DB_DATABASE"] = ""
		ctx["DB_USERNAME"] = ""
		ctx["DB_PASSWORD"] = ""
	}

	var rendered string
	switch kind {
	case detect.KindNode:
		text, err := template.Load("env-node.tmpl")
		if err != nil {
			return err
		}
		rendered = template.Render(text, ctx)
	case detect.KindStatic:
		rendered = fmt.Sprintf("APP_NAME=%s\nAPP_URL=%s\n", project.Name, ctx["APP_URL"])
	default:
		key, err := crypto.GenerateAppKey()
		if err != nil {
			return err
		}
		ctx["APP_KEY"] = key
		text, err := template.Load("env-laravel.tmpl")
		if err != nil {
			return err
		}
		rendered = template.Render(text, ctx)
	}

	if missing := template.MissingKeys(rendered, nil); len(missing) > 0 {
		s.logger.Warn("env file has unresolved placeholders", "project", project.Name, "placeholders", missing)
	}
	if err := template.WriteFile(path, rendered, 0o640); err != nil {
		return err
	}
	return s.owner.ChownTree(path, project.UID, project.GroupID())
}

// installFPMPool declares the project's php-fpm pool, whose socket the vhost
// routes PHP requests to, and reloads the fpm service to pick it up.
func (s Service) installFPMPool(ctx context.Context, project domain.Project) error {
	text, err := template.Load("fpm-pool.conf.tmpl")
	if err != nil {
		return err
	}
	phpVersion := project.RuntimeVersion
	if phpVersion == "" {
		phpVersion = s.cfg.DefaultPHPVersion
	}
	rendered := template.Render(text, map[string]string{
		"PROJECT_NAME": project.Name,
		"PROJECT_ROOT": s.projectDir(project.Name),
		"PHP_VERSION":  phpVersion,
		"WEB_GROUP":    s.cfg.WebGroup,
	})
	path := filepath.Join(s.cfg.PHPPoolRoot, phpVersion, "fpm", "pool.d", project.Name+".conf")
	if err := template.WriteFile(path, rendered, 0o644); err != nil {
		return fmt.Errorf("%w: install fpm pool: %v", operr.ErrExternalTool, err)
	}
	if err := s.services.Reload(ctx, "php"+phpVersion+"-fpm"); err != nil {
		return fmt.Errorf("%w: reload php-fpm: %v", operr.ErrReconcile, err)
	}
	return nil
}

func vhostTemplate(kind detect.Kind, ssl bool) string {
	base := "nginx-laravel"
	switch kind {
	case detect.KindNode:
		base = "nginx-node"
	case detect.KindStatic:
		base = "nginx-static"
	}
	if ssl {
		return base + "-ssl.conf.tmpl"
	}
	return base + ".conf.tmpl"
}

// installVhost renders and installs the project's route. The previous config
// is backed up first and restored if the proxy rejects the new one, so a
// failed install never leaves broken routing behind.
func (s Service) installVhost(ctx context.Context, project domain.Project, ssl bool) error {
	kind, _ := detect.ParseKind(project.Backend)
	text, err := template.Load(vhostTemplate(kind, ssl))
	if err != nil {
		return err
	}
	phpVersion := project.RuntimeVersion
	if phpVersion == "" {
		phpVersion = s.cfg.DefaultPHPVersion
	}
	tplCtx := map[string]string{
		"DOMAIN":       project.Domain,
		"PROJECT_ROOT": s.projectDir(project.Name),
		"PROJECT_NAME": project.Name,
		"PHP_VERSION":  phpVersion,
		"NODE_PORT":    fmt.Sprintf("%d", project.Port),
	}
	rendered := template.Render(text, tplCtx)
	if missing := template.MissingKeys(text, tplCtx); len(missing) > 0 {
		s.logger.Warn("vhost has unresolved placeholders", "project", project.Name, "placeholders", missing)
	}

	path := filepath.Join(s.cfg.NginxAvailableDir, project.Name+".conf")
	previous, readErr := os.ReadFile(path)
	hadPrevious := readErr == nil

	if err := template.WriteFile(path, rendered, 0o644); err != nil {
		return fmt.Errorf("%w: install vhost: %v", operr.ErrExternalTool, err)
	}
	enabled := filepath.Join(s.cfg.NginxEnabledDir, project.Name+".conf")
	if _, err := os.Lstat(enabled); os.IsNotExist(err) {
		if err := os.MkdirAll(s.cfg.NginxEnabledDir, 0o755); err != nil {
			return fmt.Errorf("%w: enable vhost: %v", operr.ErrExternalTool, err)
		}
		if err := os.Symlink(path, enabled); err != nil {
			return fmt.Errorf("%w: enable vhost: %v", operr.ErrExternalTool, err)
		}
	}

	if err := s.services.ValidateConfig(ctx, path); err != nil {
		if hadPrevious {
			if restoreErr := os.WriteFile(path, previous, 0o644); restoreErr != nil {
				s.logger.Error("vhost restore failed", "project", project.Name, "error", restoreErr)
			}
		} else {
			os.Remove(enabled)
			os.Remove(path)
		}
		return fmt.Errorf("%w: proxy rejected config: %v", operr.ErrExternalTool, err)
	}

	if err := s.services.Reload(ctx, "nginx"); err != nil {
		return fmt.Errorf("%w: reload nginx: %v", operr.ErrReconcile, err)
	}
	return nil
}

// EnableSSL obtains a certificate for the project's domain and switches its
// route to the TLS variant. Issuance failures abort before any proxy state
// changes.
func (s Service) EnableSSL(ctx context.Context, name, email string) error {
	project, err := s.store.Load(name)
	if err != nil {
		if errors.Is(err, ErrProjectNotFound) {
			return fmt.Errorf("%w: project %s not found", operr.ErrValidation, name)
		}
		return err
	}
	if s.issuer == nil {
		return fmt.Errorf("%w: no ACME client configured", operr.ErrExternalTool)
	}
	if err := s.issuer.Obtain(ctx, project.Domain, email); err != nil {
		return err
	}
	return s.installVhost(ctx, project, true)
}

// Protect puts the project's route behind HTTP basic auth.
func (s Service) Protect(ctx context.Context, name, user, password string) error {
	project, err := s.store.Load(name)
	if err != nil {
		if errors.Is(err, ErrProjectNotFound) {
			return fmt.Errorf("%w: project %s not found", operr.ErrValidation, name)
		}
		return err
	}
	entry, err := crypto.HtpasswdEntry(user, password)
	if err != nil {
		return fmt.Errorf("%w: %v", operr.ErrValidation, err)
	}

	htpasswd := filepath.Join(s.projectDir(name), "shared", ".htpasswd")
	existing, _ := os.ReadFile(htpasswd)
	var lines []string
	for _, line := range strings.Split(string(existing), "\n") {
		if line == "" || strings.HasPrefix(line, user+":") {
			continue
		}
		lines = append(lines, line)
	}
	lines = append(lines, entry)
	if err := template.WriteFile(htpasswd, strings.Join(lines, "\n")+"\n", 0o640); err != nil {
		return err
	}

	text, err := template.Load("nginx-auth.conf.tmpl")
	if err != nil {
		return err
	}
	rendered := template.Render(text, map[string]string{
		"PROJECT_NAME": project.Name,
		"PROJECT_ROOT": s.projectDir(name),
	})
	authConf := filepath.Join(s.projectDir(name), "shared", "nginx", "auth.conf")
	if err := template.WriteFile(authConf, rendered, 0o644); err != nil {
		return err
	}

	if err := s.services.ValidateConfig(ctx, authConf); err != nil {
		os.Remove(authConf)
		return fmt.Errorf("%w: proxy rejected auth config: %v", operr.ErrExternalTool, err)
	}
	if err := s.services.Reload(ctx, "nginx"); err != nil {
		return fmt.Errorf("%w: reload nginx: %v", operr.ErrReconcile, err)
	}
	s.logger.Info("basic auth enabled", "project", name, "user", user)
	return nil
}
