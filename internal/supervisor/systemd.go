// Package supervisor declares and controls managed long-running processes.
// The systemd implementation renders unit files from embedded templates and
// drives systemctl; everything is addressed by project name.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/hatem-elsheref/server-setup/internal/domain"
	"github.com/hatem-elsheref/server-setup/internal/run"
	"github.com/hatem-elsheref/server-setup/internal/template"
	"github.com/hatem-elsheref/server-setup/pkg/config"
)

// Manager declares and restarts managed processes by project name.
type Manager interface {
	// EnsureApp makes sure the project's long-running application process
	// is declared and running, restarting it when it already is.
	EnsureApp(ctx context.Context, project domain.Project) error
	// EnsureWorker declares a worker unit running command with the given
	// instance count and starts every instance.
	EnsureWorker(ctx context.Context, project domain.Project, command string, processes int) error
	// Status reports whether the named unit is active.
	Status(ctx context.Context, name string) error
}

// Systemd implements Manager over systemctl and unit files.
type Systemd struct {
	cfg    config.HostConfig
	runner run.Runner
	logger *slog.Logger
}

// NewSystemd returns a systemd-backed supervisor.
func NewSystemd(cfg config.HostConfig, runner run.Runner, logger *slog.Logger) *Systemd {
	return &Systemd{cfg: cfg, runner: runner, logger: logger}
}

func (s *Systemd) projectRoot(project string) string {
	return filepath.Join(s.cfg.ProjectsRoot, project)
}

// EnsureApp declares the application unit on first use and restarts it
// otherwise.
func (s *Systemd) EnsureApp(ctx context.Context, project domain.Project) error {
	unit := project.Name + ".service"
	path := filepath.Join(s.cfg.SystemdUnitDir, unit)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := s.writeUnit(path, "systemd-app.service.tmpl", project, "/usr/bin/npm start"); err != nil {
			return err
		}
		if err := s.runner.Run(ctx, "", nil, "systemctl", "daemon-reload"); err != nil {
			return fmt.Errorf("daemon-reload: %w", err)
		}
		if s.logger != nil {
			s.logger.Info("app unit declared", "project", project.Name, "unit", unit)
		}
		return s.runner.Run(ctx, "", nil, "systemctl", "enable", "--now", unit)
	} else if err != nil {
		return fmt.Errorf("stat unit %s: %w", path, err)
	}
	return s.runner.Run(ctx, "", nil, "systemctl", "restart", unit)
}

// EnsureWorker declares a template unit for the project's workers and starts
// the requested number of instances.
func (s *Systemd) EnsureWorker(ctx context.Context, project domain.Project, command string, processes int) error {
	if command == "" {
		command = "/usr/bin/php artisan queue:work --sleep=3 --tries=3"
	}
	if processes < 1 {
		processes = 1
	}
	unit := project.Name + "-worker@.service"
	path := filepath.Join(s.cfg.SystemdUnitDir, unit)
	if err := s.writeUnit(path, "systemd-worker.service.tmpl", project, command); err != nil {
		return err
	}
	if err := s.runner.Run(ctx, "", nil, "systemctl", "daemon-reload"); err != nil {
		return fmt.Errorf("daemon-reload: %w", err)
	}
	for i := 1; i <= processes; i++ {
		instance := fmt.Sprintf("%s-worker@%d.service", project.Name, i)
		if err := s.runner.Run(ctx, "", nil, "systemctl", "enable", "--now", instance); err != nil {
			return fmt.Errorf("start worker %s: %w", instance, err)
		}
	}
	if s.logger != nil {
		s.logger.Info("worker units declared", "project", project.Name, "processes", processes)
	}
	return nil
}

// Status reports whether the named unit is active.
func (s *Systemd) Status(ctx context.Context, name string) error {
	return s.runner.Run(ctx, "", nil, "systemctl", "is-active", "--quiet", name+".service")
}

func (s *Systemd) writeUnit(path, templateName string, project domain.Project, execStart string) error {
	text, err := template.Load(templateName)
	if err != nil {
		return err
	}
	rendered := template.Render(text, map[string]string{
		"PROJECT_NAME": project.Name,
		"PROJECT_ROOT": s.projectRoot(project.Name),
		"EXEC_START":   execStart,
	})
	if err := template.WriteFile(path, rendered, 0o644); err != nil {
		return fmt.Errorf("write unit %s: %w", path, err)
	}
	return nil
}
