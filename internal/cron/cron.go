// Package cron installs per-project scheduler entries under /etc/cron.d.
package cron

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/hatem-elsheref/server-setup/internal/domain"
	"github.com/hatem-elsheref/server-setup/internal/template"
	"github.com/hatem-elsheref/server-setup/pkg/config"
)

// Installer writes scheduler entries for projects.
type Installer struct {
	cfg    config.HostConfig
	logger *slog.Logger
}

// NewInstaller returns an Installer.
func NewInstaller(cfg config.HostConfig, logger *slog.Logger) *Installer {
	return &Installer{cfg: cfg, logger: logger}
}

// InstallScheduler writes the framework scheduler entry for the project.
// Rewriting an existing entry is harmless; the content is deterministic.
func (i *Installer) InstallScheduler(project domain.Project) error {
	text, err := template.Load("cron-laravel.tmpl")
	if err != nil {
		return err
	}
	rendered := template.Render(text, map[string]string{
		"PROJECT_NAME": project.Name,
		"PROJECT_ROOT": filepath.Join(i.cfg.ProjectsRoot, project.Name),
	})
	path := filepath.Join(i.cfg.CronDir, "server-setup-"+project.Name)
	if err := template.WriteFile(path, rendered, 0o644); err != nil {
		return fmt.Errorf("install cron entry: %w", err)
	}
	if i.logger != nil {
		i.logger.Info("scheduler installed", "project", project.Name, "path", path)
	}
	return nil
}
