package reconcile

import (
	"context"
	"fmt"

	"github.com/hatem-elsheref/server-setup/internal/run"
)

// ServiceManager is the narrow surface the core uses to control host
// services. The exec implementation wraps systemctl and nginx; tests use a
// fake that records calls.
type ServiceManager interface {
	// Reload asks a service to re-read configuration without dropping
	// in-flight connections.
	Reload(ctx context.Context, service string) error
	// Restart restarts a service by name.
	Restart(ctx context.Context, service string) error
	// ValidateConfig checks the reverse proxy configuration and returns
	// diagnostics on failure.
	ValidateConfig(ctx context.Context, path string) error
}

// ExecServiceManager drives systemctl and nginx binaries.
type ExecServiceManager struct {
	Runner run.Runner
}

// Reload runs systemctl reload.
func (m ExecServiceManager) Reload(ctx context.Context, service string) error {
	return m.Runner.Run(ctx, "", nil, "systemctl", "reload", service)
}

// Restart runs systemctl restart.
func (m ExecServiceManager) Restart(ctx context.Context, service string) error {
	return m.Runner.Run(ctx, "", nil, "systemctl", "restart", service)
}

// ValidateConfig runs nginx -t. The daemon validates its full configuration
// tree, which includes path once it is installed.
func (m ExecServiceManager) ValidateConfig(ctx context.Context, path string) error {
	if err := m.Runner.Run(ctx, "", nil, "nginx", "-t"); err != nil {
		return fmt.Errorf("validate %s: %w", path, err)
	}
	return nil
}
