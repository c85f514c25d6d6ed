package database

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hatem-elsheref/server-setup/internal/operr"
	"github.com/hatem-elsheref/server-setup/internal/run"
)

// MySQLAdmin provisions databases through the mysql client binary using the
// root socket account, matching how the rest of the host tooling manages the
// engine.
type MySQLAdmin struct {
	runner run.Runner
	logger *slog.Logger
}

// NewMySQLAdmin returns an Admin shelling out to the mysql client.
func NewMySQLAdmin(runner run.Runner, logger *slog.Logger) *MySQLAdmin {
	return &MySQLAdmin{runner: runner, logger: logger}
}

// Provision creates the database and a localhost-scoped user with privileges
// on that database only.
func (a *MySQLAdmin) Provision(ctx context.Context, name, user, password string) error {
	if !identifierPattern.MatchString(name) || !identifierPattern.MatchString(user) {
		return fmt.Errorf("%w: invalid database identifier %q/%q", operr.ErrValidation, name, user)
	}
	statements := fmt.Sprintf(
		"CREATE DATABASE IF NOT EXISTS `%s` CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci;"+
			" CREATE USER IF NOT EXISTS '%s'@'localhost' IDENTIFIED BY '%s';"+
			" ALTER USER '%s'@'localhost' IDENTIFIED BY '%s';"+
			" GRANT ALL PRIVILEGES ON `%s`.* TO '%s'@'localhost';"+
			" FLUSH PRIVILEGES;",
		name, user, escapeLiteral(password), user, escapeLiteral(password), name, user,
	)
	if err := a.runner.Run(ctx, "", nil, "mysql", "-e", statements); err != nil {
		return fmt.Errorf("%w: mysql provisioning: %v", operr.ErrExternalTool, err)
	}
	if a.logger != nil {
		a.logger.Info("database provisioned", "database", name, "user", user)
	}
	return nil
}
