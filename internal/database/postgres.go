package database

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/hatem-elsheref/server-setup/internal/operr"
)

var identifierPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// PostgresAdmin provisions databases over a superuser connection.
type PostgresAdmin struct {
	adminURL string
	logger   *slog.Logger
}

// NewPostgresAdmin returns an Admin connecting with the given DSN.
func NewPostgresAdmin(adminURL string, logger *slog.Logger) *PostgresAdmin {
	return &PostgresAdmin{adminURL: adminURL, logger: logger}
}

// Provision creates the role and database when missing and grants the role
// access to exactly its own database.
func (a *PostgresAdmin) Provision(ctx context.Context, name, user, password string) error {
	if !identifierPattern.MatchString(name) || !identifierPattern.MatchString(user) {
		return fmt.Errorf("%w: invalid database identifier %q/%q", operr.ErrValidation, name, user)
	}

	conn, err := pgx.Connect(ctx, a.adminURL)
	if err != nil {
		return fmt.Errorf("%w: connect database engine: %v", operr.ErrExternalTool, err)
	}
	defer conn.Close(ctx)

	var exists bool
	if err := conn.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pg_roles WHERE rolname = $1)`, user).Scan(&exists); err != nil {
		return fmt.Errorf("%w: check role: %v", operr.ErrExternalTool, err)
	}
	roleIdent := pgx.Identifier{user}.Sanitize()
	if exists {
		// Known project re-run: refresh the credential so a regenerated
		// env file and the engine stay in sync.
		stmt := fmt.Sprintf(`ALTER ROLE %s WITH LOGIN PASSWORD '%s'`, roleIdent, escapeLiteral(password))
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("%w: alter role: %v", operr.ErrExternalTool, err)
		}
	} else {
		stmt := fmt.Sprintf(`CREATE ROLE %s WITH LOGIN PASSWORD '%s'`, roleIdent, escapeLiteral(password))
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("%w: create role: %v", operr.ErrExternalTool, err)
		}
	}

	if err := conn.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)`, name).Scan(&exists); err != nil {
		return fmt.Errorf("%w: check database: %v", operr.ErrExternalTool, err)
	}
	dbIdent := pgx.Identifier{name}.Sanitize()
	if !exists {
		if _, err := conn.Exec(ctx, fmt.Sprintf(`CREATE DATABASE %s OWNER %s`, dbIdent, roleIdent)); err != nil {
			return fmt.Errorf("%w: create database: %v", operr.ErrExternalTool, err)
		}
	}

	// Least privilege: only the owning role may connect.
	grants := []string{
		fmt.Sprintf(`REVOKE ALL ON DATABASE %s FROM PUBLIC`, dbIdent),
		fmt.Sprintf(`GRANT CONNECT, TEMPORARY ON DATABASE %s TO %s`, dbIdent, roleIdent),
	}
	for _, stmt := range grants {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("%w: grant: %v", operr.ErrExternalTool, err)
		}
	}

	if a.logger != nil {
		a.logger.Info("database provisioned", "database", name, "user", user)
	}
	return nil
}

func escapeLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
