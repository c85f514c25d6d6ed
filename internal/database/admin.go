// Package database provisions per-project databases and scoped users on the
// host's database engines. Provisioning is idempotent: re-running for an
// existing project reuses the database and only resets the grant surface.
package database

import "context"

// Admin creates a database plus a least-privilege user for one project.
type Admin interface {
	Provision(ctx context.Context, name, user, password string) error
}
