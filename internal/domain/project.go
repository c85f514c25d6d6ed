package domain

import "time"

// DatabaseKind enumerates supported database engines for a project.
type DatabaseKind string

const (
	DatabaseNone     DatabaseKind = "none"
	DatabasePostgres DatabaseKind = "postgres"
	DatabaseMySQL    DatabaseKind = "mysql"
)

// Project describes one hosted application on this machine.
type Project struct {
	// Name is the stable lowercase key every subsystem uses: the OS user,
	// the directory under the projects root, the nginx vhost file and the
	// ledger rows all derive from it.
	Name string

	Domain         string
	Backend        string
	Database       DatabaseKind
	RuntimeVersion string
	RepoURL        string

	// UID and Port are assigned by the ledger. Port is zero for kinds
	// that do not bind a local port. GID is whatever group useradd gave
	// the project user; it is recorded rather than derived because the
	// next free GID need not equal the UID.
	UID  int
	GID  int
	Port int

	CreatedAt time.Time
}

// GroupID returns the recorded group ID, falling back to the UID for
// metadata written before the group was tracked.
func (p Project) GroupID() int {
	if p.GID != 0 {
		return p.GID
	}
	return p.UID
}

// Release is one immutable deployment of a project's code.
type Release struct {
	Name      string
	Path      string
	CreatedAt time.Time
	SourceRef string
}
