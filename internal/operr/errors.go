// Package operr defines the failure taxonomy shared by every subcommand.
// Helpers deeper in the tree wrap one of these sentinels so the CLI can map
// any failure to a diagnostic and exit code without inspecting internals.
package operr

import "errors"

var (
	// ErrValidation covers malformed input and already-exists conflicts,
	// reported before any mutation happens.
	ErrValidation = errors.New("validation failed")

	// ErrAllocation covers ledger failures; nothing is persisted when it
	// is returned.
	ErrAllocation = errors.New("identifier allocation failed")

	// ErrBuild covers dependency install and build failures. The staged
	// release directory is retained for inspection.
	ErrBuild = errors.New("build failed")

	// ErrCutover covers failures replacing the current pointer. The old
	// pointer is intact when it is returned.
	ErrCutover = errors.New("cutover failed")

	// ErrReconcile covers service reload/restart failures after cutover.
	ErrReconcile = errors.New("service reconcile failed")

	// ErrExternalTool covers collaborator failures (proxy validation,
	// certificate issuance, database provisioning).
	ErrExternalTool = errors.New("external tool failed")
)
