package release

import (
	"context"
	"fmt"
	"os"
	"os/exec"
)

// Cloner exports a source ref into a destination directory. The exec
// implementation shells out to git; tests substitute a fake that writes
// fixture trees.
type Cloner interface {
	Clone(ctx context.Context, repoURL, ref, dest string) error
}

// GitCloner clones with the system git binary.
type GitCloner struct{}

// Clone performs a shallow clone of repoURL at ref into dest.
func (GitCloner) Clone(ctx context.Context, repoURL, ref, dest string) error {
	if repoURL == "" {
		return fmt.Errorf("repository URL cannot be empty")
	}
	if dest == "" {
		return fmt.Errorf("destination cannot be empty")
	}
	args := []string{"clone", "--depth", "1"}
	if ref != "" {
		args = append(args, "--branch", ref)
	}
	args = append(args, repoURL, ".")
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dest
	// Prevent git from prompting for credentials interactively.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git clone failed: %w: %s", err, string(output))
	}
	return nil
}
