// Package run executes external commands for the reconcile and service
// layers. Nothing above the adapters shells out directly, so every pipeline
// is testable against a fake Runner.
package run

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// Runner executes a command in a working directory with extra environment.
type Runner interface {
	Run(ctx context.Context, dir string, env []string, name string, args ...string) error
}

// ExecRunner runs commands with os/exec, folding combined output into the
// returned error.
type ExecRunner struct {
	Logger *slog.Logger
}

// Run executes name with args in dir.
func (r ExecRunner) Run(ctx context.Context, dir string, env []string, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	if r.Logger != nil {
		r.Logger.Debug("running command", "command", name, "args", strings.Join(args, " "), "dir", dir)
	}
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return nil
}
