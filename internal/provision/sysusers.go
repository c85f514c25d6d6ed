package provision

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"

	"github.com/hatem-elsheref/server-setup/internal/run"
)

// SystemUsers creates the OS identity a project runs under.
type SystemUsers interface {
	// Ensure creates username with the given uid and home when it does
	// not exist yet and returns the user's primary group ID. Re-runs for
	// an existing user only resolve the group.
	Ensure(ctx context.Context, username string, uid int, home string) (int, error)
}

// ExecSystemUsers shells out to id and useradd.
type ExecSystemUsers struct {
	Runner run.Runner
	Logger *slog.Logger
}

// Ensure creates the user if missing and resolves its primary group.
func (u ExecSystemUsers) Ensure(ctx context.Context, username string, uid int, home string) (int, error) {
	if err := u.Runner.Run(ctx, "", nil, "id", "-u", username); err != nil {
		err := u.Runner.Run(ctx, "", nil, "useradd",
			"--uid", strconv.Itoa(uid),
			"--user-group",
			"--home-dir", home,
			"--no-create-home",
			"--shell", "/usr/sbin/nologin",
			username,
		)
		if err != nil {
			return 0, fmt.Errorf("create user %s: %w", username, err)
		}
		if u.Logger != nil {
			u.Logger.Info("system user created", "user", username, "uid", uid)
		}
	}

	// useradd --user-group takes the next free GID, which is not
	// necessarily the UID, so ask rather than assume.
	out, err := exec.CommandContext(ctx, "id", "-g", username).Output()
	if err != nil {
		return 0, fmt.Errorf("resolve group for %s: %w", username, err)
	}
	gid, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil {
		return 0, fmt.Errorf("parse group for %s: %w", username, err)
	}
	return gid, nil
}
