package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hatem-elsheref/server-setup/internal/domain"
	"github.com/hatem-elsheref/server-setup/pkg/config"
)

type recordingRunner struct {
	commands []string
}

func (r *recordingRunner) Run(_ context.Context, _ string, _ []string, name string, args ...string) error {
	r.commands = append(r.commands, name+" "+strings.Join(args, " "))
	return nil
}

func newSystemd(t *testing.T) (*Systemd, *recordingRunner, config.HostConfig) {
	t.Helper()
	cfg := config.HostConfig{
		ProjectsRoot:   filepath.Join(t.TempDir(), "projects"),
		SystemdUnitDir: t.TempDir(),
	}
	runner := &recordingRunner{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewSystemd(cfg, runner, log), runner, cfg
}

func TestEnsureAppDeclaresUnitOnce(t *testing.T) {
	sup, runner, cfg := newSystemd(t)
	project := domain.Project{Name: "webapp", Port: 3001}

	if err := sup.EnsureApp(context.Background(), project); err != nil {
		t.Fatal(err)
	}

	unit, err := os.ReadFile(filepath.Join(cfg.SystemdUnitDir, "webapp.service"))
	if err != nil {
		t.Fatalf("unit not written: %v", err)
	}
	for _, want := range []string{
		"ExecStart=/usr/bin/npm start",
		"User=webapp",
		filepath.Join(cfg.ProjectsRoot, "webapp", "current"),
	} {
		if !strings.Contains(string(unit), want) {
			t.Fatalf("unit missing %q:\n%s", want, unit)
		}
	}
	joined := strings.Join(runner.commands, "\n")
	if !strings.Contains(joined, "systemctl daemon-reload") {
		t.Fatalf("no daemon-reload in %q", joined)
	}
	if !strings.Contains(joined, "systemctl enable --now webapp.service") {
		t.Fatalf("unit not enabled in %q", joined)
	}

	// Second invocation: the unit exists, so only a restart happens.
	runner.commands = nil
	if err := sup.EnsureApp(context.Background(), project); err != nil {
		t.Fatal(err)
	}
	if len(runner.commands) != 1 || runner.commands[0] != "systemctl restart webapp.service" {
		t.Fatalf("commands = %v", runner.commands)
	}
}

func TestEnsureWorkerStartsInstances(t *testing.T) {
	sup, runner, cfg := newSystemd(t)
	project := domain.Project{Name: "myapp"}

	if err := sup.EnsureWorker(context.Background(), project, "", 3); err != nil {
		t.Fatal(err)
	}

	unit, err := os.ReadFile(filepath.Join(cfg.SystemdUnitDir, "myapp-worker@.service"))
	if err != nil {
		t.Fatalf("worker unit not written: %v", err)
	}
	if !strings.Contains(string(unit), "queue:work") {
		t.Fatalf("default worker command missing:\n%s", unit)
	}
	joined := strings.Join(runner.commands, "\n")
	for i := 1; i <= 3; i++ {
		instance := fmt.Sprintf("systemctl enable --now myapp-worker@%d.service", i)
		if !strings.Contains(joined, instance) {
			t.Fatalf("instance %d not started in %q", i, joined)
		}
	}
}

func TestEnsureWorkerCustomCommand(t *testing.T) {
	sup, _, cfg := newSystemd(t)
	project := domain.Project{Name: "myapp"}

	if err := sup.EnsureWorker(context.Background(), project, "/usr/bin/php artisan horizon", 1); err != nil {
		t.Fatal(err)
	}
	unit, err := os.ReadFile(filepath.Join(cfg.SystemdUnitDir, "myapp-worker@.service"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(unit), "ExecStart=/usr/bin/php artisan horizon") {
		t.Fatalf("custom command missing:\n%s", unit)
	}
}
