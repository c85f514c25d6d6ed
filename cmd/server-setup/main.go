package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/hatem-elsheref/server-setup/internal/certs"
	"github.com/hatem-elsheref/server-setup/internal/cron"
	"github.com/hatem-elsheref/server-setup/internal/database"
	"github.com/hatem-elsheref/server-setup/internal/deploy"
	"github.com/hatem-elsheref/server-setup/internal/detect"
	"github.com/hatem-elsheref/server-setup/internal/domain"
	"github.com/hatem-elsheref/server-setup/internal/ledger"
	"github.com/hatem-elsheref/server-setup/internal/metrics"
	"github.com/hatem-elsheref/server-setup/internal/provision"
	"github.com/hatem-elsheref/server-setup/internal/reconcile"
	"github.com/hatem-elsheref/server-setup/internal/release"
	"github.com/hatem-elsheref/server-setup/internal/run"
	"github.com/hatem-elsheref/server-setup/internal/supervisor"
	"github.com/hatem-elsheref/server-setup/pkg/config"
	"github.com/hatem-elsheref/server-setup/pkg/logger"
)

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "create":
		err = commandCreate(args)
	case "deploy":
		err = commandDeploy(args)
	case "rollback":
		err = commandRollback(args)
	case "releases":
		err = commandReleases(args)
	case "enable-ssl":
		err = commandEnableSSL(args)
	case "setup-supervisor":
		err = commandSetupSupervisor(args)
	case "setup-cron":
		err = commandSetupCron(args)
	case "protect":
		err = commandProtect(args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// app wires every component once per invocation. Commands pick the pieces
// they need; nothing here touches the host until a command runs.
type app struct {
	cfg         config.HostConfig
	logger      *slog.Logger
	store       *provision.Store
	releases    *release.Manager
	reconciler  *reconcile.Reconciler
	supervisor  *supervisor.Systemd
	cron        *cron.Installer
	provisioner provision.Service
	deploys     deploy.Service
}

func newApp() (*app, error) {
	cfg, err := config.LoadHostConfig()
	if err != nil {
		return nil, err
	}
	level := slog.LevelInfo
	if config.GetBool("SERVER_SETUP_DEBUG", false) {
		level = slog.LevelDebug
	}
	log := logger.New("server-setup", level)

	ledg, err := ledger.New(cfg.LedgerDir, log)
	if err != nil {
		return nil, err
	}
	runner := run.ExecRunner{Logger: log}
	store := provision.NewStore(cfg.ProjectsRoot)
	releases, err := release.NewManager(cfg.ProjectsRoot, release.GitCloner{}, nil, log)
	if err != nil {
		return nil, err
	}
	services := reconcile.ExecServiceManager{Runner: runner}
	sup := supervisor.NewSystemd(cfg, runner, log)
	reconciler := reconcile.New(releases, runner, services, sup, cfg, log)
	recorder := metrics.NewRecorder(cfg.MetricsTextfileDir, log)

	dbs := map[domain.DatabaseKind]database.Admin{
		domain.DatabaseMySQL: database.NewMySQLAdmin(runner, log),
	}
	if cfg.DatabaseAdminURL != "" {
		dbs[domain.DatabasePostgres] = database.NewPostgresAdmin(cfg.DatabaseAdminURL, log)
	}
	issuer := certs.NewCertbot(runner, log)
	users := provision.ExecSystemUsers{Runner: runner, Logger: log}

	return &app{
		cfg:         cfg,
		logger:      log,
		store:       store,
		releases:    releases,
		reconciler:  reconciler,
		supervisor:  sup,
		cron:        cron.NewInstaller(cfg, log),
		provisioner: provision.NewService(cfg, ledg, store, users, dbs, services, issuer, nil, log),
		deploys:     deploy.New(cfg, store, releases, reconciler, recorder, log),
	}, nil
}

func commandCreate(args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	name := fs.String("name", "", "Project name (lowercase, becomes the OS user)")
	domainFlag := fs.String("domain", "", "Fully qualified domain for the vhost")
	backend := fs.String("backend", "", "Backend kind (laravel|node|static)")
	db := fs.String("database", "", "Database engine (postgres|mysql|none)")
	runtime := fs.String("runtime", "", "Runtime version override (e.g. PHP 8.2)")
	repo := fs.String("repo", "", "Git repository URL")
	fs.Parse(args)

	in := bufio.NewReader(os.Stdin)
	projectName, err := promptIfEmpty(in, *name, "Project name: ")
	if err != nil {
		return err
	}
	domainName, err := promptIfEmpty(in, *domainFlag, "Domain: ")
	if err != nil {
		return err
	}
	kind, err := promptIfEmpty(in, *backend, "Backend (laravel|node|static): ")
	if err != nil {
		return err
	}

	// The remaining attributes have sensible absent values, so they are
	// prompted with defaults on a terminal and default silently in
	// scripts.
	dbKind := strings.TrimSpace(*db)
	runtimeVersion := strings.TrimSpace(*runtime)
	repoURL := strings.TrimSpace(*repo)
	if term.IsTerminal(int(os.Stdin.Fd())) {
		if dbKind == "" {
			dbKind, err = promptWithDefault(in, "Database (postgres|mysql|none) [none]: ", "none")
			if err != nil {
				return err
			}
		}
		if runtimeVersion == "" {
			runtimeVersion, err = promptWithDefault(in, "Runtime version (empty for host default): ", "")
			if err != nil {
				return err
			}
		}
		if repoURL == "" {
			repoURL, err = promptWithDefault(in, "Git repository URL (optional): ", "")
			if err != nil {
				return err
			}
		}
	}
	if dbKind == "" {
		dbKind = "none"
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	project, err := a.provisioner.Create(ctx, provision.CreateInput{
		Name:           projectName,
		Domain:         domainName,
		Backend:        kind,
		Database:       dbKind,
		RuntimeVersion: runtimeVersion,
		RepoURL:        repoURL,
	})
	if err != nil {
		return err
	}
	fmt.Printf("project created: %s uid=%d domain=%s\n", project.Name, project.UID, project.Domain)
	if project.Port > 0 {
		fmt.Printf("allocated port: %d\n", project.Port)
	}
	return nil
}

func commandDeploy(args []string) error {
	fs := flag.NewFlagSet("deploy", flag.ExitOnError)
	project := fs.String("project", "", "Project name")
	source := fs.String("source", "", "Git repository URL (overrides the stored one)")
	ref := fs.String("ref", "", "Branch, tag or version to deploy")
	migrate := fs.Bool("migrate", false, "Run database migrations after the build")
	fs.Parse(args)

	if strings.TrimSpace(*project) == "" {
		return errors.New("--project is required")
	}

	a, err := newApp()
	if err != nil {
		return err
	}

	runMigrations := *migrate
	if !runMigrations && term.IsTerminal(int(os.Stdin.Fd())) {
		ok, err := confirm("Run database migrations? [y/N]: ")
		if err != nil {
			return err
		}
		runMigrations = ok
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.BuildTimeout())
	defer cancel()

	result, err := a.deploys.Deploy(ctx, deploy.Request{
		Project:       *project,
		SourceURL:     *source,
		Ref:           *ref,
		RunMigrations: runMigrations,
	})
	if err != nil {
		return err
	}
	fmt.Printf("deployed %s release=%s kind=%s in %s\n",
		result.Project, result.Release, result.Kind, result.Duration.Round(time.Millisecond))
	for _, name := range result.Pruned {
		fmt.Printf("pruned release: %s\n", name)
	}
	return nil
}

func commandRollback(args []string) error {
	fs := flag.NewFlagSet("rollback", flag.ExitOnError)
	project := fs.String("project", "", "Project name")
	releaseName := fs.String("release", "", "Release to activate (default: the previous one)")
	fs.Parse(args)

	if strings.TrimSpace(*project) == "" {
		return errors.New("--project is required")
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	activated, err := a.deploys.Rollback(ctx, *project, *releaseName)
	if err != nil {
		return err
	}
	fmt.Printf("rolled back %s to release %s\n", *project, activated)
	return nil
}

func commandReleases(args []string) error {
	fs := flag.NewFlagSet("releases", flag.ExitOnError)
	project := fs.String("project", "", "Project name")
	fs.Parse(args)

	if strings.TrimSpace(*project) == "" {
		return errors.New("--project is required")
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	if !a.store.Exists(*project) {
		return fmt.Errorf("project %s not found", *project)
	}
	current, err := a.releases.Current(*project)
	if err != nil && !errors.Is(err, release.ErrNoCurrent) {
		return err
	}
	list, err := a.releases.List(*project)
	if err != nil {
		return err
	}
	for _, rel := range list {
		marker := " "
		if rel.Name == current {
			marker = "*"
		}
		fmt.Printf("%s %s\t%s\n", marker, rel.Name, rel.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

func commandEnableSSL(args []string) error {
	fs := flag.NewFlagSet("enable-ssl", flag.ExitOnError)
	project := fs.String("project", "", "Project name")
	email := fs.String("email", "", "Contact email for the certificate authority")
	fs.Parse(args)

	if strings.TrimSpace(*project) == "" {
		return errors.New("--project is required")
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := a.provisioner.EnableSSL(ctx, *project, *email); err != nil {
		return err
	}
	fmt.Printf("ssl enabled for %s\n", *project)
	return nil
}

func commandSetupSupervisor(args []string) error {
	fs := flag.NewFlagSet("setup-supervisor", flag.ExitOnError)
	project := fs.String("project", "", "Project name")
	command := fs.String("command", "", "Worker command (default: the Laravel queue worker)")
	processes := fs.Int("processes", 1, "Number of worker processes")
	fs.Parse(args)

	if strings.TrimSpace(*project) == "" {
		return errors.New("--project is required")
	}
	if *processes < 1 {
		return errors.New("--processes must be at least 1")
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	proj, err := a.store.Load(*project)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := a.supervisor.EnsureWorker(ctx, proj, *command, *processes); err != nil {
		return err
	}
	fmt.Printf("supervised workers configured for %s (processes=%d)\n", proj.Name, *processes)
	return nil
}

func commandSetupCron(args []string) error {
	fs := flag.NewFlagSet("setup-cron", flag.ExitOnError)
	project := fs.String("project", "", "Project name")
	fs.Parse(args)

	if strings.TrimSpace(*project) == "" {
		return errors.New("--project is required")
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	proj, err := a.store.Load(*project)
	if err != nil {
		return err
	}
	if proj.Backend != string(detect.KindLaravel) {
		return fmt.Errorf("scheduler entries only apply to laravel projects, %s is %s", proj.Name, proj.Backend)
	}
	if err := a.cron.InstallScheduler(proj); err != nil {
		return err
	}
	fmt.Printf("scheduler installed for %s\n", proj.Name)
	return nil
}

func commandProtect(args []string) error {
	fs := flag.NewFlagSet("protect", flag.ExitOnError)
	project := fs.String("project", "", "Project name")
	user := fs.String("user", "", "Basic auth username")
	password := fs.String("password", "", "Password (supply to avoid prompt)")
	fs.Parse(args)

	if strings.TrimSpace(*project) == "" {
		return errors.New("--project is required")
	}
	if strings.TrimSpace(*user) == "" {
		return errors.New("--user is required")
	}

	secret := strings.TrimSpace(*password)
	if secret == "" {
		fmt.Print("Password: ")
		bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Print("\n")
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		secret = string(bytes)
	}
	if secret == "" {
		return errors.New("password cannot be empty")
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := a.provisioner.Protect(ctx, *project, *user, secret); err != nil {
		return err
	}
	fmt.Printf("basic auth enabled for %s (user %s)\n", *project, *user)
	return nil
}

func promptIfEmpty(in *bufio.Reader, value, prompt string) (string, error) {
	value = strings.TrimSpace(value)
	if value != "" {
		return value, nil
	}
	fmt.Print(prompt)
	line, err := in.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read input: %w", err)
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", errors.New("value cannot be empty")
	}
	return line, nil
}

func promptWithDefault(in *bufio.Reader, prompt, fallback string) (string, error) {
	fmt.Print(prompt)
	line, err := in.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read input: %w", err)
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return fallback, nil
	}
	return line, nil
}

func confirm(prompt string) (bool, error) {
	fmt.Print(prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false, fmt.Errorf("read input: %w", err)
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

func printUsage() {
	fmt.Printf("server-setup %s\n\n", buildVersion)
	fmt.Print(`Usage:
	server-setup create [--name app] [--domain app.example.com] [--backend laravel|node|static] [--database postgres|mysql|none] [--runtime 8.2] [--repo url]
	server-setup deploy --project <name> [--source url] [--ref v1.2.3] [--migrate]
	server-setup rollback --project <name> [--release <name>]
	server-setup releases --project <name>
	server-setup enable-ssl --project <name> [--email admin@example.com]
	server-setup setup-supervisor --project <name> [--command cmd] [--processes N]
	server-setup setup-cron --project <name>
	server-setup protect --project <name> --user <name> [--password secret]
	server-setup version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
