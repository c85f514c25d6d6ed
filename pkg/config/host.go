package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// HostConfig holds every host-level path and numeric policy the orchestrator
// needs. It is constructed once in main and passed into component
// constructors; nothing reads the environment after startup.
type HostConfig struct {
	ProjectsRoot       string `yaml:"projects_root"`
	LedgerDir          string `yaml:"ledger_dir"`
	NginxAvailableDir  string `yaml:"nginx_available_dir"`
	NginxEnabledDir    string `yaml:"nginx_enabled_dir"`
	SystemdUnitDir     string `yaml:"systemd_unit_dir"`
	PHPPoolRoot        string `yaml:"php_pool_root"`
	CronDir            string `yaml:"cron_dir"`
	MetricsTextfileDir string `yaml:"metrics_textfile_dir"`

	UIDFloor     int `yaml:"uid_floor"`
	PortFloor    int `yaml:"port_floor"`
	KeepReleases int `yaml:"keep_releases"`

	DefaultPHPVersion string `yaml:"default_php_version"`
	WebGroup          string `yaml:"web_group"`

	// DatabaseAdminURL is the superuser DSN used to provision per-project
	// databases and roles. Empty disables database provisioning.
	DatabaseAdminURL string `yaml:"database_admin_url"`

	GitTimeoutSeconds   int `yaml:"git_timeout_seconds"`
	BuildTimeoutSeconds int `yaml:"build_timeout_seconds"`
}

// GitTimeout returns the clone deadline as a duration.
func (c HostConfig) GitTimeout() time.Duration {
	return time.Duration(c.GitTimeoutSeconds) * time.Second
}

// BuildTimeout returns the per-deploy build deadline as a duration.
func (c HostConfig) BuildTimeout() time.Duration {
	return time.Duration(c.BuildTimeoutSeconds) * time.Second
}

func defaultHostConfig() HostConfig {
	return HostConfig{
		ProjectsRoot:        "/infra/projects",
		LedgerDir:           "/infra/meta",
		NginxAvailableDir:   "/etc/nginx/sites-available",
		NginxEnabledDir:     "/etc/nginx/sites-enabled",
		SystemdUnitDir:      "/etc/systemd/system",
		PHPPoolRoot:         "/etc/php",
		CronDir:             "/etc/cron.d",
		MetricsTextfileDir:  "",
		UIDFloor:            10000,
		PortFloor:           3000,
		KeepReleases:        5,
		DefaultPHPVersion:   "8.3",
		WebGroup:            "www-data",
		GitTimeoutSeconds:   120,
		BuildTimeoutSeconds: 900,
	}
}

// LoadHostConfig builds a HostConfig from defaults, then the optional config
// file, then environment overrides, in that order of precedence.
func LoadHostConfig() (HostConfig, error) {
	cfg := defaultHostConfig()

	path := GetString("SERVER_SETUP_CONFIG", "/etc/server-setup/config.yml")
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return HostConfig{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// No config file is fine; defaults plus env apply.
	default:
		return HostConfig{}, fmt.Errorf("read config file %s: %w", path, err)
	}

	cfg.ProjectsRoot = GetString("SERVER_SETUP_PROJECTS_ROOT", cfg.ProjectsRoot)
	cfg.LedgerDir = GetString("SERVER_SETUP_LEDGER_DIR", cfg.LedgerDir)
	cfg.NginxAvailableDir = GetString("SERVER_SETUP_NGINX_AVAILABLE", cfg.NginxAvailableDir)
	cfg.NginxEnabledDir = GetString("SERVER_SETUP_NGINX_ENABLED", cfg.NginxEnabledDir)
	cfg.SystemdUnitDir = GetString("SERVER_SETUP_SYSTEMD_DIR", cfg.SystemdUnitDir)
	cfg.PHPPoolRoot = GetString("SERVER_SETUP_PHP_POOL_ROOT", cfg.PHPPoolRoot)
	cfg.CronDir = GetString("SERVER_SETUP_CRON_DIR", cfg.CronDir)
	cfg.MetricsTextfileDir = GetString("SERVER_SETUP_METRICS_DIR", cfg.MetricsTextfileDir)
	cfg.UIDFloor = GetInt("SERVER_SETUP_UID_FLOOR", cfg.UIDFloor)
	cfg.PortFloor = GetInt("SERVER_SETUP_PORT_FLOOR", cfg.PortFloor)
	cfg.KeepReleases = GetInt("SERVER_SETUP_KEEP_RELEASES", cfg.KeepReleases)
	cfg.DefaultPHPVersion = GetString("SERVER_SETUP_PHP_VERSION", cfg.DefaultPHPVersion)
	cfg.WebGroup = GetString("SERVER_SETUP_WEB_GROUP", cfg.WebGroup)
	cfg.DatabaseAdminURL = GetString("SERVER_SETUP_DATABASE_ADMIN_URL", cfg.DatabaseAdminURL)
	cfg.GitTimeoutSeconds = GetInt("SERVER_SETUP_GIT_TIMEOUT_SECONDS", cfg.GitTimeoutSeconds)
	cfg.BuildTimeoutSeconds = GetInt("SERVER_SETUP_BUILD_TIMEOUT_SECONDS", cfg.BuildTimeoutSeconds)

	if cfg.KeepReleases < 1 {
		cfg.KeepReleases = 1
	}
	return cfg, nil
}

// Environment getters. Host policy normally comes from the config file;
// these back the SERVER_SETUP_* overrides and ad-hoc runs.

// GetString returns the variable's value, or fallback when it is unset.
func GetString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// GetInt parses the variable as an integer. Unset or unparseable values
// yield the fallback; a parse failure is logged rather than fatal.
func GetInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("ignoring %s=%q: %v", key, value, err)
		return fallback
	}
	return parsed
}

// GetBool parses the variable with strconv.ParseBool, with the same
// fallback behavior as GetInt.
func GetBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		log.Printf("ignoring %s=%q: %v", key, value, err)
		return fallback
	}
	return parsed
}
