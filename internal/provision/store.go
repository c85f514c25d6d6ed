package provision

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hatem-elsheref/server-setup/internal/domain"
)

// ErrProjectNotFound indicates no metadata exists for the project name.
var ErrProjectNotFound = errors.New("provision: project not found")

const metaFile = "project.yml"

type projectMeta struct {
	Name           string    `yaml:"name"`
	Domain         string    `yaml:"domain"`
	Backend        string    `yaml:"backend"`
	Database       string    `yaml:"database"`
	RuntimeVersion string    `yaml:"runtime_version,omitempty"`
	RepoURL        string    `yaml:"repo_url,omitempty"`
	UID            int       `yaml:"uid"`
	GID            int       `yaml:"gid,omitempty"`
	Port           int       `yaml:"port,omitempty"`
	CreatedAt      time.Time `yaml:"created_at"`
}

// Store persists project metadata as one YAML file per project directory.
type Store struct {
	root string
}

// NewStore returns a Store over the projects root.
func NewStore(root string) *Store {
	return &Store{root: root}
}

func (s *Store) path(name string) string {
	return filepath.Join(s.root, name, metaFile)
}

// Exists reports whether metadata is recorded for the project.
func (s *Store) Exists(name string) bool {
	_, err := os.Stat(s.path(name))
	return err == nil
}

// Save writes the project's metadata.
func (s *Store) Save(project domain.Project) error {
	meta := projectMeta{
		Name:           project.Name,
		Domain:         project.Domain,
		Backend:        project.Backend,
		Database:       string(project.Database),
		RuntimeVersion: project.RuntimeVersion,
		RepoURL:        project.RepoURL,
		UID:            project.UID,
		GID:            project.GID,
		Port:           project.Port,
		CreatedAt:      project.CreatedAt,
	}
	data, err := yaml.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode project metadata: %w", err)
	}
	path := s.path(project.Name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create project directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write project metadata: %w", err)
	}
	return nil
}

// Load reads the project's metadata.
func (s *Store) Load(name string) (domain.Project, error) {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return domain.Project{}, ErrProjectNotFound
		}
		return domain.Project{}, fmt.Errorf("read project metadata: %w", err)
	}
	var meta projectMeta
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return domain.Project{}, fmt.Errorf("parse project metadata: %w", err)
	}
	return domain.Project{
		Name:           meta.Name,
		Domain:         meta.Domain,
		Backend:        meta.Backend,
		Database:       domain.DatabaseKind(meta.Database),
		RuntimeVersion: meta.RuntimeVersion,
		RepoURL:        meta.RepoURL,
		UID:            meta.UID,
		GID:            meta.GID,
		Port:           meta.Port,
		CreatedAt:      meta.CreatedAt,
	}, nil
}
