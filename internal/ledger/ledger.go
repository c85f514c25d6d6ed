// Package ledger persists the numeric identifiers (OS user IDs, local
// ports) handed out to projects. Records are append-only: an allocation is
// never rewritten, and re-running an allocation for the same project returns
// the recorded value instead of minting a new one.
package ledger

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/hatem-elsheref/server-setup/internal/operr"
)

// Allocation categories. Each category has its own floor and its own
// uniqueness scope.
const (
	CategoryOSUser = "os-user"
	CategoryPort   = "port"
)

const (
	allocationsFile = "allocations.map"
	identitiesFile  = "users.map"
)

// ErrNotFound indicates no record exists for the project and category.
var ErrNotFound = errors.New("ledger: not found")

// Ledger reads and appends the flat allocation tables under a directory.
type Ledger struct {
	dir    string
	logger *slog.Logger
}

// New ensures the ledger directory exists and returns a Ledger over it.
func New(dir string, logger *slog.Logger) (*Ledger, error) {
	if dir == "" {
		return nil, errors.New("ledger directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	return &Ledger{dir: dir, logger: logger}, nil
}

type record struct {
	project    string
	identifier int
	category   string
}

// Allocate returns the identifier recorded for project in category, or
// records and returns the next free identifier at or above floor. The whole
// scan-compute-append sequence runs under an exclusive advisory lock so
// concurrent invocations for different projects cannot hand out duplicates.
func (l *Ledger) Allocate(project, category string, floor int) (int, error) {
	path := filepath.Join(l.dir, allocationsFile)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return 0, fmt.Errorf("%w: open %s: %v", operr.ErrAllocation, path, err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return 0, fmt.Errorf("%w: lock %s: %v", operr.ErrAllocation, path, err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	records, err := l.scan(f, path)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", operr.ErrAllocation, err)
	}

	next := floor - 1
	for _, r := range records {
		if r.project == project && r.category == category {
			// A retry after a crash lands here: the append already
			// happened, so the recorded value wins.
			return r.identifier, nil
		}
		if r.category == category && r.identifier > next {
			next = r.identifier
		}
	}
	next++

	line := fmt.Sprintf("%s:%d:%s\n", project, next, category)
	if _, err := f.Seek(0, 2); err != nil {
		return 0, fmt.Errorf("%w: seek %s: %v", operr.ErrAllocation, path, err)
	}
	if _, err := f.WriteString(line); err != nil {
		return 0, fmt.Errorf("%w: append %s: %v", operr.ErrAllocation, path, err)
	}
	if err := f.Sync(); err != nil {
		return 0, fmt.Errorf("%w: sync %s: %v", operr.ErrAllocation, path, err)
	}
	return next, nil
}

// Lookup returns the identifier recorded for project in category without
// taking the lock. The table is append-only, so the worst a concurrent
// writer can cause is a trailing partial line, which the scanner skips.
func (l *Ledger) Lookup(project, category string) (int, error) {
	path := filepath.Join(l.dir, allocationsFile)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	records, err := l.scan(f, path)
	if err != nil {
		return 0, err
	}
	for _, r := range records {
		if r.project == project && r.category == category {
			return r.identifier, nil
		}
	}
	return 0, ErrNotFound
}

// RecordIdentity appends a (project, username, uid) row to the identity
// table. It is written once per project, right after the UID allocation.
func (l *Ledger) RecordIdentity(project, username string, uid int) error {
	path := filepath.Join(l.dir, identitiesFile)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("lock %s: %w", path, err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)
	if _, err := fmt.Fprintf(f, "%s:%s:%d\n", project, username, uid); err != nil {
		return fmt.Errorf("append %s: %w", path, err)
	}
	return f.Sync()
}

// LookupIdentity returns the recorded username and uid for a project.
func (l *Ledger) LookupIdentity(project string) (string, int, error) {
	path := filepath.Join(l.dir, identitiesFile)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", 0, ErrNotFound
		}
		return "", 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, ":")
		if len(parts) != 3 {
			l.warn("skipping malformed identity line", path, line)
			continue
		}
		uid, err := strconv.Atoi(parts[2])
		if err != nil {
			l.warn("skipping malformed identity line", path, line)
			continue
		}
		if parts[0] == project {
			return parts[1], uid, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", 0, fmt.Errorf("read %s: %w", path, err)
	}
	return "", 0, ErrNotFound
}

func (l *Ledger) scan(f *os.File, path string) ([]record, error) {
	if _, err := f.Seek(0, 0); err != nil {
		return nil, fmt.Errorf("seek %s: %w", path, err)
	}
	var records []record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, ":")
		if len(parts) != 3 {
			l.warn("skipping malformed allocation line", path, line)
			continue
		}
		id, err := strconv.Atoi(parts[1])
		if err != nil {
			l.warn("skipping malformed allocation line", path, line)
			continue
		}
		records = append(records, record{project: parts[0], identifier: id, category: parts[2]})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return records, nil
}

func (l *Ledger) warn(msg, path, line string) {
	if l.logger != nil {
		l.logger.Warn(msg, "file", path, "line", line)
	}
}
