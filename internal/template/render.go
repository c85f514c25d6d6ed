// Package template renders configuration artifacts from embedded template
// variants. Templates carry no logic: conditional content is expressed by
// choosing a different variant, and rendering is plain token substitution.
package template

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
)

//go:embed templates
var files embed.FS

var tokenPattern = regexp.MustCompile(`\{\{([A-Z0-9_]+)\}\}`)

// Render substitutes {{TOKEN}} placeholders in text with context values.
// Tokens without a context entry are left in place; callers that care use
// MissingKeys to surface them as a warning.
func Render(text string, ctx map[string]string) string {
	return tokenPattern.ReplaceAllStringFunc(text, func(token string) string {
		key := token[2 : len(token)-2]
		if value, ok := ctx[key]; ok {
			return value
		}
		return token
	})
}

// MissingKeys returns the sorted set of placeholders in text that have no
// context entry.
func MissingKeys(text string, ctx map[string]string) []string {
	seen := map[string]bool{}
	for _, match := range tokenPattern.FindAllStringSubmatch(text, -1) {
		key := match[1]
		if _, ok := ctx[key]; !ok {
			seen[key] = true
		}
	}
	var keys []string
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Load returns the named embedded template.
func Load(name string) (string, error) {
	data, err := files.ReadFile("templates/" + name)
	if err != nil {
		return "", fmt.Errorf("load template %s: %w", name, err)
	}
	return string(data), nil
}

// WriteFile writes rendered content to path via a same-directory temp file
// and rename, so a reader never observes a half-written artifact.
func WriteFile(path, content string, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
