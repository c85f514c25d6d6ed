// Package detect classifies a project's deployed tree into one of a closed
// set of backend kinds. Detection is a strictly ordered list of pure probes
// over a read-only tree, so trees that satisfy more than one weak signal
// resolve deterministically.
package detect

import (
	"encoding/json"
	"io/fs"
	"strings"
)

// Kind is the runtime classification driving all downstream reconciliation.
type Kind string

const (
	KindLaravel Kind = "laravel"
	KindNode    Kind = "node"
	KindStatic  Kind = "static"
	KindUnknown Kind = "unknown"
)

// ParseKind normalizes operator input into a Kind.
func ParseKind(s string) (Kind, bool) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindLaravel:
		return KindLaravel, true
	case KindNode:
		return KindNode, true
	case KindStatic:
		return KindStatic, true
	case KindUnknown:
		return KindUnknown, true
	}
	return KindUnknown, false
}

type packageManifest struct {
	Scripts map[string]string `json:"scripts"`
}

// Detect classifies the tree rooted at a project directory. It probes the
// active release under current/ first and falls back to the persisted shared
// environment. First match wins.
func Detect(tree fs.FS) Kind {
	if fileExists(tree, "current/artisan") {
		return KindLaravel
	}
	if hasStartScript(tree, "current/package.json") {
		return KindNode
	}
	if dirExists(tree, "current/dist") || dirExists(tree, "current/build") || fileExists(tree, "current/index.html") {
		return KindStatic
	}
	if sharedEnvHasFrameworkKey(tree) {
		return KindLaravel
	}
	return KindUnknown
}

// DetectRelease classifies a staged release directory before it becomes
// current, using the same ordered probes minus the shared-environment
// fallback.
func DetectRelease(tree fs.FS) Kind {
	if fileExists(tree, "artisan") {
		return KindLaravel
	}
	if hasStartScript(tree, "package.json") {
		return KindNode
	}
	if dirExists(tree, "dist") || dirExists(tree, "build") || fileExists(tree, "index.html") {
		return KindStatic
	}
	return KindUnknown
}

func fileExists(tree fs.FS, path string) bool {
	info, err := fs.Stat(tree, path)
	return err == nil && !info.IsDir()
}

func dirExists(tree fs.FS, path string) bool {
	info, err := fs.Stat(tree, path)
	return err == nil && info.IsDir()
}

func hasStartScript(tree fs.FS, path string) bool {
	data, err := fs.ReadFile(tree, path)
	if err != nil {
		return false
	}
	var manifest packageManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return false
	}
	return strings.TrimSpace(manifest.Scripts["start"]) != ""
}

func sharedEnvHasFrameworkKey(tree fs.FS) bool {
	data, err := fs.ReadFile(tree, "shared/.env")
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "APP_KEY=base64:") {
			return true
		}
	}
	return false
}
