package manifest

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/jward/understory/internal/paths"
)

// FileName is the dependency manifest file name.
const FileName = "package.json"

// dependencyFields are the package.json sections that declare dependencies.
var dependencyFields = []string{
	"dependencies",
	"devDependencies",
	"peerDependencies",
	"optionalDependencies",
}

// Manifest is one parsed package.json.
type Manifest struct {
	Path         string
	Dir          string
	Name         string
	Dependencies map[string]string // name -> version specifier
	Workspaces   []string
}

// IsManifest reports whether path names a dependency manifest.
func IsManifest(path string) bool {
	return path == FileName || strings.HasSuffix(path, "/"+FileName) || strings.HasSuffix(path, `\`+FileName)
}

// Parse decodes package.json content located at path (normalized).
func Parse(path string, data []byte) (*Manifest, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	m := &Manifest{
		Path:         path,
		Dir:          paths.Dir(path),
		Dependencies: make(map[string]string),
	}
	if v, ok := raw["name"]; ok {
		_ = json.Unmarshal(v, &m.Name)
	}
	for _, field := range dependencyFields {
		v, ok := raw[field]
		if !ok {
			continue
		}
		var deps map[string]any
		if err := json.Unmarshal(v, &deps); err != nil {
			return nil, fmt.Errorf("parse %s: field %s: %w", path, field, err)
		}
		for name, spec := range deps {
			s, _ := spec.(string)
			m.Dependencies[name] = s
		}
	}
	if v, ok := raw["workspaces"]; ok {
		m.Workspaces = parseWorkspaces(v)
	}
	return m, nil
}

// parseWorkspaces accepts both the array form and the {"packages": [...]}
// object form.
func parseWorkspaces(v json.RawMessage) []string {
	var list []string
	if err := json.Unmarshal(v, &list); err == nil {
		return list
	}
	var obj struct {
		Packages []string `json:"packages"`
	}
	if err := json.Unmarshal(v, &obj); err == nil {
		return obj.Packages
	}
	return nil
}

// localLinkTarget returns the directory a file:/link: specifier points at,
// relative to the declaring manifest's directory.
func localLinkTarget(dir, spec string) (string, bool) {
	for _, prefix := range []string{"file:", "link:"} {
		if strings.HasPrefix(spec, prefix) {
			target := strings.TrimPrefix(spec, prefix)
			if strings.HasSuffix(target, ".tgz") || strings.HasSuffix(target, ".tar.gz") {
				return "", false
			}
			return paths.Join(dir, target), true
		}
	}
	return "", false
}

// matchesWorkspace reports whether dir (relative to the workspace root) is
// selected by one of the workspace globs.
func matchesWorkspace(globs []string, rel string) bool {
	for _, g := range globs {
		g = strings.TrimSuffix(strings.TrimPrefix(g, "./"), "/")
		if ok, _ := doublestar.Match(g, rel); ok {
			return true
		}
	}
	return false
}

// DependencySet is an immutable set of dependency names.
type DependencySet map[string]struct{}

// Has reports membership.
func (d DependencySet) Has(name string) bool {
	_, ok := d[name]
	return ok
}

// Sorted returns the names in lexical order.
func (d DependencySet) Sorted() []string {
	out := make([]string, 0, len(d))
	for k := range d {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
