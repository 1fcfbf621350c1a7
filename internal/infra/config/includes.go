package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const maxIncludeDepth = 10

// includer overlays included files onto a Config. Each file may itself
// include others; a file seen twice is a cycle.
type includer struct {
	cfg     *Config
	visited map[string]bool
}

// processIncludes merges the files named by cfg.Includes, resolved against
// baseDir, and clears cfg.Includes.
func processIncludes(cfg *Config, baseDir string, visited map[string]bool, depth int) error {
	if visited == nil {
		visited = make(map[string]bool)
	}
	inc := &includer{cfg: cfg, visited: visited}
	return inc.run(cfg.Includes, baseDir, depth)
}

func (inc *includer) run(patterns []string, baseDir string, depth int) error {
	if depth > maxIncludeDepth {
		return fmt.Errorf("config includes: max depth %d exceeded", maxIncludeDepth)
	}
	inc.cfg.Includes = nil
	for _, pattern := range patterns {
		paths, err := expandInclude(pattern, baseDir)
		if err != nil {
			return err
		}
		for _, p := range paths {
			if err := inc.merge(p, depth+1); err != nil {
				return err
			}
		}
	}
	inc.cfg.Includes = nil
	return nil
}

// merge decodes one included YAML or TOML file over the config, then
// follows the includes it declares relative to its own directory.
func (inc *includer) merge(path string, depth int) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config includes: abs path %q: %w", path, err)
	}
	if inc.visited[abs] {
		return fmt.Errorf("config includes: circular include detected for %q", abs)
	}
	inc.visited[abs] = true

	if err := validatePermissions(abs); err != nil {
		return fmt.Errorf("config includes: %w", err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return fmt.Errorf("config includes: read %q: %w", abs, err)
	}
	if len(data) == 0 {
		return nil
	}

	inc.cfg.Includes = nil
	if err := decode(abs, data, inc.cfg); err != nil {
		return fmt.Errorf("config includes: parse %q: %w", abs, err)
	}
	if nested := inc.cfg.Includes; len(nested) > 0 {
		return inc.run(nested, filepath.Dir(abs), depth)
	}
	return nil
}

// expandInclude resolves pattern against baseDir. Globs expand in sorted
// order and may match nothing; a literal path is returned as is so a missing
// file is reported when read. Paths escaping baseDir are rejected.
func expandInclude(pattern, baseDir string) ([]string, error) {
	if !filepath.IsAbs(pattern) {
		pattern = filepath.Join(baseDir, pattern)
	}
	pattern = filepath.Clean(pattern)

	if rel, err := filepath.Rel(baseDir, pattern); err == nil && (rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))) {
		return nil, fmt.Errorf("config includes: path %q escapes config directory", pattern)
	}

	if !strings.ContainsAny(pattern, "*?[") {
		return []string{pattern}, nil
	}
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("config includes: glob %q: %w", pattern, err)
	}
	sort.Strings(matches)
	return matches, nil
}
