package fs

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var defaultSkipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	"__pycache__":  true,
}

// Gateway is a read-only view of the workspace under audit. It resolves
// sandboxed relative paths and enumerates children for the audit frontier;
// nothing here ever writes.
type Gateway struct {
	root     string
	skipDirs map[string]bool
}

func NewGateway(root string) (*Gateway, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root path: %w", err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("stat root path: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root %s is not a directory", absRoot)
	}
	return &Gateway{root: absRoot, skipDirs: defaultSkipDirs}, nil
}

func (g *Gateway) Root() string { return g.root }

// ListChildren returns the entries directly under relPath, directories first,
// each as a workspace-relative slash path. Hidden and tooling directories are
// skipped.
func (g *Gateway) ListChildren(relPath string) ([]string, error) {
	absPath, normalized, err := g.resolve(relPath)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(absPath)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", normalized, err)
	}

	var dirs, files []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") || g.skipDirs[name] {
			continue
		}
		child := name
		if normalized != "." {
			child = normalized + "/" + name
		}
		if e.IsDir() {
			dirs = append(dirs, child)
		} else {
			files = append(files, child)
		}
	}
	sort.Strings(dirs)
	sort.Strings(files)
	return append(dirs, files...), nil
}

// IsDir reports whether the workspace path names a directory.
func (g *Gateway) IsDir(relPath string) (bool, error) {
	absPath, _, err := g.resolve(relPath)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return false, fmt.Errorf("stat: %w", err)
	}
	return info.IsDir(), nil
}

// ReadFile returns the contents of a workspace file, for attaching source
// excerpts to vigilance tasks.
func (g *Gateway) ReadFile(relPath string) ([]byte, error) {
	absPath, normalized, err := g.resolve(relPath)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", normalized, err)
	}
	return content, nil
}

func (g *Gateway) resolve(relPath string) (absolute string, normalized string, err error) {
	normalized = strings.ReplaceAll(strings.TrimSpace(relPath), "\\", "/")
	normalized = strings.TrimPrefix(normalized, "./")
	normalized = strings.TrimPrefix(normalized, "/")
	if normalized == "" {
		normalized = "."
	}

	abs := filepath.Join(g.root, filepath.FromSlash(normalized))
	absClean := filepath.Clean(abs)
	absRoot := filepath.Clean(g.root)

	rel, err := filepath.Rel(absRoot, absClean)
	if err != nil {
		return "", "", fmt.Errorf("resolve relative path: %w", err)
	}
	if strings.HasPrefix(rel, "..") {
		return "", "", fmt.Errorf("path escapes workspace root: %q", relPath)
	}
	return absClean, strings.ReplaceAll(rel, "\\", "/"), nil
}
