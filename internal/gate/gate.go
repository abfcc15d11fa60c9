// Package gate decides whether a phase's deliverables exist on disk.
//
// A Gate is an ordered list of artifact paths relative to the workflow
// directory. It is satisfied when every path exists. Nothing is cached:
// each evaluation stats the filesystem again.
package gate

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// Gate names the artifacts that must exist before a phase may be left.
type Gate struct {
	Name  string   `json:"name"`
	Paths []string `json:"paths"`
}

// Report is the outcome of one gate evaluation.
type Report struct {
	Gate      string   `json:"gate"`
	Satisfied bool     `json:"satisfied"`
	Present   []string `json:"present"`
	Missing   []string `json:"missing"`
}

// Progress returns how many of the gate's artifacts exist, and how many it needs.
func (r Report) Progress() (int, int) {
	return len(r.Present), len(r.Present) + len(r.Missing)
}

// Evaluator checks artifact existence against a filesystem rooted at the
// workflow directory.
type Evaluator struct {
	fs afero.Fs
}

// NewEvaluator roots fsys at base. An empty base uses fsys as is.
func NewEvaluator(fsys afero.Fs, base string) *Evaluator {
	if base != "" {
		fsys = afero.NewBasePathFs(fsys, base)
	}
	return &Evaluator{fs: fsys}
}

// NewOSEvaluator evaluates gates against the real filesystem under dir.
func NewOSEvaluator(dir string) *Evaluator {
	return NewEvaluator(afero.NewOsFs(), dir)
}

// Exists reports whether the artifact at rel exists. Any stat error,
// including an invalid path, counts as absent.
func (e *Evaluator) Exists(rel string) bool {
	if ValidatePath(rel) != nil {
		return false
	}
	_, err := e.fs.Stat(filepath.FromSlash(rel))
	return err == nil
}

// Satisfied reports whether every artifact in g exists. A gate with no
// paths is trivially satisfied.
func (e *Evaluator) Satisfied(g Gate) bool {
	for _, p := range g.Paths {
		if !e.Exists(p) {
			return false
		}
	}
	return true
}

// Missing lists the artifacts of g that do not exist, in gate order.
func (e *Evaluator) Missing(g Gate) []string {
	var missing []string
	for _, p := range g.Paths {
		if !e.Exists(p) {
			missing = append(missing, p)
		}
	}
	return missing
}

// Check evaluates g once and reports both present and missing artifacts.
func (e *Evaluator) Check(g Gate) Report {
	r := Report{Gate: g.Name, Present: []string{}, Missing: []string{}}
	for _, p := range g.Paths {
		if e.Exists(p) {
			r.Present = append(r.Present, p)
		} else {
			r.Missing = append(r.Missing, p)
		}
	}
	r.Satisfied = len(r.Missing) == 0
	return r
}

// ValidatePath rejects artifact paths that are empty, absolute, or that
// escape the workflow directory.
func ValidatePath(rel string) error {
	if strings.TrimSpace(rel) == "" {
		return fmt.Errorf("artifact path is empty")
	}
	if filepath.IsAbs(rel) || strings.HasPrefix(rel, "/") {
		return fmt.Errorf("artifact path %q must be relative", rel)
	}
	clean := path.Clean(filepath.ToSlash(rel))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("artifact path %q escapes the workflow directory", rel)
	}
	if clean == "." {
		return fmt.Errorf("artifact path %q names the workflow directory itself", rel)
	}
	return nil
}

// EnsureDir creates dir when it does not exist yet.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create workflow directory: %w", err)
	}
	return nil
}
