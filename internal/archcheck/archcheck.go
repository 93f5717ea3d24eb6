// Package archcheck enforces the import layering of the module: a package may
// only import packages from lower layers.
package archcheck

import (
	"fmt"
	"go/parser"
	"go/token"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/afero"
)

// ModulePath is the import path prefix of this module
const ModulePath = "github.com/yairfalse/tracepipe"

// Layers maps each package directory to its level. Level 0 imports nothing
// from the module.
var Layers = map[string]int{
	"pkg/wire":           0,
	"pkg/encoding":       1,
	"internal/clock":     1,
	"internal/queue":     1,
	"internal/symbols":   1,
	"pkg/profiler":       2,
	"pkg/config":         3,
	"internal/collector": 3,
	"internal/telemetry": 3,
	"internal/archcheck": 3,
	"internal/cli":       4,
	"cmd/tracepipe":      5,
}

// Violation is one forbidden import
type Violation struct {
	File      string
	Line      int
	Import    string
	FromLevel int
	ToLevel   int
	Reason    string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s:%d: %s (%s)", v.File, v.Line, v.Reason, v.Import)
}

// Checker walks a source tree and records layering violations
type Checker struct {
	fs         afero.Fs
	layers     map[string]int
	fset       *token.FileSet
	violations []Violation
}

// NewChecker returns a checker over fs using the given layer table
func NewChecker(fs afero.Fs, layers map[string]int) *Checker {
	return &Checker{fs: fs, layers: layers, fset: token.NewFileSet()}
}

// Check walks root and returns every violation found in non-test files
func (c *Checker) Check(root string) ([]Violation, error) {
	c.violations = nil
	err := afero.Walk(c.fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		name := info.Name()
		if info.IsDir() {
			// same directories the go tool ignores
			if path != root && (strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".") || name == "testdata" || name == "vendor") {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		return c.checkFile(path, filepath.ToSlash(rel))
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(c.violations, func(i, j int) bool {
		if c.violations[i].File != c.violations[j].File {
			return c.violations[i].File < c.violations[j].File
		}
		return c.violations[i].Line < c.violations[j].Line
	})
	return c.violations, nil
}

func (c *Checker) checkFile(path, rel string) error {
	src, err := afero.ReadFile(c.fs, path)
	if err != nil {
		return fmt.Errorf("failed to read file %s: %w", rel, err)
	}
	file, err := parser.ParseFile(c.fset, rel, src, parser.ImportsOnly)
	if err != nil {
		return fmt.Errorf("failed to parse file %s: %w", rel, err)
	}

	from, fromPkg := c.level(filepath.ToSlash(filepath.Dir(rel)))
	if from < 0 {
		return nil
	}
	for _, imp := range file.Imports {
		importPath, err := strconv.Unquote(imp.Path.Value)
		if err != nil || !strings.HasPrefix(importPath, ModulePath+"/") {
			continue
		}
		to, toPkg := c.level(strings.TrimPrefix(importPath, ModulePath+"/"))
		if to < 0 {
			continue
		}
		line := c.fset.Position(imp.Pos()).Line
		switch {
		case to == from && toPkg != fromPkg:
			c.add(rel, line, importPath, from, to,
				fmt.Sprintf("same-level import %s -> %s", fromPkg, toPkg))
		case to > from:
			c.add(rel, line, importPath, from, to,
				fmt.Sprintf("upward import %s[L%d] -> %s[L%d]", fromPkg, from, toPkg, to))
		}
	}
	return nil
}

// level finds the layer of the longest table entry containing dir
func (c *Checker) level(dir string) (int, string) {
	best, bestPkg := -1, ""
	for pkg, lvl := range c.layers {
		if (dir == pkg || strings.HasPrefix(dir, pkg+"/")) && len(pkg) > len(bestPkg) {
			best, bestPkg = lvl, pkg
		}
	}
	return best, bestPkg
}

func (c *Checker) add(file string, line int, imp string, from, to int, reason string) {
	c.violations = append(c.violations, Violation{
		File: file, Line: line, Import: imp, FromLevel: from, ToLevel: to, Reason: reason,
	})
}

// Report prints the layer table and any violations
func Report(w io.Writer, layers map[string]int, violations []Violation) {
	if len(violations) == 0 {
		fmt.Fprintf(w, "Layering OK: %d packages\n", len(layers))
	} else {
		fmt.Fprintf(w, "Found %d layering violations:\n", len(violations))
		for _, v := range violations {
			fmt.Fprintf(w, "  %s\n", v)
		}
	}

	pkgs := make([]string, 0, len(layers))
	for p := range layers {
		pkgs = append(pkgs, p)
	}
	sort.Slice(pkgs, func(i, j int) bool {
		if layers[pkgs[i]] != layers[pkgs[j]] {
			return layers[pkgs[i]] < layers[pkgs[j]]
		}
		return pkgs[i] < pkgs[j]
	})
	fmt.Fprintln(w, "\nLayers:")
	for _, p := range pkgs {
		fmt.Fprintf(w, "  L%d  %s\n", layers[p], p)
	}
}
