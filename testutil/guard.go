// Package testutil holds test helpers that keep the package layering of
// modos honest: the domain model and the metadata packages must not reach
// into storage backends or cloud SDKs.
package testutil

import (
	"go/parser"
	"go/token"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"testing"
)

// ImportPredicate reports whether an import path is off limits.
type ImportPredicate func(path string) bool

// Any combines predicates; the result forbids a path when one of them does.
func Any(preds ...ImportPredicate) ImportPredicate {
	return func(path string) bool {
		for _, p := range preds {
			if p(path) {
				return true
			}
		}
		return false
	}
}

// InternalImport matches packages below an internal/ directory.
func InternalImport(path string) bool {
	return strings.Contains(path, "/internal/")
}

// Under matches prefix and every package below it.
func Under(prefix string) ImportPredicate {
	return func(path string) bool {
		return path == prefix || strings.HasPrefix(path, prefix+"/")
	}
}

// StorageImport matches the object storage layers of modos.
var StorageImport = Any(Under("modos/internal/storage"), Under("modos/internal/blob"), Under("modos/internal/infra"))

// CloudSDKImport matches the AWS SDK and its smithy runtime.
func CloudSDKImport(path string) bool {
	return strings.HasPrefix(path, "github.com/aws/")
}

// AssertNoDirectImports parses the non-test Go files of dir and fails t when
// one of them imports a forbidden path. Subdirectories are not scanned.
func AssertNoDirectImports(t testing.TB, dir string, forbidden ImportPredicate, reason string) {
	t.Helper()
	viols, err := directImports(dir, forbidden)
	if err != nil {
		t.Fatalf("scan %s: %v", dir, err)
	}
	if len(viols) > 0 {
		t.Fatalf("forbidden imports (%s):\n%s", reason, strings.Join(viols, "\n"))
	}
}

// AssertNoTransitiveDependency lists the dependencies of pattern with
// `go list -deps` and fails t when one of them is forbidden.
func AssertNoTransitiveDependency(t testing.TB, pattern string, forbidden ImportPredicate, reason string) {
	t.Helper()
	out, err := goListDeps(pattern)
	if err != nil {
		t.Fatalf("go list %s: %v\n%s", pattern, err, out)
	}
	viols := matching(strings.Split(string(out), "\n"), forbidden)
	if len(viols) > 0 {
		t.Fatalf("forbidden dependencies (%s):\n%s", reason, strings.Join(viols, "\n"))
	}
}

var goListDeps = func(pattern string) ([]byte, error) {
	return exec.Command("go", "list", "-deps", pattern).CombinedOutput()
}

func matching(paths []string, forbidden ImportPredicate) []string {
	var out []string
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p != "" && forbidden(p) {
			out = append(out, p)
		}
	}
	return out
}

func directImports(dir string, forbidden ImportPredicate) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	fset := token.NewFileSet()
	var viols []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".go" || strings.HasSuffix(name, "_test.go") {
			continue
		}
		f, err := parser.ParseFile(fset, filepath.Join(dir, name), nil, parser.ImportsOnly)
		if err != nil {
			return nil, err
		}
		for _, imp := range f.Imports {
			if p := strings.Trim(imp.Path.Value, `"`); forbidden(p) {
				viols = append(viols, p+" ("+name+")")
			}
		}
	}
	sort.Strings(viols)
	return viols, nil
}
