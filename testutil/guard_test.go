package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestPredicates(t *testing.T) {
	cases := []struct {
		pred ImportPredicate
		in   string
		want bool
	}{
		{InternalImport, "modos/internal/core", true},
		{InternalImport, "modos/pkg/domain", false},
		{InternalImport, "internal", false},
		{StorageImport, "modos/internal/storage", true},
		{StorageImport, "modos/internal/infra/blob/s3", true},
		{StorageImport, "modos/internal/blobs", false},
		{StorageImport, "modos/internal/schema", false},
		{CloudSDKImport, "github.com/aws/aws-sdk-go-v2/service/s3", true},
		{CloudSDKImport, "github.com/aws/smithy-go", true},
		{CloudSDKImport, "github.com/knakk/rdf", false},
		{Any(StorageImport, CloudSDKImport), "github.com/aws/aws-sdk-go-v2/config", true},
		{Any(), "modos/internal/core", false},
		{Under("modos/internal"), "modos/internal/core", true},
		{Under("modos/internal"), "internal/runtime/atomic", false},
		{Under("modos/internal"), "modos/internalx", false},
	}
	for _, c := range cases {
		if got := c.pred(c.in); got != c.want {
			t.Fatalf("predicate(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func writeGo(t *testing.T, dir, name, src string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(src), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestDirectImports(t *testing.T) {
	dir := t.TempDir()
	writeGo(t, dir, "a.go", "package tmp\nimport (\n\t\"fmt\"\n\t\"modos/internal/storage\"\n)\n")
	writeGo(t, dir, "b.go", "package tmp\nimport \"github.com/aws/smithy-go\"\n")
	writeGo(t, dir, "a_test.go", "package tmp\nimport \"modos/internal/blob\"\n")
	writeGo(t, dir, "notes.txt", "import \"modos/internal/blob\"")
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o750); err != nil {
		t.Fatal(err)
	}
	writeGo(t, filepath.Join(dir, "sub"), "c.go", "package sub\nimport \"modos/internal/infra/blob\"\n")

	got, err := directImports(dir, Any(StorageImport, CloudSDKImport))
	if err != nil {
		t.Fatalf("directImports: %v", err)
	}
	want := []string{"github.com/aws/smithy-go (b.go)", "modos/internal/storage (a.go)"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("violations mismatch (-want +got):\n%s", diff)
	}

	AssertNoDirectImports(t, dir, func(p string) bool { return p == "modos/internal/blob" }, "only the test file imports blob")
}

func TestDirectImportsRejectsBrokenSource(t *testing.T) {
	dir := t.TempDir()
	writeGo(t, dir, "x.go", "package tmp\nimport \"fmt")
	if _, err := directImports(dir, InternalImport); err == nil {
		t.Fatalf("expected a parse error")
	}
}

func TestTransitiveDependencies(t *testing.T) {
	orig := goListDeps
	t.Cleanup(func() { goListDeps = orig })
	goListDeps = func(string) ([]byte, error) {
		return []byte("fmt\nmodos/pkg/domain\n\ngithub.com/aws/aws-sdk-go-v2/aws\n"), nil
	}
	got := matching([]string{"fmt", " modos/internal/blob ", ""}, StorageImport)
	if diff := cmp.Diff([]string{"modos/internal/blob"}, got); diff != "" {
		t.Fatalf("matching mismatch (-want +got):\n%s", diff)
	}
	AssertNoTransitiveDependency(t, "./...", InternalImport, "stubbed listing")
}
