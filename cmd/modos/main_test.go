package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type result struct {
	code   int
	stdout string
	stderr string
}

func run(t *testing.T, args ...string) result {
	t.Helper()
	var out, errb bytes.Buffer
	code := cli(context.Background(), args, strings.NewReader(""), &out, &errb)
	return result{code: code, stdout: out.String(), stderr: errb.String()}
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	r := run(t, args...)
	if r.code != 0 {
		t.Fatalf("modos %s failed (%d): %s", strings.Join(args, " "), r.code, r.stderr)
	}
	return r.stdout
}

func writeFile(t *testing.T, p, content string) string {
	t.Helper()
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestObjectLifecycle(t *testing.T) {
	dir := t.TempDir()
	loc := filepath.Join(dir, "ex")
	reads := writeFile(t, filepath.Join(dir, "calls.vcf"), "##fileformat=VCFv4.2\n#CHROM\tPOS\tID\tREF\tALT\tQUAL\tFILTER\tINFO\nchr1\t10\t.\tA\tG\t.\t.\t.\n")

	if out := mustRun(t, "create", loc, "--meta", "{description: cli demo}"); !strings.Contains(out, "created ex") {
		t.Fatalf("unexpected create output %q", out)
	}
	mustRun(t, "add", loc, "-t", "Assay", "-a", "{name: a1, omics_type: GENOMICS}")
	mustRun(t, "add", loc, "-t", "Sample", "-a", "{name: s1, sex: Female}", "-p", "assay/a1")
	mustRun(t, "add", loc, "-t", "DataEntity", "-a", "{name: calls, data_format: VCF, has_sample: s1}", "-p", "assay/a1", "-s", reads)

	if out := mustRun(t, "show", loc, "--files"); strings.TrimSpace(out) != "data/calls.vcf" {
		t.Fatalf("unexpected files %q", out)
	}
	if out := mustRun(t, "show", loc, "--samples"); !strings.HasPrefix(out, "sample/s1\tSample\ts1") {
		t.Fatalf("unexpected samples %q", out)
	}
	if out := mustRun(t, "show", loc, "data"); !strings.Contains(out, "ex/data/calls:") || !strings.Contains(out, "sample/s1") {
		t.Fatalf("unexpected contents %q", out)
	}
	if out := mustRun(t, "show", loc, "--rdf", "ntriples"); !strings.Contains(out, "cli demo") {
		t.Fatalf("graph misses the root description:\n%s", out)
	}

	mustRun(t, "update", loc, "sample/s1", "-a", "{sex: null, description: updated}")
	if out := mustRun(t, "show", loc, "sample/s1"); strings.Contains(out, "Female") || !strings.Contains(out, "updated") {
		t.Fatalf("update not applied:\n%s", out)
	}

	streamed := mustRun(t, "stream", loc, "data/calls.vcf")
	if !strings.Contains(streamed, "chr1\t10") {
		t.Fatalf("unexpected stream output %q", streamed)
	}

	mustRun(t, "remove", loc, "sample/s1")
	if out := mustRun(t, "show", loc, "--samples"); out != "" {
		t.Fatalf("sample not removed: %q", out)
	}
	if r := run(t, "remove", loc); r.code == 0 || !strings.Contains(r.stderr, "--force") {
		t.Fatalf("expected refusal without --force, got %+v", r)
	}
	mustRun(t, "remove", loc, "--force")
	if r := run(t, "show", loc); r.code == 0 || !strings.Contains(r.stderr, "not found") {
		t.Fatalf("expected the deleted object to be gone, got %+v", r)
	}
}

func TestCreateFromBuildFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "reads.cram"), "CRAM-payload")
	buildFile := writeFile(t, filepath.Join(dir, "build.yaml"), `
- element: {"@type": MODO, description: from file}
- element: {"@type": Assay, id: a1, name: assay 1, omics_type: GENOMICS}
- element: {"@type": DataEntity, id: d1, name: reads, data_format: CRAM}
  args: {source_file: reads.cram, part_of: a1}
`)
	loc := filepath.Join(dir, "ex")
	out := mustRun(t, "create", loc, "-f", buildFile)
	if !strings.Contains(out, "created ex: 2 added, 0 updated, 0 removed") {
		t.Fatalf("unexpected output %q", out)
	}
	out = mustRun(t, "create", loc, "-f", buildFile)
	if !strings.Contains(out, "updated ex: 0 added, 2 updated, 0 removed") {
		t.Fatalf("unexpected output on rebuild %q", out)
	}
}

func TestCryptRoundTrip(t *testing.T) {
	dir := t.TempDir()
	loc := filepath.Join(dir, "ex")
	reads := writeFile(t, filepath.Join(dir, "reads.bam"), "alignment payload")
	pub, sec := filepath.Join(dir, "k.pub"), filepath.Join(dir, "k.sec")

	mustRun(t, "create", loc)
	mustRun(t, "add", loc, "-t", "DataEntity", "-a", "{name: reads, data_format: BAM}", "-s", reads)
	mustRun(t, "c4gh", "keygen", "--public", pub, "--secret", sec)

	mustRun(t, "c4gh", "encrypt", loc, "--recipient", pub)
	if out := mustRun(t, "show", loc, "--files"); strings.TrimSpace(out) != "data/reads.bam.c4gh" {
		t.Fatalf("unexpected files after encryption %q", out)
	}
	mustRun(t, "c4gh", "decrypt", loc, "--secret", sec)
	got, err := os.ReadFile(filepath.Join(loc, "data", "reads.bam"))
	if err != nil || string(got) != "alignment payload" {
		t.Fatalf("decrypted payload %q, %v", got, err)
	}
	if r := run(t, "c4gh", "encrypt", loc); r.code == 0 {
		t.Fatalf("expected encrypt without recipients to fail")
	}
}

func TestCodesFromTermsFile(t *testing.T) {
	dir := t.TempDir()
	terms := writeFile(t, filepath.Join(dir, "terms.yaml"), `
cell_type:
  - {label: T cell, uri: "http://purl.obolibrary.org/obo/CL_0000084"}
  - {label: B cell, uri: "http://purl.obolibrary.org/obo/CL_0000236"}
`)
	t.Setenv("MODOS_CODES_TERMS_FILE", terms)
	out := mustRun(t, "codes", "cell_type", "b cell", "-n", "1")
	if strings.TrimSpace(out) != "http://purl.obolibrary.org/obo/CL_0000236\tB cell" {
		t.Fatalf("unexpected codes %q", out)
	}
	if r := run(t, "codes", "colour", "red"); r.code == 0 {
		t.Fatalf("expected unknown slot to fail")
	}
}

func TestRemoteServicesAndCatalog(t *testing.T) {
	t.Setenv("MODOS_SERVICES_HTSGET", "http://localhost/htsget")
	out := mustRun(t, "remote", "services", "--s3-endpoint", "http://localhost:9000")
	if !strings.Contains(out, "htsget\thttp://localhost/htsget") || !strings.Contains(out, "s3\thttp://localhost:9000") {
		t.Fatalf("unexpected services %q", out)
	}
	if out := mustRun(t, "catalog", "list"); out != "" {
		t.Fatalf("expected an empty memory catalog, got %q", out)
	}
	if r := run(t, "remote", "search", "demo"); r.code == 0 || !strings.Contains(r.stderr, "--server") {
		t.Fatalf("expected search without a server to fail, got %+v", r)
	}
}

func TestConfigErrors(t *testing.T) {
	t.Setenv("MODOS_METRICS", "statsd")
	if r := run(t, "catalog", "list"); r.code != 1 || !strings.Contains(r.stderr, "unknown recorder") {
		t.Fatalf("expected config failure, got %+v", r)
	}
}

func TestMetricsAreLogged(t *testing.T) {
	t.Setenv("MODOS_METRICS", "prometheus")
	loc := filepath.Join(t.TempDir(), "ex")
	r := run(t, "create", loc)
	if r.code != 0 {
		t.Fatalf("create failed: %s", r.stderr)
	}
	if !strings.Contains(r.stderr, "modos_operations_total") {
		t.Fatalf("expected metrics in the log, got %q", r.stderr)
	}
}
