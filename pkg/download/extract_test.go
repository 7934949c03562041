package download

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/Paficent/pesde/pkg/errors"
)

type tarEntry struct {
	name     string
	body     string
	mode     int64
	typeflag byte
	linkname string
}

func makeTarball(t *testing.T, entries []tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		hdr := &tar.Header{
			Name:     e.name,
			Mode:     e.mode,
			Typeflag: e.typeflag,
			Linkname: e.linkname,
		}
		if hdr.Typeflag == 0 {
			hdr.Typeflag = tar.TypeReg
		}
		if hdr.Mode == 0 {
			hdr.Mode = 0644
		}
		if hdr.Typeflag == tar.TypeReg {
			hdr.Size = int64(len(e.body))
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if hdr.Typeflag == tar.TypeReg {
			if _, err := tw.Write([]byte(e.body)); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestExtractBasic(t *testing.T) {
	data := makeTarball(t, []tarEntry{
		{name: "pesde.toml", body: "name = \"a/b\"\n"},
		{name: "src/init.luau", body: "return {}\n"},
		{name: "bin/run", body: "#!/usr/bin/env lune\n", mode: 0755},
	})

	dest := t.TempDir()
	res, err := Extract(bytes.NewReader(data), dest, "")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if res.Entries != 3 {
		t.Errorf("entries = %d, want 3", res.Entries)
	}
	if !strings.HasPrefix(res.Digest, "sha256:") {
		t.Errorf("digest = %q", res.Digest)
	}

	body, err := os.ReadFile(filepath.Join(dest, "src", "init.luau"))
	if err != nil {
		t.Fatalf("read extracted file: %v", err)
	}
	if string(body) != "return {}\n" {
		t.Errorf("body = %q", body)
	}

	info, err := os.Stat(filepath.Join(dest, "bin", "run"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode()&0111 == 0 {
		t.Error("executable bit not preserved")
	}
}

func TestExtractDigestVerification(t *testing.T) {
	data := makeTarball(t, []tarEntry{{name: "a.txt", body: "hello"}})

	// Correct digest passes.
	dest := t.TempDir()
	res, err := Extract(bytes.NewReader(data), dest, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Extract(bytes.NewReader(data), t.TempDir(), res.Digest); err != nil {
		t.Errorf("matching digest rejected: %v", err)
	}

	// Wrong digest fails.
	_, err = Extract(bytes.NewReader(data), t.TempDir(), "sha256:"+strings.Repeat("0", 64))
	if !errors.Is(err, errors.ErrCodeDigestMismatch) {
		t.Errorf("error = %v, want DIGEST_MISMATCH", err)
	}
}

func TestExtractRejectsEscapes(t *testing.T) {
	tests := []struct {
		name    string
		entries []tarEntry
	}{
		{"absolute path", []tarEntry{{name: "/etc/passwd", body: "x"}}},
		{"dotdot", []tarEntry{{name: "../outside.txt", body: "x"}}},
		{"nested dotdot", []tarEntry{{name: "a/../../outside.txt", body: "x"}}},
		{"backslash", []tarEntry{{name: `a\b.txt`, body: "x"}}},
		{"symlink out", []tarEntry{{name: "link", typeflag: tar.TypeSymlink, linkname: "../../etc"}}},
		{"absolute symlink", []tarEntry{{name: "link", typeflag: tar.TypeSymlink, linkname: "/etc"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := makeTarball(t, tt.entries)
			_, err := Extract(bytes.NewReader(data), t.TempDir(), "")
			if !errors.Is(err, errors.ErrCodePathEscape) {
				t.Errorf("error = %v, want PATH_ESCAPE", err)
			}
		})
	}
}

func TestExtractNoEscapeInvariant(t *testing.T) {
	// Whatever the archive contains, every path written stays under dest.
	data := makeTarball(t, []tarEntry{
		{name: "ok.txt", body: "fine"},
		{name: "deep/../sibling.txt", body: "also fine after cleaning"},
	})

	parent := t.TempDir()
	dest := filepath.Join(parent, "pkg")
	if err := os.MkdirAll(dest, 0755); err != nil {
		t.Fatal(err)
	}
	if _, err := Extract(bytes.NewReader(data), dest, ""); err != nil {
		t.Fatalf("Extract: %v", err)
	}

	err := filepath.Walk(parent, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(parent, path)
		if rel != "." && rel != "pkg" && !strings.HasPrefix(rel, "pkg"+string(filepath.Separator)) {
			t.Errorf("file escaped extraction root: %s", path)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestExtractStripsSharedTopDir(t *testing.T) {
	data := makeTarball(t, []tarEntry{
		{name: "pkg-1.0.0/", typeflag: tar.TypeDir, mode: 0755},
		{name: "pkg-1.0.0/pesde.toml", body: "name = \"a/b\"\n"},
		{name: "pkg-1.0.0/src/init.luau", body: "return {}\n"},
	})

	dest := t.TempDir()
	if _, err := Extract(bytes.NewReader(data), dest, ""); err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "pesde.toml")); err != nil {
		t.Error("shared top dir should be stripped")
	}
	if _, err := os.Stat(filepath.Join(dest, "pkg-1.0.0")); !os.IsNotExist(err) {
		t.Error("top dir should be removed after stripping")
	}
}

func TestExtractKeepsDistinctTopDirs(t *testing.T) {
	data := makeTarball(t, []tarEntry{
		{name: "src/a.luau", body: "x"},
		{name: "pesde.toml", body: "y"},
	})

	dest := t.TempDir()
	if _, err := Extract(bytes.NewReader(data), dest, ""); err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "src", "a.luau")); err != nil {
		t.Error("distinct top-level entries must not be restructured")
	}
}

func TestExtractBelowEntryCountCap(t *testing.T) {
	// An archive with 128 entries, well under MaxEntryCount, extracts
	// without tripping the entry-count check.
	entries := make([]tarEntry, 0, 128)
	for i := 0; i < 128; i++ {
		entries = append(entries, tarEntry{name: filepath.Join("d", string(rune('a'+i%26))+string(rune('a'+i/26)))})
	}
	data := makeTarball(t, entries)
	if _, err := Extract(bytes.NewReader(data), t.TempDir(), ""); err != nil {
		t.Fatalf("128 entries should extract: %v", err)
	}
}

func TestPackExtractRoundTrip(t *testing.T) {
	src := t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "src"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "pesde.toml"), []byte("name = \"a/b\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "src", "init.luau"), []byte("return {}\n"), 0644); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	digest1, err := Pack(src, &buf, nil)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}

	dest := t.TempDir()
	res, err := Extract(bytes.NewReader(buf.Bytes()), dest, digest1)
	if err != nil {
		t.Fatalf("Extract of packed archive: %v", err)
	}
	if res.Digest != digest1 {
		t.Errorf("digest mismatch: pack %s, extract %s", digest1, res.Digest)
	}

	body, err := os.ReadFile(filepath.Join(dest, "src", "init.luau"))
	if err != nil || string(body) != "return {}\n" {
		t.Errorf("round-trip body = %q, err %v", body, err)
	}

	// Deterministic: packing again yields the same digest.
	var buf2 bytes.Buffer
	digest2, err := Pack(src, &buf2, nil)
	if err != nil {
		t.Fatal(err)
	}
	if digest1 != digest2 {
		t.Error("Pack is not deterministic")
	}
}

func TestPackSkip(t *testing.T) {
	src := t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "packages"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "packages", "dep.luau"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "keep.luau"), []byte("y"), 0644); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if _, err := Pack(src, &buf, func(rel string) bool { return rel == "packages" }); err != nil {
		t.Fatalf("Pack: %v", err)
	}

	dest := t.TempDir()
	if _, err := Extract(bytes.NewReader(buf.Bytes()), dest, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dest, "packages")); !os.IsNotExist(err) {
		t.Error("skipped directory was packed")
	}
	if _, err := os.Stat(filepath.Join(dest, "keep.luau")); err != nil {
		t.Error("kept file missing")
	}
}
