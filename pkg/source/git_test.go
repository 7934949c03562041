package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/Paficent/pesde/pkg/download"
	"github.com/Paficent/pesde/pkg/gitutil"
	"github.com/Paficent/pesde/pkg/manifest"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
}

// initRepo creates a git repository with the given files committed.
func initRepo(t *testing.T, files map[string]string) string {
	t.Helper()
	requireGit(t)

	dir := t.TempDir()
	for rel, body := range files {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(body), 0644); err != nil {
			t.Fatal(err)
		}
	}

	git := gitutil.New(dir, nil)
	ctx := context.Background()
	for _, args := range [][]string{
		{"init", "--quiet", "-b", "main"},
		{"config", "user.name", "test"},
		{"config", "user.email", "test@localhost"},
		{"add", "-A"},
		{"commit", "--quiet", "-m", "initial"},
	} {
		if _, err := git.Run(ctx, args...); err != nil {
			t.Fatalf("git %v: %v", args, err)
		}
	}
	return dir
}

func TestGitSourceEndToEnd(t *testing.T) {
	repo := initRepo(t, map[string]string{
		"pesde.toml": `
name = "acme/beam"
version = "2.1.0"

[target]
kind = "lune"
lib = "init.luau"
`,
		"init.luau": "return { beam = true }\n",
	})

	ctx := context.Background()
	s := NewGit(repo, "main", t.TempDir(), nil)
	if err := s.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	commit, err := s.ResolveRev(ctx)
	if err != nil {
		t.Fatalf("ResolveRev: %v", err)
	}
	if len(commit) != 40 {
		t.Errorf("commit = %q", commit)
	}

	entries, err := s.ListVersions(ctx, manifest.PackageName{}, manifest.TargetLune)
	if err != nil {
		t.Fatalf("ListVersions: %v", err)
	}
	if len(entries) != 1 || entries[0].Version.String() != "2.1.0" || !entries[0].ExactPin {
		t.Fatalf("entries = %+v", entries)
	}

	m, err := s.FetchManifest(ctx, PackageID{Ref: s.Ref()})
	if err != nil {
		t.Fatalf("FetchManifest: %v", err)
	}
	if m.PackageName().String() != "acme/beam" {
		t.Errorf("name = %s", m.PackageName())
	}

	contents, err := s.FetchContents(ctx, PackageID{Ref: s.Ref()})
	if err != nil {
		t.Fatalf("FetchContents: %v", err)
	}
	defer contents.Reader.Close()

	dest := t.TempDir()
	res, err := download.Extract(contents.Reader, dest, contents.Digest)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if res.Entries == 0 {
		t.Error("archive was empty")
	}
	body, err := os.ReadFile(filepath.Join(dest, "init.luau"))
	if err != nil || string(body) != "return { beam = true }\n" {
		t.Errorf("extracted body = %q, err %v", body, err)
	}
}

func TestGitSourceSyntheticVersion(t *testing.T) {
	repo := initRepo(t, map[string]string{
		"pesde.toml": `
name = "acme/raw"

[target]
kind = "lune"
lib = "init.luau"
`,
		"init.luau": "return {}\n",
	})

	ctx := context.Background()
	s := NewGit(repo, "main", t.TempDir(), nil)
	if err := s.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ResolveRev(ctx); err != nil {
		t.Fatal(err)
	}

	entries, err := s.ListVersions(ctx, manifest.PackageName{}, manifest.TargetLune)
	if err != nil {
		t.Fatal(err)
	}
	got := entries[0].Version
	if got.Major() != 0 || got.Metadata() == "" {
		t.Errorf("synthetic version = %s, want 0.0.0+<shortsha>", got)
	}
}

func TestGitSourceUnknownRev(t *testing.T) {
	repo := initRepo(t, map[string]string{"pesde.toml": "name = \"a/b\"\nversion = \"1.0.0\"\n\n[target]\nkind = \"lune\"\nlib = \"x.luau\"\n"})

	ctx := context.Background()
	s := NewGit(repo, "does-not-exist", t.TempDir(), nil)
	if err := s.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ResolveRev(ctx); err == nil {
		t.Error("unknown rev should fail to resolve")
	}
}

func TestRegistrySourceEndToEnd(t *testing.T) {
	// Object store serving one tarball.
	var tarball []byte
	{
		src := t.TempDir()
		if err := os.WriteFile(filepath.Join(src, "init.luau"), []byte("return { hello = true }\n"), 0644); err != nil {
			t.Fatal(err)
		}
		var err error
		tarball, err = packDir(src)
		if err != nil {
			t.Fatal(err)
		}
	}
	digest := DigestBytes(tarball)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write(tarball)
	}))
	defer server.Close()

	// Index repository with two published versions.
	index := initRepo(t, map[string]string{
		"scope/hello": fmt.Sprintf(
			`{"version":"1.0.0","target":{"kind":"lune","lib":"init.luau"},"tarball_url":"%s/v1.0.0.tar.gz","digest":"sha256:dead"}
{"version":"1.1.0","target":{"kind":"lune","lib":"init.luau"},"tarball_url":"%s/v1.1.0.tar.gz","digest":"%s"}
`, server.URL, server.URL, digest),
	})

	ctx := context.Background()
	reg := NewRegistry(index, t.TempDir(), "s3cret", nil, nil)
	if err := reg.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	name := manifest.MustParsePackageName("scope/hello")
	entries, err := reg.ListVersions(ctx, name, manifest.TargetLune)
	if err != nil {
		t.Fatalf("ListVersions: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %+v", entries)
	}

	id := PackageID{Ref: reg.Ref(), Name: name, Version: "1.1.0", Target: manifest.TargetLune}
	m, err := reg.FetchManifest(ctx, id)
	if err != nil {
		t.Fatalf("FetchManifest: %v", err)
	}
	if m.Version != "1.1.0" || m.Target.Lib != "init.luau" {
		t.Errorf("manifest = %+v", m)
	}

	contents, err := reg.FetchContents(ctx, id)
	if err != nil {
		t.Fatalf("FetchContents: %v", err)
	}
	defer contents.Reader.Close()
	if contents.Digest != digest {
		t.Errorf("digest = %s, want %s", contents.Digest, digest)
	}

	data, err := io.ReadAll(contents.Reader)
	if err != nil {
		t.Fatal(err)
	}
	if DigestBytes(data) != digest {
		t.Error("served tarball does not match digest")
	}

	// Unknown package is NotFound.
	if _, err := reg.ListVersions(ctx, manifest.MustParsePackageName("scope/nope"), manifest.TargetLune); err == nil {
		t.Error("unknown package should be NotFound")
	}
}

// packDir builds a small gzipped tarball from a directory via the
// download pipeline's reverse direction.
func packDir(dir string) ([]byte, error) {
	var buf writerBuffer
	if _, err := download.Pack(dir, &buf, nil); err != nil {
		return nil, err
	}
	return buf.data, nil
}

type writerBuffer struct{ data []byte }

func (w *writerBuffer) Write(p []byte) (int, error) {
	w.data = append(w.data, p...)
	return len(p), nil
}
