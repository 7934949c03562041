package project

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/klauspost/compress/gzip"

	"github.com/Paficent/pesde/pkg/config"
	"github.com/Paficent/pesde/pkg/errors"
	"github.com/Paficent/pesde/pkg/lockfile"
	"github.com/Paficent/pesde/pkg/manifest"
	"github.com/Paficent/pesde/pkg/source"
	"github.com/Paficent/pesde/pkg/store"
)

// memDriver serves one package universe from memory, including
// tarballs for FetchContents.
type memDriver struct {
	ref       source.Ref
	entries   map[string][]source.VersionEntry
	manifests map[string]*manifest.Manifest
	files     map[string]map[string]string // "name@version target" -> files
	fetches   int
}

func (d *memDriver) Refresh(ctx context.Context) error { return nil }

func (d *memDriver) ListVersions(ctx context.Context, name manifest.PackageName, consumer manifest.TargetKind) ([]source.VersionEntry, error) {
	all, ok := d.entries[name.String()]
	if !ok {
		return nil, errors.New(errors.ErrCodeNotFound, "package %s not found", name)
	}
	var out []source.VersionEntry
	for _, e := range all {
		if consumer.Compatible(e.Target.Kind) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (d *memDriver) FetchManifest(ctx context.Context, id source.PackageID) (*manifest.Manifest, error) {
	if m, ok := d.manifests[id.String()]; ok {
		return m, nil
	}
	return &manifest.Manifest{
		Name:    id.Name.String(),
		Version: id.Version,
		Target:  manifest.Target{Kind: id.Target, Lib: "lib.luau"},
	}, nil
}

func (d *memDriver) FetchContents(ctx context.Context, id source.PackageID) (source.Contents, error) {
	files, ok := d.files[id.String()]
	if !ok {
		return source.Contents{}, errors.New(errors.ErrCodeNotFound, "no contents for %s", id)
	}
	d.fetches++

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, body := range files {
		hdr := &tar.Header{Name: name, Mode: 0644, Size: int64(len(body))}
		if err := tw.WriteHeader(hdr); err != nil {
			return source.Contents{}, err
		}
		if _, err := tw.Write([]byte(body)); err != nil {
			return source.Contents{}, err
		}
	}
	tw.Close()
	gz.Close()

	return source.Contents{
		Reader: io.NopCloser(bytes.NewReader(buf.Bytes())),
	}, nil
}

func (d *memDriver) For(ctx context.Context, spec manifest.DependencySpec) (source.Driver, source.Ref, error) {
	return d, d.ref, nil
}

func (d *memDriver) ForRef(ctx context.Context, ref source.Ref) (source.Driver, error) {
	return d, nil
}

func testProject(t *testing.T, deps string, driver *memDriver) *Project {
	t.Helper()
	root := t.TempDir()

	doc := `
name = "acme/app"
version = "0.1.0"

[target]
kind = "lune"
lib = "src/init.luau"

[indices]
default = "https://github.com/acme/index"
` + deps
	if err := os.WriteFile(filepath.Join(root, manifest.Filename), []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}

	st, err := store.New(filepath.Join(t.TempDir(), "store"), nil)
	if err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{LockTimeoutSeconds: 2, Tokens: map[string]string{}, DefaultIndex: "https://github.com/acme/index", CacheBackend: "none"}
	return &Project{
		Root:    root,
		Config:  cfg,
		DataDir: t.TempDir(),
		Store:   st,
		Drivers: driver,
	}
}

func helloDriver() *memDriver {
	ref := source.Ref{Kind: source.RefRegistry, IndexURL: "https://github.com/acme/index"}
	return &memDriver{
		ref: ref,
		entries: map[string][]source.VersionEntry{
			"scope/hello": {
				{Version: semver.MustParse("1.0.0"), Target: manifest.Target{Kind: manifest.TargetLune, Lib: "init.luau"}},
				{Version: semver.MustParse("1.1.0"), Target: manifest.Target{Kind: manifest.TargetLune, Lib: "init.luau"}},
				{Version: semver.MustParse("2.0.0"), Target: manifest.Target{Kind: manifest.TargetLune, Lib: "init.luau"}},
			},
		},
		files: map[string]map[string]string{
			"scope/hello@1.1.0 lune": {"init.luau": "return {hello = true}\n"},
		},
	}
}

func TestInstallEndToEnd(t *testing.T) {
	p := testProject(t, `
[dependencies]
hello = { name = "scope/hello", version = "^1.0.0" }
`, helloDriver())

	g, err := p.Install(context.Background(), InstallOptions{})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if len(g.Nodes) != 1 {
		t.Fatalf("nodes = %d", len(g.Nodes))
	}

	// Lockfile written with the chosen version and an integrity digest.
	f, err := lockfile.Load(p.Root)
	if err != nil || f == nil {
		t.Fatalf("lockfile: %v", err)
	}
	if len(f.Packages) != 1 || f.Packages[0].Version != "1.1.0" {
		t.Fatalf("locked packages = %+v", f.Packages)
	}
	if !strings.HasPrefix(f.Packages[0].Integrity, "sha256:") {
		t.Errorf("integrity = %q", f.Packages[0].Integrity)
	}

	// Stub exists and points into the container.
	stub, err := os.ReadFile(filepath.Join(p.Root, "packages", "hello.luau"))
	if err != nil {
		t.Fatalf("stub: %v", err)
	}
	if !strings.Contains(string(stub), "scope+hello/1.1.0/lune") {
		t.Errorf("stub = %q", stub)
	}
}

func TestInstallIdempotent(t *testing.T) {
	driver := helloDriver()
	p := testProject(t, `
[dependencies]
hello = { name = "scope/hello", version = "^1.0.0" }
`, driver)

	if _, err := p.Install(context.Background(), InstallOptions{}); err != nil {
		t.Fatal(err)
	}
	first := driver.fetches

	if _, err := p.Install(context.Background(), InstallOptions{}); err != nil {
		t.Fatal(err)
	}
	if driver.fetches != first {
		t.Errorf("second install fetched %d more tarballs", driver.fetches-first)
	}
}

func TestLockedRejectsDrift(t *testing.T) {
	driver := helloDriver()
	driver.files["scope/hello@2.0.0 lune"] = map[string]string{"init.luau": "return {}\n"}
	p := testProject(t, `
[dependencies]
hello = { name = "scope/hello", version = "^1.0.0" }
`, driver)

	if _, err := p.Install(context.Background(), InstallOptions{}); err != nil {
		t.Fatal(err)
	}

	// Manifest moves to ^2; --locked must refuse.
	doc, err := os.ReadFile(filepath.Join(p.Root, manifest.Filename))
	if err != nil {
		t.Fatal(err)
	}
	moved := strings.Replace(string(doc), `version = "^1.0.0"`, `version = "^2.0.0"`, 1)
	if err := os.WriteFile(filepath.Join(p.Root, manifest.Filename), []byte(moved), 0644); err != nil {
		t.Fatal(err)
	}

	_, err = p.Install(context.Background(), InstallOptions{Locked: true})
	if !errors.Is(err, errors.ErrCodeLockfileOutdated) {
		t.Fatalf("error = %v, want LOCKFILE_OUTDATED", err)
	}

	// Without --locked, the lockfile is rewritten to 2.0.0.
	if _, err := p.Install(context.Background(), InstallOptions{}); err != nil {
		t.Fatal(err)
	}
	f, err := lockfile.Load(p.Root)
	if err != nil || f == nil {
		t.Fatal(err)
	}
	if f.Packages[0].Version != "2.0.0" {
		t.Errorf("locked version = %s, want 2.0.0", f.Packages[0].Version)
	}
}

func TestProjectLockContention(t *testing.T) {
	p := testProject(t, "", helloDriver())

	release, err := p.AcquireLock(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	p2 := *p
	p2.Config = &config.Config{LockTimeoutSeconds: 1, Tokens: map[string]string{}}
	_, err = p2.AcquireLock(context.Background())
	if !errors.Is(err, errors.ErrCodeProjectBusy) {
		t.Fatalf("error = %v, want PROJECT_BUSY", err)
	}
}
