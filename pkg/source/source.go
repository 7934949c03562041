// Package source provides a uniform contract over the heterogeneous
// package sources: a registry index, raw git repositories, workspace
// members and dev-only local paths.
//
// Every driver can list the versions a name is published at, fetch a
// package manifest, and fetch package contents. The resolver never cares
// which driver it is talking to; the [Ref] tagged union is the only
// place the distinction is visible, and it is carried verbatim into the
// lockfile.
package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"

	"github.com/Masterminds/semver/v3"

	"github.com/Paficent/pesde/pkg/manifest"
)

// RefKind discriminates the source reference variants.
type RefKind string

const (
	RefRegistry  RefKind = "registry"
	RefGit       RefKind = "git"
	RefWorkspace RefKind = "workspace"
	RefPath      RefKind = "path"
)

// Ref identifies where a package comes from. It is a tagged union: the
// Kind decides which of the other fields are meaningful.
type Ref struct {
	Kind RefKind `toml:"kind" json:"kind"`

	// Registry: the index repository URL.
	IndexURL string `toml:"index_url,omitempty" json:"index_url,omitempty"`

	// Git: repository URL and the resolved commit.
	RepoURL string `toml:"repo_url,omitempty" json:"repo_url,omitempty"`
	Commit  string `toml:"commit,omitempty" json:"commit,omitempty"`

	// Workspace: the member's package name.
	Member string `toml:"member,omitempty" json:"member,omitempty"`

	// Path: project-root-relative directory (dev only).
	Dir string `toml:"dir,omitempty" json:"dir,omitempty"`
}

// Class returns the unification key for the ref: the identity of the
// source ignoring anything version-shaped. Two specs whose refs share a
// class (and name, and target) resolve to one graph node.
func (r Ref) Class() string {
	switch r.Kind {
	case RefRegistry:
		return "registry:" + r.IndexURL
	case RefGit:
		// The commit is part of the identity: pins to two revisions of
		// one repository are distinct nodes, never unified.
		return "git:" + r.RepoURL + "#" + r.Commit
	case RefWorkspace:
		return "workspace:" + r.Member
	default:
		return "path:" + r.Dir
	}
}

// String renders the ref for logs.
func (r Ref) String() string {
	switch r.Kind {
	case RefGit:
		return fmt.Sprintf("%s#%s", r.RepoURL, shortCommit(r.Commit))
	default:
		return r.Class()
	}
}

func shortCommit(commit string) string {
	if len(commit) > 7 {
		return commit[:7]
	}
	return commit
}

// PackageID is the globally unique identity of one resolved package
// variant: where it comes from, what it is called, which version, and
// which target environment it was built for.
type PackageID struct {
	Ref     Ref
	Name    manifest.PackageName
	Version string
	Target  manifest.TargetKind
}

// String renders "scope/name@version target".
func (id PackageID) String() string {
	return fmt.Sprintf("%s@%s %s", id.Name, id.Version, id.Target)
}

// VersionID renders "version target", the per-name identity used in
// lockfiles and on-disk layouts.
func (id PackageID) VersionID() string {
	return id.Version + " " + string(id.Target)
}

// SemVersion parses the resolved version. Synthetic git versions
// (0.0.0+<sha>) parse fine; build metadata is ignored for ordering.
func (id PackageID) SemVersion() *semver.Version {
	v, _ := semver.NewVersion(id.Version)
	return v
}

// VersionEntry is one published (version, target) pair of a package.
type VersionEntry struct {
	Version *semver.Version
	Target  manifest.Target
	Yanked  bool

	// Exact pins (git, workspace, path) are not subject to semver
	// unification; the resolver treats their version as the only one.
	ExactPin bool
}

// Contents is what FetchContents returns: either a gzipped tarball
// stream with its expected digest, or a local directory that the linker
// links in place without copying (workspace and path sources).
type Contents struct {
	Reader   io.ReadCloser
	Digest   string // "sha256:<hex>", empty when unknown until hashed
	LocalDir string
}

// Driver is the uniform source contract.
type Driver interface {
	// Refresh brings source metadata up to date (clones or fetches the
	// registry index, updates git mirrors). Called at most once per
	// resolver run per source.
	Refresh(ctx context.Context) error

	// ListVersions returns every published (version, target) of name
	// whose target the consumer can link against. Exact-pin drivers
	// (git, workspace, path) return their single candidate without that
	// filter; the resolver checks its target. Order is undefined; use
	// [SortVersions] before picking.
	ListVersions(ctx context.Context, name manifest.PackageName, consumer manifest.TargetKind) ([]VersionEntry, error)

	// FetchManifest returns the manifest of one concrete package id.
	FetchManifest(ctx context.Context, id PackageID) (*manifest.Manifest, error)

	// FetchContents returns the package contents for materialization.
	FetchContents(ctx context.Context, id PackageID) (Contents, error)
}

// Provider hands out drivers for specs and lockfile refs. *Set is the
// production implementation; tests substitute in-memory providers.
type Provider interface {
	// For resolves a dependency specifier to its driver and concrete ref.
	For(ctx context.Context, spec manifest.DependencySpec) (Driver, Ref, error)

	// ForRef reconstructs the driver for a ref recorded in a lockfile.
	ForRef(ctx context.Context, ref Ref) (Driver, error)
}

// SortVersions orders entries by semver descending, so the first
// satisfying entry is the newest.
func SortVersions(entries []VersionEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Version.GreaterThan(entries[j].Version)
	})
}

// DigestBytes hashes data the way lockfiles record integrity.
func DigestBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// DigestReader hashes a stream; used when contents are consumed once.
func DigestReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}
