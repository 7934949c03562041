package source

import (
	"context"
	"path/filepath"

	"github.com/Paficent/pesde/pkg/errors"
	"github.com/Paficent/pesde/pkg/manifest"
)

// WorkspaceSource serves a workspace member's source tree in place.
// Contents are never copied into the store; the linker links the
// member's directory directly.
type WorkspaceSource struct {
	member  manifest.PackageName
	dir     string // absolute member directory
	rootRel string // member directory relative to the project root
}

// NewWorkspace creates a driver for one member of the root project's
// workspace. dir must contain the member's manifest.
func NewWorkspace(member manifest.PackageName, dir, rootRel string) *WorkspaceSource {
	return &WorkspaceSource{member: member, dir: dir, rootRel: rootRel}
}

// Ref returns the workspace reference for this member.
func (s *WorkspaceSource) Ref() Ref {
	return Ref{Kind: RefWorkspace, Member: s.member.String(), Dir: filepath.ToSlash(s.rootRel)}
}

// Refresh is a no-op; member manifests are read from disk on demand.
func (s *WorkspaceSource) Refresh(ctx context.Context) error { return nil }

// ListVersions reports the member's declared version as the single
// exact-pin candidate.
func (s *WorkspaceSource) ListVersions(ctx context.Context, name manifest.PackageName, consumer manifest.TargetKind) ([]VersionEntry, error) {
	m, err := manifest.Load(s.dir)
	if err != nil {
		return nil, err
	}
	if m.PackageName() != s.member {
		return nil, errors.New(errors.ErrCodeNotFound,
			"workspace member at %s is %s, not %s", s.dir, m.PackageName(), s.member)
	}
	return []VersionEntry{{Version: m.SemVersion(), Target: m.Target, ExactPin: true}}, nil
}

// FetchManifest reads the member's manifest from disk.
func (s *WorkspaceSource) FetchManifest(ctx context.Context, id PackageID) (*manifest.Manifest, error) {
	return manifest.Load(s.dir)
}

// FetchContents exposes the member's source tree for in-place linking.
func (s *WorkspaceSource) FetchContents(ctx context.Context, id PackageID) (Contents, error) {
	return Contents{LocalDir: s.dir}, nil
}

var _ Driver = (*WorkspaceSource)(nil)

// PathSource serves a local directory named by a dev dependency of the
// root manifest. It behaves like a workspace member without membership
// registration and is rejected outside dev context at manifest
// validation time.
type PathSource struct {
	dir     string
	rootRel string
}

// NewPath creates a driver for a root-relative directory.
func NewPath(dir, rootRel string) *PathSource {
	return &PathSource{dir: dir, rootRel: rootRel}
}

// Ref returns the path reference.
func (s *PathSource) Ref() Ref {
	return Ref{Kind: RefPath, Dir: filepath.ToSlash(s.rootRel)}
}

// Refresh is a no-op.
func (s *PathSource) Refresh(ctx context.Context) error { return nil }

// ListVersions reports the directory manifest's version as the single
// exact-pin candidate.
func (s *PathSource) ListVersions(ctx context.Context, name manifest.PackageName, consumer manifest.TargetKind) ([]VersionEntry, error) {
	m, err := manifest.Load(s.dir)
	if err != nil {
		return nil, err
	}
	return []VersionEntry{{Version: m.SemVersion(), Target: m.Target, ExactPin: true}}, nil
}

// FetchManifest reads the directory's manifest.
func (s *PathSource) FetchManifest(ctx context.Context, id PackageID) (*manifest.Manifest, error) {
	return manifest.Load(s.dir)
}

// FetchContents exposes the directory for in-place linking.
func (s *PathSource) FetchContents(ctx context.Context, id PackageID) (Contents, error) {
	return Contents{LocalDir: s.dir}, nil
}

var _ Driver = (*PathSource)(nil)
