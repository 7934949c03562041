package source

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/log"

	"github.com/Paficent/pesde/pkg/cache"
	"github.com/Paficent/pesde/pkg/errors"
	"github.com/Paficent/pesde/pkg/gitutil"
	"github.com/Paficent/pesde/pkg/manifest"
)

// GitSource serves a package straight from a git repository. The rev
// spec (branch, tag or commit) is resolved to a concrete commit once;
// after that the commit is the identity and the reported version is
// either the manifest's declared version or a synthetic
// "0.0.0+<shortsha>" treated as an exact pin.
type GitSource struct {
	repoURL string
	revSpec string
	dir     string
	git     *gitutil.Git
	logger  *log.Logger

	commit string
}

// NewGit creates a git driver for one repository+rev pair.
func NewGit(repoURL, revSpec, dataDir string, logger *log.Logger) *GitSource {
	dir := filepath.Join(dataDir, "git", cache.Hash([]byte(repoURL))[:16])
	return &GitSource{
		repoURL: repoURL,
		revSpec: revSpec,
		dir:     dir,
		git:     gitutil.New(dir, logger),
		logger:  logger,
	}
}

// Refresh mirrors the repository, or fetches if the mirror exists.
func (s *GitSource) Refresh(ctx context.Context) error {
	if _, err := os.Stat(filepath.Join(s.dir, "HEAD")); err != nil {
		if err := os.MkdirAll(filepath.Dir(s.dir), 0755); err != nil {
			return err
		}
		parent := gitutil.New(filepath.Dir(s.dir), s.logger)
		if _, err := parent.Run(ctx, "clone", "--mirror", s.repoURL, s.dir); err != nil {
			return errors.Wrap(errors.ErrCodeNetworkFatal, err, "clone %s", s.repoURL)
		}
		return nil
	}
	if _, err := s.git.Run(ctx, "fetch", "--prune", "origin"); err != nil {
		return errors.Wrap(errors.ErrCodeNetworkFatal, err, "fetch %s", s.repoURL)
	}
	return nil
}

// ResolveRev resolves the rev spec to a commit and pins the driver to
// it. Branch and tag names are tried as-is; a full or abbreviated
// commit id works directly.
func (s *GitSource) ResolveRev(ctx context.Context) (string, error) {
	if s.commit != "" {
		return s.commit, nil
	}
	commit, err := s.git.Run(ctx, "rev-parse", s.revSpec+"^{commit}")
	if err != nil {
		return "", errors.New(errors.ErrCodeNotFound, "rev %q not found in %s", s.revSpec, s.repoURL)
	}
	s.commit = commit
	return commit, nil
}

// Ref returns the resolved git reference. ResolveRev must have run.
func (s *GitSource) Ref() Ref {
	return Ref{Kind: RefGit, RepoURL: s.repoURL, Commit: s.commit}
}

// manifestAt reads and leniently parses the manifest at the pinned
// commit. The commit's tree must contain one at its root. A repository
// that never declared a version gets the synthetic pin.
func (s *GitSource) manifestAt(ctx context.Context) (*manifest.Manifest, error) {
	out, err := s.git.Output(ctx, "show", s.commit+":"+manifest.Filename)
	if err != nil {
		return nil, errors.New(errors.ErrCodeNotFound,
			"commit %s of %s has no %s at its root", shortCommit(s.commit), s.repoURL, manifest.Filename)
	}

	var m manifest.Manifest
	if _, err := toml.Decode(string(out), &m); err != nil {
		return nil, errors.Wrap(errors.ErrCodeManifestParse, err, "manifest at %s#%s", s.repoURL, shortCommit(s.commit))
	}
	if m.Version == "" {
		m.Version = "0.0.0+" + shortCommit(s.commit)
	}
	return &m, nil
}

// ListVersions reports the single candidate the pinned commit provides.
// Target compatibility for exact pins is enforced by the resolver so the
// error can cite the consumer.
func (s *GitSource) ListVersions(ctx context.Context, name manifest.PackageName, consumer manifest.TargetKind) ([]VersionEntry, error) {
	if _, err := s.ResolveRev(ctx); err != nil {
		return nil, err
	}
	m, err := s.manifestAt(ctx)
	if err != nil {
		return nil, err
	}
	v := m.SemVersion()
	if v == nil {
		return nil, errors.New(errors.ErrCodeInvalidVersion, "manifest at %s declares invalid version %q", s.Ref(), m.Version)
	}
	return []VersionEntry{{Version: v, Target: m.Target, ExactPin: true}}, nil
}

// FetchManifest returns the manifest at the pinned commit.
func (s *GitSource) FetchManifest(ctx context.Context, id PackageID) (*manifest.Manifest, error) {
	if s.commit == "" {
		s.commit = id.Ref.Commit
	}
	return s.manifestAt(ctx)
}

// FetchContents archives the pinned tree as a gzipped tarball. There is
// no upstream digest for raw git sources; the computed one is trusted on
// first fetch and recorded in the lockfile.
func (s *GitSource) FetchContents(ctx context.Context, id PackageID) (Contents, error) {
	commit := s.commit
	if commit == "" {
		commit = id.Ref.Commit
	}
	data, err := s.git.Output(ctx, "archive", "--format=tar.gz", commit)
	if err != nil {
		if strings.Contains(err.Error(), "not a valid object") {
			return Contents{}, errors.New(errors.ErrCodeNotFound, "commit %s missing from %s", shortCommit(commit), s.repoURL)
		}
		return Contents{}, errors.Wrap(errors.ErrCodeInternal, err, "archive %s", s.Ref())
	}
	return Contents{
		Reader: io.NopCloser(bytes.NewReader(data)),
		Digest: DigestBytes(data),
	}, nil
}

var _ Driver = (*GitSource)(nil)
