package source

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/Paficent/pesde/pkg/cache"
	"github.com/Paficent/pesde/pkg/errors"
	"github.com/Paficent/pesde/pkg/manifest"
)

// Set constructs drivers for one engine run. Registry drivers are
// memoized per index URL and git drivers per repository and rev, so
// callers asking for the same index or the same repository+rev share one
// instance; each index and each git repository is refreshed at most once
// per run. Workspace and path drivers are built fresh on every call.
type Set struct {
	DataDir string
	RootDir string
	Indices map[string]string // index alias -> URL
	Tokens  map[string]string // index URL -> bearer token
	Cache   cache.Cache
	Logger  *log.Logger

	mu        sync.Mutex
	drivers   map[string]Driver
	refreshed map[string]bool
	members   map[string]memberDir
}

type memberDir struct {
	abs string
	rel string
}

// LoadWorkspace registers the root manifest's workspace members so that
// workspace specifiers can resolve. Each member path must contain a
// manifest naming the member.
func (s *Set) LoadWorkspace(root *manifest.Manifest) error {
	if root.Workspace == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.members == nil {
		s.members = make(map[string]memberDir)
	}
	for _, rel := range root.Workspace.Members {
		abs := filepath.Join(s.RootDir, rel)
		m, err := manifest.Load(abs)
		if err != nil {
			return errors.Wrap(errors.GetCode(err), err, "workspace member %s", rel)
		}
		s.members[m.PackageName().String()] = memberDir{abs: abs, rel: rel}
	}
	return nil
}

// For resolves a dependency specifier to its driver and concrete ref.
// Git rev specs are resolved to commits here; registry specs yield a
// versionless ref that the resolver completes.
func (s *Set) For(ctx context.Context, spec manifest.DependencySpec) (Driver, Ref, error) {
	kind, err := spec.Kind()
	if err != nil {
		return nil, Ref{}, err
	}

	switch kind {
	case manifest.SpecRegistry:
		alias := spec.Index
		if alias == "" {
			alias = manifest.DefaultIndexName
		}
		url, ok := s.Indices[alias]
		if !ok {
			return nil, Ref{}, errors.New(errors.ErrCodeManifestParse, "index alias %q is not defined", alias)
		}
		d, err := s.registry(ctx, url)
		if err != nil {
			return nil, Ref{}, err
		}
		return d, d.Ref(), nil

	case manifest.SpecGit:
		d, err := s.gitDriver(ctx, spec.Repo, spec.Rev)
		if err != nil {
			return nil, Ref{}, err
		}
		if _, err := d.ResolveRev(ctx); err != nil {
			return nil, Ref{}, err
		}
		return d, d.Ref(), nil

	case manifest.SpecWorkspace:
		name, err := manifest.ParsePackageName(spec.Workspace)
		if err != nil {
			return nil, Ref{}, err
		}
		s.mu.Lock()
		member, ok := s.members[name.String()]
		s.mu.Unlock()
		if !ok {
			return nil, Ref{}, errors.New(errors.ErrCodeNotFound, "%s is not a member of this workspace", name)
		}
		d := NewWorkspace(name, member.abs, member.rel)
		return d, d.Ref(), nil

	default: // manifest.SpecPath
		rel := spec.Path
		d := NewPath(filepath.Join(s.RootDir, rel), rel)
		return d, d.Ref(), nil
	}
}

// ForRef reconstructs the driver for a ref recorded in a lockfile.
func (s *Set) ForRef(ctx context.Context, ref Ref) (Driver, error) {
	switch ref.Kind {
	case RefRegistry:
		return s.registry(ctx, ref.IndexURL)
	case RefGit:
		d, err := s.gitDriver(ctx, ref.RepoURL, ref.Commit)
		if err != nil {
			return nil, err
		}
		d.commit = ref.Commit
		return d, nil
	case RefWorkspace:
		name, err := manifest.ParsePackageName(ref.Member)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		member, ok := s.members[name.String()]
		s.mu.Unlock()
		if !ok {
			return nil, errors.New(errors.ErrCodeNotFound, "%s is not a member of this workspace", name)
		}
		return NewWorkspace(name, member.abs, member.rel), nil
	default:
		return NewPath(filepath.Join(s.RootDir, ref.Dir), ref.Dir), nil
	}
}

func (s *Set) registry(ctx context.Context, url string) (*RegistrySource, error) {
	s.mu.Lock()
	if s.drivers == nil {
		s.drivers = make(map[string]Driver)
		s.refreshed = make(map[string]bool)
	}
	key := "registry:" + url
	d, ok := s.drivers[key]
	if !ok {
		d = NewRegistry(url, s.DataDir, s.Tokens[url], s.Cache, s.Logger)
		s.drivers[key] = d
	}
	needRefresh := !s.refreshed[key]
	s.refreshed[key] = true
	s.mu.Unlock()

	reg := d.(*RegistrySource)
	if needRefresh {
		if err := reg.Refresh(ctx); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func (s *Set) gitDriver(ctx context.Context, repoURL, rev string) (*GitSource, error) {
	s.mu.Lock()
	if s.drivers == nil {
		s.drivers = make(map[string]Driver)
		s.refreshed = make(map[string]bool)
	}
	key := "git:" + repoURL + "#" + rev
	d, ok := s.drivers[key]
	if !ok {
		d = NewGit(repoURL, rev, s.DataDir, s.Logger)
		s.drivers[key] = d
	}
	needRefresh := !s.refreshed["git:"+repoURL]
	s.refreshed["git:"+repoURL] = true
	s.mu.Unlock()

	g := d.(*GitSource)
	if needRefresh {
		if err := g.Refresh(ctx); err != nil {
			return nil, err
		}
	}
	return g, nil
}

var _ Provider = (*Set)(nil)
