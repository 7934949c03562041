package project

import (
	"bytes"
	"context"
	"path/filepath"
	"reflect"

	"golang.org/x/sync/errgroup"

	"github.com/Paficent/pesde/pkg/download"
	"github.com/Paficent/pesde/pkg/errors"
	"github.com/Paficent/pesde/pkg/graph"
	"github.com/Paficent/pesde/pkg/linker"
	"github.com/Paficent/pesde/pkg/lockfile"
	"github.com/Paficent/pesde/pkg/manifest"
	"github.com/Paficent/pesde/pkg/patch"
	"github.com/Paficent/pesde/pkg/resolver"
	"github.com/Paficent/pesde/pkg/source"
)

// InstallOptions configures one install run.
type InstallOptions struct {
	// Locked fails with LockfileOutdated if resolution would change
	// the lockfile.
	Locked bool

	// Prod resolves dev dependencies (peer consistency requires it)
	// but skips their materialization.
	Prod bool

	// Policy forwards the update flags to the resolver.
	Policy resolver.Policy
}

// Install resolves, materializes and links the project, then writes the
// lockfile. It owns the project advisory lock for the duration.
func (p *Project) Install(ctx context.Context, opts InstallOptions) (*graph.Graph, error) {
	release, err := p.AcquireLock(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	m, err := p.Manifest()
	if err != nil {
		return nil, err
	}

	prev, err := lockfile.Load(p.Root)
	if err != nil {
		return nil, err
	}
	var prevGraph *graph.Graph
	if prev != nil && lockfileMatches(m, prev) {
		prevGraph, err = prev.ToGraph()
		if err != nil {
			return nil, err
		}
	}

	if opts.Locked && prevGraph == nil {
		return nil, errors.New(errors.ErrCodeLockfileOutdated,
			"lockfile is missing or out of sync with the manifest; run install without --locked")
	}

	var sources source.Provider = p.Drivers
	if sources == nil {
		set, err := p.Sources(m)
		if err != nil {
			return nil, err
		}
		sources = set
	}

	g, err := resolver.Resolve(ctx, resolver.Options{
		Root:    m,
		Sources: sources,
		Locked:  prevGraph,
		Policy:  opts.Policy,
		Logger:  p.Logger,
	})
	if err != nil {
		return nil, err
	}

	dirs, err := p.Download(ctx, g, sources, opts.Prod)
	if err != nil {
		return nil, err
	}

	patches, err := p.patchFiles(m, g)
	if err != nil {
		return nil, err
	}

	lk := &linker.Linker{ProjectRoot: p.Root, Logger: p.Logger}
	mode, err := lk.Link(ctx, g, dirs, patches, opts.Prod)
	if err != nil {
		return nil, err
	}

	next := lockfile.FromGraph(m, g, mode)
	if opts.Locked {
		nextData, err := next.Encode()
		if err != nil {
			return nil, err
		}
		prevData, err := prev.Encode()
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(nextData, prevData) {
			return nil, errors.New(errors.ErrCodeLockfileOutdated,
				"resolution would change the lockfile; run install without --locked")
		}
		return g, nil
	}

	if err := lockfile.Save(p.Root, next); err != nil {
		return nil, err
	}
	return g, nil
}

// Download materializes every non-local node into the store and returns
// the content directory per node, folding integrity digests back into
// the graph. Unrelated packages fetch in parallel; the store serializes
// duplicate ids.
func (p *Project) Download(ctx context.Context, g *graph.Graph, sources source.Provider, prod bool) (linker.ContentDirs, error) {
	ids := g.SortedIDs()
	dirs := make(linker.ContentDirs, len(ids))
	results := make([]string, len(ids))

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(8)

	for i, id := range ids {
		node := g.Nodes[id]
		if prod && node.DevOnly {
			continue
		}

		eg.Go(func() error {
			driver, err := sources.ForRef(ctx, id.Ref)
			if err != nil {
				return err
			}

			switch id.Ref.Kind {
			case source.RefWorkspace, source.RefPath:
				contents, err := driver.FetchContents(ctx, id)
				if err != nil {
					return err
				}
				results[i] = contents.LocalDir
				return nil
			}

			entry, err := p.Store.Ensure(ctx, id, func(ctx context.Context, dir string) (string, error) {
				contents, err := driver.FetchContents(ctx, id)
				if err != nil {
					return "", err
				}
				defer contents.Reader.Close()
				res, err := download.Extract(contents.Reader, filepath.Join(dir, "contents"), contents.Digest)
				if err != nil {
					return "", err
				}
				return res.Digest, nil
			})
			if err != nil {
				return err
			}
			results[i] = filepath.Join(entry, "contents")
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}

	for i, id := range ids {
		if results[i] == "" {
			continue
		}
		dirs[id] = results[i]
		node := g.Nodes[id]
		if id.Ref.Kind == source.RefRegistry || id.Ref.Kind == source.RefGit {
			if digest, err := p.Store.Integrity(id); err == nil {
				node.Integrity = digest
			}
		}
	}
	return dirs, nil
}

// patchFiles maps graph nodes to the patch files the manifest records
// for them.
func (p *Project) patchFiles(m *manifest.Manifest, g *graph.Graph) (linker.Patches, error) {
	if len(m.Patches) == 0 {
		return nil, nil
	}
	patches := make(linker.Patches)
	for _, id := range g.SortedIDs() {
		versions, ok := m.Patches[id.Name.String()]
		if !ok {
			continue
		}
		rel, ok := versions[patch.EscapeVersionID(id.Version, id.Target)]
		if !ok {
			continue
		}
		path := filepath.Join(p.Root, rel)
		patches[id] = path
	}
	return patches, nil
}

// lockfileMatches reports whether the lockfile still describes this
// manifest: same identity, same target, same overrides, and every
// non-peer direct dependency alias+spec present in the locked graph.
// Root peer dependencies are not compared.
func lockfileMatches(m *manifest.Manifest, f *lockfile.File) bool {
	if f.Name != m.Name || f.Target != m.Target.Kind {
		return false
	}
	if !reflect.DeepEqual(normalizeOverrides(f.Overrides), normalizeOverrides(m.Overrides)) {
		return false
	}

	locked := make(map[string]manifest.DependencySpec)
	for _, pkg := range f.Packages {
		if pkg.Direct != nil {
			locked[pkg.Direct.Alias] = pkg.Direct.Spec
		}
	}
	for _, entry := range m.AllDependencies() {
		if entry.Peer {
			continue
		}
		spec, ok := locked[entry.Alias]
		if !ok || !reflect.DeepEqual(spec, entry.Spec) {
			return false
		}
	}
	return true
}

func normalizeOverrides(o map[manifest.OverrideKey]manifest.DependencySpec) map[manifest.OverrideKey]manifest.DependencySpec {
	if len(o) == 0 {
		return nil
	}
	return o
}
