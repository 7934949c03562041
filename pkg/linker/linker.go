// Package linker materializes a resolved graph into the project's
// dependency directory.
//
// Layout:
//
//	<project>/packages/
//	  <alias>.luau                       one re-export stub per root dep
//	  <alias>.bin.luau                   runner stub for bin exports
//	  .pesde/
//	    <name-escaped>/<version>/<target>/
//	      pkg                            package files (link into store)
//	      <alias>.luau                   stubs for the package's own deps
//
// Every package owns exactly one folder per (name, version, target);
// transitive edges are stubs referencing siblings, never copies. Links
// into the store degrade symlink -> hardlink -> copy depending on what
// the filesystem supports; the chosen mode is recorded in the lockfile.
package linker

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/Paficent/pesde/pkg/errors"
	"github.com/Paficent/pesde/pkg/graph"
	"github.com/Paficent/pesde/pkg/lockfile"
	"github.com/Paficent/pesde/pkg/manifest"
	"github.com/Paficent/pesde/pkg/patch"
	"github.com/Paficent/pesde/pkg/source"
)

// DefaultDepsDir is the project-relative dependency directory.
const DefaultDepsDir = "packages"

// containerDir holds the per-package folders inside the deps dir.
const containerDir = ".pesde"

// stateFile records the linked graph fingerprint for idempotence.
const stateFile = ".pesde/.state"

// Linker lays out resolved graphs under one project root.
type Linker struct {
	ProjectRoot string
	DepsDir     string // defaults to DefaultDepsDir
	Logger      *log.Logger
}

func (l *Linker) depsDir() string {
	d := l.DepsDir
	if d == "" {
		d = DefaultDepsDir
	}
	return filepath.Join(l.ProjectRoot, d)
}

func (l *Linker) logger() *log.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return log.New(io.Discard)
}

// ContentDirs maps each node to its materialized content directory: a
// store entry's contents, or a workspace/path source tree linked in
// place.
type ContentDirs map[source.PackageID]string

// Patches maps nodes to patch files to apply on top of their contents.
type Patches map[source.PackageID]string

// containerFor returns the package folder for an id.
func (l *Linker) containerFor(id source.PackageID) string {
	return filepath.Join(l.depsDir(), containerDir, id.Name.Escaped(), pathSegment(id.Version), string(id.Target))
}

func pathSegment(s string) string {
	return strings.ReplaceAll(s, "/", "_")
}

// Link materializes the graph. prod skips dev-only nodes. The operation
// is idempotent: when the recorded fingerprint matches the graph and
// every container is in place, no writes happen.
func (l *Linker) Link(ctx context.Context, g *graph.Graph, dirs ContentDirs, patches Patches, prod bool) (lockfile.LinkMode, error) {
	deps := l.depsDir()
	fingerprint := g.Fingerprint()
	if prod {
		fingerprint += "|prod"
	}

	if prev, err := os.ReadFile(filepath.Join(deps, stateFile)); err == nil {
		parts := strings.SplitN(strings.TrimSpace(string(prev)), " ", 2)
		if len(parts) == 2 && parts[1] == fingerprint && l.allPresent(g, prod) {
			l.logger().Debug("layout up to date", "fingerprint", fingerprint[:16])
			return lockfile.LinkMode(parts[0]), nil
		}
	}

	// Rebuild from scratch: stale aliases and containers from prior
	// graphs must not survive.
	if err := os.RemoveAll(deps); err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Join(deps, containerDir), 0755); err != nil {
		return "", err
	}

	mode := probeLinkMode(deps)

	for _, id := range g.SortedIDs() {
		node := g.Nodes[id]
		if prod && node.DevOnly {
			continue
		}

		content, ok := dirs[id]
		if !ok {
			return "", errors.New(errors.ErrCodeInternal, "no content dir for %s", id)
		}

		container := l.containerFor(id)
		if err := os.MkdirAll(container, 0755); err != nil {
			return "", err
		}

		pkgPath := filepath.Join(container, "pkg")
		if patchFile, patched := patches[id]; patched {
			// Patched packages get a writable per-project copy; the
			// store stays pristine.
			if err := copyTree(content, pkgPath); err != nil {
				return "", err
			}
			if err := patch.Apply(ctx, pkgPath, patchFile); err != nil {
				return "", err
			}
		} else {
			if err := linkTree(content, pkgPath, mode); err != nil {
				return "", err
			}
		}

		// Stubs for the package's own dependency aliases.
		for alias, dep := range node.DirectDeps {
			if err := l.writeDepStub(container, alias, dep, g); err != nil {
				return "", err
			}
		}
		for alias, peer := range node.Peers {
			if err := l.writeDepStub(container, alias, peer, g); err != nil {
				return "", err
			}
		}
	}

	// Root alias stubs.
	for _, id := range g.RootIDs() {
		node := g.Nodes[id]
		if prod && node.DevOnly {
			continue
		}
		alias := node.Direct.Alias
		if node.Target.Lib != "" {
			rel, err := filepath.Rel(deps, filepath.Join(l.containerFor(id), "pkg", filepath.FromSlash(node.Target.Lib)))
			if err != nil {
				return "", err
			}
			stub := libStub(id.Target, filepath.ToSlash(rel))
			if err := os.WriteFile(filepath.Join(deps, alias+".luau"), []byte(stub), 0644); err != nil {
				return "", err
			}
		}
		if node.Target.Bin != "" {
			rel, err := filepath.Rel(deps, filepath.Join(l.containerFor(id), "pkg", filepath.FromSlash(node.Target.Bin)))
			if err != nil {
				return "", err
			}
			stub := libStub(manifest.TargetLune, filepath.ToSlash(rel))
			if err := os.WriteFile(filepath.Join(deps, alias+".bin.luau"), []byte(stub), 0755); err != nil {
				return "", err
			}
		}
	}

	state := string(mode) + " " + fingerprint
	if err := os.WriteFile(filepath.Join(deps, stateFile), []byte(state+"\n"), 0644); err != nil {
		return "", err
	}
	return mode, nil
}

func (l *Linker) writeDepStub(container, alias string, dep source.PackageID, g *graph.Graph) error {
	depNode, ok := g.Nodes[dep]
	if !ok {
		return errors.New(errors.ErrCodeInternal, "stub references missing node %s", dep)
	}
	if depNode.Target.Lib == "" {
		return nil
	}
	rel, err := filepath.Rel(container, filepath.Join(l.containerFor(dep), "pkg", filepath.FromSlash(depNode.Target.Lib)))
	if err != nil {
		return err
	}
	stub := libStub(dep.Target, filepath.ToSlash(rel))
	return os.WriteFile(filepath.Join(container, alias+".luau"), []byte(stub), 0644)
}

// allPresent verifies every container the graph needs still exists.
func (l *Linker) allPresent(g *graph.Graph, prod bool) bool {
	for _, id := range g.SortedIDs() {
		if prod && g.Nodes[id].DevOnly {
			continue
		}
		if _, err := os.Lstat(filepath.Join(l.containerFor(id), "pkg")); err != nil {
			return false
		}
	}
	return true
}

// probeLinkMode finds the best link strategy the deps dir's filesystem
// supports.
func probeLinkMode(dir string) lockfile.LinkMode {
	probe := filepath.Join(dir, ".probe")
	target := filepath.Join(dir, ".probe-target")
	defer os.Remove(probe)
	defer os.Remove(target)

	if err := os.WriteFile(target, []byte("x"), 0644); err != nil {
		return lockfile.LinkCopy
	}
	if err := os.Symlink(target, probe); err == nil {
		return lockfile.LinkSymlink
	}
	if err := os.Link(target, probe); err == nil {
		return lockfile.LinkHardlink
	}
	return lockfile.LinkCopy
}

// linkTree exposes src at dst using the chosen mode. Symlink mode links
// the directory itself; hardlink and copy modes recreate the tree.
func linkTree(src, dst string, mode lockfile.LinkMode) error {
	switch mode {
	case lockfile.LinkSymlink:
		return os.Symlink(src, dst)
	case lockfile.LinkHardlink:
		return cloneTree(src, dst, true)
	default:
		return cloneTree(src, dst, false)
	}
}

func copyTree(src, dst string) error {
	return cloneTree(src, dst, false)
}

func cloneTree(src, dst string, hard bool) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		switch {
		case info.IsDir():
			return os.MkdirAll(target, 0755)
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case hard:
			return os.Link(path, target)
		default:
			return copyFile(path, target, info.Mode())
		}
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
