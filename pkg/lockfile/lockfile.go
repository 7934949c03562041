// Package lockfile serializes the resolved dependency graph to
// pesde.lock and back.
//
// The lockfile is a machine-written TOML document sharing the manifest's
// shape conventions, with a lock_version for forward compatibility.
// Serialization is stable: identical graphs produce byte-identical
// lockfiles, and unknown top-level keys survive a round-trip.
package lockfile

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/BurntSushi/toml"
	"github.com/natefinch/atomic"

	"github.com/Paficent/pesde/pkg/errors"
	"github.com/Paficent/pesde/pkg/graph"
	"github.com/Paficent/pesde/pkg/manifest"
	"github.com/Paficent/pesde/pkg/source"
)

// Filename is the lockfile name at the project root.
const Filename = "pesde.lock"

// Version is the current lock_version. Readers reject anything newer.
const Version = 1

// LinkMode records how the linker realized package folders, keeping
// reproducibility declared when a filesystem forced a fallback.
type LinkMode string

const (
	LinkSymlink  LinkMode = "symlink"
	LinkHardlink LinkMode = "hardlink"
	LinkCopy     LinkMode = "copy"
)

// DirectEntry mirrors graph.DirectInfo in serialized form.
type DirectEntry struct {
	Alias string                  `toml:"alias"`
	Spec  manifest.DependencySpec `toml:"spec"`
}

// Package is one locked graph node.
type Package struct {
	Name    string              `toml:"name"`
	Version string              `toml:"version"`
	Target  manifest.TargetKind `toml:"target"`

	Ref        source.Ref      `toml:"ref"`
	TargetInfo manifest.Target `toml:"target_info"`

	Integrity      string `toml:"integrity,omitempty"`
	ManifestDigest string `toml:"manifest_digest,omitempty"`
	DevOnly        bool   `toml:"dev_only,omitempty"`

	Direct *DirectEntry `toml:"direct,omitempty"`

	// Dependencies and Peers map aliases to node keys (see NodeKey).
	Dependencies map[string]string `toml:"dependencies,omitempty"`
	Peers        map[string]string `toml:"peers,omitempty"`
}

// File is the full lockfile document.
type File struct {
	LockVersion int                 `toml:"lock_version"`
	Name        string              `toml:"name"`
	ProjVersion string              `toml:"version"`
	Target      manifest.TargetKind `toml:"target"`
	LinkMode    LinkMode            `toml:"link_mode,omitempty"`

	Overrides map[manifest.OverrideKey]manifest.DependencySpec `toml:"overrides,omitempty"`
	Workspace map[string]string                                `toml:"workspace,omitempty"`

	Packages []Package `toml:"packages,omitempty"`

	unknown map[string]any
}

// NodeKey renders the stable per-node key edges reference:
// "scope/name@version target (class)".
func NodeKey(id source.PackageID) string {
	return fmt.Sprintf("%s@%s %s (%s)", id.Name, id.Version, id.Target, id.Ref.Class())
}

// FromGraph builds the lockfile document for a resolved graph.
func FromGraph(root *manifest.Manifest, g *graph.Graph, mode LinkMode) *File {
	f := &File{
		LockVersion: Version,
		Name:        root.Name,
		ProjVersion: root.Version,
		Target:      root.Target.Kind,
		LinkMode:    mode,
		Overrides:   root.Overrides,
	}
	if root.Workspace != nil {
		f.Workspace = make(map[string]string)
		for _, member := range root.Workspace.Members {
			f.Workspace[member] = member
		}
	}

	for _, id := range g.SortedIDs() {
		node := g.Nodes[id]
		pkg := Package{
			Name:           id.Name.String(),
			Version:        id.Version,
			Target:         id.Target,
			Ref:            id.Ref,
			TargetInfo:     node.Target,
			Integrity:      node.Integrity,
			ManifestDigest: node.ManifestDigest,
			DevOnly:        node.DevOnly,
		}
		if node.Direct != nil {
			pkg.Direct = &DirectEntry{Alias: node.Direct.Alias, Spec: node.Direct.Spec}
		}
		if len(node.DirectDeps) > 0 {
			pkg.Dependencies = make(map[string]string, len(node.DirectDeps))
			for alias, dep := range node.DirectDeps {
				pkg.Dependencies[alias] = NodeKey(dep)
			}
		}
		if len(node.Peers) > 0 {
			pkg.Peers = make(map[string]string, len(node.Peers))
			for alias, peer := range node.Peers {
				pkg.Peers[alias] = NodeKey(peer)
			}
		}
		f.Packages = append(f.Packages, pkg)
	}
	return f
}

// ToGraph reconstructs the resolved graph from the lockfile.
func (f *File) ToGraph() (*graph.Graph, error) {
	g := graph.New()

	byKey := make(map[string]source.PackageID, len(f.Packages))
	for _, pkg := range f.Packages {
		name, err := manifest.ParsePackageName(pkg.Name)
		if err != nil {
			return nil, err
		}
		id := source.PackageID{Ref: pkg.Ref, Name: name, Version: pkg.Version, Target: pkg.Target}
		byKey[NodeKey(id)] = id

		node := &graph.Node{
			ID:             id,
			Target:         pkg.TargetInfo,
			DirectDeps:     make(map[string]source.PackageID),
			Peers:          make(map[string]source.PackageID),
			Integrity:      pkg.Integrity,
			ManifestDigest: pkg.ManifestDigest,
			DevOnly:        pkg.DevOnly,
		}
		if pkg.Direct != nil {
			node.Direct = &graph.DirectInfo{Alias: pkg.Direct.Alias, Spec: pkg.Direct.Spec}
		}
		g.Nodes[id] = node
	}

	for _, pkg := range f.Packages {
		name, _ := manifest.ParsePackageName(pkg.Name)
		id := source.PackageID{Ref: pkg.Ref, Name: name, Version: pkg.Version, Target: pkg.Target}
		node := g.Nodes[id]
		for alias, key := range pkg.Dependencies {
			dep, ok := byKey[key]
			if !ok {
				return nil, errors.New(errors.ErrCodeInternal, "lockfile edge %s -> %q references unknown node %s", id, alias, key)
			}
			node.DirectDeps[alias] = dep
		}
		for alias, key := range pkg.Peers {
			peer, ok := byKey[key]
			if !ok {
				return nil, errors.New(errors.ErrCodeInternal, "lockfile peer %s -> %q references unknown node %s", id, alias, key)
			}
			node.Peers[alias] = peer
		}
	}
	return g, nil
}

// Encode serializes the lockfile with stable ordering.
func (f *File) Encode() ([]byte, error) {
	sort.Slice(f.Packages, func(i, j int) bool {
		a, b := f.Packages[i], f.Packages[j]
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		if a.Version != b.Version {
			return a.Version < b.Version
		}
		return a.Target < b.Target
	})

	var buf bytes.Buffer
	buf.WriteString("# generated by pesde; do not edit by hand\n")
	if err := toml.NewEncoder(&buf).Encode(f); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, err, "encode lockfile")
	}
	if len(f.unknown) > 0 {
		buf.WriteByte('\n')
		if err := toml.NewEncoder(&buf).Encode(f.unknown); err != nil {
			return nil, errors.Wrap(errors.ErrCodeInternal, err, "encode lockfile extras")
		}
	}
	return buf.Bytes(), nil
}

// Parse decodes a lockfile document.
func Parse(data []byte) (*File, error) {
	var f File
	md, err := toml.Decode(string(data), &f)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeManifestParse, err, "parse lockfile")
	}
	if f.LockVersion > Version {
		return nil, errors.New(errors.ErrCodeLockfileOutdated,
			"lockfile version %d is newer than this engine supports (%d)", f.LockVersion, Version)
	}

	tops := make(map[string]bool)
	for _, key := range md.Undecoded() {
		tops[key[0]] = true
	}
	if len(tops) > 0 {
		var raw map[string]any
		if _, err := toml.Decode(string(data), &raw); err == nil {
			f.unknown = make(map[string]any)
			for key := range tops {
				if v, ok := raw[key]; ok {
					f.unknown[key] = v
				}
			}
		}
	}
	return &f, nil
}

// Load reads dir/pesde.lock. A missing lockfile returns (nil, nil).
func Load(dir string) (*File, error) {
	data, err := os.ReadFile(filepath.Join(dir, Filename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return Parse(data)
}

// Save atomically writes dir/pesde.lock.
func Save(dir string, f *File) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	return atomic.WriteFile(filepath.Join(dir, Filename), bytes.NewReader(data))
}
