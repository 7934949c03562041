// Package graph defines the resolved dependency graph: a flat map of
// nodes keyed by package identity, with edges holding keys rather than
// owned references. The same structure backs the in-memory resolver
// result and the lockfile, so the two can share nodes structurally.
package graph

import (
	"fmt"
	"sort"

	"github.com/Paficent/pesde/pkg/errors"
	"github.com/Paficent/pesde/pkg/manifest"
	"github.com/Paficent/pesde/pkg/source"
)

// DirectInfo records how the root manifest names a node, when it does.
// Nodes reached only transitively have none.
type DirectInfo struct {
	Alias string
	Spec  manifest.DependencySpec
}

// Node is one resolved package variant and its outgoing edges.
type Node struct {
	ID source.PackageID

	// Target is the full export surface (kind, lib, bin) used by the
	// linker; ID.Target carries the kind only.
	Target manifest.Target

	// DirectDeps maps this package's dependency aliases to the nodes
	// chosen for them. Peers maps peer aliases to the nodes that
	// satisfied them in the consumer's sibling closure.
	DirectDeps map[string]source.PackageID
	Peers      map[string]source.PackageID

	// Direct is set when the root manifest depends on this node.
	Direct *DirectInfo

	// DevOnly marks nodes reachable solely through root dev edges;
	// --prod materialization skips them.
	DevOnly bool

	// Integrity is the digest of the package tarball, recorded after
	// download and folded into the lockfile. Empty for workspace and
	// path nodes, which are linked in place.
	Integrity string

	// ManifestDigest fingerprints the manifest the resolver saw, so a
	// later run can detect upstream edits of mutable refs.
	ManifestDigest string
}

// Graph is the resolved dependency graph. Acyclic by construction after
// resolution; Validate enforces it.
type Graph struct {
	Nodes map[source.PackageID]*Node
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{Nodes: make(map[source.PackageID]*Node)}
}

// SortedIDs returns every node id in a stable order: by name, then
// version, then target, then ref class. All serialization and iteration
// that must be deterministic goes through this.
func (g *Graph) SortedIDs() []source.PackageID {
	ids := make([]source.PackageID, 0, len(g.Nodes))
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := ids[i], ids[j]
		if a.Name != b.Name {
			return a.Name.String() < b.Name.String()
		}
		if a.Version != b.Version {
			return a.Version < b.Version
		}
		if a.Target != b.Target {
			return a.Target < b.Target
		}
		return a.Ref.Class() < b.Ref.Class()
	})
	return ids
}

// ClassKey is the unification identity: a (source class, name, target)
// triple that may map to at most one version unless roots disagree.
type ClassKey struct {
	Class  string
	Name   manifest.PackageName
	Target manifest.TargetKind
}

// Key returns the unification key of an id.
func Key(id source.PackageID) ClassKey {
	return ClassKey{Class: id.Ref.Class(), Name: id.Name, Target: id.Target}
}

// Validate checks the structural invariants: every edge points at an
// existing node, targets are compatible along every edge, and the graph
// is acyclic.
func (g *Graph) Validate() error {
	for id, node := range g.Nodes {
		for alias, dep := range node.DirectDeps {
			depNode, ok := g.Nodes[dep]
			if !ok {
				return errors.New(errors.ErrCodeInternal, "edge %s -> %q references missing node %s", id, alias, dep)
			}
			if !id.Target.Compatible(depNode.ID.Target) {
				return errors.New(errors.ErrCodeIncompatibleTarget,
					"%s (%s) cannot depend on %s (%s)", id.Name, id.Target, dep.Name, dep.Target)
			}
		}
		for alias, peer := range node.Peers {
			if _, ok := g.Nodes[peer]; !ok {
				return errors.New(errors.ErrCodeInternal, "peer edge %s -> %q references missing node %s", id, alias, peer)
			}
		}
	}
	return g.checkAcyclic()
}

// checkAcyclic runs a depth-first search with white/gray/black coloring
// over the owned edges.
func (g *Graph) checkAcyclic() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[source.PackageID]int, len(g.Nodes))

	var visit func(id source.PackageID, path []source.PackageID) error
	visit = func(id source.PackageID, path []source.PackageID) error {
		switch color[id] {
		case gray:
			return errors.New(errors.ErrCodeCycleDetected, "dependency cycle through %s", cyclePath(append(path, id)))
		case black:
			return nil
		}
		color[id] = gray
		node := g.Nodes[id]
		for _, alias := range sortedAliases(node.DirectDeps) {
			if err := visit(node.DirectDeps[alias], append(path, id)); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}

	for _, id := range g.SortedIDs() {
		if err := visit(id, nil); err != nil {
			return err
		}
	}
	return nil
}

func cyclePath(path []source.PackageID) string {
	// Trim to the cycle itself: everything from the first occurrence of
	// the repeated node.
	last := path[len(path)-1]
	start := 0
	for i, id := range path[:len(path)-1] {
		if id == last {
			start = i
			break
		}
	}
	s := ""
	for i, id := range path[start:] {
		if i > 0 {
			s += " -> "
		}
		s += id.Name.String()
	}
	return s
}

// ReachableExcluding returns the set of nodes reachable from the roots
// (the root manifest's direct edges) without traversing through the
// excluded node. Peer resolution uses this as the consumer's sibling
// closure.
func (g *Graph) ReachableExcluding(roots []source.PackageID, excluded source.PackageID) map[source.PackageID]bool {
	seen := make(map[source.PackageID]bool)
	var walk func(id source.PackageID)
	walk = func(id source.PackageID) {
		if id == excluded || seen[id] {
			return
		}
		seen[id] = true
		node, ok := g.Nodes[id]
		if !ok {
			return
		}
		for _, dep := range node.DirectDeps {
			walk(dep)
		}
	}
	for _, root := range roots {
		walk(root)
	}
	return seen
}

// RootIDs returns the ids of nodes the root manifest names directly,
// sorted by alias.
func (g *Graph) RootIDs() []source.PackageID {
	type rooted struct {
		alias string
		id    source.PackageID
	}
	var roots []rooted
	for id, node := range g.Nodes {
		if node.Direct != nil {
			roots = append(roots, rooted{alias: node.Direct.Alias, id: id})
		}
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i].alias < roots[j].alias })
	ids := make([]source.PackageID, len(roots))
	for i, r := range roots {
		ids[i] = r.id
	}
	return ids
}

func sortedAliases(m map[string]source.PackageID) []string {
	aliases := make([]string, 0, len(m))
	for a := range m {
		aliases = append(aliases, a)
	}
	sort.Strings(aliases)
	return aliases
}

// Fingerprint summarizes the graph for idempotence checks: a digest over
// the sorted node identities, edges and integrity digests.
func (g *Graph) Fingerprint() string {
	var b []byte
	for _, id := range g.SortedIDs() {
		node := g.Nodes[id]
		b = fmt.Appendf(b, "%s|%s|%s\n", id, node.Integrity, node.ManifestDigest)
		for _, alias := range sortedAliases(node.DirectDeps) {
			b = fmt.Appendf(b, "  %s=%s\n", alias, node.DirectDeps[alias])
		}
		for _, alias := range sortedAliases(node.Peers) {
			b = fmt.Appendf(b, "  peer %s=%s\n", alias, node.Peers[alias])
		}
	}
	return source.DigestBytes(b)
}
