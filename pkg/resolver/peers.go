package resolver

import (
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/Paficent/pesde/pkg/errors"
	"github.com/Paficent/pesde/pkg/graph"
	"github.com/Paficent/pesde/pkg/manifest"
	"github.com/Paficent/pesde/pkg/source"
)

// resolvePeers runs after expansion: every node's peer aliases must be
// satisfiable by a node visible in the consumer's sibling closure (the
// set reachable from the root without passing through the consumer).
// Peer edges never own their target; they only check and record it.
func resolvePeers(g *graph.Graph, keys map[graph.ClassKey]*keyState) error {
	roots := g.RootIDs()

	for _, id := range g.SortedIDs() {
		node := g.Nodes[id]
		ks, ok := keys[graph.Key(id)]
		if !ok || len(ks.peerSpecs) == 0 {
			continue
		}

		closure := g.ReachableExcluding(roots, id)

		for _, alias := range sortedSpecAliases(ks.peerSpecs) {
			spec := ks.peerSpecs[alias]
			match, err := findPeer(g, closure, id, alias, spec)
			if err != nil {
				return err
			}
			node.Peers[alias] = match
		}
	}
	return nil
}

func findPeer(g *graph.Graph, closure map[source.PackageID]bool, consumer source.PackageID, alias string, spec manifest.DependencySpec) (source.PackageID, error) {
	kind, err := spec.Kind()
	if err != nil {
		return source.PackageID{}, errors.Wrap(errors.ErrCodeInvalidSpec, err, "peer %q of %s", alias, consumer)
	}
	if kind != manifest.SpecRegistry {
		return source.PackageID{}, errors.New(errors.ErrCodeInvalidSpec,
			"peer %q of %s: peer dependencies must be registry specifiers", alias, consumer)
	}

	name, err := manifest.ParsePackageName(spec.Name)
	if err != nil {
		return source.PackageID{}, err
	}

	var candidates []source.PackageID
	for id := range closure {
		if id.Name == name {
			candidates = append(candidates, id)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		vi, vj := candidates[i].SemVersion(), candidates[j].SemVersion()
		if vi != nil && vj != nil && !vi.Equal(vj) {
			return vi.GreaterThan(vj)
		}
		return candidates[i].String() < candidates[j].String()
	})
	if len(candidates) == 0 {
		return source.PackageID{}, errors.New(errors.ErrCodeMissingPeer,
			"%s requires peer %s %q, but nothing in the dependency closure provides %s",
			consumer, name, spec.Version, name)
	}

	constraint, err := semver.NewConstraint(spec.Version)
	if err != nil {
		return source.PackageID{}, errors.Wrap(errors.ErrCodeInvalidVersion, err, "peer %q of %s", alias, consumer)
	}

	var mismatched []string
	for _, id := range candidates {
		v := id.SemVersion()
		if v == nil || !constraint.Check(v) {
			mismatched = append(mismatched, id.Version)
			continue
		}
		if !consumer.Target.Compatible(id.Target) {
			mismatched = append(mismatched, id.Version+" ("+string(id.Target)+")")
			continue
		}
		return id, nil
	}

	return source.PackageID{}, errors.New(errors.ErrCodePeerConflict,
		"%s requires peer %s %q, but the closure provides %s",
		consumer, name, spec.Version, strings.Join(mismatched, ", "))
}

func sortedSpecAliases(m map[string]manifest.DependencySpec) []string {
	aliases := make([]string, 0, len(m))
	for a := range m {
		aliases = append(aliases, a)
	}
	sort.Strings(aliases)
	return aliases
}
