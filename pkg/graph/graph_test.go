package graph

import (
	"testing"

	"github.com/Paficent/pesde/pkg/errors"
	"github.com/Paficent/pesde/pkg/manifest"
	"github.com/Paficent/pesde/pkg/source"
)

func id(name, version string) source.PackageID {
	return source.PackageID{
		Ref:     source.Ref{Kind: source.RefRegistry, IndexURL: "https://github.com/acme/index"},
		Name:    manifest.MustParsePackageName(name),
		Version: version,
		Target:  manifest.TargetLune,
	}
}

func node(pkgID source.PackageID, deps map[string]source.PackageID) *Node {
	if deps == nil {
		deps = map[string]source.PackageID{}
	}
	return &Node{
		ID:         pkgID,
		Target:     manifest.Target{Kind: manifest.TargetLune, Lib: "lib.luau"},
		DirectDeps: deps,
		Peers:      map[string]source.PackageID{},
	}
}

func TestValidateOK(t *testing.T) {
	g := New()
	a, b := id("scope/a", "1.0.0"), id("scope/b", "1.0.0")
	g.Nodes[a] = node(a, map[string]source.PackageID{"b": b})
	g.Nodes[b] = node(b, nil)

	if err := g.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateDanglingEdge(t *testing.T) {
	g := New()
	a := id("scope/a", "1.0.0")
	g.Nodes[a] = node(a, map[string]source.PackageID{"b": id("scope/b", "1.0.0")})

	if err := g.Validate(); err == nil {
		t.Fatal("dangling edge must fail validation")
	}
}

func TestValidateCycle(t *testing.T) {
	g := New()
	a, b, c := id("scope/a", "1.0.0"), id("scope/b", "1.0.0"), id("scope/c", "1.0.0")
	g.Nodes[a] = node(a, map[string]source.PackageID{"b": b})
	g.Nodes[b] = node(b, map[string]source.PackageID{"c": c})
	g.Nodes[c] = node(c, map[string]source.PackageID{"a": a})

	err := g.Validate()
	if !errors.Is(err, errors.ErrCodeCycleDetected) {
		t.Fatalf("error = %v, want CYCLE_DETECTED", err)
	}
}

func TestValidateTargetMatrix(t *testing.T) {
	g := New()
	a := id("scope/a", "1.0.0")
	rbx := id("scope/rbx", "1.0.0")
	rbx.Target = manifest.TargetRoblox

	rbxNode := node(rbx, nil)
	rbxNode.Target.Kind = manifest.TargetRoblox
	g.Nodes[a] = node(a, map[string]source.PackageID{"rbx": rbx})
	g.Nodes[rbx] = rbxNode

	err := g.Validate()
	if !errors.Is(err, errors.ErrCodeIncompatibleTarget) {
		t.Fatalf("error = %v, want INCOMPATIBLE_TARGET", err)
	}
}

func TestReachableExcluding(t *testing.T) {
	// root -> a -> c, root -> b -> c
	g := New()
	a, b, c := id("scope/a", "1.0.0"), id("scope/b", "1.0.0"), id("scope/c", "1.0.0")
	g.Nodes[a] = node(a, map[string]source.PackageID{"c": c})
	g.Nodes[b] = node(b, map[string]source.PackageID{"c": c})
	g.Nodes[c] = node(c, nil)

	// Excluding a, c is still reachable through b.
	seen := g.ReachableExcluding([]source.PackageID{a, b}, a)
	if seen[a] {
		t.Error("excluded node must not appear")
	}
	if !seen[c] {
		t.Error("c should be reachable through b")
	}

	// With only a as root, excluding a leaves nothing.
	seen = g.ReachableExcluding([]source.PackageID{a}, a)
	if len(seen) != 0 {
		t.Errorf("closure = %v, want empty", seen)
	}
}

func TestSortedIDsStable(t *testing.T) {
	g := New()
	ids := []source.PackageID{id("scope/b", "1.0.0"), id("scope/a", "2.0.0"), id("scope/a", "1.0.0")}
	for _, pkgID := range ids {
		g.Nodes[pkgID] = node(pkgID, nil)
	}

	sorted := g.SortedIDs()
	want := []string{"scope/a@1.0.0 lune", "scope/a@2.0.0 lune", "scope/b@1.0.0 lune"}
	for i, pkgID := range sorted {
		if pkgID.String() != want[i] {
			t.Errorf("sorted[%d] = %s, want %s", i, pkgID, want[i])
		}
	}
}

func TestFingerprintChangesWithGraph(t *testing.T) {
	g := New()
	a := id("scope/a", "1.0.0")
	g.Nodes[a] = node(a, nil)
	fp1 := g.Fingerprint()

	b := id("scope/b", "1.0.0")
	g.Nodes[b] = node(b, nil)
	fp2 := g.Fingerprint()

	if fp1 == fp2 {
		t.Error("fingerprint should change when nodes change")
	}

	g2 := New()
	g2.Nodes[a] = node(a, nil)
	if g2.Fingerprint() != fp1 {
		t.Error("equal graphs should share a fingerprint")
	}
}
