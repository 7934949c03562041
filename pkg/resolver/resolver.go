// Package resolver computes a dependency graph from a root manifest.
//
// Resolution is a breadth-first expansion with in-place unification:
// items are expanded wave by wave, all source I/O for a wave runs on a
// bounded worker pool, and a single owner loop drains the results in
// item order so the produced graph is deterministic for identical
// inputs regardless of response timing.
//
// Within one graph, a (source class, package name, target) key holds at
// most one version: every new requirement against the key narrows the
// candidate set, and the chosen version only ever moves downward, which
// is what makes the expansion terminate.
package resolver

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/Paficent/pesde/pkg/errors"
	"github.com/Paficent/pesde/pkg/graph"
	"github.com/Paficent/pesde/pkg/manifest"
	"github.com/Paficent/pesde/pkg/source"
)

// Policy controls how the previous lockfile constrains resolution.
type Policy struct {
	// PreserveLocked treats locked versions as the unique candidate
	// unless the manifest constraint forbids them.
	PreserveLocked bool

	// UpdateAll discards every prior pin.
	UpdateAll bool

	// Update discards pins for the named root aliases only.
	Update map[string]bool
}

// Options configures one resolver run.
type Options struct {
	Root    *manifest.Manifest
	Sources source.Provider
	Locked  *graph.Graph // previous lockfile graph, may be nil
	Policy  Policy
	Logger  *log.Logger

	// Workers bounds concurrent source I/O. Zero means one per CPU,
	// capped at 16.
	Workers int
}

func (o Options) workers() int {
	if o.Workers > 0 {
		return o.Workers
	}
	return min(runtime.NumCPU(), 16)
}

// Resolve expands the root manifest into a validated dependency graph.
func Resolve(ctx context.Context, opts Options) (*graph.Graph, error) {
	r := &run{
		opts:   opts,
		logger: opts.Logger,
		keys:   make(map[graph.ClassKey]*keyState),
		pins:   lockedPins(opts.Locked),
	}
	if r.logger == nil {
		r.logger = log.New(io.Discard)
	}
	return r.resolve(ctx)
}

// pin is a version recorded by the previous lockfile for one key.
type pin struct {
	version     string
	rootAliases map[string]bool // root alias whose edge points at the pinned node directly, if any
}

func lockedPins(locked *graph.Graph) map[graph.ClassKey]pin {
	pins := make(map[graph.ClassKey]pin)
	if locked == nil {
		return pins
	}
	for id, node := range locked.Nodes {
		p := pin{version: id.Version, rootAliases: make(map[string]bool)}
		if node.Direct != nil {
			p.rootAliases[node.Direct.Alias] = true
		}
		pins[graph.Key(id)] = p
	}
	return pins
}

// item is one queued dependency edge awaiting resolution.
type item struct {
	parent *graph.ClassKey // nil when the root manifest owns the edge
	chain  []string        // alias path from the root, including alias
	alias  string
	spec   manifest.DependencySpec
	dev    bool // root dev edge
	consumerTarget manifest.TargetKind

	// original is the manifest's spec before override replacement,
	// recorded on root edges for the lockfile.
	original manifest.DependencySpec
}

// listed is the source I/O result for one item.
type listed struct {
	driver  source.Driver
	ref     source.Ref
	entries []source.VersionEntry
	// pinManifest is prefetched for exact-pin sources, whose package
	// name is only known from their manifest.
	pinManifest *manifest.Manifest
	err         error
}

// keyState tracks everything known about one unification key.
type keyState struct {
	key    graph.ClassKey
	ref    source.Ref
	driver source.Driver

	constraints []constraintRec
	candidates  []source.VersionEntry
	exactPin    bool

	chosen   source.VersionEntry
	manifest *manifest.Manifest

	// expandedVersion is the version whose dependencies are currently
	// enqueued; re-expansion happens when the chosen version moves.
	expandedVersion string

	edges     map[string]graph.ClassKey
	peerSpecs map[string]manifest.DependencySpec
	direct    *graph.DirectInfo
}

type constraintRec struct {
	raw    string
	c      *semver.Constraints
	origin string // "root" or "scope/name@version"
}

func (k *keyState) satisfiesAll(v *semver.Version) bool {
	for _, rec := range k.constraints {
		if rec.c != nil && !rec.c.Check(v) {
			return false
		}
	}
	return true
}

type run struct {
	opts   Options
	logger *log.Logger

	keys      map[graph.ClassKey]*keyState
	pins      map[graph.ClassKey]pin
	rootEdges map[string]graph.ClassKey // root alias -> key
	rootDev   map[string]bool
}

func (r *run) resolve(ctx context.Context) (*graph.Graph, error) {
	root := r.opts.Root
	r.rootEdges = make(map[string]graph.ClassKey)
	r.rootDev = make(map[string]bool)

	queue := make([]item, 0, 8)
	for _, entry := range root.AllDependencies() {
		if entry.Peer {
			// Root peer dependencies behave like regular edges: the
			// project itself must provide them.
			queue = append(queue, item{
				chain:          []string{entry.Alias},
				alias:          entry.Alias,
				spec:           entry.Spec,
				original:       entry.Spec,
				consumerTarget: root.Target.Kind,
			})
			continue
		}
		queue = append(queue, item{
			chain:          []string{entry.Alias},
			alias:          entry.Alias,
			spec:           entry.Spec,
			original:       entry.Spec,
			dev:            entry.Dev,
			consumerTarget: root.Target.Kind,
		})
	}

	for len(queue) > 0 {
		// Override resolution happens before any I/O so the replaced
		// spec decides which driver is consulted.
		for i := range queue {
			replacement, ok, err := manifest.MatchOverride(root.Overrides, queue[i].chain)
			if err != nil {
				return nil, err
			}
			if ok {
				queue[i].spec = replacement
			}
		}

		results, err := r.listWave(ctx, queue)
		if err != nil {
			return nil, err
		}

		var next []item
		for i, it := range queue {
			enqueued, err := r.admit(ctx, it, results[i])
			if err != nil {
				return nil, err
			}
			next = append(next, enqueued...)
		}
		queue = next
	}

	g, err := r.build()
	if err != nil {
		return nil, err
	}
	if err := resolvePeers(g, r.keys); err != nil {
		return nil, err
	}
	return g, g.Validate()
}

// listWave performs the source I/O for every queued item concurrently,
// returning results in item order.
func (r *run) listWave(ctx context.Context, queue []item) ([]listed, error) {
	results := make([]listed, len(queue))
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(r.opts.workers())

	for i, it := range queue {
		eg.Go(func() error {
			results[i] = r.listOne(ctx, it)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (r *run) listOne(ctx context.Context, it item) listed {
	driver, ref, err := r.opts.Sources.For(ctx, it.spec)
	if err != nil {
		return listed{err: err}
	}

	kind, _ := it.spec.Kind()
	var name manifest.PackageName
	if kind == manifest.SpecRegistry {
		name, err = manifest.ParsePackageName(it.spec.Name)
		if err != nil {
			return listed{err: err}
		}
	}

	entries, err := driver.ListVersions(ctx, name, it.consumerTarget)
	if err != nil {
		return listed{err: err}
	}

	out := listed{driver: driver, ref: ref, entries: entries}
	if kind != manifest.SpecRegistry {
		// Exact-pin sources: the name comes from the manifest.
		m, err := driver.FetchManifest(ctx, source.PackageID{Ref: ref})
		if err != nil {
			return listed{err: err}
		}
		out.pinManifest = m
	}
	return out
}

// admit runs in the owner loop: it unifies the item with existing keys,
// picks a version, and returns the follow-up items for any version
// whose dependencies now need expansion.
func (r *run) admit(ctx context.Context, it item, res listed) ([]item, error) {
	if res.err != nil {
		return nil, fmt.Errorf("resolve %s: %w", strings.Join(it.chain, ">"), res.err)
	}

	kind, _ := it.spec.Kind()

	var name manifest.PackageName
	if kind == manifest.SpecRegistry {
		name, _ = manifest.ParsePackageName(it.spec.Name)
	} else {
		name = res.pinManifest.PackageName()
		if name.IsZero() {
			return nil, errors.New(errors.ErrCodeManifestParse, "package at %s has no name", res.ref)
		}
	}

	// Narrow the entries to the item's requirement.
	entries := res.entries
	if it.spec.Target != "" {
		var narrowed []source.VersionEntry
		for _, e := range entries {
			if e.Target.Kind == it.spec.Target {
				narrowed = append(narrowed, e)
			}
		}
		entries = narrowed
	}
	if len(entries) == 0 {
		return nil, errors.New(errors.ErrCodeUnsatisfiable,
			"%s: no versions of %s for target %s", strings.Join(it.chain, ">"), name, it.consumerTarget)
	}

	// Exact pins must still satisfy the compatibility matrix.
	if entries[0].ExactPin {
		e := entries[0]
		want := it.spec.Target
		if want == "" {
			if !it.consumerTarget.Compatible(e.Target.Kind) {
				return nil, errors.New(errors.ErrCodeIncompatibleTarget,
					"%s: %s targets %s, which a %s consumer cannot use",
					strings.Join(it.chain, ">"), name, e.Target.Kind, it.consumerTarget)
			}
		} else if e.Target.Kind != want {
			return nil, errors.New(errors.ErrCodeIncompatibleTarget,
				"%s: %s targets %s, not the requested %s", strings.Join(it.chain, ">"), name, e.Target.Kind, want)
		}
		return r.admitTo(ctx, it, res, graph.ClassKey{Class: res.ref.Class(), Name: name, Target: e.Target.Kind}, entries)
	}

	// Registry: find (or found) the key this requirement unifies with.
	// Index entries may omit the requirement, which means "any".
	req := it.spec.Version
	if req == "" {
		req = "*"
	}
	constraint, err := semver.NewConstraint(req)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidVersion, err, "%s", strings.Join(it.chain, ">"))
	}

	key := r.pickKey(res.ref, name, entries, constraint, it)
	return r.admitTo(ctx, it, res, key, entries)
}

// pickKey selects the unification key for a registry requirement. If a
// key for (class, name) already exists at a target this requirement's
// candidates cover, the requirement joins it; otherwise the best
// candidate's target starts a new key.
func (r *run) pickKey(ref source.Ref, name manifest.PackageName, entries []source.VersionEntry, c *semver.Constraints, it item) graph.ClassKey {
	targets := make(map[manifest.TargetKind]bool)
	for _, e := range entries {
		targets[e.Target.Kind] = true
	}
	// Deterministic: prefer the consumer's own target, then matrix order.
	if targets[it.consumerTarget] {
		if _, ok := r.keys[graph.ClassKey{Class: ref.Class(), Name: name, Target: it.consumerTarget}]; ok {
			return graph.ClassKey{Class: ref.Class(), Name: name, Target: it.consumerTarget}
		}
	}
	for _, t := range manifest.TargetKinds {
		if !targets[t] {
			continue
		}
		key := graph.ClassKey{Class: ref.Class(), Name: name, Target: t}
		if _, ok := r.keys[key]; ok {
			return key
		}
	}

	best := r.chooseVersion(nil, entries, c, it)
	if best == nil {
		// No candidate satisfies; admitTo reports the constraint error
		// with full context. Fall back to the consumer target key.
		return graph.ClassKey{Class: ref.Class(), Name: name, Target: it.consumerTarget}
	}
	return graph.ClassKey{Class: ref.Class(), Name: name, Target: best.Target.Kind}
}

// chooseVersion picks the best entry: highest version satisfying every
// constraint, preferring the previous lockfile's pin on ties, then the
// consumer's own target. Yanked entries participate only when pinned.
func (r *run) chooseVersion(ks *keyState, entries []source.VersionEntry, extra *semver.Constraints, it item) *source.VersionEntry {
	var pinVersion string
	if key := r.pinKeyFor(ks, it); key != nil {
		if p, ok := r.pins[*key]; ok && r.pinUsable(p, it) {
			pinVersion = p.version
		}
	}

	var best *source.VersionEntry
	for i := range entries {
		e := &entries[i]
		if extra != nil && !extra.Check(e.Version) {
			continue
		}
		if ks != nil && !ks.satisfiesAll(e.Version) {
			continue
		}
		if e.Yanked && e.Version.Original() != pinVersion {
			continue
		}
		if best == nil {
			best = e
			continue
		}
		switch e.Version.Compare(best.Version) {
		case 1:
			best = e
		case 0:
			// Equal precedence: stability pin, then consumer target.
			if e.Version.Original() == pinVersion && best.Version.Original() != pinVersion {
				best = e
			} else if e.Target.Kind == it.consumerTarget && best.Target.Kind != it.consumerTarget {
				best = e
			}
		}
	}

	// PreserveLocked: the pinned version is the unique candidate when it
	// still satisfies everything.
	if pinVersion != "" && r.opts.Policy.PreserveLocked && best != nil {
		for i := range entries {
			e := &entries[i]
			if e.Version.Original() != pinVersion {
				continue
			}
			if extra != nil && !extra.Check(e.Version) {
				continue
			}
			if ks != nil && !ks.satisfiesAll(e.Version) {
				continue
			}
			return e
		}
	}
	return best
}

func (r *run) pinKeyFor(ks *keyState, it item) *graph.ClassKey {
	if ks == nil {
		return nil
	}
	return &ks.key
}

// pinUsable applies the update policy: UpdateAll discards every pin,
// Update discards pins reached through the named root aliases.
func (r *run) pinUsable(p pin, it item) bool {
	if r.opts.Policy.UpdateAll {
		return false
	}
	if len(r.opts.Policy.Update) > 0 && len(it.chain) > 0 && r.opts.Policy.Update[it.chain[0]] {
		return false
	}
	return true
}

func (r *run) admitTo(ctx context.Context, it item, res listed, key graph.ClassKey, entries []source.VersionEntry) ([]item, error) {
	ks, ok := r.keys[key]
	if !ok {
		ks = &keyState{
			key:       key,
			ref:       res.ref,
			driver:    res.driver,
			exactPin:  entries[0].ExactPin,
			edges:     make(map[string]graph.ClassKey),
			peerSpecs: make(map[string]manifest.DependencySpec),
		}
		// Keep only entries at this key's target.
		for _, e := range entries {
			if e.Target.Kind == key.Target {
				ks.candidates = append(ks.candidates, e)
			}
		}
		source.SortVersions(ks.candidates)
		r.keys[key] = ks
	}

	origin := "root"
	if it.parent != nil {
		origin = it.parent.Name.String()
	}

	var extra *semver.Constraints
	if !ks.exactPin && it.spec.Version != "" {
		c, err := semver.NewConstraint(it.spec.Version)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeInvalidVersion, err, "%s", strings.Join(it.chain, ">"))
		}
		extra = c
		ks.constraints = append(ks.constraints, constraintRec{raw: it.spec.Version, c: c, origin: origin})
	}
	if ks.exactPin && it.spec.Version != "" {
		// Workspace specs may carry a constraint against the member's
		// declared version.
		c, err := semver.NewConstraint(it.spec.Version)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeInvalidVersion, err, "%s", strings.Join(it.chain, ">"))
		}
		if v := ks.candidates[0].Version; !c.Check(v) {
			return nil, errors.New(errors.ErrCodeUnsatisfiable,
				"%s: %s is at %s, which does not satisfy %q", strings.Join(it.chain, ">"), key.Name, v, it.spec.Version)
		}
	}

	best := r.chooseVersion(ks, ks.candidates, extra, it)
	if best == nil {
		return nil, r.unsatisfiable(ks, it)
	}

	// Record the edge.
	if it.parent == nil {
		r.rootEdges[it.alias] = key
		r.rootDev[it.alias] = it.dev
		if ks.direct == nil {
			ks.direct = &graph.DirectInfo{Alias: it.alias, Spec: it.original}
		}
	} else if parent, ok := r.keys[*it.parent]; ok {
		parent.edges[it.alias] = key
	}

	// Nothing more to do when the chosen version is already expanded.
	if ks.chosen.Version != nil && best.Version.Equal(ks.chosen.Version) && ks.expandedVersion == best.Version.Original() {
		ks.chosen = *best
		return nil, nil
	}
	ks.chosen = *best

	return r.expand(ctx, ks, it.chain)
}

func (r *run) unsatisfiable(ks *keyState, it item) error {
	var wants []string
	for _, rec := range ks.constraints {
		wants = append(wants, fmt.Sprintf("%q (from %s)", rec.raw, rec.origin))
	}
	sort.Strings(wants)
	return errors.New(errors.ErrCodeUnsatisfiable,
		"no version of %s for target %s satisfies %s",
		ks.key.Name, ks.key.Target, strings.Join(wants, " and "))
}

// expand fetches the chosen version's manifest and enqueues its owned
// dependencies. Peer dependencies are recorded for the later pass.
func (r *run) expand(ctx context.Context, ks *keyState, chain []string) ([]item, error) {
	id := source.PackageID{
		Ref:     ks.ref,
		Name:    ks.key.Name,
		Version: ks.chosen.Version.Original(),
		Target:  ks.key.Target,
	}

	m, err := ks.driver.FetchManifest(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("manifest for %s: %w", id, err)
	}
	ks.manifest = m
	ks.expandedVersion = id.Version
	ks.edges = make(map[string]graph.ClassKey)
	ks.peerSpecs = make(map[string]manifest.DependencySpec)

	r.logger.Debug("resolved", "package", id.String(), "via", strings.Join(chain, ">"))

	var out []item
	for _, entry := range m.AllDependencies() {
		if entry.Dev {
			// Dev dependencies of non-root packages are not part of the
			// consumer's graph.
			continue
		}
		if entry.Peer {
			ks.peerSpecs[entry.Alias] = entry.Spec
			continue
		}
		out = append(out, item{
			parent:         &ks.key,
			chain:          append(append([]string{}, chain...), entry.Alias),
			alias:          entry.Alias,
			spec:           entry.Spec,
			original:       entry.Spec,
			consumerTarget: ks.key.Target,
		})
	}
	return out, nil
}

// build assembles the final graph from the key states, pruning keys that
// lost every consumer to re-expansion, and computes dev-only flags from
// non-dev reachability.
func (r *run) build() (*graph.Graph, error) {
	g := graph.New()

	idOf := func(ks *keyState) source.PackageID {
		return source.PackageID{
			Ref:     ks.ref,
			Name:    ks.key.Name,
			Version: ks.chosen.Version.Original(),
			Target:  ks.key.Target,
		}
	}

	// Reachability from the root edges decides which keys survive.
	reachable := make(map[graph.ClassKey]bool)
	var walk func(key graph.ClassKey)
	walk = func(key graph.ClassKey) {
		if reachable[key] {
			return
		}
		reachable[key] = true
		if ks, ok := r.keys[key]; ok {
			for _, dep := range ks.edges {
				walk(dep)
			}
		}
	}
	for _, key := range r.rootEdges {
		walk(key)
	}

	for key, ks := range r.keys {
		if !reachable[key] || ks.chosen.Version == nil {
			continue
		}
		id := idOf(ks)
		node := &graph.Node{
			ID:         id,
			Target:     ks.chosen.Target,
			DirectDeps: make(map[string]source.PackageID),
			Peers:      make(map[string]source.PackageID),
			Direct:     ks.direct,
		}
		if ks.manifest != nil {
			if data, err := ks.manifest.Encode(); err == nil {
				node.ManifestDigest = source.DigestBytes(data)
			}
		}
		for alias, depKey := range ks.edges {
			dep, ok := r.keys[depKey]
			if !ok || dep.chosen.Version == nil {
				return nil, errors.New(errors.ErrCodeInternal, "edge %s -> %q dangling", id, alias)
			}
			node.DirectDeps[alias] = idOf(dep)
		}
		g.Nodes[id] = node
	}

	// Non-dev reachability: everything reachable from a non-dev root
	// edge keeps DevOnly=false; the rest is dev-only.
	nonDev := make(map[graph.ClassKey]bool)
	var walkNonDev func(key graph.ClassKey)
	walkNonDev = func(key graph.ClassKey) {
		if nonDev[key] {
			return
		}
		nonDev[key] = true
		if ks, ok := r.keys[key]; ok {
			for _, dep := range ks.edges {
				walkNonDev(dep)
			}
		}
	}
	for alias, key := range r.rootEdges {
		if !r.rootDev[alias] {
			walkNonDev(key)
		}
	}
	for key, ks := range r.keys {
		if !reachable[key] || ks.chosen.Version == nil {
			continue
		}
		if !nonDev[key] {
			g.Nodes[idOf(ks)].DevOnly = true
		}
	}

	return g, nil
}
