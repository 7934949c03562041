// Package manifest models the project and package descriptor (pesde.toml)
// and its dependency specifier variants.
//
// A manifest names the package, declares exactly one build target, and
// lists dependencies in three sections (dependencies, peer_dependencies,
// dev_dependencies) keyed by alias. Root manifests may additionally carry
// overrides, workspace members, registry indices, scripts and patches.
//
// Unknown top-level keys are preserved on round-trip so that newer engine
// versions can add sections without older versions destroying them.
package manifest

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/Masterminds/semver/v3"
	"github.com/natefinch/atomic"

	"github.com/Paficent/pesde/pkg/errors"
)

// Filename is the manifest file name at the root of every package.
const Filename = "pesde.toml"

// DefaultIndexName is the index alias a registry specifier uses when it
// doesn't name one. Manifests using registry dependencies must define it.
const DefaultIndexName = "default"

// Workspace declares member projects resolved together with the root.
type Workspace struct {
	Members []string `toml:"members"`
}

// Manifest is the parsed representation of a pesde.toml file.
type Manifest struct {
	Name        string   `toml:"name"`
	Version     string   `toml:"version"`
	Description string   `toml:"description,omitempty"`
	License     string   `toml:"license,omitempty"`
	Authors     []string `toml:"authors,omitempty"`
	Repository  string   `toml:"repository,omitempty"`

	Target Target `toml:"target"`

	Dependencies     map[string]DependencySpec `toml:"dependencies,omitempty"`
	PeerDependencies map[string]DependencySpec `toml:"peer_dependencies,omitempty"`
	DevDependencies  map[string]DependencySpec `toml:"dev_dependencies,omitempty"`

	Overrides map[OverrideKey]DependencySpec `toml:"overrides,omitempty"`
	Scripts   map[string]string              `toml:"scripts,omitempty"`
	Workspace *Workspace                     `toml:"workspace,omitempty"`
	Indices   map[string]string              `toml:"indices,omitempty"`

	// Patches maps "scope/name" -> "version target" -> patch file path
	// relative to the project root.
	Patches map[string]map[string]string `toml:"patches,omitempty"`

	// unknown holds top-level keys this engine version doesn't know,
	// carried verbatim so Encode round-trips them.
	unknown map[string]any
}

// Parse decodes and validates a manifest document.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	md, err := toml.Decode(string(data), &m)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeManifestParse, err, "parse manifest")
	}

	m.unknown = undecodedTopLevel(md, data)

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// undecodedTopLevel re-decodes the document as a free-form map and keeps
// the top-level keys the typed decode didn't consume.
func undecodedTopLevel(md toml.MetaData, data []byte) map[string]any {
	tops := make(map[string]bool)
	for _, key := range md.Undecoded() {
		tops[key[0]] = true
	}
	if len(tops) == 0 {
		return nil
	}

	var raw map[string]any
	if _, err := toml.Decode(string(data), &raw); err != nil {
		return nil
	}
	unknown := make(map[string]any)
	for key := range tops {
		if v, ok := raw[key]; ok {
			unknown[key] = v
		}
	}
	return unknown
}

// Encode serializes the manifest back to TOML, appending any preserved
// unknown top-level keys.
func (m *Manifest) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(m); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, err, "encode manifest")
	}
	if len(m.unknown) > 0 {
		buf.WriteByte('\n')
		if err := toml.NewEncoder(&buf).Encode(m.unknown); err != nil {
			return nil, errors.Wrap(errors.ErrCodeInternal, err, "encode manifest extras")
		}
	}
	return buf.Bytes(), nil
}

// Validate checks required fields, name and version syntax, specifier
// shapes and alias uniqueness across the three dependency sections.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return errors.New(errors.ErrCodeMissingField, "manifest is missing a name")
	}
	if _, err := ParsePackageName(m.Name); err != nil {
		return err
	}
	if m.Version == "" {
		return errors.New(errors.ErrCodeMissingField, "manifest is missing a version")
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidVersion, err, "invalid manifest version %q", m.Version)
	}
	if err := m.Target.validate(); err != nil {
		return err
	}

	seen := make(map[string]string)
	usesRegistry := false
	for _, section := range []struct {
		name string
		deps map[string]DependencySpec
		dev  bool
	}{
		{"dependencies", m.Dependencies, false},
		{"peer_dependencies", m.PeerDependencies, false},
		{"dev_dependencies", m.DevDependencies, true},
	} {
		for alias, spec := range section.deps {
			if prev, dup := seen[alias]; dup {
				return errors.New(errors.ErrCodeDuplicateAlias,
					"alias %q declared in both %s and %s", alias, prev, section.name)
			}
			seen[alias] = section.name
			if err := spec.validate(alias, section.dev); err != nil {
				return err
			}
			if kind, _ := spec.Kind(); kind == SpecRegistry {
				usesRegistry = true
			}
		}
	}

	for key, spec := range m.Overrides {
		if err := key.validate(); err != nil {
			return err
		}
		if err := spec.validate(string(key), false); err != nil {
			return err
		}
	}

	if usesRegistry {
		if _, ok := m.Indices[DefaultIndexName]; !ok {
			return errors.New(errors.ErrCodeMissingField,
				"manifests declaring registry dependencies must define the %q index", DefaultIndexName)
		}
	}
	return nil
}

// PackageName returns the validated scope/name identity.
func (m *Manifest) PackageName() PackageName {
	n, _ := ParsePackageName(m.Name)
	return n
}

// SemVersion returns the validated semantic version.
func (m *Manifest) SemVersion() *semver.Version {
	v, _ := semver.NewVersion(m.Version)
	return v
}

// DependencyEntry is one alias of one dependency section.
type DependencyEntry struct {
	Alias string
	Spec  DependencySpec
	Dev   bool
	Peer  bool
}

// AllDependencies returns every declared dependency in a deterministic
// order: regular, then peer, then dev, each sorted by alias.
func (m *Manifest) AllDependencies() []DependencyEntry {
	var out []DependencyEntry
	for _, alias := range sortedKeys(m.Dependencies) {
		out = append(out, DependencyEntry{Alias: alias, Spec: m.Dependencies[alias]})
	}
	for _, alias := range sortedKeys(m.PeerDependencies) {
		out = append(out, DependencyEntry{Alias: alias, Spec: m.PeerDependencies[alias], Peer: true})
	}
	for _, alias := range sortedKeys(m.DevDependencies) {
		out = append(out, DependencyEntry{Alias: alias, Spec: m.DevDependencies[alias], Dev: true})
	}
	return out
}

// pathCache memoizes manifests by absolute path for one process.
// Entries are invalidated when the file's modification time changes.
var pathCache = struct {
	sync.Mutex
	entries map[string]pathCacheEntry
}{entries: make(map[string]pathCacheEntry)}

type pathCacheEntry struct {
	modTime int64
	m       *Manifest
}

// Load reads and parses the manifest at dir/pesde.toml, caching the
// parsed result per path until the file changes on disk.
func Load(dir string) (*Manifest, error) {
	path, err := filepath.Abs(filepath.Join(dir, Filename))
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrap(errors.ErrCodeNotFound, err, "no %s in %s", Filename, dir)
		}
		return nil, err
	}

	pathCache.Lock()
	cached, ok := pathCache.entries[path]
	pathCache.Unlock()
	if ok && cached.modTime == info.ModTime().UnixNano() {
		return cached.m, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m, err := Parse(data)
	if err != nil {
		return nil, errors.Wrap(errors.GetCode(err), err, "manifest %s", path)
	}

	pathCache.Lock()
	pathCache.entries[path] = pathCacheEntry{modTime: info.ModTime().UnixNano(), m: m}
	pathCache.Unlock()
	return m, nil
}

// Save atomically writes the manifest to dir/pesde.toml and drops the
// path cache entry so the next Load re-reads it.
func Save(dir string, m *Manifest) error {
	data, err := m.Encode()
	if err != nil {
		return err
	}
	path, err := filepath.Abs(filepath.Join(dir, Filename))
	if err != nil {
		return err
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return err
	}

	pathCache.Lock()
	delete(pathCache.entries, path)
	pathCache.Unlock()
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
