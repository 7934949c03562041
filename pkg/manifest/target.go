package manifest

import (
	"github.com/Paficent/pesde/pkg/errors"
)

// TargetKind identifies the runtime environment a package is built for.
type TargetKind string

// The supported runtime environments.
const (
	TargetLune         TargetKind = "lune"
	TargetRoblox       TargetKind = "roblox"
	TargetRobloxServer TargetKind = "roblox_server"
)

// TargetKinds lists all supported targets in declaration order.
var TargetKinds = []TargetKind{TargetLune, TargetRoblox, TargetRobloxServer}

// compatMatrix lists, for each consumer target, the dependency targets it
// may link against. Compatibility is asymmetric and fixed by design.
var compatMatrix = map[TargetKind][]TargetKind{
	TargetLune:         {TargetLune},
	TargetRoblox:       {TargetRoblox, TargetRobloxServer},
	TargetRobloxServer: {TargetRobloxServer, TargetRoblox},
}

// ParseTargetKind validates a target kind string.
func ParseTargetKind(raw string) (TargetKind, error) {
	kind := TargetKind(raw)
	if _, ok := compatMatrix[kind]; !ok {
		return "", errors.New(errors.ErrCodeManifestParse, "unknown target kind %q", raw)
	}
	return kind, nil
}

// Compatible reports whether a consumer with target t may depend on a
// library with target dep.
func (t TargetKind) Compatible(dep TargetKind) bool {
	for _, allowed := range compatMatrix[t] {
		if allowed == dep {
			return true
		}
	}
	return false
}

// Valid reports whether t is one of the known target kinds.
func (t TargetKind) Valid() bool {
	_, ok := compatMatrix[t]
	return ok
}

// Target describes what a package exposes for one runtime environment.
// A manifest declares exactly one target; a published package may exist
// as multiple independently resolved target variants.
type Target struct {
	Kind        TargetKind        `toml:"kind" json:"kind"`
	Lib         string            `toml:"lib,omitempty" json:"lib,omitempty"`
	Bin         string            `toml:"bin,omitempty" json:"bin,omitempty"`
	Environment map[string]string `toml:"environment,omitempty" json:"environment,omitempty"`
}

func (t Target) validate() error {
	if !t.Kind.Valid() {
		return errors.New(errors.ErrCodeManifestParse, "unknown target kind %q", string(t.Kind))
	}
	if t.Lib == "" && t.Bin == "" {
		return errors.New(errors.ErrCodeMissingField, "target must declare a lib or bin export")
	}
	return nil
}
