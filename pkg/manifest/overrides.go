package manifest

import (
	"sort"
	"strings"

	"github.com/Paficent/pesde/pkg/errors"
)

// OverrideKey addresses one or more alias paths from the root manifest,
// e.g. "app>transport" or "app>transport,tools>transport". A path applies
// only to a dependency whose alias chain from the root is exactly that
// path.
type OverrideKey string

// Paths splits the key into its alias paths, each a chain of aliases
// walked from the root.
func (k OverrideKey) Paths() [][]string {
	var paths [][]string
	for _, p := range strings.Split(string(k), ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		paths = append(paths, strings.Split(p, ">"))
	}
	return paths
}

func (k OverrideKey) validate() error {
	paths := k.Paths()
	if len(paths) == 0 {
		return errors.New(errors.ErrCodeManifestParse, "empty override key")
	}
	for _, path := range paths {
		for _, alias := range path {
			if strings.TrimSpace(alias) == "" {
				return errors.New(errors.ErrCodeManifestParse, "override key %q has an empty alias segment", string(k))
			}
		}
	}
	return nil
}

// MatchOverride finds the replacement spec for a dependency reached via
// chain (the alias path from the root). Every matching path has the
// chain's length, so keys never win over each other by length; two
// distinct keys matching is ambiguous.
//
// A path matches when it is exactly the chain; prefixes do not match, so
// an override applied at "app>transport" does not re-apply below the
// replacement unless a strictly longer key names the deeper path.
func MatchOverride(overrides map[OverrideKey]DependencySpec, chain []string) (DependencySpec, bool, error) {
	type match struct {
		key    OverrideKey
		length int
	}
	var best []match

	for key := range overrides {
		for _, path := range key.Paths() {
			if len(path) != len(chain) {
				continue
			}
			equal := true
			for i := range path {
				if path[i] != chain[i] {
					equal = false
					break
				}
			}
			if equal {
				best = append(best, match{key: key, length: len(path)})
			}
		}
	}

	switch len(best) {
	case 0:
		return DependencySpec{}, false, nil
	case 1:
		return overrides[best[0].key], true, nil
	default:
		keys := make([]string, len(best))
		for i, m := range best {
			keys[i] = string(m.key)
		}
		sort.Strings(keys)
		return DependencySpec{}, false, errors.New(errors.ErrCodeOverrideAmbiguous,
			"override keys %s both match dependency path %s", strings.Join(keys, " and "), strings.Join(chain, ">"))
	}
}
