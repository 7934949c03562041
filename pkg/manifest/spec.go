package manifest

import (
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/Paficent/pesde/pkg/errors"
)

// SpecKind discriminates the dependency specifier variants.
type SpecKind string

const (
	SpecRegistry  SpecKind = "registry"
	SpecGit       SpecKind = "git"
	SpecWorkspace SpecKind = "workspace"
	SpecPath      SpecKind = "path"
)

// DependencySpec is one entry of a dependencies table. Exactly one of
// Name, Repo, Workspace or Path must be set; the populated field decides
// the variant (see [DependencySpec.Kind]).
//
//	hello = { name = "scope/hello", version = "^1.0.0" }
//	beam  = { repo = "https://github.com/acme/beam", rev = "v2" }
//	core  = { workspace = "acme/core", version = "^0.3" }
//	local = { path = "../local-pkg" }
type DependencySpec struct {
	// Registry variant.
	Name    string `toml:"name,omitempty" json:"name,omitempty"`
	Version string `toml:"version,omitempty" json:"version,omitempty"`
	Index   string `toml:"index,omitempty" json:"index,omitempty"`

	// Git variant. Rev is a branch, tag or commit.
	Repo string `toml:"repo,omitempty" json:"repo,omitempty"`
	Rev  string `toml:"rev,omitempty" json:"rev,omitempty"`

	// Workspace variant; Version optionally constrains the member.
	Workspace string `toml:"workspace,omitempty" json:"workspace,omitempty"`

	// Path variant, permitted only for dev dependencies of the root.
	Path string `toml:"path,omitempty" json:"path,omitempty"`

	// Target narrows which target variant of the dependency is used.
	// Empty means "same as the consumer, via the compatibility matrix".
	Target TargetKind `toml:"target,omitempty" json:"target,omitempty"`
}

// Kind returns the specifier variant, or an error if the populated
// fields don't identify exactly one.
func (s DependencySpec) Kind() (SpecKind, error) {
	var kinds []SpecKind
	if s.Name != "" {
		kinds = append(kinds, SpecRegistry)
	}
	if s.Repo != "" {
		kinds = append(kinds, SpecGit)
	}
	if s.Workspace != "" {
		kinds = append(kinds, SpecWorkspace)
	}
	if s.Path != "" {
		kinds = append(kinds, SpecPath)
	}
	switch len(kinds) {
	case 1:
		return kinds[0], nil
	case 0:
		return "", errors.New(errors.ErrCodeInvalidSpec, "dependency needs one of name, repo, workspace or path")
	default:
		return "", errors.New(errors.ErrCodeInvalidSpec, "dependency mixes %v variants", kinds)
	}
}

// String renders the spec for logs and error messages.
func (s DependencySpec) String() string {
	kind, err := s.Kind()
	if err != nil {
		return "<invalid spec>"
	}
	switch kind {
	case SpecRegistry:
		return fmt.Sprintf("%s@%s", s.Name, s.Version)
	case SpecGit:
		return fmt.Sprintf("%s#%s", s.Repo, s.Rev)
	case SpecWorkspace:
		return fmt.Sprintf("workspace:%s", s.Workspace)
	default:
		return fmt.Sprintf("path:%s", s.Path)
	}
}

func (s DependencySpec) validate(alias string, devContext bool) error {
	kind, err := s.Kind()
	if err != nil {
		return errors.Wrap(errors.ErrCodeInvalidSpec, err, "dependency %q", alias)
	}
	if s.Target != "" && !s.Target.Valid() {
		return errors.New(errors.ErrCodeManifestParse, "dependency %q: unknown target %q", alias, string(s.Target))
	}

	switch kind {
	case SpecRegistry:
		if _, err := ParsePackageName(s.Name); err != nil {
			return err
		}
		if s.Version == "" {
			return errors.New(errors.ErrCodeMissingField, "dependency %q: registry specifier needs a version requirement", alias)
		}
		if _, err := semver.NewConstraint(s.Version); err != nil {
			return errors.Wrap(errors.ErrCodeInvalidVersion, err, "dependency %q: invalid version requirement %q", alias, s.Version)
		}
	case SpecGit:
		if s.Rev == "" {
			return errors.New(errors.ErrCodeMissingField, "dependency %q: git specifier needs a rev", alias)
		}
	case SpecWorkspace:
		if _, err := ParsePackageName(s.Workspace); err != nil {
			return err
		}
		if s.Version != "" {
			if _, err := semver.NewConstraint(s.Version); err != nil {
				return errors.Wrap(errors.ErrCodeInvalidVersion, err, "dependency %q: invalid version requirement %q", alias, s.Version)
			}
		}
	case SpecPath:
		if !devContext {
			return errors.New(errors.ErrCodeInvalidSpec, "dependency %q: path specifiers are only allowed as dev dependencies of the root project", alias)
		}
	}
	return nil
}
