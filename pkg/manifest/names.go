package manifest

import (
	"strings"
	"unicode"

	"github.com/Paficent/pesde/pkg/errors"
)

// PackageName is a scope-qualified package name ("scope/name").
// Names are case-insensitive for matching and always stored lowercased.
type PackageName struct {
	Scope string
	Name  string
}

// ParsePackageName parses and validates a "scope/name" string.
func ParsePackageName(raw string) (PackageName, error) {
	scope, name, ok := strings.Cut(strings.ToLower(strings.TrimSpace(raw)), "/")
	if !ok {
		return PackageName{}, errors.New(errors.ErrCodeInvalidName, "package name %q must be scope/name", raw)
	}
	if err := validateNamePart(scope); err != nil {
		return PackageName{}, errors.Wrap(errors.ErrCodeInvalidName, err, "invalid scope in %q", raw)
	}
	if err := validateNamePart(name); err != nil {
		return PackageName{}, errors.Wrap(errors.ErrCodeInvalidName, err, "invalid name in %q", raw)
	}
	return PackageName{Scope: scope, Name: name}, nil
}

// MustParsePackageName is ParsePackageName that panics on error.
// For tests and compile-time constants only.
func MustParsePackageName(raw string) PackageName {
	n, err := ParsePackageName(raw)
	if err != nil {
		panic(err)
	}
	return n
}

// String returns the canonical "scope/name" form.
func (n PackageName) String() string {
	return n.Scope + "/" + n.Name
}

// Escaped returns a form safe for use as a single path segment
// ("scope+name"). The store and the linker key directories by it.
func (n PackageName) Escaped() string {
	return n.Scope + "+" + n.Name
}

// UnescapeName reverses [PackageName.Escaped].
func UnescapeName(escaped string) (PackageName, error) {
	scope, name, ok := strings.Cut(escaped, "+")
	if !ok {
		return PackageName{}, errors.New(errors.ErrCodeInvalidName, "escaped name %q must be scope+name", escaped)
	}
	return ParsePackageName(scope + "/" + name)
}

// IsZero reports whether the name is unset.
func (n PackageName) IsZero() bool {
	return n.Scope == "" && n.Name == ""
}

// namePartError is a plain error so callers can wrap it with context.
type namePartError string

func (e namePartError) Error() string { return string(e) }

func validateNamePart(part string) error {
	if part == "" {
		return namePartError("empty")
	}
	if len(part) > 64 {
		return namePartError("longer than 64 characters")
	}
	for _, r := range part {
		if unicode.IsControl(r) {
			return namePartError("contains control characters")
		}
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_' || r == '-') {
			return namePartError("may only contain a-z, 0-9, _ and -")
		}
	}
	if part[0] == '-' || part[0] == '_' {
		return namePartError("must start with a letter or digit")
	}
	return nil
}
