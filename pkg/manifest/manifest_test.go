package manifest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Paficent/pesde/pkg/errors"
)

const validManifest = `
name = "acme/app"
version = "0.1.0"
license = "MIT"

[target]
kind = "lune"
lib = "src/init.luau"

[indices]
default = "https://github.com/acme/index"

[dependencies]
hello = { name = "scope/hello", version = "^1.0.0" }
beam = { repo = "https://github.com/acme/beam", rev = "v2.1.0" }

[peer_dependencies]
runtime = { name = "scope/runtime", version = ">=0.5.0" }

[dev_dependencies]
local = { path = "../local-pkg" }
`

func TestParseValid(t *testing.T) {
	m, err := Parse([]byte(validManifest))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if m.PackageName().String() != "acme/app" {
		t.Errorf("name = %q", m.PackageName())
	}
	if m.Target.Kind != TargetLune {
		t.Errorf("target kind = %q", m.Target.Kind)
	}

	hello := m.Dependencies["hello"]
	if kind, _ := hello.Kind(); kind != SpecRegistry {
		t.Errorf("hello kind = %q, want registry", kind)
	}
	beam := m.Dependencies["beam"]
	if kind, _ := beam.Kind(); kind != SpecGit {
		t.Errorf("beam kind = %q, want git", kind)
	}
	local := m.DevDependencies["local"]
	if kind, _ := local.Kind(); kind != SpecPath {
		t.Errorf("local kind = %q, want path", kind)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(string) string
		wantCode errors.Code
	}{
		{
			"missing name",
			func(s string) string { return strings.Replace(s, `name = "acme/app"`, "", 1) },
			errors.ErrCodeMissingField,
		},
		{
			"bad version",
			func(s string) string { return strings.Replace(s, `version = "0.1.0"`, `version = "one"`, 1) },
			errors.ErrCodeInvalidVersion,
		},
		{
			"unscoped name",
			func(s string) string { return strings.Replace(s, `name = "acme/app"`, `name = "app"`, 1) },
			errors.ErrCodeInvalidName,
		},
		{
			"bad target",
			func(s string) string { return strings.Replace(s, `kind = "lune"`, `kind = "jvm"`, 1) },
			errors.ErrCodeManifestParse,
		},
		{
			"duplicate alias across sections",
			func(s string) string {
				return s + "\n[dependencies.runtime]\nname = \"scope/runtime\"\nversion = \"^1\"\n"
			},
			errors.ErrCodeDuplicateAlias,
		},
		{
			"path dep outside dev section",
			func(s string) string {
				return s + "\n[dependencies.bad]\npath = \"../oops\"\n"
			},
			errors.ErrCodeInvalidSpec,
		},
		{
			"bad constraint",
			func(s string) string {
				return strings.Replace(s, `version = "^1.0.0" }`, `version = "latest-ish" }`, 1)
			},
			errors.ErrCodeInvalidVersion,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.mutate(validManifest)))
			if err == nil {
				t.Fatal("Parse should fail")
			}
			if !errors.Is(err, tt.wantCode) {
				t.Errorf("error = %v, want code %s", err, tt.wantCode)
			}
		})
	}
}

func TestUnknownKeysRoundTrip(t *testing.T) {
	doc := validManifest + "\n[future_section]\nflag = true\nnames = [\"a\", \"b\"]\n"
	m, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	out, err := m.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.Contains(string(out), "[future_section]") {
		t.Errorf("unknown section dropped:\n%s", out)
	}

	// Round-trip parses back to an equal value.
	m2, err := Parse(out)
	if err != nil {
		t.Fatalf("re-Parse: %v", err)
	}
	if m2.Name != m.Name || m2.Version != m.Version {
		t.Error("round-trip changed identity fields")
	}
	if len(m2.Dependencies) != len(m.Dependencies) {
		t.Error("round-trip changed dependency count")
	}
}

func TestPackageNameParsing(t *testing.T) {
	tests := []struct {
		raw  string
		ok   bool
		want string
	}{
		{"acme/app", true, "acme/app"},
		{"ACME/App", true, "acme/app"}, // case-insensitive, stored lowercased
		{" acme/app ", true, "acme/app"},
		{"app", false, ""},
		{"acme/", false, ""},
		{"/app", false, ""},
		{"ac me/app", false, ""},
		{"acme/ap..p", false, ""},
		{"-acme/app", false, ""},
	}
	for _, tt := range tests {
		n, err := ParsePackageName(tt.raw)
		if tt.ok && err != nil {
			t.Errorf("ParsePackageName(%q): %v", tt.raw, err)
			continue
		}
		if !tt.ok {
			if err == nil {
				t.Errorf("ParsePackageName(%q) should fail", tt.raw)
			}
			continue
		}
		if n.String() != tt.want {
			t.Errorf("ParsePackageName(%q) = %q, want %q", tt.raw, n, tt.want)
		}
	}
}

func TestEscapedNameRoundTrip(t *testing.T) {
	n := MustParsePackageName("acme/app")
	if n.Escaped() != "acme+app" {
		t.Errorf("Escaped = %q", n.Escaped())
	}
	back, err := UnescapeName(n.Escaped())
	if err != nil {
		t.Fatalf("UnescapeName: %v", err)
	}
	if back != n {
		t.Errorf("UnescapeName round-trip = %v", back)
	}
}

func TestTargetCompatibility(t *testing.T) {
	tests := []struct {
		consumer, dep TargetKind
		ok            bool
	}{
		{TargetLune, TargetLune, true},
		{TargetLune, TargetRoblox, false},
		{TargetLune, TargetRobloxServer, false},
		{TargetRoblox, TargetRoblox, true},
		{TargetRoblox, TargetRobloxServer, true},
		{TargetRoblox, TargetLune, false},
		{TargetRobloxServer, TargetRobloxServer, true},
		{TargetRobloxServer, TargetRoblox, true},
		{TargetRobloxServer, TargetLune, false},
	}
	for _, tt := range tests {
		if got := tt.consumer.Compatible(tt.dep); got != tt.ok {
			t.Errorf("%s <- %s = %v, want %v", tt.consumer, tt.dep, got, tt.ok)
		}
	}
}

func TestMatchOverride(t *testing.T) {
	overrides := map[OverrideKey]DependencySpec{
		"app>transport":       {Name: "acme/transport", Version: "=2.0.0"},
		"tools>app>transport": {Repo: "https://github.com/acme/transport", Rev: "abc123"},
	}

	spec, ok, err := MatchOverride(overrides, []string{"app", "transport"})
	if err != nil || !ok {
		t.Fatalf("match failed: ok=%v err=%v", ok, err)
	}
	if spec.Name != "acme/transport" {
		t.Errorf("matched spec = %+v", spec)
	}

	// Longer chain matches the longer key.
	spec, ok, err = MatchOverride(overrides, []string{"tools", "app", "transport"})
	if err != nil || !ok {
		t.Fatalf("match failed: ok=%v err=%v", ok, err)
	}
	if spec.Repo == "" {
		t.Errorf("expected git override, got %+v", spec)
	}

	// Prefix does not match.
	if _, ok, _ := MatchOverride(overrides, []string{"app"}); ok {
		t.Error("prefix chain should not match")
	}
	if _, ok, _ := MatchOverride(overrides, []string{"other", "transport"}); ok {
		t.Error("unrelated chain should not match")
	}
}

func TestMatchOverrideAmbiguous(t *testing.T) {
	overrides := map[OverrideKey]DependencySpec{
		"app>transport":         {Name: "acme/t1", Version: "^1"},
		"app>transport,x>y":     {Name: "acme/t2", Version: "^2"},
	}
	_, _, err := MatchOverride(overrides, []string{"app", "transport"})
	if !errors.Is(err, errors.ErrCodeOverrideAmbiguous) {
		t.Errorf("error = %v, want OVERRIDE_AMBIGUOUS", err)
	}
}

func TestLoadCachesByPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, Filename)
	if err := os.WriteFile(path, []byte(validManifest), 0644); err != nil {
		t.Fatal(err)
	}

	m1, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	m2, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m1 != m2 {
		t.Error("unchanged file should return the cached manifest pointer")
	}
}
