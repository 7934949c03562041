package gitutil

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunCapturesOutput(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}

	dir := t.TempDir()
	g := New(dir, nil)
	ctx := context.Background()

	if _, err := g.Run(ctx, "init", "--quiet"); err != nil {
		t.Fatalf("init: %v", err)
	}

	out, err := g.Run(ctx, "rev-parse", "--is-inside-work-tree")
	if err != nil {
		t.Fatalf("rev-parse: %v", err)
	}
	if out != "true" {
		t.Errorf("output = %q, want trimmed \"true\"", out)
	}
}

func TestRunSurfacesStderr(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}

	g := New(t.TempDir(), nil)
	_, err := g.Run(context.Background(), "rev-parse", "HEAD")
	if err == nil {
		t.Fatal("rev-parse outside a repo should fail")
	}
	if !strings.Contains(err.Error(), "git rev-parse") {
		t.Errorf("error should name the subcommand: %v", err)
	}
}

func TestOutputPreservesBytes(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}

	dir := t.TempDir()
	g := New(dir, nil)
	ctx := context.Background()

	for _, args := range [][]string{
		{"init", "--quiet"},
		{"config", "user.name", "t"},
		{"config", "user.email", "t@localhost"},
	} {
		if _, err := g.Run(ctx, args...); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "f.txt"), []byte("line\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Run(ctx, "add", "f.txt"); err != nil {
		t.Fatal(err)
	}

	out, err := g.Output(ctx, "diff", "--cached", "--no-color")
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if !strings.HasSuffix(string(out), "\n") {
		t.Error("Output must not trim trailing newlines")
	}
	if !strings.Contains(string(out), "+line") {
		t.Errorf("diff = %q", out)
	}
}
