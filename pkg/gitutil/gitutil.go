// Package gitutil runs the system git binary for the registry index,
// the git source driver and the patch subsystem.
//
// The engine treats git as a tool, not a library: repositories it manages
// are bare mirrors under the user data dir, and every operation is a
// short-lived subprocess with its output captured.
package gitutil

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/kballard/go-shellquote"
)

// Git runs git subcommands rooted at a fixed directory.
type Git struct {
	dir    string
	logger *log.Logger
}

// New returns a runner that executes git with -C dir.
// The logger may be nil to disable command logging.
func New(dir string, logger *log.Logger) *Git {
	return &Git{dir: dir, logger: logger}
}

// Run executes a git subcommand and returns its trimmed stdout.
// Stderr is folded into the returned error on failure.
func (g *Git) Run(ctx context.Context, args ...string) (string, error) {
	full := append([]string{"-C", g.dir}, args...)
	if g.logger != nil {
		g.logger.Debug("git", "cmd", shellquote.Join(append([]string{"git"}, full...)...))
	}

	cmd := exec.CommandContext(ctx, "git", full...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("git %s: %s", args[0], msg)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Output is Run without trimming, for commands whose byte-exact output
// matters (diffs, archives).
func (g *Git) Output(ctx context.Context, args ...string) ([]byte, error) {
	full := append([]string{"-C", g.dir}, args...)
	if g.logger != nil {
		g.logger.Debug("git", "cmd", shellquote.Join(append([]string{"git"}, full...)...))
	}

	cmd := exec.CommandContext(ctx, "git", full...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("git %s: %s", args[0], msg)
	}
	return stdout.Bytes(), nil
}
