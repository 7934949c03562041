package cli

import (
	"os"
	"os/exec"
	"path/filepath"

	"github.com/kballard/go-shellquote"
	"github.com/spf13/cobra"

	"github.com/Paficent/pesde/pkg/errors"
	"github.com/Paficent/pesde/pkg/linker"
)

// runnerBinary is the external scripts runner the engine delegates to.
const runnerBinary = "lune"

// newRunCmd creates the run command. Script execution itself is
// delegated to the external runner; the engine only resolves which file
// to hand it.
func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [SCRIPT] [-- ARGS...]",
		Short: "Run a project script or an installed binary through the runner",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject(cmd)
			if err != nil {
				return err
			}
			m, err := p.Manifest()
			if err != nil {
				return err
			}

			script := "default"
			var rest []string
			if len(args) > 0 {
				script = args[0]
				rest = args[1:]
			}

			var path string
			if rel, ok := m.Scripts[script]; ok {
				path = filepath.Join(p.Root, rel)
			} else {
				// Fall back to an installed binary stub by alias.
				stub := filepath.Join(p.Root, linker.DefaultDepsDir, script+".bin.luau")
				if _, err := os.Stat(stub); err != nil {
					return errors.New(errors.ErrCodeNotFound, "no script or installed binary named %q", script)
				}
				path = stub
			}

			runArgs := append([]string{"run", path}, rest...)
			loggerFromContext(cmd.Context()).Debug("exec", "cmd", shellquote.Join(append([]string{runnerBinary}, runArgs...)...))

			c := exec.CommandContext(cmd.Context(), runnerBinary, runArgs...)
			c.Dir = p.Root
			c.Stdin = os.Stdin
			c.Stdout = os.Stdout
			c.Stderr = os.Stderr
			return c.Run()
		},
	}
}
