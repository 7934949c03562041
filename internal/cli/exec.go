package cli

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Paficent/pesde/pkg/config"
	"github.com/Paficent/pesde/pkg/errors"
	"github.com/Paficent/pesde/pkg/linker"
	"github.com/Paficent/pesde/pkg/manifest"
	"github.com/Paficent/pesde/pkg/project"
)

// newExecCmd creates the x command: resolve and execute a one-shot
// binary package in a throwaway project, leaving the current project
// untouched.
func newExecCmd() *cobra.Command {
	var index string

	cmd := &cobra.Command{
		Use:   "x SPEC [-- ARGS...]",
		Short: "Run a binary package without touching the current project",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			spec, alias, err := parseAddSpec(args[0], "", index)
			if err != nil {
				return err
			}

			scratch, err := os.MkdirTemp("", "pesde-x-")
			if err != nil {
				return err
			}
			defer os.RemoveAll(scratch)

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			m := &manifest.Manifest{
				Name:         "pesde/x",
				Version:      "0.0.0",
				Target:       manifest.Target{Kind: manifest.TargetLune, Lib: "init.luau"},
				Dependencies: map[string]manifest.DependencySpec{alias: spec},
			}
			if err := manifest.Save(scratch, m); err != nil {
				return err
			}
			if err := os.WriteFile(filepath.Join(scratch, "init.luau"), []byte("return {}\n"), 0644); err != nil {
				return err
			}

			p, err := project.Open(ctx, scratch, cfg, loggerFromContext(ctx))
			if err != nil {
				return err
			}
			g, err := p.Install(ctx, project.InstallOptions{})
			if err != nil {
				return err
			}

			stub := filepath.Join(scratch, linker.DefaultDepsDir, alias+".bin.luau")
			if _, err := os.Stat(stub); err != nil {
				roots := g.RootIDs()
				if len(roots) == 1 && g.Nodes[roots[0]].Target.Bin == "" {
					return errors.New(errors.ErrCodeNotFound, "%s has no bin export", roots[0])
				}
				return errors.New(errors.ErrCodeNotFound, "no binary stub produced for %q", alias)
			}

			fmt.Println()
			c := exec.CommandContext(ctx, runnerBinary, append([]string{"run", stub}, args[1:]...)...)
			c.Stdin = os.Stdin
			c.Stdout = os.Stdout
			c.Stderr = os.Stderr
			return c.Run()
		},
	}

	cmd.Flags().StringVarP(&index, "index", "i", "", "registry index alias to resolve from")
	return cmd
}
