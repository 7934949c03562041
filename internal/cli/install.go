package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Paficent/pesde/pkg/project"
	"github.com/Paficent/pesde/pkg/resolver"
)

// newInstallCmd creates the install command.
func newInstallCmd() *cobra.Command {
	var locked, prod bool

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Resolve dependencies and link them into the project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject(cmd)
			if err != nil {
				return err
			}
			return runInstall(cmd, p, project.InstallOptions{
				Locked: locked,
				Prod:   prod,
				Policy: resolver.Policy{PreserveLocked: true},
			})
		},
	}

	cmd.Flags().BoolVar(&locked, "locked", false, "fail if resolution would change the lockfile")
	cmd.Flags().BoolVar(&prod, "prod", false, "skip materializing dev dependencies")
	return cmd
}

// newUpdateCmd creates the update command: install with pins discarded.
func newUpdateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update [ALIAS...]",
		Short: "Re-resolve dependencies, discarding lockfile pins",
		Long: `Update discards the versions pinned by the lockfile and re-resolves.
With aliases, only the pins reached through those root aliases are
discarded; everything else stays locked.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject(cmd)
			if err != nil {
				return err
			}

			policy := resolver.Policy{PreserveLocked: true, UpdateAll: len(args) == 0}
			if len(args) > 0 {
				policy.Update = make(map[string]bool, len(args))
				for _, alias := range args {
					policy.Update[alias] = true
				}
			}
			return runInstall(cmd, p, project.InstallOptions{Policy: policy})
		},
	}
	return cmd
}

func runInstall(cmd *cobra.Command, p *project.Project, opts project.InstallOptions) error {
	ctx := cmd.Context()
	logger := loggerFromContext(ctx)

	m, err := p.Manifest()
	if err != nil {
		return err
	}
	printInfo("installing %s %s", StyleTitle.Render(m.Name), StyleDim.Render(string(m.Target.Kind)))

	prog := newProgress(logger)
	spin := newSpinnerWithContext(ctx, "resolving dependency graph")
	spin.Start()
	g, err := p.Install(ctx, opts)
	spin.Stop()
	if err != nil {
		return err
	}
	prog.done(fmt.Sprintf("installed %d packages", len(g.Nodes)))

	for _, id := range g.RootIDs() {
		node := g.Nodes[id]
		printDetail("%s %s %s", node.Direct.Alias, iconArrow, id.String())
	}

	// Workspace members install after the root, the same way the root
	// did.
	if m.Workspace != nil {
		for _, member := range m.Workspace.Members {
			printInfo("workspace member %s", member)
			mp, err := project.Open(ctx, memberRoot(p, member), p.Config, logger)
			if err != nil {
				return err
			}
			if _, err := mp.Install(ctx, opts); err != nil {
				return fmt.Errorf("workspace member %s: %w", member, err)
			}
		}
	}

	printSuccess("install complete")
	return nil
}

func memberRoot(p *project.Project, rel string) string {
	return filepath.Join(p.Root, rel)
}
