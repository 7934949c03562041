package cli

import (
	"context"
	"fmt"
	"os"

	charmlog "github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/Paficent/pesde/pkg/config"
	"github.com/Paficent/pesde/pkg/errors"
	"github.com/Paficent/pesde/pkg/project"
)

var (
	version string // semantic version (e.g., "v1.2.3")
	commit  string // git commit SHA
	date    string // build timestamp
)

// SetVersion sets the version information displayed by --version.
// Called by the main package with values injected via ldflags at build
// time.
func SetVersion(v, c, d string) {
	version = v
	commit = c
	date = d
}

// Execute runs the pesde CLI with a background context.
func Execute() int {
	return ExecuteContext(context.Background())
}

// ExecuteContext runs the pesde CLI and returns the process exit code.
//
// The root command configures logging based on the --verbose flag and
// attaches the logger to the context for all commands. Errors are
// mapped to exit codes: 0 success, 1 user error, 2 environment error,
// 3 integrity error.
func ExecuteContext(ctx context.Context) int {
	var verbose bool

	root := &cobra.Command{
		Use:           "pesde",
		Short:         "pesde is a package manager for the Roblox and Lune ecosystems",
		Long:          `pesde resolves dependencies from registries, git repositories and workspaces, materializes them through a content-addressed store, and links them into your project.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := charmlog.InfoLevel
			if verbose {
				level = charmlog.DebugLevel
			}
			ctx := withLogger(cmd.Context(), newLogger(os.Stderr, level))
			cmd.SetContext(ctx)
		},
	}

	root.SetVersionTemplate(fmt.Sprintf("pesde %s\ncommit: %s\nbuilt: %s\n", version, commit, date))
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	root.AddCommand(newInitCmd())
	root.AddCommand(newInstallCmd())
	root.AddCommand(newUpdateCmd())
	root.AddCommand(newAddCmd())
	root.AddCommand(newPublishCmd())
	root.AddCommand(newRunCmd())
	root.AddCommand(newExecCmd())
	root.AddCommand(newPatchCmd())
	root.AddCommand(newPatchCommitCmd())
	root.AddCommand(newAuthCmd())
	root.AddCommand(newGraphCmd())

	if err := root.ExecuteContext(ctx); err != nil {
		printError("%s", errors.UserMessage(err))
		if code := errors.GetCode(err); code != "" {
			printDetail("code: %s", string(code))
		}
		return errors.ExitCode(err)
	}
	return errors.ExitSuccess
}

// openProject locates the project root from the working directory and
// builds the engine handle around it.
func openProject(cmd *cobra.Command) (*project.Project, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	root, err := project.Find(cwd)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return project.Open(cmd.Context(), root, cfg, loggerFromContext(cmd.Context()))
}
