package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Paficent/pesde/pkg/config"
	"github.com/Paficent/pesde/pkg/errors"
	"github.com/Paficent/pesde/pkg/manifest"
)

const initTemplate = `name = %q
version = "0.1.0"

[target]
kind = "lune"
lib = "src/init.luau"

[indices]
default = %q

[dependencies]

[scripts]
`

// newInitCmd creates the init command.
func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a starter manifest in the current directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cwd, err := os.Getwd()
			if err != nil {
				return err
			}
			path := filepath.Join(cwd, manifest.Filename)
			if _, err := os.Stat(path); err == nil {
				return errors.New(errors.ErrCodeManifestParse, "%s already exists", manifest.Filename)
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			name := "scope/" + sanitizeDirName(filepath.Base(cwd))
			doc := fmt.Sprintf(initTemplate, name, cfg.DefaultIndex)
			if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
				return err
			}

			printSuccess("created %s", manifest.Filename)
			printDetail("edit the name field before publishing; %q is a placeholder scope", "scope")
			return nil
		},
	}
}

// sanitizeDirName bends a directory name into a valid package name part.
func sanitizeDirName(dir string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(dir) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_' || r == '-':
			b.WriteRune(r)
		case r == ' ' || r == '.':
			b.WriteByte('-')
		}
	}
	out := strings.TrimLeft(b.String(), "-_")
	if out == "" {
		out = "package"
	}
	return out
}
