package cli

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Paficent/pesde/pkg/download"
	"github.com/Paficent/pesde/pkg/errors"
	"github.com/Paficent/pesde/pkg/linker"
	"github.com/Paficent/pesde/pkg/lockfile"
	"github.com/Paficent/pesde/pkg/manifest"
	"github.com/Paficent/pesde/pkg/patch"
	"github.com/Paficent/pesde/pkg/source"
)

// publishSkip filters project files that never belong in a package
// archive.
func publishSkip(rel string) bool {
	switch rel {
	case linker.DefaultDepsDir, patch.Dir, lockfile.Filename, ".git":
		return true
	}
	return strings.HasPrefix(rel, ".")
}

// newPublishCmd creates the publish command.
func newPublishCmd() *cobra.Command {
	var (
		dryRun bool
		yes    bool
		index  string
	)

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Package the current project and upload it to a registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := openProject(cmd)
			if err != nil {
				return err
			}
			m, err := p.Manifest()
			if err != nil {
				return err
			}
			if m.Target.Lib == "" && m.Target.Bin == "" {
				return errors.New(errors.ErrCodeMissingField, "nothing to publish: target exports neither lib nor bin")
			}

			var buf bytes.Buffer
			digest, err := download.Pack(p.Root, &buf, publishSkip)
			if err != nil {
				return err
			}

			printInfo("packaged %s@%s %s", m.Name, m.Version, StyleDim.Render(string(m.Target.Kind)))
			printKeyValue("size", fmt.Sprintf("%d bytes", buf.Len()))
			printKeyValue("digest", digest)

			if dryRun {
				printWarning("dry run: listing archive contents, not uploading")
				return listArchive(buf.Bytes())
			}

			if !yes {
				fmt.Print("publish? [y/N] ")
				var answer string
				fmt.Scanln(&answer)
				if !strings.EqualFold(strings.TrimSpace(answer), "y") {
					printInfo("aborted")
					return nil
				}
			}

			sources, err := p.Sources(m)
			if err != nil {
				return err
			}
			alias := index
			if alias == "" {
				alias = manifest.DefaultIndexName
			}
			driver, _, err := sources.For(ctx, manifest.DependencySpec{Name: m.Name, Version: "*", Index: alias})
			if err != nil {
				return err
			}
			reg, ok := driver.(*source.RegistrySource)
			if !ok {
				return errors.New(errors.ErrCodeInternal, "index alias %q did not resolve to a registry", alias)
			}

			if err := reg.Publish(ctx, buf.Bytes(), digest); err != nil {
				return err
			}
			printSuccess("published %s@%s", m.Name, m.Version)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&dryRun, "dry-run", "d", false, "print the would-be archive contents without uploading")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	cmd.Flags().StringVarP(&index, "index", "i", "", "index alias to publish to")
	return cmd
}

func listArchive(data []byte) error {
	dir, err := os.MkdirTemp("", "pesde-publish-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	if _, err := download.Extract(bytes.NewReader(data), dir, ""); err != nil {
		return err
	}
	return walkPrint(dir, "")
}

func walkPrint(dir, prefix string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		rel := prefix + entry.Name()
		if entry.IsDir() {
			if err := walkPrint(dir+"/"+entry.Name(), rel+"/"); err != nil {
				return err
			}
			continue
		}
		printFile(rel)
	}
	return nil
}
