package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/Paficent/pesde/pkg/errors"
	"github.com/Paficent/pesde/pkg/manifest"
	"github.com/Paficent/pesde/pkg/project"
	"github.com/Paficent/pesde/pkg/resolver"
)

// newAddCmd creates the add command: mutate the manifest, then install.
func newAddCmd() *cobra.Command {
	var (
		target string
		alias  string
		peer   bool
		dev    bool
		index  string
	)

	cmd := &cobra.Command{
		Use:   "add SPEC",
		Short: "Add a dependency to the manifest and install it",
		Long: `Add accepts three specifier shapes:

  scope/name@^1.2.0        registry package with a version requirement
  gh#owner/repo#rev        git repository at a branch, tag or commit
  path:../some-dir         local directory (dev dependencies only)`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if peer && dev {
				return errors.New(errors.ErrCodeInvalidSpec, "-p and -d are mutually exclusive")
			}

			spec, defaultAlias, err := parseAddSpec(args[0], target, index)
			if err != nil {
				return err
			}
			if alias == "" {
				alias = defaultAlias
			}

			p, err := openProject(cmd)
			if err != nil {
				return err
			}
			m, err := p.Manifest()
			if err != nil {
				return err
			}

			section := &m.Dependencies
			switch {
			case peer:
				section = &m.PeerDependencies
			case dev:
				section = &m.DevDependencies
			}
			if *section == nil {
				*section = make(map[string]manifest.DependencySpec)
			}
			(*section)[alias] = spec

			if err := m.Validate(); err != nil {
				return err
			}
			if err := manifest.Save(p.Root, m); err != nil {
				return err
			}
			printSuccess("added %s as %q", spec.String(), alias)

			return runInstall(cmd, p, project.InstallOptions{
				Policy: resolver.Policy{PreserveLocked: true},
			})
		},
	}

	cmd.Flags().StringVarP(&target, "target", "t", "", "restrict the dependency to a target kind")
	cmd.Flags().StringVarP(&alias, "alias", "a", "", "alias to depend on the package by")
	cmd.Flags().BoolVarP(&peer, "peer", "p", false, "add as a peer dependency")
	cmd.Flags().BoolVarP(&dev, "dev", "d", false, "add as a dev dependency")
	cmd.Flags().StringVarP(&index, "index", "i", "", "registry index alias to resolve from")
	return cmd
}

// parseAddSpec turns a CLI specifier into a DependencySpec and the
// alias it defaults to.
func parseAddSpec(raw, target, index string) (manifest.DependencySpec, string, error) {
	var spec manifest.DependencySpec
	spec.Target = manifest.TargetKind(target)
	spec.Index = index

	switch {
	case strings.HasPrefix(raw, "gh#"):
		rest := strings.TrimPrefix(raw, "gh#")
		repo, rev, ok := strings.Cut(rest, "#")
		if !ok || repo == "" || rev == "" {
			return spec, "", errors.New(errors.ErrCodeInvalidSpec, "git specifier %q must be gh#owner/repo#rev", raw)
		}
		spec.Repo = "https://github.com/" + repo
		spec.Rev = rev
		_, name, _ := strings.Cut(repo, "/")
		return spec, strings.ToLower(name), nil

	case strings.HasPrefix(raw, "path:"):
		spec.Path = strings.TrimPrefix(raw, "path:")
		if spec.Path == "" {
			return spec, "", errors.New(errors.ErrCodeInvalidSpec, "path specifier %q is empty", raw)
		}
		base := spec.Path[strings.LastIndexAny(spec.Path, "/\\")+1:]
		return spec, strings.ToLower(base), nil

	default:
		nameStr, req, hasReq := strings.Cut(raw, "@")
		if !hasReq || req == "" {
			req = "*"
		}
		name, err := manifest.ParsePackageName(nameStr)
		if err != nil {
			return spec, "", err
		}
		spec.Name = name.String()
		spec.Version = req
		return spec, name.Name, nil
	}
}
