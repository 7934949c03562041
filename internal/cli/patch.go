package cli

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Paficent/pesde/pkg/errors"
	"github.com/Paficent/pesde/pkg/lockfile"
	"github.com/Paficent/pesde/pkg/manifest"
	"github.com/Paficent/pesde/pkg/patch"
	"github.com/Paficent/pesde/pkg/source"
)

// newPatchCmd creates the patch command: stage a locked package's
// contents for editing.
func newPatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "patch PACKAGE@VERSION TARGET",
		Short: "Stage a package's source for editing",
		Long: `Patch copies the package's store contents into a scratch directory with
a baseline commit. Edit the files there, then run patch-commit with the
directory to record the diff.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := openProject(cmd)
			if err != nil {
				return err
			}

			nameStr, version, ok := strings.Cut(args[0], "@")
			if !ok {
				return errors.New(errors.ErrCodeInvalidSpec, "expected PACKAGE@VERSION, got %q", args[0])
			}
			name, err := manifest.ParsePackageName(nameStr)
			if err != nil {
				return err
			}
			target, err := manifest.ParseTargetKind(args[1])
			if err != nil {
				return err
			}

			id, _, err := lockedNode(p.Root, name, version, target)
			if err != nil {
				return err
			}

			if !p.Store.Present(id) {
				return errors.New(errors.ErrCodeNotFound,
					"%s is not materialized; run install first", id)
			}
			contents := filepath.Join(p.Store.EntryDir(id), "contents")

			dir, err := patch.Stage(ctx, id, contents, loggerFromContext(ctx))
			if err != nil {
				return err
			}

			printSuccess("staged %s for patching", id)
			printFile(dir)
			printDetail("edit the files, then run: pesde patch-commit %s", dir)
			return nil
		},
	}
}

// newPatchCommitCmd creates the patch-commit command.
func newPatchCommitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "patch-commit DIR",
		Short: "Record the staged edits as a patch file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := openProject(cmd)
			if err != nil {
				return err
			}

			dir, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			name, version, target, err := patch.Identify(dir)
			if err != nil {
				return err
			}
			if _, _, err := lockedNode(p.Root, name, version, target); err != nil {
				return err
			}

			diff, err := patch.Create(ctx, dir, loggerFromContext(ctx))
			if err != nil {
				return err
			}

			patchesDir := filepath.Join(p.Root, patch.Dir)
			if err := os.MkdirAll(patchesDir, 0755); err != nil {
				return err
			}
			id := source.PackageID{Name: name, Version: version, Target: target}
			fileName := patch.FileName(id)
			patchPath := filepath.Join(patchesDir, fileName)
			if _, err := os.Stat(patchPath); err == nil {
				return errors.New(errors.ErrCodePatchApplyFailed, "patch file already exists: %s", patchPath)
			}
			if err := os.WriteFile(patchPath, diff, 0644); err != nil {
				return err
			}

			m, err := p.Manifest()
			if err != nil {
				return err
			}
			if m.Patches == nil {
				m.Patches = make(map[string]map[string]string)
			}
			if m.Patches[name.String()] == nil {
				m.Patches[name.String()] = make(map[string]string)
			}
			m.Patches[name.String()][patch.EscapeVersionID(version, target)] = filepath.ToSlash(filepath.Join(patch.Dir, fileName))
			if err := manifest.Save(p.Root, m); err != nil {
				return err
			}

			if err := os.RemoveAll(filepath.Dir(filepath.Dir(dir))); err != nil {
				return err
			}

			printSuccess("recorded %s", fileName)
			printDetail("run install to apply the patch")
			return nil
		},
	}
}

// lockedNode finds the locked graph node for (name, version, target).
// An out-of-date or missing lockfile is an error: patches address
// resolved packages, not requirements.
func lockedNode(root string, name manifest.PackageName, version string, target manifest.TargetKind) (source.PackageID, *lockfile.Package, error) {
	f, err := lockfile.Load(root)
	if err != nil {
		return source.PackageID{}, nil, err
	}
	if f == nil {
		return source.PackageID{}, nil, errors.New(errors.ErrCodeLockfileOutdated, "no lockfile; run install first")
	}
	m, err := manifest.Load(root)
	if err != nil {
		return source.PackageID{}, nil, err
	}
	if f.Name != m.Name || f.Target != m.Target.Kind {
		return source.PackageID{}, nil, errors.New(errors.ErrCodeLockfileOutdated, "lockfile is out of date; run install first")
	}

	for i := range f.Packages {
		pkg := &f.Packages[i]
		if pkg.Name == name.String() && pkg.Version == version && pkg.Target == target {
			id := source.PackageID{Ref: pkg.Ref, Name: name, Version: version, Target: target}
			return id, pkg, nil
		}
	}
	return source.PackageID{}, nil, errors.New(errors.ErrCodeNotFound,
		"%s@%s %s is not in the locked graph", name, version, target)
}
