// Package patch implements user-authored binary patches on top of
// upstream package sources.
//
// A package is staged into a scratch git repository whose single commit
// captures the unmodified contents; the user edits the working tree,
// and Create diffs it against the baseline into a .patch file recorded
// in the project manifest. During materialization the linker applies
// the patch onto a writable copy of the store contents with strict
// context matching.
package patch

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/Paficent/pesde/pkg/errors"
	"github.com/Paficent/pesde/pkg/gitutil"
	"github.com/Paficent/pesde/pkg/manifest"
	"github.com/Paficent/pesde/pkg/source"
)

// Dir is the project-relative directory patch files live in.
const Dir = "patches"

// versionSep separates version from target in staged dir names and
// patch file names. Versions never contain '~'.
const versionSep = "~"

// EscapeVersionID renders "version~target" for path segments.
func EscapeVersionID(version string, target manifest.TargetKind) string {
	return version + versionSep + string(target)
}

// FileName returns the patch file name for an id, relative to Dir.
func FileName(id source.PackageID) string {
	return fmt.Sprintf("%s-%s.patch", id.Name.Escaped(), EscapeVersionID(id.Version, id.Target))
}

// Stage copies contentDir into a fresh staging directory and commits
// the pristine state, returning the working tree path. The trailing
// path segments encode the package identity so Identify can recover it.
func Stage(ctx context.Context, id source.PackageID, contentDir string, logger *log.Logger) (string, error) {
	base := filepath.Join(os.TempDir(), "pesde-patch-"+uuid.NewString())
	dir := filepath.Join(base, id.Name.Escaped(), EscapeVersionID(id.Version, id.Target))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}

	if err := copyDir(contentDir, dir); err != nil {
		_ = os.RemoveAll(base)
		return "", err
	}
	// Store bookkeeping has no business in the patch.
	_ = os.Remove(filepath.Join(dir, ".integrity"))

	git := gitutil.New(dir, logger)
	steps := [][]string{
		{"init", "--quiet"},
		{"config", "user.name", "pesde"},
		{"config", "user.email", "pesde@localhost"},
		{"add", "-A"},
		{"commit", "--quiet", "-m", "baseline"},
	}
	for _, args := range steps {
		if _, err := git.Run(ctx, args...); err != nil {
			_ = os.RemoveAll(base)
			return "", errors.Wrap(errors.ErrCodeInternal, err, "stage %s", id)
		}
	}
	return dir, nil
}

// Identify recovers the package name and version id from a staging
// directory produced by Stage.
func Identify(dir string) (manifest.PackageName, string, manifest.TargetKind, error) {
	versionID := filepath.Base(dir)
	escaped := filepath.Base(filepath.Dir(dir))

	name, err := manifest.UnescapeName(escaped)
	if err != nil {
		return manifest.PackageName{}, "", "", errors.Wrap(errors.ErrCodeInvalidName, err, "staging dir %s", dir)
	}
	idx := strings.LastIndex(versionID, versionSep)
	if idx < 0 {
		return manifest.PackageName{}, "", "", errors.New(errors.ErrCodeInternal, "staging dir %s has no version id segment", dir)
	}
	version := versionID[:idx]
	target, err := manifest.ParseTargetKind(versionID[idx+1:])
	if err != nil {
		return manifest.PackageName{}, "", "", err
	}
	return name, version, target, nil
}

// Create diffs the staging working tree against its baseline commit and
// returns the textual patch. An empty diff is an error: there is
// nothing to record.
func Create(ctx context.Context, dir string, logger *log.Logger) ([]byte, error) {
	git := gitutil.New(dir, logger)
	if _, err := git.Run(ctx, "add", "-A", "--intent-to-add"); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, err, "track new files in %s", dir)
	}
	diff, err := git.Output(ctx, "diff", "--no-color", "--binary", "HEAD")
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, err, "diff %s", dir)
	}
	if len(diff) == 0 {
		return nil, errors.New(errors.ErrCodePatchApplyFailed, "working tree at %s has no changes to commit", dir)
	}
	return diff, nil
}

// Apply applies a patch file onto dir with strict context matching. Any
// rejection is fatal; the caller discards the half-patched copy.
func Apply(ctx context.Context, dir, patchFile string) error {
	abs, err := filepath.Abs(patchFile)
	if err != nil {
		return err
	}
	git := gitutil.New(dir, nil)
	if _, err := git.Run(ctx, "apply", "--check", abs); err != nil {
		return errors.Wrap(errors.ErrCodePatchApplyFailed, err, "patch %s does not apply cleanly", filepath.Base(patchFile))
	}
	if _, err := git.Run(ctx, "apply", abs); err != nil {
		return errors.Wrap(errors.ErrCodePatchApplyFailed, err, "apply %s", filepath.Base(patchFile))
	}
	// The scratch repo metadata must not leak into the linked layout.
	return os.RemoveAll(filepath.Join(dir, ".git"))
}

func copyDir(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(dst, rel)
		switch {
		case info.IsDir():
			return os.MkdirAll(target, 0755)
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		default:
			return copyFile(path, target, info.Mode())
		}
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
