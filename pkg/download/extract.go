// Package download implements the tarball pipeline: streaming fetch,
// gzip decode, path-sanitized extraction and integrity verification,
// plus the reverse direction used by publish.
package download

import (
	"archive/tar"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/Paficent/pesde/pkg/errors"
)

// Extraction limits. A package exceeding either is rejected outright.
const (
	MaxDecompressedSize = 256 << 20 // 256 MiB per package
	MaxEntryCount       = 65536
)

// Result reports what Extract produced.
type Result struct {
	// Digest is the sha256 of the compressed stream as read, in the
	// "sha256:<hex>" form lockfiles record.
	Digest string

	// Entries is the number of files and directories written.
	Entries int
}

// Extract streams a gzipped tarball into dest, hashing the compressed
// bytes as they pass. Every entry path is validated: absolute paths,
// ".." segments and symlinks that resolve outside dest are rejected. If
// every entry shares a single top-level directory it is stripped.
//
// expected, when non-empty, is checked against the stream digest after
// the last byte; on mismatch the caller's dest is in an undefined state
// and must be discarded (the store's temp-sibling pattern handles this).
func Extract(r io.Reader, dest string, expected string) (Result, error) {
	h := sha256.New()
	gz, err := gzip.NewReader(io.TeeReader(r, h))
	if err != nil {
		return Result{}, errors.Wrap(errors.ErrCodeTarballMalformed, err, "gzip decode")
	}
	defer gz.Close()

	tr := tar.NewReader(gz)

	var (
		total   int64
		entries int
		tops    = map[string]bool{}
		exec    = map[string]bool{}
	)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Result{}, errors.Wrap(errors.ErrCodeTarballMalformed, err, "read tar entry")
		}

		// PAX global headers (git archive emits one) carry no content.
		if hdr.Typeflag == tar.TypeXGlobalHeader {
			continue
		}

		name := filepath.ToSlash(hdr.Name)
		name = strings.TrimPrefix(name, "./")
		if name == "" || name == "." {
			continue
		}

		rel, err := sanitizeEntryPath(name)
		if err != nil {
			return Result{}, err
		}
		tops[topSegment(rel)] = true

		entries++
		if entries > MaxEntryCount {
			return Result{}, errors.New(errors.ErrCodeSizeExceeded, "archive exceeds %d entries", MaxEntryCount)
		}

		path := filepath.Join(dest, filepath.FromSlash(rel))

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(path, 0755); err != nil {
				return Result{}, err
			}

		case tar.TypeReg:
			total += hdr.Size
			if total > MaxDecompressedSize {
				return Result{}, errors.New(errors.ErrCodeSizeExceeded,
					"archive exceeds %d bytes decompressed", int64(MaxDecompressedSize))
			}
			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return Result{}, err
			}
			mode := os.FileMode(0644)
			if hdr.FileInfo().Mode()&0111 != 0 {
				mode = 0755
				exec[rel] = true
			}
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
			if err != nil {
				return Result{}, err
			}
			written, err := io.Copy(f, io.LimitReader(tr, MaxDecompressedSize-total+hdr.Size))
			f.Close()
			if err != nil {
				return Result{}, err
			}
			if written < hdr.Size {
				return Result{}, errors.New(errors.ErrCodeTarballMalformed, "truncated entry %s", rel)
			}

		case tar.TypeSymlink:
			if err := checkSymlinkTarget(rel, hdr.Linkname); err != nil {
				return Result{}, err
			}
			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return Result{}, err
			}
			if err := os.Symlink(filepath.FromSlash(hdr.Linkname), path); err != nil {
				return Result{}, err
			}

		default:
			// Hard links, devices and the rest have no business in a
			// package archive.
			return Result{}, errors.New(errors.ErrCodeTarballMalformed,
				"entry %s has unsupported type %d", rel, hdr.Typeflag)
		}
	}

	// Drain any gzip trailer so the digest covers the full stream.
	if _, err := io.Copy(io.Discard, gz); err != nil {
		return Result{}, errors.Wrap(errors.ErrCodeTarballMalformed, err, "drain stream")
	}

	digest := "sha256:" + hex.EncodeToString(h.Sum(nil))
	if expected != "" && digest != expected {
		return Result{}, errors.New(errors.ErrCodeDigestMismatch,
			"tarball digest %s does not match expected %s", digest, expected)
	}

	if err := stripSharedTop(dest, tops); err != nil {
		return Result{}, err
	}

	return Result{Digest: digest, Entries: entries}, nil
}

// sanitizeEntryPath validates one archive path: relative, no "..", no
// backslashes, no control bytes.
func sanitizeEntryPath(name string) (string, error) {
	if strings.HasPrefix(name, "/") || (len(name) > 1 && name[1] == ':') {
		return "", errors.New(errors.ErrCodePathEscape, "absolute entry path %q", name)
	}
	if strings.Contains(name, "\\") {
		return "", errors.New(errors.ErrCodePathEscape, "entry path %q contains a backslash", name)
	}
	if strings.ContainsRune(name, 0) {
		return "", errors.New(errors.ErrCodePathEscape, "entry path %q contains a null byte", name)
	}
	clean := filepath.ToSlash(filepath.Clean(filepath.FromSlash(name)))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", errors.New(errors.ErrCodePathEscape, "entry path %q escapes the extraction root", name)
	}
	return clean, nil
}

// checkSymlinkTarget rejects link targets that resolve outside the
// extraction root.
func checkSymlinkTarget(entry, target string) error {
	if target == "" || strings.HasPrefix(target, "/") {
		return errors.New(errors.ErrCodePathEscape, "symlink %s has absolute target %q", entry, target)
	}
	resolved := filepath.ToSlash(filepath.Clean(filepath.Join(filepath.Dir(filepath.FromSlash(entry)), filepath.FromSlash(target))))
	if resolved == ".." || strings.HasPrefix(resolved, "../") {
		return errors.New(errors.ErrCodePathEscape, "symlink %s -> %q escapes the extraction root", entry, target)
	}
	return nil
}

func topSegment(rel string) string {
	top, _, _ := strings.Cut(rel, "/")
	return top
}

// stripSharedTop hoists the contents of a single shared top-level
// directory, the layout GitHub-style archives produce.
func stripSharedTop(dest string, tops map[string]bool) error {
	if len(tops) != 1 {
		return nil
	}
	var top string
	for t := range tops {
		top = t
	}
	topPath := filepath.Join(dest, top)
	info, err := os.Stat(topPath)
	if err != nil || !info.IsDir() {
		return nil
	}

	children, err := os.ReadDir(topPath)
	if err != nil {
		return err
	}
	for _, child := range children {
		target := filepath.Join(dest, child.Name())
		if _, err := os.Lstat(target); err == nil {
			return fmt.Errorf("cannot strip %s: %s already exists", top, child.Name())
		}
		if err := os.Rename(filepath.Join(topPath, child.Name()), target); err != nil {
			return err
		}
	}
	return os.Remove(topPath)
}
