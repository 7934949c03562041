// Package store implements the content-addressed package store: a
// durable, process-shared cache of extracted package contents keyed by
// (source class, name, version, target).
//
// Materialization is single-flight at both levels. Within a process,
// concurrent Ensure calls for one id share a singleflight group; across
// processes, a sentinel lock file serializes writers. Contents are
// written to a temp sibling and renamed into place, so readers never
// observe a half-written entry.
package store

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"github.com/Paficent/pesde/pkg/cache"
	"github.com/Paficent/pesde/pkg/errors"
	"github.com/Paficent/pesde/pkg/source"
)

// integrityFile records the tarball digest inside a materialized entry.
const integrityFile = ".integrity"

// lockPollInterval is how often a blocked writer re-checks the sentinel.
const lockPollInterval = 50 * time.Millisecond

// staleLockAge is the age past which an abandoned sentinel (a crashed
// writer) is broken.
const staleLockAge = 10 * time.Minute

// Store is a handle to the on-disk store rooted under the user data dir.
type Store struct {
	root   string
	logger *log.Logger
	sf     singleflight.Group
}

// New opens (creating if needed) the store at root.
func New(root string, logger *log.Logger) (*Store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Store{root: root, logger: logger}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

// EntryDir returns the directory an id materializes into:
// <root>/<source-class>/<name-encoded>/<version>/<target>.
func (s *Store) EntryDir(id source.PackageID) string {
	return filepath.Join(
		s.root,
		classSegment(id.Ref),
		id.Name.Escaped(),
		pathSegment(id.Version),
		string(id.Target),
	)
}

// classSegment encodes a ref class as one directory name: the kind for
// readability plus a hash of the full class for uniqueness.
func classSegment(ref source.Ref) string {
	return string(ref.Kind) + "-" + cache.Hash([]byte(ref.Class()))[:12]
}

// pathSegment makes a version string safe as a single path element
// (build metadata contains '+', which is fine; slashes are not).
func pathSegment(s string) string {
	return strings.ReplaceAll(s, "/", "_")
}

// Materializer fills dir with the package contents and returns the
// tarball digest it verified or computed.
type Materializer func(ctx context.Context, dir string) (string, error)

// Present reports whether the entry for id is already materialized.
func (s *Store) Present(id source.PackageID) bool {
	_, err := os.Stat(filepath.Join(s.EntryDir(id), integrityFile))
	return err == nil
}

// Integrity returns the recorded tarball digest of a present entry.
func (s *Store) Integrity(id source.PackageID) (string, error) {
	data, err := os.ReadFile(filepath.Join(s.EntryDir(id), integrityFile))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// Ensure returns the entry directory for id, materializing it first if
// absent. Exactly one caller performs the materialization; everything
// else blocks until the entry appears. The returned path is immutable
// until an external gc removes it.
func (s *Store) Ensure(ctx context.Context, id source.PackageID, materialize Materializer) (string, error) {
	dir := s.EntryDir(id)
	if s.Present(id) {
		return dir, nil
	}

	_, err, _ := s.sf.Do(dir, func() (any, error) {
		return nil, s.ensureLocked(ctx, id, dir, materialize)
	})
	if err != nil {
		return "", err
	}
	return dir, nil
}

func (s *Store) ensureLocked(ctx context.Context, id source.PackageID, dir string, materialize Materializer) error {
	if s.Present(id) {
		return nil
	}

	lockPath := dir + ".lock"
	if err := os.MkdirAll(filepath.Dir(dir), 0755); err != nil {
		return err
	}

	release, err := acquireLock(ctx, lockPath)
	if err != nil {
		return err
	}
	defer release()

	// Another process may have won the race while we waited.
	if s.Present(id) {
		return nil
	}

	tmp := fmt.Sprintf("%s.tmp-%d", dir, os.Getpid())
	if err := os.RemoveAll(tmp); err != nil {
		return err
	}
	if err := os.MkdirAll(tmp, 0755); err != nil {
		return err
	}

	digest, err := materialize(ctx, tmp)
	if err != nil {
		_ = os.RemoveAll(tmp)
		return err
	}

	if err := os.WriteFile(filepath.Join(tmp, integrityFile), []byte(digest+"\n"), 0644); err != nil {
		_ = os.RemoveAll(tmp)
		return err
	}

	// Atomic with respect to readers: the entry appears fully formed.
	if err := os.RemoveAll(dir); err != nil {
		_ = os.RemoveAll(tmp)
		return err
	}
	if err := os.Rename(tmp, dir); err != nil {
		_ = os.RemoveAll(tmp)
		return err
	}

	s.logger.Debug("materialized", "package", id.String(), "dir", dir)
	return nil
}

// acquireLock creates the sentinel exclusively, polling while another
// writer holds it and breaking sentinels older than staleLockAge.
func acquireLock(ctx context.Context, path string) (func(), error) {
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return func() { _ = os.Remove(path) }, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}

		if info, statErr := os.Stat(path); statErr == nil && time.Since(info.ModTime()) > staleLockAge {
			_ = os.Remove(path)
			continue
		}

		select {
		case <-ctx.Done():
			return nil, errors.Wrap(errors.ErrCodeProjectBusy, ctx.Err(), "waiting for store lock %s", path)
		case <-time.After(lockPollInterval):
		}
	}
}
