// Package project ties the engine together around one project root: it
// finds the manifest, owns the project-level advisory lock, and drives
// the resolve -> download -> link -> lockfile pipeline.
package project

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"

	"github.com/Paficent/pesde/pkg/cache"
	"github.com/Paficent/pesde/pkg/config"
	"github.com/Paficent/pesde/pkg/errors"
	"github.com/Paficent/pesde/pkg/manifest"
	"github.com/Paficent/pesde/pkg/source"
	"github.com/Paficent/pesde/pkg/store"
)

// lockFileName is the advisory lock guarding a project's lockfile and
// dependency directory for the duration of one install.
const lockFileName = ".pesde.lock.pid"

const lockPollInterval = 100 * time.Millisecond

// Project is a handle to one project root plus the process-external
// collaborators (config, store, cache) every operation needs.
type Project struct {
	Root    string
	Config  *config.Config
	DataDir string
	Store   *store.Store
	Cache   cache.Cache
	Logger  *log.Logger

	// Drivers overrides the source provider when set; tests inject
	// in-memory drivers here. Nil builds the real Set per run.
	Drivers source.Provider
}

// Find walks upward from start looking for a manifest.
func Find(start string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, manifest.Filename)); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.New(errors.ErrCodeNotFound, "no %s found in %s or any parent", manifest.Filename, start)
		}
		dir = parent
	}
}

// Open builds a project handle rooted at root with the user's config,
// store and cache backend.
func Open(ctx context.Context, root string, cfg *config.Config, logger *log.Logger) (*Project, error) {
	dataDir, err := config.DataDir()
	if err != nil {
		return nil, err
	}

	storeRoot, err := cfg.Store()
	if err != nil {
		return nil, err
	}
	st, err := store.New(storeRoot, logger)
	if err != nil {
		return nil, err
	}

	var c cache.Cache
	switch cfg.CacheBackend {
	case "none":
		c = cache.NewNullCache()
	case "redis":
		if cfg.Redis == nil {
			return nil, errors.New(errors.ErrCodeManifestParse, "cache_backend = \"redis\" needs a [redis] section")
		}
		c, err = cache.NewRedisCache(ctx, cache.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
	default:
		cacheDir, err := config.CacheDir()
		if err != nil {
			return nil, err
		}
		c, err = cache.NewFileCache(filepath.Join(cacheDir, "responses"))
		if err != nil {
			return nil, err
		}
	}

	return &Project{
		Root:    root,
		Config:  cfg,
		DataDir: dataDir,
		Store:   st,
		Cache:   c,
		Logger:  logger,
	}, nil
}

// Manifest loads the project manifest.
func (p *Project) Manifest() (*manifest.Manifest, error) {
	return manifest.Load(p.Root)
}

// Sources builds the driver set for one run, merging the user config's
// default index under the manifest's indices table.
func (p *Project) Sources(m *manifest.Manifest) (*source.Set, error) {
	indices := map[string]string{manifest.DefaultIndexName: p.Config.DefaultIndex}
	for alias, url := range m.Indices {
		indices[alias] = url
	}

	set := &source.Set{
		DataDir: p.DataDir,
		RootDir: p.Root,
		Indices: indices,
		Tokens:  p.Config.Tokens,
		Cache:   p.Cache,
		Logger:  p.Logger,
	}
	if err := set.LoadWorkspace(m); err != nil {
		return nil, err
	}
	return set, nil
}

// AcquireLock takes the project's advisory lock, waiting up to the
// configured timeout before reporting ProjectBusy. The returned release
// must be called exactly once.
func (p *Project) AcquireLock(ctx context.Context) (func(), error) {
	path := filepath.Join(p.Root, lockFileName)
	deadline := time.Now().Add(p.Config.LockTimeout())

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
		if time.Now().After(deadline) {
			return nil, errors.New(errors.ErrCodeProjectBusy,
				"another pesde process holds %s; remove it if that process is gone", path)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}
