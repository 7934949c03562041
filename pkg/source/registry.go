package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/Masterminds/semver/v3"
	"github.com/charmbracelet/log"

	"github.com/Paficent/pesde/pkg/cache"
	"github.com/Paficent/pesde/pkg/errors"
	"github.com/Paficent/pesde/pkg/gitutil"
	"github.com/Paficent/pesde/pkg/httputil"
	"github.com/Paficent/pesde/pkg/manifest"
)

const httpTimeout = 30 * time.Second

// IndexEntry is one line of a scope/name file in the registry index:
// one published version+target of a package.
type IndexEntry struct {
	Version          string                             `json:"version"`
	Target           manifest.Target                    `json:"target"`
	Dependencies     map[string]manifest.DependencySpec `json:"dependencies,omitempty"`
	PeerDependencies map[string]manifest.DependencySpec `json:"peer_dependencies,omitempty"`
	TarballURL       string                             `json:"tarball_url"`
	Digest           string                             `json:"digest"`
	Yanked           bool                               `json:"yanked,omitempty"`
}

// RegistrySource serves packages from a git-backed registry index whose
// tarballs live in an object store named by each index entry.
//
// The index is a bare mirror under the user data dir, updated at most
// once per resolver run. Entry lookups are cached keyed by the index
// HEAD commit, so unchanged indices cost one git subprocess per run.
type RegistrySource struct {
	indexURL string
	dir      string
	git      *gitutil.Git
	http     *http.Client
	cache    cache.Cache
	token    string
	logger   *log.Logger

	head string
}

// NewRegistry creates a registry driver for one index URL.
// dataDir is the per-user engine data dir; token may be empty for
// anonymous access; c may be nil to disable entry caching.
func NewRegistry(indexURL, dataDir, token string, c cache.Cache, logger *log.Logger) *RegistrySource {
	if c == nil {
		c = cache.NewNullCache()
	}
	dir := filepath.Join(dataDir, "indices", cache.Hash([]byte(indexURL))[:16])
	return &RegistrySource{
		indexURL: indexURL,
		dir:      dir,
		git:      gitutil.New(dir, logger),
		http:     &http.Client{Timeout: httpTimeout},
		cache:    c,
		token:    token,
		logger:   logger,
	}
}

// Ref returns the registry reference for this index.
func (s *RegistrySource) Ref() Ref {
	return Ref{Kind: RefRegistry, IndexURL: s.indexURL}
}

// Refresh clones the index mirror on first use and fetches updates on
// subsequent runs, then records the HEAD commit for cache keys. No
// cross-process lock is taken: two processes refreshing the same mirror
// at the same time are not coordinated.
func (s *RegistrySource) Refresh(ctx context.Context) error {
	if _, err := os.Stat(filepath.Join(s.dir, "HEAD")); err != nil {
		if err := os.MkdirAll(filepath.Dir(s.dir), 0755); err != nil {
			return err
		}
		parent := gitutil.New(filepath.Dir(s.dir), s.logger)
		if _, err := parent.Run(ctx, "clone", "--mirror", s.indexURL, s.dir); err != nil {
			return errors.Wrap(errors.ErrCodeNetworkFatal, err, "clone index %s", s.indexURL)
		}
	} else {
		if _, err := s.git.Run(ctx, "fetch", "--prune", "origin"); err != nil {
			return errors.Wrap(errors.ErrCodeNetworkFatal, err, "update index %s", s.indexURL)
		}
	}

	head, err := s.git.Run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return errors.Wrap(errors.ErrCodeInternal, err, "resolve index HEAD")
	}
	s.head = head
	return nil
}

// entries reads and parses the scope/name file from the index, consulting
// the cache first. A missing file means the package is not published.
func (s *RegistrySource) entries(ctx context.Context, name manifest.PackageName) ([]IndexEntry, error) {
	key := fmt.Sprintf("index:%s:%s:%s", s.indexURL, s.head, name)

	raw, hit, _ := s.cache.Get(ctx, key)
	if !hit {
		out, err := s.git.Output(ctx, "show", "HEAD:"+name.String())
		if err != nil {
			if strings.Contains(err.Error(), "does not exist") || strings.Contains(err.Error(), "exists on disk, but not in") {
				return nil, errors.New(errors.ErrCodeNotFound, "package %s not found in index %s", name, s.indexURL)
			}
			return nil, errors.Wrap(errors.ErrCodeInternal, err, "read index entry for %s", name)
		}
		raw = out
		_ = s.cache.Set(ctx, key, raw, 0)
	}

	var entries []IndexEntry
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var entry IndexEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, errors.Wrap(errors.ErrCodeInternal, err, "malformed index entry for %s", name)
		}
		entries = append(entries, entry)
	}
	return entries, scanner.Err()
}

// ListVersions returns the published versions of name whose target the
// consumer can depend on. Yanked entries are returned flagged; the
// resolver excludes them unless the previous lockfile pins them.
func (s *RegistrySource) ListVersions(ctx context.Context, name manifest.PackageName, consumer manifest.TargetKind) ([]VersionEntry, error) {
	entries, err := s.entries(ctx, name)
	if err != nil {
		return nil, err
	}

	var out []VersionEntry
	for _, entry := range entries {
		if !consumer.Compatible(entry.Target.Kind) {
			continue
		}
		v, err := semver.NewVersion(entry.Version)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeInternal, err, "index entry %s@%s", name, entry.Version)
		}
		out = append(out, VersionEntry{Version: v, Target: entry.Target, Yanked: entry.Yanked})
	}
	return out, nil
}

// entry finds the index entry matching a resolved id.
func (s *RegistrySource) entry(ctx context.Context, id PackageID) (IndexEntry, error) {
	entries, err := s.entries(ctx, id.Name)
	if err != nil {
		return IndexEntry{}, err
	}
	for _, entry := range entries {
		if entry.Version == id.Version && entry.Target.Kind == id.Target {
			return entry, nil
		}
	}
	return IndexEntry{}, errors.New(errors.ErrCodeNotFound, "no index entry for %s", id)
}

// FetchManifest synthesizes a manifest from the index entry: registry
// entries carry the dependency tables, so resolution never needs the
// tarball.
func (s *RegistrySource) FetchManifest(ctx context.Context, id PackageID) (*manifest.Manifest, error) {
	entry, err := s.entry(ctx, id)
	if err != nil {
		return nil, err
	}
	return &manifest.Manifest{
		Name:             id.Name.String(),
		Version:          entry.Version,
		Target:           entry.Target,
		Dependencies:     entry.Dependencies,
		PeerDependencies: entry.PeerDependencies,
	}, nil
}

// FetchContents streams the tarball from the object store URL named in
// the index entry, authenticating with the per-index bearer token.
// Transient failures are retried with backoff.
func (s *RegistrySource) FetchContents(ctx context.Context, id PackageID) (Contents, error) {
	entry, err := s.entry(ctx, id)
	if err != nil {
		return Contents{}, err
	}

	var resp *http.Response
	err = httputil.RetryWithBackoff(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, entry.TarballURL, nil)
		if err != nil {
			return errors.Wrap(errors.ErrCodeNetworkFatal, err, "request %s", entry.TarballURL)
		}
		if s.token != "" {
			req.Header.Set("Authorization", "Bearer "+s.token)
		}

		r, err := s.http.Do(req)
		if err != nil {
			return &httputil.RetryableError{Err: errors.Wrap(errors.ErrCodeNetworkTransient, err, "fetch %s", entry.TarballURL)}
		}
		if err := checkStatus(r.StatusCode, s.token, entry.TarballURL); err != nil {
			r.Body.Close()
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return Contents{}, err
	}
	return Contents{Reader: resp.Body, Digest: entry.Digest}, nil
}

// indexConfig is the config.toml at the index repository root, naming
// the registry API packages are published through.
type indexConfig struct {
	API string `toml:"api"`
}

// Publish uploads a packaged tarball to the registry API named by the
// index's own config file. The request is authenticated with the
// per-index bearer token and carries the archive digest for server-side
// verification.
func (s *RegistrySource) Publish(ctx context.Context, archive []byte, digest string) error {
	if s.head == "" {
		if err := s.Refresh(ctx); err != nil {
			return err
		}
	}
	raw, err := s.git.Output(ctx, "show", "HEAD:config.toml")
	if err != nil {
		return errors.New(errors.ErrCodeNotFound, "index %s has no config.toml; cannot publish to it", s.indexURL)
	}
	var cfg indexConfig
	if err := toml.Unmarshal(raw, &cfg); err != nil || cfg.API == "" {
		return errors.New(errors.ErrCodeInternal, "index %s config.toml does not name an api", s.indexURL)
	}

	url := strings.TrimSuffix(cfg.API, "/") + "/v0/packages"
	return httputil.RetryWithBackoff(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(archive))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/gzip")
		req.Header.Set("X-Archive-Digest", digest)
		if s.token != "" {
			req.Header.Set("Authorization", "Bearer "+s.token)
		}

		resp, err := s.http.Do(req)
		if err != nil {
			return &httputil.RetryableError{Err: errors.Wrap(errors.ErrCodeNetworkTransient, err, "publish to %s", url)}
		}
		defer resp.Body.Close()
		return checkStatus(resp.StatusCode, s.token, url)
	})
}

func checkStatus(status int, token, url string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound:
		return errors.New(errors.ErrCodeNotFound, "%s returned 404", url)
	case status == http.StatusUnauthorized:
		if token == "" {
			return errors.New(errors.ErrCodeAuthRequired, "%s requires authentication", url)
		}
		return errors.New(errors.ErrCodeAuthInvalid, "%s rejected the configured token", url)
	case status == http.StatusForbidden:
		return errors.New(errors.ErrCodeAuthInvalid, "%s denied access", url)
	case status >= 500 || status == http.StatusTooManyRequests:
		return &httputil.RetryableError{Err: errors.New(errors.ErrCodeNetworkTransient, "%s returned %d", url, status)}
	default:
		return errors.New(errors.ErrCodeNetworkFatal, "%s returned %d", url, status)
	}
}

var _ Driver = (*RegistrySource)(nil)
