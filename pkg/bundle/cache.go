// Package bundle implements the node-side content-addressed bundle cache.
// Bundles are single files in a scratch directory, keyed by the hex digest of
// their bytes. The cache is deliberately coarse: when it grows past a small
// threshold it is wiped wholesale at startup, since bundles are cheap to
// re-upload.
package bundle

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/workernodes/workernodes/pkg/logging"
	"github.com/workernodes/workernodes/pkg/models"
)

// DefaultClearThreshold is the cached-bundle count above which the cache is
// bulk-cleared at startup.
const DefaultClearThreshold = 10

const artifactExt = ".js"

var (
	ErrNotFound    = errors.New("bundle not found")
	ErrNotReserved = errors.New("no slot reserved for bundle")
	ErrBadHash     = errors.New("invalid bundle hash")
)

// Cache stores bundle artifacts in a single scratch directory.
type Cache struct {
	dir       string
	threshold int
	log       *logging.Logger

	mu      sync.Mutex
	created map[string]time.Time // reserved slots, by hash
}

// New opens (creating if needed) the cache directory and applies the startup
// bulk-clear when the entry count exceeds threshold. A threshold <= 0 selects
// DefaultClearThreshold.
func New(dir string, threshold int, log *logging.Logger) (*Cache, error) {
	if threshold <= 0 {
		threshold = DefaultClearThreshold
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create bundle directory %s: %w", dir, err)
	}

	c := &Cache{
		dir:       dir,
		threshold: threshold,
		log:       log,
		created:   make(map[string]time.Time),
	}

	entries, err := c.artifacts()
	if err != nil {
		return nil, err
	}
	if len(entries) > threshold {
		c.log.Info("Bundle cache over threshold, clearing", map[string]interface{}{
			"entries":   len(entries),
			"threshold": threshold,
		})
		for _, name := range entries {
			if err := os.Remove(filepath.Join(dir, name)); err != nil {
				return nil, fmt.Errorf("failed to clear bundle cache: %w", err)
			}
		}
	} else {
		// Surviving artifacts are complete by definition; adopt them.
		for _, name := range entries {
			hash := strings.TrimSuffix(name, artifactExt)
			if info, err := os.Stat(filepath.Join(dir, name)); err == nil {
				c.created[hash] = info.ModTime()
			}
		}
	}

	return c, nil
}

// Dir returns the scratch directory backing the cache.
func (c *Cache) Dir() string {
	return c.dir
}

// Create reserves a slot for the given hash. Idempotent: reserving an already
// reserved or already populated hash is a no-op.
func (c *Cache) Create(hash string) error {
	if err := validateHash(hash); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.created[hash]; ok {
		return nil
	}
	c.created[hash] = time.Now()
	return nil
}

// Put writes the artifact bytes under a previously reserved hash. The write is
// staged to a temp file and renamed so Describe never observes a partial
// artifact. Returns the number of bytes stored.
func (c *Cache) Put(hash string, r io.Reader) (int64, error) {
	if err := validateHash(hash); err != nil {
		return 0, err
	}

	c.mu.Lock()
	_, reserved := c.created[hash]
	c.mu.Unlock()
	if !reserved {
		return 0, ErrNotReserved
	}

	tmp, err := os.CreateTemp(c.dir, "upload-*")
	if err != nil {
		return 0, fmt.Errorf("failed to stage bundle: %w", err)
	}
	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("failed to write bundle data: %w", err)
	}

	if err := os.Rename(tmp.Name(), c.path(hash)); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("failed to publish bundle: %w", err)
	}

	c.log.Debug("Bundle stored", map[string]interface{}{"hash": hash, "size": n})
	return n, nil
}

// Describe reports a cached bundle. A reserved slot whose data has not been
// written yet (or a zero-length artifact) is reported as absent, so a client
// racing an uploader re-uploads instead of spawning from a hole.
func (c *Cache) Describe(hash string) (models.BundleInfo, error) {
	if err := validateHash(hash); err != nil {
		return models.BundleInfo{}, err
	}

	info, err := os.Stat(c.path(hash))
	if err != nil || info.Size() == 0 {
		return models.BundleInfo{}, ErrNotFound
	}

	c.mu.Lock()
	created, ok := c.created[hash]
	c.mu.Unlock()
	if !ok {
		created = info.ModTime()
	}

	return models.BundleInfo{
		Hash:    hash,
		Size:    info.Size(),
		Created: created,
	}, nil
}

// Path returns the on-disk artifact path for a fully uploaded bundle.
func (c *Cache) Path(hash string) (string, error) {
	if _, err := c.Describe(hash); err != nil {
		return "", err
	}
	return c.path(hash), nil
}

// Count returns the number of complete artifacts on disk.
func (c *Cache) Count() int {
	entries, err := c.artifacts()
	if err != nil {
		return 0
	}
	return len(entries)
}

// TotalBytes returns the summed size of all complete artifacts.
func (c *Cache) TotalBytes() int64 {
	entries, err := c.artifacts()
	if err != nil {
		return 0
	}
	var total int64
	for _, name := range entries {
		if info, err := os.Stat(filepath.Join(c.dir, name)); err == nil {
			total += info.Size()
		}
	}
	return total
}

func (c *Cache) path(hash string) string {
	return filepath.Join(c.dir, hash+artifactExt)
}

func (c *Cache) artifacts() ([]string, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read bundle directory: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), artifactExt) {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// validateHash rejects anything that is not a plain hex digest, which also
// keeps path traversal out of the scratch directory.
func validateHash(hash string) error {
	if len(hash) < 32 {
		return ErrBadHash
	}
	for _, ch := range hash {
		switch {
		case ch >= '0' && ch <= '9':
		case ch >= 'a' && ch <= 'f':
		default:
			return ErrBadHash
		}
	}
	return nil
}
