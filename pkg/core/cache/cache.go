// Package cache provides the persistent, content-addressed store for raw SEC filing
// documents and the records derived from them.
//
// Layout under the cache root:
//
//	raw_filings/<hh>/<hash>   raw document bytes, append-only
//	reports/<hash>.json       serialized KPI reports, append-only
//	indexes/<hash>.json       filing index snapshots, replaceable
//
// <hash> is the SHA-256 of the entry key and <hh> its first two characters.
package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"filing_valuation/pkg/models"

	"github.com/ternarybob/arbor"
)

const (
	dirRawFilings = "raw_filings"
	dirReports    = "reports"
	dirIndexes    = "indexes"
)

// Key identifies one cached filing artifact.
type Key struct {
	FilerID   string
	Accession string
	Kind      models.DocumentKind
}

// KeyFor builds the cache key of a document of a filing.
func KeyFor(ref models.FilingRef, kind models.DocumentKind) Key {
	return Key{FilerID: ref.CIK, Accession: ref.AccessionNumber, Kind: kind}
}

// Hash returns the stable hash the key is stored under.
// CIK padding and accession dashes are normalized so equivalent keys collide.
func (k Key) Hash() string {
	accession := strings.ReplaceAll(strings.TrimSpace(k.Accession), "-", "")
	sum := sha256.Sum256([]byte(models.PadCIK(k.FilerID) + "|" + accession + "|" + string(k.Kind)))
	return hex.EncodeToString(sum[:])
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", models.PadCIK(k.FilerID), k.Accession, k.Kind)
}

// FilingCache is the on-disk filing store. Open it once per process and Close it on shutdown.
type FilingCache struct {
	root   string
	logger arbor.ILogger
	closed atomic.Bool
}

// Open creates the cache directories under root and returns a ready cache.
func Open(root string, logger arbor.ILogger) (*FilingCache, error) {
	if root == "" {
		return nil, fmt.Errorf("cache root must not be empty")
	}
	if logger == nil {
		logger = arbor.NewNoOpLogger()
	}
	for _, dir := range []string{dirRawFilings, dirReports, dirIndexes} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory %s: %w", dir, err)
		}
	}
	logger.Debug().Str("root", root).Msg("Filing cache opened")
	return &FilingCache{root: root, logger: logger}, nil
}

// Root returns the cache root directory.
func (c *FilingCache) Root() string {
	return c.root
}

// Close marks the cache closed. Later calls fail.
func (c *FilingCache) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *FilingCache) checkOpen() error {
	if c.closed.Load() {
		return fmt.Errorf("filing cache is closed")
	}
	return nil
}

// rawPath returns the deterministic location of a raw document.
func (c *FilingCache) rawPath(key Key) string {
	hash := key.Hash()
	return filepath.Join(c.root, dirRawFilings, hash[:2], hash)
}

func (c *FilingCache) reportPath(key Key) string {
	return filepath.Join(c.root, dirReports, key.Hash()+".json")
}

func (c *FilingCache) indexPath(name string) string {
	sum := sha256.Sum256([]byte(name))
	return filepath.Join(c.root, dirIndexes, hex.EncodeToString(sum[:])+".json")
}

// Put stores raw bytes under key. Writing identical bytes again is a no-op;
// writing different bytes fails with ErrCacheCorruption and leaves the entry untouched.
func (c *FilingCache) Put(key Key, data []byte) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.putImmutable(c.rawPath(key), data, key.String())
}

// Get returns the bytes stored under key, or an error matching ErrCacheMiss.
func (c *FilingCache) Get(key Key) ([]byte, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(c.rawPath(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, models.NewError(models.ErrCacheMiss, "cache.Get", key.String(), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache entry %s: %w", key, err)
	}
	return data, nil
}

// Has reports whether a raw entry exists for key.
func (c *FilingCache) Has(key Key) bool {
	_, err := os.Stat(c.rawPath(key))
	return err == nil
}

// PutDocument stores a raw document under its filing and kind.
func (c *FilingCache) PutDocument(doc models.RawDocument) error {
	return c.Put(KeyFor(doc.Filing, doc.Kind), doc.Content)
}

// PutRecord serializes v as JSON and stores it append-only under key in reports/.
func (c *FilingCache) PutRecord(key Key, v any) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode record %s: %w", key, err)
	}
	return c.putImmutable(c.reportPath(key), data, key.String())
}

// GetRecord decodes the record stored under key into v. A record that no
// longer decodes is reported as ErrCacheCorruption.
func (c *FilingCache) GetRecord(key Key, v any) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	data, err := os.ReadFile(c.reportPath(key))
	if errors.Is(err, os.ErrNotExist) {
		return models.NewError(models.ErrCacheMiss, "cache.GetRecord", key.String(), nil)
	}
	if err != nil {
		return fmt.Errorf("failed to read record %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return models.NewError(models.ErrCacheCorruption, "cache.GetRecord", key.String(), err)
	}
	return nil
}

// PutIndex replaces the index snapshot stored under name. Indexes list filings
// and change as new filings arrive, so unlike documents they are not append-only.
func (c *FilingCache) PutIndex(name string, data []byte) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	path := c.indexPath(name)
	tmp, err := writeTemp(filepath.Dir(path), data)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace index %s: %w", name, err)
	}
	return nil
}

// GetIndex returns the latest snapshot stored under name.
func (c *FilingCache) GetIndex(name string) ([]byte, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(c.indexPath(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, models.NewError(models.ErrCacheMiss, "cache.GetIndex", name, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read index %s: %w", name, err)
	}
	return data, nil
}

// putImmutable writes data to a temp file and hard-links it into place.
// Link fails when the target exists, so an entry is never overwritten and a
// reader never sees a partially written file.
func (c *FilingCache) putImmutable(path string, data []byte, subject string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create cache shard: %w", err)
	}
	if _, err := os.Stat(path); err == nil {
		return c.compareExisting(path, data, subject)
	}

	tmp, err := writeTemp(filepath.Dir(path), data)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	if err := os.Link(tmp, path); err != nil {
		if errors.Is(err, os.ErrExist) {
			// lost a race with a concurrent writer of the same key
			return c.compareExisting(path, data, subject)
		}
		return fmt.Errorf("failed to commit cache entry %s: %w", subject, err)
	}

	c.logger.Debug().Str("key", subject).Int("bytes", len(data)).Msg("Cache entry written")
	return nil
}

func (c *FilingCache) compareExisting(path string, data []byte, subject string) error {
	existing, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read existing cache entry %s: %w", subject, err)
	}
	if !bytes.Equal(existing, data) {
		c.logger.Error().Str("key", subject).Msg("Cache entry rewritten with different content")
		return models.NewError(models.ErrCacheCorruption, "cache.Put", subject,
			fmt.Errorf("stored %s, new %s", models.ContentHash(existing)[:12], models.ContentHash(data)[:12]))
	}
	return nil
}

func writeTemp(dir string, data []byte) (string, error) {
	f, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	name := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(name)
		return "", fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(name)
		return "", fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}
	return name, nil
}
