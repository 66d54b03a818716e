package hsm

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
)

// CachedObject is the persisted state of one HSM object.
type CachedObject struct {
	Info    ObjectInfo `cbor:"1,keyasint"`
	Content []byte     `cbor:"2,keyasint,omitempty"`

	// Partial marks an entry whose Info only carries ID and Type because
	// the metadata was never fetched.
	Partial bool `cbor:"3,keyasint,omitempty"`
}

// Cache maps an object tag ("0x%04x-<type>") to its metadata and content.
// A cache is read-only input for a signing pass and must never be used
// across a run that writes HSM objects.
type Cache map[string]CachedObject

// CacheFileName returns the per-HSM cache file path in the temp dir.
func CacheFileName(serial uint32) string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("signing-tool-%d.cache", serial))
}

// LoadCache reads a cache file. A missing or corrupted file yields an
// empty cache.
func LoadCache(path string) Cache {
	data, err := os.ReadFile(path)
	if err != nil {
		return Cache{}
	}
	var c Cache
	if err := cbor.Unmarshal(data, &c); err != nil || c == nil {
		return Cache{}
	}
	return c
}

// Save writes the cache to path.
func (c Cache) Save(path string) error {
	data, err := cbor.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding cache: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// RemoveCache deletes a cache file; a missing file is not an error.
func RemoveCache(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// apply pre-populates objects from the cache. Entries whose metadata does
// not match the listed object are ignored.
func (c Cache) apply(objects []*object) {
	for _, o := range objects {
		entry, ok := c[o.ref.Tag()]
		if !ok || entry.Info.ID != o.ref.ID || entry.Info.Type != o.ref.Type {
			continue
		}
		if !entry.Partial {
			info := entry.Info
			o.info = &info
		}
		if o.ref.Type == TypeOpaque && entry.Content != nil {
			o.content = bytes.Clone(entry.Content)
		}
	}
}

func snapshot(objects []*object) Cache {
	c := make(Cache, len(objects))
	for _, o := range objects {
		if o.info == nil && o.content == nil {
			continue
		}
		var entry CachedObject
		if o.info != nil {
			entry.Info = *o.info
		} else {
			entry.Info = ObjectInfo{ID: o.ref.ID, Type: o.ref.Type}
			entry.Partial = true
		}
		if o.content != nil {
			entry.Content = bytes.Clone(o.content)
		}
		c[o.ref.Tag()] = entry
	}
	return c
}
