package weaver

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/dgraph-io/ristretto/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// Storage defines persistence for cached rewrite results.
type Storage interface {
	SaveState(key string, blob []byte) error
	LoadState(key string) ([]byte, bool, error)
	Clear() error
	Close()
}

type memStorage struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewMemStorage returns an in-memory Storage implementation.
func NewMemStorage() Storage {
	return &memStorage{data: make(map[string][]byte)}
}

func (m *memStorage) SaveState(key string, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = append([]byte(nil), blob...) // copy the blob to avoid external mutation
	return nil
}

func (m *memStorage) LoadState(key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	blob, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), blob...), true, nil
}

func (m *memStorage) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	clear(m.data)
	return nil
}

func (m *memStorage) Close() {
	// no resources to free
}

type badgerStorage struct {
	db *badger.DB
}

// NewBadgerStorage opens a Badger-backed Storage. Unlike scratch storage the
// cache directory survives Close so later builds can reuse it.
func NewBadgerStorage(path string, maxMemMB int) (Storage, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("create storage dir failed: %w", err)
	}

	clamp := func(val, lo, high int64) int64 {
		return min(max(val, lo), high)
	}
	memTableSize := clamp(int64(maxMemMB/4), 8, 64) << 20
	opts := badger.DefaultOptions(path).
		WithInMemory(false).
		WithChecksumVerificationMode(options.NoVerification).
		WithCompression(options.ZSTD).
		WithZSTDCompressionLevel(3).
		WithNumMemtables(2).
		WithMemTableSize(memTableSize).
		WithBaseTableSize(memTableSize).
		WithBlockCacheSize(clamp(int64(maxMemMB/8), 2, 128) << 20).
		WithIndexCacheSize(clamp(int64(maxMemMB/4), 16, 128) << 20).
		WithLoggingLevel(badger.ERROR).
		WithMetricsEnabled(false)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open storage db failed: %w", err)
	}
	return &badgerStorage{db: db}, nil
}

func (b *badgerStorage) SaveState(key string, blob []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), blob)
	})
}

func (b *badgerStorage) LoadState(key string) ([]byte, bool, error) {
	var raw []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		return item.Value(func(v []byte) error {
			raw = append([]byte(nil), v...)
			return nil
		})
	})
	if err != nil {
		return nil, false, err
	} else if raw == nil {
		return nil, false, nil
	}
	return raw, true, nil
}

func (b *badgerStorage) Clear() error {
	return b.db.DropPrefix([]byte{})
}

func (b *badgerStorage) Close() {
	_ = b.db.Close()
}

type cachedStorage struct {
	store Storage
	cache *ristretto.Cache[string, []byte]
}

// NewCachedStorage wraps a Storage with a ristretto front cache so repeated
// loads of identical modules within one run skip the backing store.
func NewCachedStorage(store Storage, maxMemMB int) (Storage, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: 1 << 16,
		MaxCost:     int64(maxMemMB) << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("front cache init failed: %w", err)
	}
	return &cachedStorage{store: store, cache: cache}, nil
}

func (c *cachedStorage) SaveState(key string, blob []byte) error {
	if err := c.store.SaveState(key, blob); err != nil {
		return err
	}
	c.cache.Set(key, append([]byte(nil), blob...), int64(len(blob)))
	return nil
}

func (c *cachedStorage) LoadState(key string) ([]byte, bool, error) {
	if blob, ok := c.cache.Get(key); ok {
		return append([]byte(nil), blob...), true, nil
	}
	blob, ok, err := c.store.LoadState(key)
	if err == nil && ok {
		c.cache.Set(key, blob, int64(len(blob)))
	}
	return blob, ok, err
}

func (c *cachedStorage) Clear() error {
	c.cache.Clear()
	return c.store.Clear()
}

func (c *cachedStorage) Close() {
	c.cache.Close()
	c.store.Close()
}

// cacheRecord is the stored rewrite result for one (config, class) pair.
type cacheRecord struct {
	// Marked is false for modules that carried no tracking markers.
	Marked bool             `msgpack:"marked"`
	Record DiagnosticRecord `msgpack:"record,omitempty"`
	// Output holds the s2-compressed rewritten module, empty when the input
	// passed through unchanged.
	Output []byte `msgpack:"output,omitempty"`
}

func encodeCacheRecord(rec cacheRecord, output []byte) ([]byte, error) {
	if len(output) > 0 {
		rec.Output = S2Compress(nil, output)
	}
	return msgpack.Marshal(rec)
}

func decodeCacheRecord(blob []byte) (cacheRecord, []byte, error) {
	var rec cacheRecord
	if err := msgpack.Unmarshal(blob, &rec); err != nil {
		return rec, nil, err
	}
	if len(rec.Output) == 0 {
		return rec, nil, nil
	}
	output, err := S2Decompress(nil, rec.Output)
	return rec, output, err
}
