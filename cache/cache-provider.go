package cache

import (
	"errors"
	"time"
)

// ErrNotFound is returned when writing to a store that has been deleted.
var ErrNotFound = errors.New("cache store not found")

// CacheProvider is an interface for a cache provider.
// It holds any number of named stores, each of which stores []byte values
// representing HTTP responses. A store corresponds to one cache generation:
// stores are created and deleted wholesale, entries are never expired.
//
// Implementations must be thread-safe!
type CacheProvider interface {
	// Open returns the store with the given name, creating it if needed.
	Open(name string) (Store, error)
	// Has checks if a store with the given name exists.
	Has(name string) (bool, error)
	// Names returns the names of all existing stores, in creation order.
	Names() ([]string, error)
	// Delete removes the named store along with all of its entries.
	// It returns false if there was no such store.
	Delete(name string) (bool, error)
	// Close releases the underlying resources.
	Close() error
}

// Store is a single named key-value store of serialized responses.
// Put and Get on a single key are atomic; there is no other coordination.
type Store interface {
	// Name returns the name of the store.
	Name() string
	// All returns all entries that have the given key prefix.
	All(prefix string) ([]CacheEntry, error)
	// Get returns the entry for the exact key, if it exists.
	Get(key string) (CacheEntry, bool, error)
	// Put stores the entry, replacing any entry with the same key.
	// A deleted store is not recreated: Put returns ErrNotFound.
	Put(CacheEntry) error
	// Purge removes the entry for the given key.
	Purge(key string) error
	// Keys returns all keys in the store.
	Keys() ([]string, error)
}

type CacheEntry struct {
	Key      string
	StoredAt time.Time
	Bytes    []byte
}
