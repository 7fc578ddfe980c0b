package cache

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Every generation is a top-level bucket. The creation time of each bucket
// is kept in the meta bucket so Names can list stores in creation order.
var bucketMeta = []byte("\x00meta")

// BoltCache stores every generation in a bbolt file.
type BoltCache struct {
	db *bolt.DB
}

// NewBoltCache opens (or creates) the bolt database at the given path.
func NewBoltCache(path string) (BoltCache, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return BoltCache{}, err
		}
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return BoltCache{}, fmt.Errorf("failed to open bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMeta)
		return err
	})
	if err != nil {
		db.Close()
		return BoltCache{}, err
	}
	return BoltCache{db: db}, nil
}

func (b BoltCache) Open(name string) (Store, error) {
	if name == string(bucketMeta) || name == "" {
		return nil, fmt.Errorf("invalid store name %q", name)
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		return ensureBucket(tx, name)
	})
	if err != nil {
		return nil, err
	}
	return boltStore{db: b.db, name: name}, nil
}

func ensureBucket(tx *bolt.Tx, name string) error {
	if tx.Bucket([]byte(name)) != nil {
		return nil
	}
	if _, err := tx.CreateBucket([]byte(name)); err != nil {
		return err
	}
	created := make([]byte, 8)
	binary.BigEndian.PutUint64(created, uint64(time.Now().UnixNano()))
	return tx.Bucket(bucketMeta).Put([]byte(name), created)
}

func (b BoltCache) Has(name string) (bool, error) {
	var ok bool
	err := b.db.View(func(tx *bolt.Tx) error {
		ok = name != string(bucketMeta) && tx.Bucket([]byte(name)) != nil
		return nil
	})
	return ok, err
}

func (b BoltCache) Names() ([]string, error) {
	type named struct {
		name    string
		created []byte
	}
	all := make([]named, 0)
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).ForEach(func(k, v []byte) error {
			all = append(all, named{string(k), append([]byte(nil), v...)})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(all, func(i, j int) bool {
		return bytes.Compare(all[i].created, all[j].created) < 0
	})
	names := make([]string, 0, len(all))
	for _, n := range all {
		names = append(names, n.name)
	}
	return names, nil
}

func (b BoltCache) Delete(name string) (bool, error) {
	if name == string(bucketMeta) {
		return false, nil
	}
	var deleted bool
	err := b.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(name)) == nil {
			return nil
		}
		if err := tx.DeleteBucket([]byte(name)); err != nil {
			return err
		}
		deleted = true
		return tx.Bucket(bucketMeta).Delete([]byte(name))
	})
	return deleted, err
}

func (b BoltCache) Close() error {
	return b.db.Close()
}

type boltStore struct {
	db   *bolt.DB
	name string
}

func (s boltStore) Name() string {
	return s.name
}

// values are the stored-at time (8 bytes, big endian unix nanos) followed by the response bytes
func encodeEntry(ce CacheEntry) []byte {
	v := make([]byte, 8+len(ce.Bytes))
	binary.BigEndian.PutUint64(v, uint64(ce.StoredAt.UnixNano()))
	copy(v[8:], ce.Bytes)
	return v
}

func decodeEntry(k, v []byte) CacheEntry {
	ce := CacheEntry{Key: string(k)}
	if len(v) < 8 {
		return ce
	}
	ce.StoredAt = time.Unix(0, int64(binary.BigEndian.Uint64(v[:8])))
	ce.Bytes = append([]byte(nil), v[8:]...)
	return ce
}

func (s boltStore) All(prefix string) ([]CacheEntry, error) {
	entries := make([]CacheEntry, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(s.name))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			entries = append(entries, decodeEntry(k, v))
		}
		return nil
	})
	return entries, err
}

func (s boltStore) Get(key string) (CacheEntry, bool, error) {
	var (
		entry CacheEntry
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(s.name))
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(key)); v != nil {
			entry = decodeEntry([]byte(key), v)
			found = true
		}
		return nil
	})
	return entry, found, err
}

func (s boltStore) Put(ce CacheEntry) error {
	if ce.StoredAt.IsZero() {
		ce.StoredAt = time.Now()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(s.name))
		if b == nil {
			return ErrNotFound
		}
		return b.Put([]byte(ce.Key), encodeEntry(ce))
	})
}

func (s boltStore) Purge(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(s.name))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

func (s boltStore) Keys() ([]string, error) {
	keys := make([]string, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(s.name))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}
