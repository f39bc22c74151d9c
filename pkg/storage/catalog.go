package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Имена bucket'ов каталога.
const (
	BucketCaptures = "captures"
	BucketOnboard  = "onboard_logs"
)

// Entry - запись каталога о сохраненном файле.
type Entry struct {
	ID        string    `json:"id"`
	Device    string    `json:"device"`
	Path      string    `json:"path"`
	Lines     int       `json:"lines"`
	StartedAt time.Time `json:"started_at,omitempty"`
	SavedAt   time.Time `json:"saved_at"`
}

// Catalog хранит сведения о сохраненных захватах и записях бортового журнала.
type Catalog struct {
	db *bolt.DB
}

// OpenCatalog открывает (или создаёт) bbolt-базу и гарантирует наличие bucket'ов.
func OpenCatalog(path string) (*Catalog, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{BucketCaptures, BucketOnboard} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Catalog{db: db}, nil
}

// Close закрывает базу.
func (c *Catalog) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Put сохраняет запись под ключом key.
func (c *Catalog) Put(bucket, key string, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %q не найден", bucket)
		}
		return b.Put([]byte(key), data)
	})
}

// get возвращает запись по ключу.
func (c *Catalog) get(bucket, key string) (Entry, bool, error) {
	var e Entry
	var found bool
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %q не найден", bucket)
		}
		v := b.Get([]byte(key))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &e)
	})
	return e, found, err
}

// List возвращает все записи bucket'а в порядке ключей.
func (c *Catalog) List(bucket string) ([]Entry, error) {
	var out []Entry
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %q не найден", bucket)
		}
		return b.ForEach(func(_, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, e)
			return nil
		})
	})
	return out, err
}
