// Package bolt wraps bbolt with JSON helpers used by the embedded durable log.
package bolt

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	// ErrKeyNotFound is returned when a key does not exist in a bucket.
	ErrKeyNotFound = errors.New("key not found")

	// ErrBucketNotFound is returned when a bucket was never created.
	ErrBucketNotFound = errors.New("bucket not found")
)

// DB wraps bbolt database with helper methods
type DB struct {
	*bolt.DB
}

// Open opens or creates a bbolt database
func Open(path string) (*DB, error) {
	boltDB, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &DB{boltDB}, nil
}

// CreateBuckets creates the named buckets if they don't exist
func (db *DB) CreateBuckets(names ...string) error {
	return db.Update(func(tx *bolt.Tx) error {
		for _, name := range names {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

func bucket(tx *bolt.Tx, name string) (*bolt.Bucket, error) {
	b := tx.Bucket([]byte(name))
	if b == nil {
		return nil, fmt.Errorf("%w: %s", ErrBucketNotFound, name)
	}
	return b, nil
}

// PutJSON stores a value as JSON in the specified bucket
func (db *DB) PutJSON(bucketName, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	return db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketName)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

// PutJSONIfAbsent stores value unless key already exists. Reports whether it was stored.
func (db *DB) PutJSONIfAbsent(bucketName, key string, value interface{}) (bool, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("failed to marshal JSON: %w", err)
	}

	stored := false
	err = db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketName)
		if err != nil {
			return err
		}
		if b.Get([]byte(key)) != nil {
			return nil
		}
		stored = true
		return b.Put([]byte(key), data)
	})
	return stored, err
}

// GetJSON retrieves a value as JSON from the specified bucket
func (db *DB) GetJSON(bucketName, key string, value interface{}) error {
	return db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketName)
		if err != nil {
			return err
		}

		data := b.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrKeyNotFound, key)
		}

		return json.Unmarshal(data, value)
	})
}

// UpdateJSON loads key into value, calls fn and stores value again, all in one
// read-write transaction. fn sees found=false when the key does not exist;
// returning an error from fn aborts without writing.
func (db *DB) UpdateJSON(bucketName, key string, value interface{}, fn func(found bool) error) error {
	return db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketName)
		if err != nil {
			return err
		}

		data := b.Get([]byte(key))
		found := data != nil
		if found {
			if err := json.Unmarshal(data, value); err != nil {
				return fmt.Errorf("failed to unmarshal %s: %w", key, err)
			}
		}
		if err := fn(found); err != nil {
			return err
		}

		out, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		return b.Put([]byte(key), out)
	})
}

// Delete removes a key from the specified bucket
func (db *DB) Delete(bucketName, key string) error {
	return db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketName)
		if err != nil {
			return err
		}
		return b.Delete([]byte(key))
	})
}

// DeleteWhere removes every key whose raw value satisfies match.
func (db *DB) DeleteWhere(bucketName string, match func(value []byte) bool) error {
	return db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketName)
		if err != nil {
			return err
		}

		var doomed [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			if match(v) {
				doomed = append(doomed, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range doomed {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// ForEachJSON iterates over all values as JSON in a bucket
func (db *DB) ForEachJSON(bucketName string, fn func(key string, value interface{}) error, valueType func() interface{}) error {
	return db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketName)
		if err != nil {
			return err
		}

		return b.ForEach(func(k, v []byte) error {
			value := valueType()
			if err := json.Unmarshal(v, value); err != nil {
				return fmt.Errorf("failed to unmarshal %s: %w", k, err)
			}
			return fn(string(k), value)
		})
	})
}

// ForEachPrefixJSON iterates over the values whose key starts with prefix.
func (db *DB) ForEachPrefixJSON(bucketName, prefix string, fn func(key string, value interface{}) error, valueType func() interface{}) error {
	return db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketName)
		if err != nil {
			return err
		}

		c := b.Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && hasPrefix(k, p); k, v = c.Next() {
			value := valueType()
			if err := json.Unmarshal(v, value); err != nil {
				return fmt.Errorf("failed to unmarshal %s: %w", k, err)
			}
			if err := fn(string(k), value); err != nil {
				return err
			}
		}
		return nil
	})
}

func hasPrefix(k, p []byte) bool {
	return len(k) >= len(p) && string(k[:len(p)]) == string(p)
}
