package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"ctr-feature-engine/internal/dictionary"
	"ctr-feature-engine/internal/types"
)

var (
	bucketDictionary = []byte("dictionary")
	bucketEntries    = []byte("entries")
	bucketSnapshots  = []byte("snapshots")
)

// BoltDictionaryStore persists dictionary arenas. Layout:
//
//	dictionary/<feature>/entries/<code uint32 BE>  -> DictionaryEntry JSON
//	dictionary/<feature>/snapshots/<YYYYMMDD>      -> size uint32 BE
type BoltDictionaryStore struct {
	db *bbolt.DB
}

func NewBoltDictionaryStore(path string) (*BoltDictionaryStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDictionary)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltDictionaryStore{db: db}, nil
}

// OpenBoltDictionaryStoreReadOnly opens an existing store with a shared lock so
// the serving process can read while no writer holds the file.
func OpenBoltDictionaryStoreReadOnly(path string) (*BoltDictionaryStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second, ReadOnly: true})
	if err != nil {
		return nil, err
	}
	return &BoltDictionaryStore{db: db}, nil
}

func codeKey(code int32) []byte {
	k := make([]byte, 4)
	binary.BigEndian.PutUint32(k, uint32(code))
	return k
}

func (s *BoltDictionaryStore) LoadFeature(feature string) (*dictionary.History, error) {
	h := &dictionary.History{Feature: feature}
	err := s.db.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket(bucketDictionary)
		if root == nil {
			return nil
		}
		fb := root.Bucket([]byte(feature))
		if fb == nil {
			return nil
		}
		if eb := fb.Bucket(bucketEntries); eb != nil {
			err := eb.ForEach(func(k, v []byte) error {
				var e types.DictionaryEntry
				if err := json.Unmarshal(v, &e); err != nil {
					return fmt.Errorf("decode entry %x: %w", k, err)
				}
				h.Entries = append(h.Entries, e)
				return nil
			})
			if err != nil {
				return err
			}
		}
		if sb := fb.Bucket(bucketSnapshots); sb != nil {
			return sb.ForEach(func(k, v []byte) error {
				if len(v) != 4 {
					return fmt.Errorf("snapshot %s: bad size value", k)
				}
				h.Marks = append(h.Marks, dictionary.Mark{
					Date: types.Date(k),
					Size: int32(binary.BigEndian.Uint32(v)),
				})
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Commit applies one snapshot in a single transaction.
func (s *BoltDictionaryStore) Commit(c dictionary.Commit) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		fb, err := tx.Bucket(bucketDictionary).CreateBucketIfNotExists([]byte(c.Feature))
		if err != nil {
			return err
		}
		eb, err := fb.CreateBucketIfNotExists(bucketEntries)
		if err != nil {
			return err
		}
		sb, err := fb.CreateBucketIfNotExists(bucketSnapshots)
		if err != nil {
			return err
		}

		var stale [][]byte
		cur := eb.Cursor()
		for k, _ := cur.Seek(codeKey(c.TruncateTo + 1)); k != nil; k, _ = cur.Next() {
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := eb.Delete(k); err != nil {
				return err
			}
		}

		for _, e := range c.Added {
			data, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err := eb.Put(codeKey(e.Code), data); err != nil {
				return err
			}
		}
		size := make([]byte, 4)
		binary.BigEndian.PutUint32(size, uint32(c.Size))
		return sb.Put([]byte(c.Date), size)
	})
}

func (s *BoltDictionaryStore) Features() ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket(bucketDictionary)
		if root == nil {
			return nil
		}
		return root.ForEach(func(k, v []byte) error {
			if v == nil {
				out = append(out, string(k))
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltDictionaryStore) Close() error {
	return s.db.Close()
}
