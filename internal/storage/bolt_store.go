package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/Adda-Baaj/malshare/internal/domain"
)

const downloadsBucket = "downloads"

// boltStore implements a Store backed by BoltDB. Samples are keyed by hash;
// downloading the same hash again replaces the earlier record.
type boltStore struct {
	db *bolt.DB
}

// openBolt initializes a BoltDB-backed Store.
func openBolt(path string) (Store, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage directory: %w", err)
		}
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt db: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(downloadsBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("init bucket: %w", err)
	}

	return &boltStore{db: db}, nil
}

// Close closes the BoltDB store.
func (b *boltStore) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

// RecordDownload stores sample under its hash.
func (b *boltStore) RecordDownload(sample domain.Sample) error {
	if b == nil || b.db == nil {
		return nil
	}
	key := strings.TrimSpace(sample.Hash)
	if key == "" {
		return fmt.Errorf("sample hash is empty")
	}
	if sample.DownloadedAt.IsZero() {
		sample.DownloadedAt = time.Now().UTC()
	}

	raw, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("encode sample %s: %w", key, err)
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(downloadsBucket))
		if bucket == nil {
			return fmt.Errorf("downloads bucket missing")
		}
		return bucket.Put([]byte(key), raw)
	})
}

// Downloads returns every recorded sample, oldest first.
func (b *boltStore) Downloads() ([]domain.Sample, error) {
	if b == nil || b.db == nil {
		return nil, nil
	}

	var out []domain.Sample
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(downloadsBucket))
		if bucket == nil {
			return fmt.Errorf("downloads bucket missing")
		}
		return bucket.ForEach(func(k, v []byte) error {
			var s domain.Sample
			if err := json.Unmarshal(v, &s); err != nil {
				return fmt.Errorf("decode sample %s: %w", k, err)
			}
			out = append(out, s)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DownloadedAt.Before(out[j].DownloadedAt)
	})
	return out, nil
}
