package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/baton-sh/conductor/pkg/errdefs"
	"github.com/baton-sh/conductor/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketWorkers = []byte("workers")
	bucketTokens  = []byte("tokens")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database under dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "conductor.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketWorkers, bucketTokens} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// CreateWorker stores a worker record keyed by id (upsert)
func (s *BoltStore) CreateWorker(worker *types.WorkerRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		data, err := json.Marshal(worker)
		if err != nil {
			return err
		}
		return b.Put([]byte(worker.ID), data)
	})
}

// GetWorker fetches a worker record by id
func (s *BoltStore) GetWorker(id string) (*types.WorkerRecord, error) {
	var worker types.WorkerRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		data := b.Get([]byte(id))
		if data == nil {
			return errdefs.NotFoundf("worker %s", id)
		}
		return json.Unmarshal(data, &worker)
	})
	if err != nil {
		return nil, err
	}
	return &worker, nil
}

// GetWorkerByHostname scans for the first record with a matching
// hostname. Hostnames are hints, not unique keys; if two records share
// one, the first match wins.
func (s *BoltStore) GetWorkerByHostname(hostname string) (*types.WorkerRecord, error) {
	return s.findWorker(func(w *types.WorkerRecord) bool {
		return w.Hostname == hostname
	}, fmt.Sprintf("worker with hostname %s", hostname))
}

// GetWorkerByAddress scans for the first record with a matching address
func (s *BoltStore) GetWorkerByAddress(address string) (*types.WorkerRecord, error) {
	return s.findWorker(func(w *types.WorkerRecord) bool {
		return w.Address == address
	}, fmt.Sprintf("worker with address %s", address))
}

func (s *BoltStore) findWorker(match func(*types.WorkerRecord) bool, desc string) (*types.WorkerRecord, error) {
	var found *types.WorkerRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		return b.ForEach(func(k, v []byte) error {
			if found != nil {
				return nil
			}
			var worker types.WorkerRecord
			if err := json.Unmarshal(v, &worker); err != nil {
				return err
			}
			if match(&worker) {
				found = &worker
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, errdefs.NotFoundf("%s", desc)
	}
	return found, nil
}

// ListWorkers returns all worker records
func (s *BoltStore) ListWorkers() ([]*types.WorkerRecord, error) {
	var workers []*types.WorkerRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		return b.ForEach(func(k, v []byte) error {
			var worker types.WorkerRecord
			if err := json.Unmarshal(v, &worker); err != nil {
				return err
			}
			workers = append(workers, &worker)
			return nil
		})
	})
	return workers, err
}

// UpdateWorker upserts a worker record
func (s *BoltStore) UpdateWorker(worker *types.WorkerRecord) error {
	return s.CreateWorker(worker)
}

// DeleteWorker removes a worker record
func (s *BoltStore) DeleteWorker(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		return b.Delete([]byte(id))
	})
}

// ReplaceToken deactivates every stored token and writes the new one.
// Running inside one transaction is what guarantees at most one active
// token at a time.
func (s *BoltStore) ReplaceToken(token *types.RegistrationToken) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTokens)

		var stale []*types.RegistrationToken
		err := b.ForEach(func(k, v []byte) error {
			var t types.RegistrationToken
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if t.Active {
				t.Active = false
				stale = append(stale, &t)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, t := range stale {
			data, err := json.Marshal(t)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(t.Value), data); err != nil {
				return err
			}
		}

		data, err := json.Marshal(token)
		if err != nil {
			return err
		}
		return b.Put([]byte(token.Value), data)
	})
}

// GetToken fetches a token by value
func (s *BoltStore) GetToken(value string) (*types.RegistrationToken, error) {
	var token types.RegistrationToken
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTokens)
		data := b.Get([]byte(value))
		if data == nil {
			return errdefs.NotFoundf("token")
		}
		return json.Unmarshal(data, &token)
	})
	if err != nil {
		return nil, err
	}
	return &token, nil
}

// ListTokens returns all stored tokens, active and revoked
func (s *BoltStore) ListTokens() ([]*types.RegistrationToken, error) {
	var tokens []*types.RegistrationToken
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTokens)
		return b.ForEach(func(k, v []byte) error {
			var token types.RegistrationToken
			if err := json.Unmarshal(v, &token); err != nil {
				return err
			}
			tokens = append(tokens, &token)
			return nil
		})
	})
	return tokens, err
}
