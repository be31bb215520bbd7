// Package session keeps the sent-log that lets an interrupted merge resume
// without mailing the same recipient twice.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketSessions = []byte("sessions")

// ErrInvalidName is returned for an empty session name
var ErrInvalidName = errors.New("session name must not be empty")

// Entry records one delivered recipient
type Entry struct {
	Digest      string    `json:"digest"`
	Fingerprint string    `json:"fingerprint"`
	Email       string    `json:"email"`
	MessageID   string    `json:"message_id"`
	RunID       string    `json:"run_id"`
	SentAt      time.Time `json:"sent_at"`
}

// Summary describes a stored session
type Summary struct {
	Name   string    `json:"name"`
	Count  int       `json:"count"`
	LastAt time.Time `json:"last_at"`
}

// Store is a BoltDB-backed sent-log. Each session is a nested bucket keyed
// by record digest.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the store at path
func Open(path string) (*Store, error) {
	// Ensure directory exists
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create session directory: %w", err)
		}
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSessions)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create sessions bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// IsSent reports whether digest was already delivered in the session
func (s *Store) IsSent(ctx context.Context, name, digest string) (bool, error) {
	entry, err := s.Get(ctx, name, digest)
	if err != nil {
		return false, err
	}
	return entry != nil, nil
}

// Get returns the entry for digest, or nil when it was not sent
func (s *Store) Get(ctx context.Context, name, digest string) (*Entry, error) {
	if name == "" {
		return nil, ErrInvalidName
	}

	var entry *Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions).Bucket([]byte(name))
		if b == nil {
			return nil
		}
		data := b.Get([]byte(digest))
		if data == nil {
			return nil
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			return fmt.Errorf("failed to unmarshal entry: %w", err)
		}
		entry = &e
		return nil
	})
	return entry, err
}

// MarkSent records a delivered recipient
func (s *Store) MarkSent(ctx context.Context, name string, entry *Entry) error {
	if name == "" {
		return ErrInvalidName
	}
	if entry.Digest == "" {
		return fmt.Errorf("entry digest must not be empty")
	}
	if entry.SentAt.IsZero() {
		entry.SentAt = time.Now()
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketSessions).CreateBucketIfNotExists([]byte(name))
		if err != nil {
			return fmt.Errorf("failed to create session bucket: %w", err)
		}

		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal entry: %w", err)
		}
		return b.Put([]byte(entry.Digest), data)
	})
}

// Entries returns the entries of a session ordered by send time
func (s *Store) Entries(ctx context.Context, name string) ([]*Entry, error) {
	if name == "" {
		return nil, ErrInvalidName
	}

	var entries []*Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions).Bucket([]byte(name))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return nil // Skip corrupted entries
			}
			entries = append(entries, &e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].SentAt.Before(entries[j].SentAt)
	})
	return entries, nil
}

// List returns all sessions with their entry counts
func (s *Store) List(ctx context.Context) ([]Summary, error) {
	var sessions []Summary

	err := s.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketSessions)
		return root.ForEach(func(k, v []byte) error {
			if v != nil {
				return nil // Not a nested bucket
			}
			sum := Summary{Name: string(k)}
			err := root.Bucket(k).ForEach(func(_, data []byte) error {
				sum.Count++
				var e Entry
				if err := json.Unmarshal(data, &e); err == nil && e.SentAt.After(sum.LastAt) {
					sum.LastAt = e.SentAt
				}
				return nil
			})
			if err != nil {
				return err
			}
			sessions = append(sessions, sum)
			return nil
		})
	})

	return sessions, err
}

// Reset deletes a session and returns how many entries it held
func (s *Store) Reset(ctx context.Context, name string) (int, error) {
	if name == "" {
		return 0, ErrInvalidName
	}

	var count int
	err := s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketSessions)
		b := root.Bucket([]byte(name))
		if b == nil {
			return nil
		}
		if err := b.ForEach(func(_, _ []byte) error {
			count++
			return nil
		}); err != nil {
			return err
		}
		return root.DeleteBucket([]byte(name))
	})
	return count, err
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database, shared with the rate limiter
func (s *Store) DB() *bolt.DB {
	return s.db
}
