package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var sessionsBucket = []byte("upload_sessions")

// SessionTTL is how long Drive keeps a resumable session URL valid.
const SessionTTL = 7 * 24 * time.Hour

type sessionRecord struct {
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionStore keeps resumable upload session URLs in a bbolt file so an
// upload interrupted by a restart can continue where it stopped.
type SessionStore struct {
	db  *bbolt.DB
	now func() time.Time
}

// NewSessionStore opens or creates the store at path.
func NewSessionStore(path string) (*SessionStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionsBucket)

		return err
	})
	if err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to create sessions bucket: %w", err)
	}

	return &SessionStore{db: db, now: time.Now}, nil
}

// GetSession returns the session URL stored for key. Sessions older than
// SessionTTL are reported as absent.
func (s *SessionStore) GetSession(_ context.Context, key string) (string, bool, error) {
	var rec sessionRecord

	found := false

	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(sessionsBucket).Get([]byte(key))
		if data == nil {
			return nil
		}

		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("failed to unmarshal session: %w", err)
		}

		found = true

		return nil
	})
	if err != nil {
		return "", false, err
	}

	if !found || s.now().Sub(rec.CreatedAt) > SessionTTL {
		return "", false, nil
	}

	return rec.URL, true, nil
}

func (s *SessionStore) PutSession(_ context.Context, key, sessionURL string) error {
	data, err := json.Marshal(sessionRecord{URL: sessionURL, CreatedAt: s.now()})
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(sessionsBucket).Put([]byte(key), data)
	})
}

func (s *SessionStore) DeleteSession(_ context.Context, key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(sessionsBucket).Delete([]byte(key))
	})
}

// Prune drops sessions past SessionTTL and returns how many were removed.
func (s *SessionStore) Prune(_ context.Context) (int, error) {
	removed := 0
	now := s.now()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(sessionsBucket)

		var stale [][]byte

		err := b.ForEach(func(k, v []byte) error {
			var rec sessionRecord
			if err := json.Unmarshal(v, &rec); err != nil || now.Sub(rec.CreatedAt) > SessionTTL {
				stale = append(stale, append([]byte(nil), k...))
			}

			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}

		removed = len(stale)

		return nil
	})

	return removed, err
}

// Close closes the database.
func (s *SessionStore) Close() error {
	return s.db.Close()
}
