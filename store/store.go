// Package store reads and writes per-peer limit settings in the database
// file owned by the dashboard. The limiter holds no copy beyond its
// in-memory working set; the dashboard remains the source of truth.
package store

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/buntdb"

	"github.com/usui/wglimit/limit"
)

const keyPrefix = "limit:"

type Store struct {
	db *buntdb.DB
}

// Open opens the settings database. Pass ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func settingsKey(key limit.PeerKey) string {
	return keyPrefix + key.Interface + ":" + key.PublicKey
}

// GetSettings returns the stored settings for the peer.
// ok is false if the peer has no stored settings.
func (s *Store) GetSettings(key limit.PeerKey) (settings limit.Settings, ok bool, err error) {
	settings = limit.DefaultSettings()
	err = s.db.View(func(tx *buntdb.Tx) error {
		raw, err := tx.Get(settingsKey(key))
		if err == buntdb.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		// Unmarshal over the defaults so absent fields keep their default
		// values, matching how the dashboard stores partial rows.
		if err := json.Unmarshal([]byte(raw), &settings); err != nil {
			return fmt.Errorf("parsing settings for %s/%s: %w", key.Interface, key.PublicKey, err)
		}
		ok = true
		return nil
	})
	if err != nil {
		return limit.DefaultSettings(), false, err
	}
	return settings.Normalized(), ok, nil
}

// SetSettings validates and persists the peer's settings.
func (s *Store) SetSettings(key limit.PeerKey, settings limit.Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(settingsKey(key), string(data), nil)
		return err
	})
	if err != nil {
		return fmt.Errorf("storing settings for %s/%s: %w", key.Interface, key.PublicKey, err)
	}
	return nil
}

// All returns every stored peer's settings.
func (s *Store) All() (map[limit.PeerKey]limit.Settings, error) {
	out := map[limit.PeerKey]limit.Settings{}
	err := s.db.View(func(tx *buntdb.Tx) error {
		var innerErr error
		err := tx.AscendKeys(keyPrefix+"*", func(key, value string) bool {
			rest := strings.TrimPrefix(key, keyPrefix)
			iface, publicKey, found := strings.Cut(rest, ":")
			if !found {
				return true
			}
			settings := limit.DefaultSettings()
			if err := json.Unmarshal([]byte(value), &settings); err != nil {
				innerErr = fmt.Errorf("parsing settings at %s: %w", key, err)
				return false
			}
			out[limit.PeerKey{Interface: iface, PublicKey: publicKey}] = settings.Normalized()
			return true
		})
		if innerErr != nil {
			return innerErr
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
