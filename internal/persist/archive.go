package persist

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"podwatch/internal/battery"
)

const archiveFile = "history.db"

var profileBucket = []byte("profiles")

// Archive keeps one battery profile per device address, so switching the
// active device does not lose learned depletion rates. Backed by a bbolt
// file next to the JSON state.
type Archive struct {
	db *bolt.DB
}

// OpenArchive opens (or creates) the history database.
func OpenArchive(path string) (*Archive, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("persist: open archive: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(profileBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("persist: init archive: %w", err)
	}
	return &Archive{db: db}, nil
}

// Close releases the database file.
func (a *Archive) Close() error {
	return a.db.Close()
}

// Put stores the profile under its address, replacing any previous entry.
func (a *Archive) Put(p battery.Profile) error {
	if p.Address == "" {
		return fmt.Errorf("persist: archive profile without address")
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("persist: encode profile: %w", err)
	}
	return a.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(profileBucket).Put([]byte(p.Address), raw)
	})
}

// Get loads the archived profile for an address. ok is false when the
// address has no history.
func (a *Archive) Get(address string) (battery.Profile, bool, error) {
	var p battery.Profile
	var found bool
	err := a.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(profileBucket).Get([]byte(address))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &p)
	})
	if err != nil {
		return battery.Profile{}, false, fmt.Errorf("persist: read archive: %w", err)
	}
	return p, found, nil
}

// Addresses lists every device with archived history, in key order.
func (a *Archive) Addresses() ([]string, error) {
	var out []string
	err := a.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(profileBucket).ForEach(func(k, _ []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("persist: list archive: %w", err)
	}
	return out, nil
}
