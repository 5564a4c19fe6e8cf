package storage

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"

	"github.com/Air-hive/Airhive-firmware-v2/internal/models"

	badger "github.com/dgraph-io/badger/v4"
)

var (
	ErrNotFound = errors.New("not found")
)

// Store keeps the last applied machine settings. Only the latest value is
// kept; there is no history.
type Store interface {
	SaveSettings(ctx context.Context, s models.Settings) error
	LoadSettings(ctx context.Context) (models.Settings, error)
	Close() error
}

// BadgerStore implements Store with Badger DB.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) a store at path.
func NewBadgerStore(path string) (Store, error) {
	opts := badger.DefaultOptions(filepath.Clean(path))
	return open(opts)
}

// NewInMemoryStore returns a store that is lost on Close.
func NewInMemoryStore() (Store, error) {
	return open(badger.DefaultOptions("").WithInMemory(true))
}

func open(opts badger.Options) (*BadgerStore, error) {
	opts.Logger = nil                         // badger logs at info for every compaction
	opts = opts.WithValueLogFileSize(1 << 20) // settings are tiny
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

var settingsKey = []byte("machine:settings")

func (s *BadgerStore) SaveSettings(ctx context.Context, m models.Settings) error {
	return s.db.Update(func(txn *badger.Txn) error {
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		return txn.Set(settingsKey, data)
	})
}

func (s *BadgerStore) LoadSettings(ctx context.Context) (models.Settings, error) {
	var out models.Settings
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(settingsKey)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &out)
		})
	})
	if err != nil {
		return models.Settings{}, err
	}
	return out, nil
}
