// Package badger provides a key-value store backed by an embedded
// BadgerDB database. It is the default persistence layer for
// single-node deployments.
package badger

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/seoscope/seoscope/internal/scrape"
)

// Config captures the parameters for opening the database.
type Config struct {
	Path     string
	InMemory bool
}

// Store wraps a Badger database behind the key-value interface.
type Store struct {
	db *badger.DB
}

// New opens (or creates) the database at cfg.Path.
func New(cfg Config, logger *zap.Logger) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, fmt.Errorf("badger path is required")
	}
	opts := badger.DefaultOptions(cfg.Path).WithInMemory(cfg.InMemory)
	// Badger's own logger is chatty; route it through zap at debug level.
	opts = opts.WithLogger(newZapAdapter(logger))
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger db: %w", err)
	}
	return &Store{db: db}, nil
}

// Load returns the value for key or scrape.ErrNotFound.
func (s *Store) Load(_ context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, scrape.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	return value, nil
}

// Save stores value under key.
func (s *Store) Save(_ context.Context, key string, value []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(_ context.Context, key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// List returns every key with the given prefix and its value.
func (s *Store) List(_ context.Context, prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out[string(item.KeyCopy(nil))] = value
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	return out, nil
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// zapAdapter bridges Badger's logger interface onto zap.
type zapAdapter struct {
	sugar *zap.SugaredLogger
}

func newZapAdapter(logger *zap.Logger) *zapAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &zapAdapter{sugar: logger.Sugar()}
}

func (a *zapAdapter) Errorf(format string, args ...any)   { a.sugar.Errorf(format, args...) }
func (a *zapAdapter) Warningf(format string, args ...any) { a.sugar.Warnf(format, args...) }
func (a *zapAdapter) Infof(format string, args ...any)    { a.sugar.Debugf(format, args...) }
func (a *zapAdapter) Debugf(format string, args ...any)   { a.sugar.Debugf(format, args...) }
