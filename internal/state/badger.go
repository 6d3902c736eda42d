package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BartekS5/tracksync/pkg/models"
	"github.com/dgraph-io/badger/v4"
)

const (
	badgerWatermarkKey = "watermark"
	badgerLedgerPrefix = "ledger:"
)

// BadgerStore keeps both the watermark and the ledger in an embedded badger
// database. Each ledger id is its own key so adds never rewrite the set.
type BadgerStore struct {
	db  *badger.DB
	now func() time.Time
}

func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db, now: time.Now}
}

func (s *BadgerStore) Read(ctx context.Context) (models.Watermark, bool, error) {
	var wm models.Watermark
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(badgerWatermarkKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(val, &wm); err != nil {
			return fmt.Errorf("corrupt watermark value: %w", err)
		}
		found = wm.LastProcessedTimestamp > 0
		return nil
	})
	if err != nil {
		return models.Watermark{}, false, fmt.Errorf("failed to read watermark from badger: %w", err)
	}
	return wm, found, nil
}

func (s *BadgerStore) Write(ctx context.Context, wm models.Watermark) error {
	if wm.LastUpdated.IsZero() {
		wm.LastUpdated = s.now().UTC()
	}
	data, err := json.Marshal(wm)
	if err != nil {
		return fmt.Errorf("failed to marshal watermark: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(badgerWatermarkKey), data)
	})
}

func (s *BadgerStore) Load(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(badgerLedgerPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			ids = append(ids, strings.TrimPrefix(key, badgerLedgerPrefix))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger from badger: %w", err)
	}
	return ids, nil
}

func (s *BadgerStore) Add(ctx context.Context, ids []string) error {
	stamp := []byte(s.now().UTC().Format(time.RFC3339))
	return s.db.Update(func(txn *badger.Txn) error {
		for _, id := range ids {
			if err := txn.Set([]byte(badgerLedgerPrefix+id), stamp); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) Remove(ctx context.Context, ids []string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, id := range ids {
			if err := txn.Delete([]byte(badgerLedgerPrefix + id)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close is a no-op; the database handle is owned by whoever opened it.
func (s *BadgerStore) Close() error { return nil }
