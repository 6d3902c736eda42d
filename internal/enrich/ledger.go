// Package enrich discovers artists referenced by listening events, enriches
// the ones not seen before and records them in a persistent ledger.
package enrich

import (
	"context"
	"fmt"
	"sync"
)

// LedgerStore persists the set of processed entity ids.
type LedgerStore interface {
	Load(ctx context.Context) ([]string, error)
	Add(ctx context.Context, ids []string) error
	Remove(ctx context.Context, ids []string) error
}

// Ledger is the in-memory view of the processed set, written through to its
// store on every change.
type Ledger struct {
	store LedgerStore

	mu  sync.RWMutex
	ids map[string]struct{}
}

// NewLedger loads the persisted set. A store that cannot be read is an error;
// starting from an empty set would re-enrich everything.
func NewLedger(ctx context.Context, store LedgerStore) (*Ledger, error) {
	ids, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load entity ledger: %w", err)
	}
	l := &Ledger{store: store, ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		l.ids[id] = struct{}{}
	}
	return l, nil
}

func (l *Ledger) Contains(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.ids[id]
	return ok
}

func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.ids)
}

// Add persists ids and then records them in memory.
func (l *Ledger) Add(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := l.store.Add(ctx, ids); err != nil {
		return fmt.Errorf("failed to persist %d ledger ids: %w", len(ids), err)
	}
	l.mu.Lock()
	for _, id := range ids {
		l.ids[id] = struct{}{}
	}
	l.mu.Unlock()
	return nil
}

// Remove drops ids from the ledger and reports how many were present.
func (l *Ledger) Remove(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	if err := l.store.Remove(ctx, ids); err != nil {
		return 0, fmt.Errorf("failed to remove %d ledger ids: %w", len(ids), err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for _, id := range ids {
		if _, ok := l.ids[id]; ok {
			delete(l.ids, id)
			removed++
		}
	}
	return removed, nil
}
