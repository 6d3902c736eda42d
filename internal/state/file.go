// Package state persists the ingestion watermark and the processed entity
// ledger. Every backend assumes a single writer.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/BartekS5/tracksync/pkg/models"
	"github.com/BartekS5/tracksync/pkg/utils"
)

// FileWatermarkStore keeps the watermark in a small JSON file.
type FileWatermarkStore struct {
	path string
	now  func() time.Time
}

func NewFileWatermarkStore(path string) *FileWatermarkStore {
	return &FileWatermarkStore{path: path, now: time.Now}
}

// Read returns the stored watermark. A missing file is reported as absent;
// an unreadable or corrupt file is an error.
func (s *FileWatermarkStore) Read(ctx context.Context) (models.Watermark, bool, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return models.Watermark{}, false, nil
	}
	if err != nil {
		return models.Watermark{}, false, fmt.Errorf("failed to read state file '%s': %w", s.path, err)
	}

	var wm models.Watermark
	if err := json.Unmarshal(data, &wm); err != nil {
		return models.Watermark{}, false, fmt.Errorf("failed to parse state file '%s' (possibly corrupted): %w", s.path, err)
	}
	if wm.LastProcessedTimestamp <= 0 {
		return models.Watermark{}, false, nil
	}
	return wm, true, nil
}

func (s *FileWatermarkStore) Write(ctx context.Context, wm models.Watermark) error {
	if wm.LastUpdated.IsZero() {
		wm.LastUpdated = s.now().UTC()
	}
	data, err := json.MarshalIndent(wm, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal watermark: %w", err)
	}
	if err := utils.WriteFileAtomic(s.path, data); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	return nil
}

func (s *FileWatermarkStore) Close() error { return nil }

// FileLedgerStore keeps the processed entity set in one JSON document,
// rewritten whole on every change.
type FileLedgerStore struct {
	path string
	now  func() time.Time
}

func NewFileLedgerStore(path string) *FileLedgerStore {
	return &FileLedgerStore{path: path, now: time.Now}
}

func (s *FileLedgerStore) Load(ctx context.Context) ([]string, error) {
	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	return doc.ProcessedIDs, nil
}

func (s *FileLedgerStore) Add(ctx context.Context, ids []string) error {
	return s.update(func(set map[string]struct{}) {
		for _, id := range ids {
			set[id] = struct{}{}
		}
	})
}

func (s *FileLedgerStore) Remove(ctx context.Context, ids []string) error {
	return s.update(func(set map[string]struct{}) {
		for _, id := range ids {
			delete(set, id)
		}
	})
}

func (s *FileLedgerStore) Close() error { return nil }

func (s *FileLedgerStore) read() (models.LedgerFile, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return models.LedgerFile{}, nil
	}
	if err != nil {
		return models.LedgerFile{}, fmt.Errorf("failed to read ledger file '%s': %w", s.path, err)
	}
	var doc models.LedgerFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return models.LedgerFile{}, fmt.Errorf("failed to parse ledger file '%s' (possibly corrupted): %w", s.path, err)
	}
	return doc, nil
}

func (s *FileLedgerStore) update(mutate func(set map[string]struct{})) error {
	doc, err := s.read()
	if err != nil {
		return err
	}
	set := make(map[string]struct{}, len(doc.ProcessedIDs))
	for _, id := range doc.ProcessedIDs {
		set[id] = struct{}{}
	}
	mutate(set)

	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := models.LedgerFile{
		ProcessedIDs: ids,
		LastUpdated:  s.now().UTC(),
		TotalCount:   len(ids),
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal ledger: %w", err)
	}
	if err := utils.WriteFileAtomic(s.path, data); err != nil {
		return fmt.Errorf("failed to write ledger file: %w", err)
	}
	return nil
}
