package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BartekS5/tracksync/pkg/logger"
	"github.com/BartekS5/tracksync/pkg/utils"
)

// metadataSuffix names the sidecar file holding an object's metadata.
const metadataSuffix = ".metadata.json"

// FSStore implements ObjectStore on the local filesystem. Keys map to paths
// below basePath and metadata is kept in a JSON sidecar next to each object.
type FSStore struct {
	basePath string
}

func NewFSStore(basePath string) (*FSStore, error) {
	if basePath == "~" || len(basePath) > 1 && basePath[:2] == "~/" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		basePath = filepath.Join(home, strings.TrimPrefix(basePath, "~"))
	}

	absPath, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}
	if err := os.MkdirAll(absPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	logger.Info("Local FS store initialized with path: %s", absPath)
	return &FSStore{basePath: absPath}, nil
}

func (c *FSStore) resolve(key string) (string, error) {
	cleanKey := filepath.Clean(key)
	if filepath.IsAbs(cleanKey) {
		return "", fmt.Errorf("absolute paths not allowed in key: %s", key)
	}
	fullPath := filepath.Join(c.basePath, cleanKey)
	rel, err := filepath.Rel(c.basePath, fullPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("invalid key path: %s", key)
	}
	return fullPath, nil
}

func (c *FSStore) Put(ctx context.Context, key string, data []byte, opts PutOptions) error {
	fullPath, err := c.resolve(key)
	if err != nil {
		return err
	}
	if err := utils.WriteFileAtomic(fullPath, data); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}

	sidecar := map[string]any{
		"content_type": opts.ContentType,
		"metadata":     opts.Metadata,
	}
	meta, err := json.Marshal(sidecar)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata for %s: %w", key, err)
	}
	if err := utils.WriteFileAtomic(fullPath+metadataSuffix, meta); err != nil {
		return fmt.Errorf("failed to write metadata for %s: %w", key, err)
	}
	return nil
}

// Metadata returns the metadata stored with key.
func (c *FSStore) Metadata(key string) (map[string]string, error) {
	fullPath, err := c.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(fullPath + metadataSuffix)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata for %s: %w", key, err)
	}
	var sidecar struct {
		Metadata map[string]string `json:"metadata"`
	}
	if err := json.Unmarshal(data, &sidecar); err != nil {
		return nil, fmt.Errorf("failed to parse metadata for %s: %w", key, err)
	}
	return sidecar.Metadata, nil
}

func (c *FSStore) List(ctx context.Context, prefix string, since time.Time) ([]ObjectInfo, error) {
	var out []ObjectInfo
	err := filepath.WalkDir(c.basePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(path, metadataSuffix) || strings.HasSuffix(path, ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(c.basePath, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().Before(since) {
			return nil
		}
		out = append(out, ObjectInfo{Key: key, Size: info.Size(), LastModified: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", c.basePath, err)
	}
	return out, nil
}

func (c *FSStore) Ping(ctx context.Context) error {
	info, err := os.Stat(c.basePath)
	if err != nil {
		return fmt.Errorf("storage path %s not accessible: %w", c.basePath, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("storage path %s is not a directory", c.basePath)
	}
	return nil
}

func (c *FSStore) Close() error {
	return nil
}
