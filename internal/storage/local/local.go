// Package local provides a local filesystem storage backend.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/epam/ai-dial-core-sub000/internal/storage"
)

const (
	metaDir    = ".meta"
	tempPrefix = ".dial-"
)

// Config holds local filesystem backend settings.
type Config struct {
	RootPath   string `json:"root_path"`
	CreateDirs bool   `json:"create_dirs"`
}

// Backend implements storage.Backend using the local filesystem. Object data
// lives at root/key, the content type, encoding and attributes in a JSON
// sidecar under root/.meta/.
type Backend struct {
	rootPath string
}

type sidecar struct {
	ContentType     string            `json:"content_type,omitempty"`
	ContentEncoding string            `json:"content_encoding,omitempty"`
	Attributes      map[string]string `json:"attributes,omitempty"`
}

// New creates a new local filesystem backend.
func New(cfg Config) (*Backend, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root_path is required")
	}

	info, err := os.Stat(cfg.RootPath)
	if err != nil {
		if os.IsNotExist(err) && cfg.CreateDirs {
			if mkErr := os.MkdirAll(cfg.RootPath, 0755); mkErr != nil {
				return nil, fmt.Errorf("create root path %s: %w", cfg.RootPath, mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat root path %s: %w", cfg.RootPath, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", cfg.RootPath)
	}

	return &Backend{rootPath: cfg.RootPath}, nil
}

// NewFromJSON creates a Backend from raw JSON config.
func NewFromJSON(raw json.RawMessage) (*Backend, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse local config: %w", err)
	}
	return New(cfg)
}

func (b *Backend) dataPath(key string) string {
	return filepath.Join(b.rootPath, filepath.FromSlash(key))
}

func (b *Backend) metaPath(key string) string {
	return filepath.Join(b.rootPath, metaDir, filepath.FromSlash(key)+".json")
}

// Exists checks if an object exists on the local filesystem.
func (b *Backend) Exists(_ context.Context, key string) (bool, error) {
	info, err := os.Stat(b.dataPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", key, err)
	}
	return !info.IsDir(), nil
}

// Get reads an object and its sidecar.
func (b *Backend) Get(_ context.Context, key string) (obj *storage.Object, err error) {
	defer func(start time.Time) { storage.Observe(b.Type(), "get", start, err) }(time.Now())

	path := b.dataPath(key)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		if err == nil || os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", key, storage.ErrObjectNotFound)
		}
		return nil, fmt.Errorf("stat %s: %w", key, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	meta, err := b.readSidecar(key)
	if err != nil {
		return nil, err
	}
	return &storage.Object{
		Data:            data,
		ContentType:     meta.ContentType,
		ContentEncoding: meta.ContentEncoding,
		Attributes:      meta.Attributes,
		LastModified:    info.ModTime(),
	}, nil
}

func (b *Backend) readSidecar(key string) (sidecar, error) {
	var meta sidecar
	raw, err := os.ReadFile(b.metaPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return meta, nil
		}
		return meta, fmt.Errorf("read sidecar %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return meta, fmt.Errorf("parse sidecar %s: %w", key, err)
	}
	return meta, nil
}

// Put writes the sidecar, then the data, each atomically.
func (b *Backend) Put(_ context.Context, key string, obj *storage.Object) (err error) {
	defer func(start time.Time) { storage.Observe(b.Type(), "put", start, err) }(time.Now())

	meta, err := json.Marshal(sidecar{
		ContentType:     obj.ContentType,
		ContentEncoding: obj.ContentEncoding,
		Attributes:      obj.Attributes,
	})
	if err != nil {
		return fmt.Errorf("encode sidecar %s: %w", key, err)
	}
	if err := writeAtomic(b.metaPath(key), meta); err != nil {
		return fmt.Errorf("write sidecar %s: %w", key, err)
	}
	if err := writeAtomic(b.dataPath(key), obj.Data); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, tempPrefix+"*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// Delete removes an object and its sidecar.
func (b *Backend) Delete(_ context.Context, key string) (err error) {
	defer func(start time.Time) { storage.Observe(b.Type(), "delete", start, err) }(time.Now())

	if err := os.Remove(b.dataPath(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	if err := os.Remove(b.metaPath(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete sidecar %s: %w", key, err)
	}
	return nil
}

// List walks the directory that contains prefix.
func (b *Backend) List(_ context.Context, prefix string, opts storage.ListOptions) (page *storage.Page, err error) {
	defer func(start time.Time) { storage.Observe(b.Type(), "list", start, err) }(time.Now())

	dirKey := ""
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		dirKey = prefix[:i]
	}
	root := b.dataPath(dirKey)

	var leaves []storage.Entry
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) {
				return nil
			}
			return walkErr
		}
		name := d.Name()
		if d.IsDir() {
			if path != root && path == filepath.Join(b.rootPath, metaDir) {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, tempPrefix) {
			return nil
		}
		rel, err := filepath.Rel(b.rootPath, path)
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
		meta, err := b.readSidecar(key)
		if err != nil {
			return err
		}
		leaves = append(leaves, storage.Entry{
			Key:          key,
			Size:         info.Size(),
			ContentType:  meta.ContentType,
			Attributes:   meta.Attributes,
			LastModified: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	return storage.Paginate(leaves, prefix, opts), nil
}

// Copy copies an object and its sidecar.
func (b *Backend) Copy(ctx context.Context, srcKey, dstKey string) (bool, error) {
	obj, err := b.Get(ctx, srcKey)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := b.Put(ctx, dstKey, obj); err != nil {
		return false, fmt.Errorf("copy %s -> %s: %w", srcKey, dstKey, err)
	}
	return true, nil
}

// Type returns "local".
func (b *Backend) Type() string { return "local" }

// Close is a no-op for local backends.
func (b *Backend) Close() error { return nil }
