// Package store keeps downloaded tile images under <root>/<z>/<x>/<y>.<ext>.
// Tiles are written with temp file + rename, so a crash never leaves a
// partial file that Exists would report as a cache hit. There is no
// in-memory index: existence is always answered by the filesystem.
package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/refugios/tilecache/internal/model"
	"github.com/refugios/tilecache/internal/util"
)

const tempPrefix = ".tile-"

// Store is the on-disk tile tree shared by the whole process.
type Store struct {
	root   string
	ext    string
	logger *logrus.Entry
}

// Usage summarises the tiles present on disk.
type Usage struct {
	Tiles int64 `json:"tiles"`
	Bytes int64 `json:"bytes"`
}

// NewStore opens (and creates) the cache root and removes temp files left
// behind by an interrupted write.
func NewStore(root, ext string, logger *logrus.Entry) (*Store, error) {
	if root == "" {
		return nil, errors.New("cache root required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve cache root: %w", err)
	}
	if err := util.EnsureDirExists(abs); err != nil {
		return nil, fmt.Errorf("create cache root: %w", err)
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	s := &Store{
		root:   abs,
		ext:    util.NormalizeExtension(ext),
		logger: logger.WithField("component", "store"),
	}
	if removed, err := s.sweepTemp(); err != nil {
		s.logger.WithError(err).Warn("temp file sweep failed")
	} else if removed > 0 {
		s.logger.WithField("removed", removed).Info("removed partial tile writes")
	}
	return s, nil
}

// Root returns the absolute cache directory.
func (s *Store) Root() string {
	return s.root
}

// Extension returns the tile file extension without a dot.
func (s *Store) Extension() string {
	return s.ext
}

// Path returns the absolute file path of a tile.
func (s *Store) Path(key model.TileKey) string {
	return filepath.Join(s.root, filepath.FromSlash(util.PathFor(key, s.ext)))
}

// Exists stats the tile file. A missing file is (false, nil).
func (s *Store) Exists(key model.TileKey) (bool, error) {
	if !key.Valid() {
		return false, nil
	}
	return util.FileExists(s.Path(key))
}

// Write stores data for key atomically. Failures are *StorageWriteError.
func (s *Store) Write(ctx context.Context, key model.TileKey, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !key.Valid() {
		return &StorageWriteError{Key: key, Err: fmt.Errorf("invalid tile key")}
	}
	if err := util.WriteFileAtomic(s.Path(key), data, tempPrefix+"*"); err != nil {
		return &StorageWriteError{Key: key, Err: err}
	}
	return nil
}

// Read returns the tile bytes, or ErrNotFound when it is not cached.
func (s *Store) Read(key model.TileKey) ([]byte, error) {
	if !key.Valid() {
		return nil, ErrNotFound
	}
	filePath := s.Path(key)
	info, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

// Remove deletes one tile. Removing a missing tile is not an error.
func (s *Store) Remove(key model.TileKey) error {
	if !key.Valid() {
		return nil
	}
	if err := os.Remove(s.Path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// ClearAll removes the whole cache tree and leaves an empty root behind.
func (s *Store) ClearAll() error {
	if err := os.RemoveAll(s.root); err != nil {
		return fmt.Errorf("remove cache root: %w", err)
	}
	if err := util.EnsureDirExists(s.root); err != nil {
		return fmt.Errorf("recreate cache root: %w", err)
	}
	return nil
}

// Walk calls fn for every tile file under the root. Temp files and
// anything that does not parse as z/x/y.ext are ignored.
func (s *Store) Walk(fn func(key model.TileKey, size int64) error) error {
	return filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), tempPrefix) {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return nil
		}
		key, ext, ok := util.ParseTilePath(rel)
		if !ok || ext != s.ext {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		return fn(key, info.Size())
	})
}

// Usage counts tiles and bytes on disk.
func (s *Store) Usage() (Usage, error) {
	var u Usage
	err := s.Walk(func(_ model.TileKey, size int64) error {
		u.Tiles++
		u.Bytes += size
		return nil
	})
	return u, err
}

func (s *Store) sweepTemp() (int, error) {
	removed := 0
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasPrefix(d.Name(), tempPrefix) {
			if err := os.Remove(path); err == nil {
				removed++
			}
		}
		return nil
	})
	return removed, err
}
