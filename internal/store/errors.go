package store

import (
	"errors"
	"fmt"
	"io/fs"
	"syscall"

	"github.com/refugios/tilecache/internal/model"
)

// ErrNotFound reports that a tile is not cached. It is an expected outcome,
// distinct from I/O failures.
var ErrNotFound = errors.New("tile not cached")

// StorageWriteError wraps a failed tile write.
type StorageWriteError struct {
	Key model.TileKey
	Err error
}

func (e *StorageWriteError) Error() string {
	return fmt.Sprintf("write tile %s: %v", e.Key, e.Err)
}

func (e *StorageWriteError) Unwrap() error {
	return e.Err
}

// NoSpace reports whether the device is full.
func (e *StorageWriteError) NoSpace() bool {
	return errors.Is(e.Err, syscall.ENOSPC)
}

// Permission reports whether the cache directory is not writable.
func (e *StorageWriteError) Permission() bool {
	return errors.Is(e.Err, fs.ErrPermission)
}
