// Package gobstore provides a simple in-file store for gob-encoded values.
package gobstore

import (
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const ext = ".gob"

var errInvalidKey = errors.New("invalid key")

// Store persists values of type T as gob files keyed by an opaque key.
type Store[T any] struct {
	dir string
}

// New creates a store rooted at dir, creating it if needed.
func New[T any](dir string) (*Store[T], error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return &Store[T]{dir: dir}, nil
}

func (s *Store[T]) path(key string) string {
	return filepath.Join(s.dir, key+ext)
}

// Read decodes the value stored under key.
func (s *Store[T]) Read(key string, value *T) error {
	if key == "" {
		return fmt.Errorf("read: %w", errInvalidKey)
	}
	file, err := os.Open(s.path(key))
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	defer file.Close() //nolint:errcheck

	if err := gob.NewDecoder(file).Decode(value); err != nil {
		return fmt.Errorf("read: %w", err)
	}
	return nil
}

// Write encodes value under key, replacing any previous value.
func (s *Store[T]) Write(key string, value *T) error {
	if key == "" {
		return fmt.Errorf("write: %w", errInvalidKey)
	}
	file, err := os.Create(s.path(key))
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}
	defer file.Close() //nolint:errcheck

	if err := gob.NewEncoder(file).Encode(value); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// Delete removes the value stored under key.
func (s *Store[T]) Delete(key string) error {
	if key == "" {
		return fmt.Errorf("delete: %w", errInvalidKey)
	}
	if err := os.Remove(s.path(key)); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}
