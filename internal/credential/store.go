package credential

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/bardlex/quarry/pkg/errors"
)

const (
	appDir  = "quarry"
	keyFile = "mining_key.txt"
)

// Store persists the mining key in a single file.
type Store struct {
	dir  string
	path string
}

// DefaultStore returns the store under the user's config directory.
func DefaultStore() (*Store, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "key_store", "could not determine config directory")
	}
	return NewStore(filepath.Join(base, appDir)), nil
}

// NewStore returns a store that keeps the key in dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir, path: filepath.Join(dir, keyFile)}
}

// Path returns the key file location.
func (s *Store) Path() string { return s.path }

// Load returns the stored key. ok is false when no usable key exists.
func (s *Store) Load() (key string, ok bool, err error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, errors.Wrap(err, errors.ErrorTypeInternal, "load_key", "failed to read key file")
	}
	key = strings.TrimSpace(string(data))
	return key, key != "", nil
}

// Save writes key, creating the directory if needed. Only the owner can
// read the file.
func (s *Store) Save(key string) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "save_key", "failed to create config directory")
	}
	if err := os.WriteFile(s.path, []byte(key), 0o600); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "save_key", "failed to write key file")
	}
	return nil
}

// Delete removes the key file. A missing file is not an error.
func (s *Store) Delete() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, errors.ErrorTypeInternal, "delete_key", "failed to remove key file")
	}
	return nil
}
