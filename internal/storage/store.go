// Package storage is the file collaborator used by file transfers: a thin
// layer over an afero filesystem plus lazy provisioning of per-client and
// archive directories.
package storage

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/afero"
)

const (
	dirPerm  os.FileMode = 0o755
	filePerm os.FileMode = 0o644
)

// Store reads and writes files relative to the root of its filesystem.
// Paths use forward slashes and are rooted at "/".
type Store struct {
	fs afero.Fs
}

func NewStore(fs afero.Fs) *Store {
	return &Store{fs: fs}
}

// NewOsStore returns a Store confined to baseDir on the local disk, creating
// baseDir if it does not exist.
func NewOsStore(baseDir string) (*Store, error) {
	osFs := afero.NewOsFs()
	if err := osFs.MkdirAll(baseDir, dirPerm); err != nil {
		return nil, fmt.Errorf("create base dir %s: %w", baseDir, err)
	}
	return NewStore(afero.NewBasePathFs(osFs, baseDir)), nil
}

// Remove deletes name. Removing a missing file is not an error.
func (s *Store) Remove(name string) error {
	if err := s.fs.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// RemoveAll deletes name and everything below it.
func (s *Store) RemoveAll(name string) error {
	return s.fs.RemoveAll(name)
}

func (s *Store) Exists(name string) (bool, error) {
	return afero.Exists(s.fs, name)
}

func (s *Store) MkdirAll(name string) error {
	return s.fs.MkdirAll(name, dirPerm)
}

// Open opens name for reading and reports its size as declared by the
// filesystem at open time.
func (s *Store) Open(name string) (io.ReadCloser, int64, error) {
	f, err := s.fs.Open(name)
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, err
	}
	if info.IsDir() {
		_ = f.Close()
		return nil, 0, fmt.Errorf("open %s: %w", name, os.ErrNotExist)
	}
	return f, info.Size(), nil
}

// Create truncates or creates name for writing. The parent directory must
// already exist.
func (s *Store) Create(name string) (io.WriteCloser, error) {
	return s.fs.OpenFile(name, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, filePerm)
}
