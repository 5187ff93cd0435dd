package storage

import (
	"fmt"
	"path"
	"sync"
)

const (
	clientsRoot = "/clients"
	archiveRoot = "/archive"
)

// Directories provisions the per-client directories and the per-offer
// archive directories on first reference. One lock is shared by all
// sessions so two sessions never race creating the same directory.
type Directories struct {
	store *Store

	mu    sync.Mutex
	known map[string]struct{}
}

func NewDirectories(store *Store) *Directories {
	return &Directories{
		store: store,
		known: make(map[string]struct{}),
	}
}

// ClientDir returns the directory owned by the client with the given display
// name, creating it if needed.
func (d *Directories) ClientDir(name string) (string, error) {
	return d.ensure(path.Join(clientsRoot, name))
}

// ArchiveDir returns the server-side directory holding the staged copy of
// one offer.
func (d *Directories) ArchiveDir(offerID string) (string, error) {
	return d.ensure(path.Join(archiveRoot, offerID))
}

// Release forgets a directory so a later reference provisions it again.
func (d *Directories) Release(dir string) {
	d.mu.Lock()
	delete(d.known, dir)
	d.mu.Unlock()
}

func (d *Directories) ensure(dir string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.known[dir]; ok {
		return dir, nil
	}
	if err := d.store.MkdirAll(dir); err != nil {
		return "", fmt.Errorf("provision %s: %w", dir, err)
	}
	d.known[dir] = struct{}{}
	return dir, nil
}
