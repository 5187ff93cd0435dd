// Package transfer implements the file offer handshake: staging an upload
// into a per-offer archive, and relaying YES/NO replies from room members.
package transfer

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"
	"unicode"

	"github.com/oklog/ulid/v2"
	"github.com/patrickmn/go-cache"

	"github.com/andy6609/multiroom-chat-server/internal/storage"
)

const (
	defaultChunkSize   = 1024
	defaultMaxFileSize = 16 << 20
	maxFilenameLength  = 255
)

type Options struct {
	// MaxFileSize bounds uploaded payloads.
	MaxFileSize int64
	// ChunkSize is the buffer size used for every copy.
	ChunkSize int
	// OfferTTL expires offers nobody answered. Zero keeps them until every
	// responder has replied.
	OfferTTL time.Duration
}

type Coordinator struct {
	store  *storage.Store
	dirs   *storage.Directories
	offers *cache.Cache
	opts   Options
	logger *slog.Logger
}

func NewCoordinator(store *storage.Store, dirs *storage.Directories, opts Options, logger *slog.Logger) *Coordinator {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = defaultMaxFileSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	ttl, cleanup := cache.NoExpiration, time.Duration(0)
	if opts.OfferTTL > 0 {
		ttl, cleanup = opts.OfferTTL, opts.OfferTTL/2
	}

	c := &Coordinator{
		store:  store,
		dirs:   dirs,
		offers: cache.New(ttl, cleanup),
		opts:   opts,
		logger: logger,
	}
	c.offers.OnEvicted(c.evict)
	return c
}

// ValidFilename reports whether name can be used as a single path element
// inside a client or archive directory.
func ValidFilename(name string) bool {
	if name == "" || name == "." || name == ".." || len(name) > maxFilenameLength {
		return false
	}
	if strings.ContainsAny(name, `/\`) {
		return false
	}
	return strings.IndexFunc(name, unicode.IsControl) < 0
}

// Stage copies filename from the sender's directory into a fresh archive
// directory and records the offer. The offer has no responders until
// Announce is called.
func (c *Coordinator) Stage(sender Party, filename string) (*Offer, error) {
	if !ValidFilename(filename) {
		return nil, ErrInvalidFilename
	}

	dir, err := c.dirs.ClientDir(sender.Name)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFileUnwritable, err)
	}
	src := path.Join(dir, filename)
	ok, err := c.store.Exists(src)
	if err != nil || !ok {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, src)
	}

	id := ulid.Make().String()
	archiveDir, err := c.dirs.ArchiveDir(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFileUnwritable, err)
	}
	dst := path.Join(archiveDir, filename)

	size, err := c.copyFile(src, dst)
	if err != nil {
		c.removeArchive(archiveDir)
		return nil, err
	}

	offer := &Offer{
		ID:          id,
		Filename:    filename,
		ArchivePath: dst,
		Sender:      sender,
		Size:        size,
		open:        make(map[uint32]struct{}),
	}
	c.offers.Set(id, offer, cache.DefaultExpiration)

	c.logger.Info("file staged", "offer_id", id, "sender", sender.Name, "file", filename, "size", size)
	return offer, nil
}

// Announce opens the offer to the given responders and returns how many are
// waiting on it. It runs inside the room's fan-out, so it never touches the
// filesystem: the caller discards an offer nobody is waiting on.
func (c *Coordinator) Announce(offerID string, responders []uint32) int {
	offer, ok := c.lookup(offerID)
	if !ok {
		return 0
	}
	open := offer.announce(responders)
	c.logger.Debug("offer announced", "offer_id", offerID, "responders", offer.Responders())
	return open
}

// Accept copies the most recent offer of filename pending for responder into
// the responder's directory and returns the written path.
func (c *Coordinator) Accept(responder Party, filename string) (string, error) {
	offer, ok := c.pending(responder.ID, filename)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoPendingOffer, filename)
	}

	dir, err := c.dirs.ClientDir(responder.Name)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrFileUnwritable, err)
	}
	dst := path.Join(dir, filename)
	if _, err := c.copyFile(offer.ArchivePath, dst); err != nil {
		c.logger.Warn("file accept failed", "offer_id", offer.ID, "responder", responder.Name, "error", err)
		return "", err
	}

	c.resolve(offer, responder.ID)
	c.logger.Info("file accepted", "offer_id", offer.ID, "responder", responder.Name, "file", filename)
	return dst, nil
}

// Decline resolves responder's pending offer of filename without copying.
// Other responders keep their ability to accept.
func (c *Coordinator) Decline(responder Party, filename string) error {
	offer, ok := c.pending(responder.ID, filename)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoPendingOffer, filename)
	}
	c.resolve(offer, responder.ID)
	c.logger.Info("file declined", "offer_id", offer.ID, "responder", responder.Name, "file", filename)
	return nil
}

// Forget resolves every offer still waiting on responderID, as if it had
// declined them all.
func (c *Coordinator) Forget(responderID uint32) {
	for _, item := range c.offers.Items() {
		if offer, ok := item.Object.(*Offer); ok {
			c.resolve(offer, responderID)
		}
	}
}

// Discard drops an offer and its archived copy.
func (c *Coordinator) Discard(offerID string) {
	c.offers.Delete(offerID)
}

// PendingOffers returns the number of live offers.
func (c *Coordinator) PendingOffers() int {
	return c.offers.ItemCount()
}

func (c *Coordinator) lookup(offerID string) (*Offer, bool) {
	v, ok := c.offers.Get(offerID)
	if !ok {
		return nil, false
	}
	offer, ok := v.(*Offer)
	return offer, ok
}

// pending picks the newest offer of filename that still waits on id. ULIDs
// sort by creation time.
func (c *Coordinator) pending(id uint32, filename string) (*Offer, bool) {
	var best *Offer
	for _, item := range c.offers.Items() {
		offer, ok := item.Object.(*Offer)
		if !ok || offer.Filename != filename || !offer.Pending(id) {
			continue
		}
		if best == nil || offer.ID > best.ID {
			best = offer
		}
	}
	return best, best != nil
}

func (c *Coordinator) resolve(offer *Offer, id uint32) {
	remaining, ok := offer.resolve(id)
	if ok && remaining == 0 {
		c.offers.Delete(offer.ID)
	}
}

func (c *Coordinator) evict(id string, v interface{}) {
	offer, ok := v.(*Offer)
	if !ok {
		return
	}
	c.removeArchive(path.Dir(offer.ArchivePath))
	c.logger.Debug("offer closed", "offer_id", id, "file", offer.Filename)
}

func (c *Coordinator) removeArchive(dir string) {
	if err := c.store.RemoveAll(dir); err != nil {
		c.logger.Warn("remove archive failed", "dir", dir, "error", err)
	}
	c.dirs.Release(dir)
}

// copyFile copies src to dst in chunks until the size declared when src was
// opened has been transferred. A partial dst is removed on failure.
func (c *Coordinator) copyFile(src, dst string) (int64, error) {
	r, size, err := c.store.Open(src)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrFileNotFound, src)
	}
	defer r.Close()

	w, err := c.store.Create(dst)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrFileUnwritable, dst)
	}

	n, err := copyChunks(w, r, size, make([]byte, c.opts.ChunkSize))
	if cerr := w.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("%w: %w", ErrFileUnwritable, cerr)
	}
	if err != nil {
		_ = c.store.Remove(dst)
		if errors.Is(err, errSourceRead) {
			return 0, fmt.Errorf("%w: %s", ErrFileNotFound, src)
		}
		return 0, err
	}
	return n, nil
}

// copyChunks moves exactly size bytes from src to dst using buf. It returns
// the number of bytes consumed from src, which can exceed what reached dst
// when a write fails.
func copyChunks(dst io.Writer, src io.Reader, size int64, buf []byte) (int64, error) {
	var consumed int64
	for consumed < size {
		chunk := buf
		if rest := size - consumed; rest < int64(len(chunk)) {
			chunk = chunk[:rest]
		}
		n, err := io.ReadFull(src, chunk)
		consumed += int64(n)
		if err != nil {
			return consumed, fmt.Errorf("%w: %w", errSourceRead, err)
		}
		if _, err := dst.Write(chunk[:n]); err != nil {
			return consumed, fmt.Errorf("%w: %w", ErrFileUnwritable, err)
		}
	}
	return consumed, nil
}
