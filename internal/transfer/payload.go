package transfer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"path"
)

// PayloadHeaderSize is the length of the size field that precedes a file
// payload on the wire.
const PayloadHeaderSize = 4

// WritePayloadHeader encodes the size field sent before a file payload.
func WritePayloadHeader(w io.Writer, size uint32) error {
	return binary.Write(w, binary.LittleEndian, size)
}

// Receive reads one length-prefixed payload from r and stores it as filename
// in the sender's directory. The payload is always consumed in full so the
// stream stays framed, even when the upload is rejected. A zero length
// uploads nothing and returns 0.
//
// ErrShortPayload is returned when r ends inside the payload.
func (c *Coordinator) Receive(sender Party, filename string, r io.Reader) (int64, error) {
	var size uint32
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return 0, fmt.Errorf("%w: size field: %w", ErrShortPayload, err)
	}
	if size == 0 {
		return 0, nil
	}
	total := int64(size)

	if !ValidFilename(filename) {
		return 0, discard(r, total, ErrInvalidFilename)
	}
	if total > c.opts.MaxFileSize {
		return 0, discard(r, total, ErrFileTooLarge)
	}

	dir, err := c.dirs.ClientDir(sender.Name)
	if err != nil {
		return 0, discard(r, total, fmt.Errorf("%w: %w", ErrFileUnwritable, err))
	}
	dst := path.Join(dir, filename)
	w, err := c.store.Create(dst)
	if err != nil {
		return 0, discard(r, total, fmt.Errorf("%w: %s", ErrFileUnwritable, dst))
	}

	consumed, err := copyChunks(w, r, total, make([]byte, c.opts.ChunkSize))
	if cerr := w.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("%w: %w", ErrFileUnwritable, cerr)
	}
	if err != nil {
		_ = c.store.Remove(dst)
		if errors.Is(err, errSourceRead) {
			return 0, fmt.Errorf("%w: %w", ErrShortPayload, err)
		}
		return 0, discard(r, total-consumed, err)
	}

	c.logger.Debug("file received", "sender", sender.Name, "file", filename, "size", total)
	return total, nil
}

// SkipPayload consumes one length-prefixed payload from r without storing
// it. It returns ErrShortPayload if r ends inside the payload.
func SkipPayload(r io.Reader) error {
	var size uint32
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return fmt.Errorf("%w: size field: %w", ErrShortPayload, err)
	}
	return discard(r, int64(size), nil)
}

// discard skips n bytes of r and returns cause, or ErrShortPayload if r
// ends first.
func discard(r io.Reader, n int64, cause error) error {
	if _, err := io.CopyN(io.Discard, r, n); err != nil {
		return fmt.Errorf("%w: %w", ErrShortPayload, err)
	}
	return cause
}
