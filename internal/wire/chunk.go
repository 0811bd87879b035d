// Package wire implements the chunk-structured binary format carried on
// every broker topic: a stream of typed, length-prefixed chunks, and atop
// it the agent message envelope (one JSON header chunk plus ordered BLOB
// chunks).
package wire

import (
	"encoding/binary"
	"errors"
	"io"
	"log/slog"

	"shepherd/internal/domain"
)

// TagLen is the fixed width of a chunk's ASCII type tag.
const TagLen = 4

// Chunk holds one decoded chunk's tag and body.
type Chunk struct {
	Type string
	Body []byte
}

// WriteChunk emits one chunk: the 4-byte tag, the body length as a 32-bit
// big-endian unsigned integer, the body, and — only when align is set and
// the body length is odd — one zero pad byte. The tag must be exactly four
// ASCII bytes; callers pad or truncate beforehand.
func WriteChunk(w io.Writer, typ string, body []byte, align bool) error {
	if len(typ) != TagLen {
		return domain.NewDomainError("wire.WriteChunk", domain.ErrInvalidInput,
			"chunk type must be exactly 4 bytes")
	}
	var header [TagLen + 4]byte
	copy(header[:TagLen], typ)
	binary.BigEndian.PutUint32(header[TagLen:], uint32(len(body)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	if align && len(body)%2 == 1 {
		if _, err := w.Write([]byte{0}); err != nil {
			return err
		}
	}
	return nil
}

// ChunkReader reads a single chunk from an underlying stream. Opening the
// reader consumes the chunk header; Read and Seek then address the body;
// Close skips whatever remains (plus the alignment pad) so the next chunk
// header begins immediately after.
//
// io.EOF from NewChunkReader means there was no further chunk. EOF anywhere
// inside a chunk surfaces as io.ErrUnexpectedEOF.
type ChunkReader struct {
	r      io.Reader
	typ    string
	size   int
	align  bool
	offset int
	closed bool
}

// NewChunkReader opens the next chunk on r. Returns io.EOF when the stream
// ends cleanly at a chunk boundary.
func NewChunkReader(r io.Reader, align bool) (*ChunkReader, error) {
	var header [TagLen + 4]byte
	if _, err := io.ReadFull(r, header[:TagLen]); err != nil {
		// EOF at the header position is the terminal signal; a torn
		// header is a framing error.
		return nil, err
	}
	if _, err := io.ReadFull(r, header[TagLen:]); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return &ChunkReader{
		r:     r,
		typ:   string(header[:TagLen]),
		size:  int(binary.BigEndian.Uint32(header[TagLen:])),
		align: align,
	}, nil
}

// Type returns the chunk's 4-byte ASCII tag.
func (c *ChunkReader) Type() string { return c.typ }

// Size returns the chunk body length in bytes.
func (c *ChunkReader) Size() int { return c.size }

// Tell returns the current read offset into the chunk body.
func (c *ChunkReader) Tell() int { return c.offset }

// Read reads up to len(p) bytes of the chunk body, capped at the bytes
// remaining. At or past the body end it returns 0, io.EOF.
func (c *ChunkReader) Read(p []byte) (int, error) {
	if c.closed {
		return 0, domain.NewDomainError("ChunkReader.Read", domain.ErrClosed, c.typ)
	}
	remaining := c.size - c.offset
	if remaining == 0 {
		return 0, io.EOF
	}
	if len(p) > remaining {
		p = p[:remaining]
	}
	n, err := io.ReadFull(c.r, p)
	c.offset += n
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}

// ReadFull reads exactly len(p) body bytes. Requesting more than the bytes
// remaining in the body fails with an out-of-range error before touching
// the stream.
func (c *ChunkReader) ReadFull(p []byte) error {
	if c.closed {
		return domain.NewDomainError("ChunkReader.ReadFull", domain.ErrClosed, c.typ)
	}
	if len(p) > c.size-c.offset {
		return domain.NewDomainError("ChunkReader.ReadFull", domain.ErrOutOfRange,
			"read length exceeds chunk body")
	}
	n, err := io.ReadFull(c.r, p)
	c.offset += n
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return err
}

// ReadRest reads the remainder of the chunk body.
func (c *ChunkReader) ReadRest() ([]byte, error) {
	buf := make([]byte, c.size-c.offset)
	if err := c.ReadFull(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Seek positions the body read offset. whence follows io.Seeker:
// io.SeekStart addresses from the body start, io.SeekCurrent from the
// current offset, io.SeekEnd from the body end. The target must stay within
// [0, Size]; the underlying stream cannot rewind, so seeking backwards
// fails.
func (c *ChunkReader) Seek(pos int, whence int) (int, error) {
	if c.closed {
		return 0, domain.NewDomainError("ChunkReader.Seek", domain.ErrClosed, c.typ)
	}
	var target int
	switch whence {
	case io.SeekStart:
		target = pos
	case io.SeekCurrent:
		target = c.offset + pos
	case io.SeekEnd:
		target = c.size + pos
	default:
		return 0, domain.NewDomainError("ChunkReader.Seek", domain.ErrInvalidInput, "bad whence")
	}
	if target < 0 || target > c.size {
		return 0, domain.NewDomainError("ChunkReader.Seek", domain.ErrOutOfRange,
			"seek outside chunk body")
	}
	if target < c.offset {
		return 0, domain.NewDomainError("ChunkReader.Seek", domain.ErrInvalidInput,
			"cannot seek backwards on a stream")
	}
	if err := c.discard(target - c.offset); err != nil {
		return c.offset, err
	}
	return c.offset, nil
}

// Close skips any unread body bytes plus the alignment pad so the stream is
// positioned at the next chunk header. Idempotent; reads on a closed chunk
// fail.
func (c *ChunkReader) Close() error {
	if c.closed {
		return nil
	}
	skip := c.size - c.offset
	if c.align && c.size%2 == 1 {
		skip++
	}
	err := c.discard(skip)
	c.offset = c.size
	c.closed = true
	return err
}

func (c *ChunkReader) discard(n int) error {
	copied, err := io.CopyN(io.Discard, c.r, int64(n))
	c.offset += int(copied)
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return err
}

// ReadAll constructs chunks from r until EOF and returns the accumulated
// (type, body) pairs. A mid-stream failure is logged and the partial list
// returned.
func ReadAll(r io.Reader, align bool, logger *slog.Logger) []Chunk {
	if logger == nil {
		logger = slog.Default()
	}
	var chunks []Chunk
	for {
		cr, err := NewChunkReader(r, align)
		if errors.Is(err, io.EOF) {
			return chunks
		}
		if err != nil {
			logger.Error("truncated chunk stream", "error", err, "chunks", len(chunks))
			return chunks
		}
		body, err := cr.ReadRest()
		if err != nil {
			logger.Error("truncated chunk body", "error", err, "type", cr.Type())
			return chunks
		}
		if err := cr.Close(); err != nil {
			logger.Error("truncated chunk pad", "error", err, "type", cr.Type())
			return append(chunks, Chunk{Type: cr.Type(), Body: body})
		}
		chunks = append(chunks, Chunk{Type: cr.Type(), Body: body})
	}
}
