package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/HaddajiForks/Savage-Files/internal/models"
)

// DefaultChunkSize matches the 255 KiB chunk size of the original store.
const DefaultChunkSize int64 = 255 * 1024

// Chunker slices a byte stream into fixed-size chunks. Only one chunk is held
// in memory at a time.
type Chunker struct {
	reader    io.Reader
	chunkSize int64
	sequence  int
	total     int64
	done      bool
}

// NewChunker creates a new chunker over reader with the specified chunk size
func NewChunker(reader io.Reader, chunkSize int64) *Chunker {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Chunker{
		reader:    reader,
		chunkSize: chunkSize,
	}
}

// Next returns the next chunk of the stream, or io.EOF once the stream is
// exhausted. The last chunk may be shorter than the chunk size. An empty
// stream yields no chunks at all.
func (c *Chunker) Next() (*models.ChunkData, error) {
	if c.done {
		return nil, io.EOF
	}

	buffer := make([]byte, c.chunkSize)
	n, err := io.ReadFull(c.reader, buffer)
	switch {
	case errors.Is(err, io.EOF):
		c.done = true
		return nil, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		c.done = true
	case err != nil:
		return nil, fmt.Errorf("error reading chunk %d: %w", c.sequence, err)
	}

	data := buffer[:n]
	chunk := &models.ChunkData{
		Data:     data,
		Sequence: c.sequence,
		Hash:     ComputeHash(data),
		Size:     int64(n),
	}
	c.sequence++
	c.total += int64(n)
	return chunk, nil
}

// Total returns the number of bytes consumed so far.
func (c *Chunker) Total() int64 {
	return c.total
}

// Count returns the number of chunks produced so far.
func (c *Chunker) Count() int {
	return c.sequence
}

// ComputeHash computes SHA256 hash of data
func ComputeHash(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// VerifyChunkHash verifies that chunk data matches the expected hash
func VerifyChunkHash(data []byte, expectedHash string) bool {
	return ComputeHash(data) == expectedHash
}
