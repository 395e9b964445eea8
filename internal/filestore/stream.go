package filestore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/juju/errors"

	"github.com/HaddajiForks/Savage-Files/internal/chunker"
	"github.com/HaddajiForks/Savage-Files/internal/models"
)

type fetchResult struct {
	data []byte
	err  error
}

// ObjectStream yields the chunk payloads of one object in sequence order.
// While the caller consumes chunk i, chunk i+1 is already being fetched.
// A stream is read once; open a new one to read again.
type ObjectStream struct {
	ctx    context.Context
	cancel context.CancelFunc
	blobs  BlobStore
	object *models.Object
	chunks []*models.Chunk

	next    int
	read    int64
	pending <-chan fetchResult
	wg      sync.WaitGroup
	closed  bool
}

func newObjectStream(ctx context.Context, blobs BlobStore, object *models.Object, chunks []*models.Chunk) *ObjectStream {
	ctx, cancel := context.WithCancel(ctx)
	return &ObjectStream{
		ctx:    ctx,
		cancel: cancel,
		blobs:  blobs,
		object: object,
		chunks: chunks,
	}
}

// checkIndex verifies that chunks form the contiguous sequence
// [0, ChunkCount) and that their sizes add up to the object length.
func checkIndex(object *models.Object, chunks []*models.Chunk) error {
	corrupt := func(format string, args ...any) error {
		return fmt.Errorf("%w: object %s: %s", ErrCorruption, object.ID, fmt.Sprintf(format, args...))
	}
	if want := object.ChunkCount(); len(chunks) != want {
		return corrupt("%d chunks indexed, want %d", len(chunks), want)
	}
	var total int64
	for i, chunk := range chunks {
		if chunk.Sequence != i {
			return corrupt("expected chunk %d, found %d", i, chunk.Sequence)
		}
		total += chunk.Size
	}
	if total != object.Length {
		return corrupt("chunks hold %d bytes, want %d", total, object.Length)
	}
	return nil
}

// Object returns the catalog record of the streamed object.
func (s *ObjectStream) Object() *models.Object {
	return s.object
}

// Next returns the next chunk payload, or io.EOF after the last one. A gap
// in the sequence, a missing body or a payload that does not match its
// index entry fails with ErrCorruption.
func (s *ObjectStream) Next() ([]byte, error) {
	if s.closed {
		return nil, errors.New("read from closed object stream")
	}

	expected := s.object.ChunkCount()
	if s.next >= expected {
		if len(s.chunks) != expected {
			return nil, s.corrupt("%d chunks indexed, want %d", len(s.chunks), expected)
		}
		if s.read != s.object.Length {
			return nil, s.corrupt("read %d bytes, want %d", s.read, s.object.Length)
		}
		return nil, io.EOF
	}
	if s.next >= len(s.chunks) {
		return nil, s.corrupt("chunk %d missing", s.next)
	}
	chunk := s.chunks[s.next]
	if chunk.Sequence != s.next {
		return nil, s.corrupt("expected chunk %d, found %d", s.next, chunk.Sequence)
	}

	pending := s.pending
	s.pending = nil
	if pending == nil {
		pending = s.fetch(chunk)
	}

	var res fetchResult
	select {
	case res = <-pending:
	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	}
	if errors.Is(res.err, errors.NotFound) {
		return nil, s.corrupt("body of chunk %d missing", chunk.Sequence)
	}
	if res.err != nil {
		return nil, res.err
	}
	if int64(len(res.data)) != chunk.Size || !chunker.VerifyChunkHash(res.data, chunk.Hash) {
		return nil, s.corrupt("body of chunk %d does not match its index", chunk.Sequence)
	}

	s.next++
	s.read += chunk.Size
	if s.read > s.object.Length {
		return nil, s.corrupt("read %d bytes, object has %d", s.read, s.object.Length)
	}
	if s.next < expected && s.next < len(s.chunks) && s.chunks[s.next].Sequence == s.next {
		s.pending = s.fetch(s.chunks[s.next])
	}
	return res.data, nil
}

func (s *ObjectStream) fetch(chunk *models.Chunk) <-chan fetchResult {
	out := make(chan fetchResult, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		data, err := s.blobs.GetChunk(s.ctx, chunk.BlobKey)
		out <- fetchResult{data: data, err: err}
	}()
	return out
}

func (s *ObjectStream) corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: object %s: %s", ErrCorruption, s.object.ID, fmt.Sprintf(format, args...))
}

// WriteTo copies every remaining chunk to w, flushing after each chunk when
// w supports it. Bytes already written cannot be taken back if a later
// chunk fails.
func (s *ObjectStream) WriteTo(w io.Writer) (int64, error) {
	flusher, _ := w.(http.Flusher)
	var written int64
	for {
		data, err := s.Next()
		if errors.Is(err, io.EOF) {
			return written, nil
		}
		if err != nil {
			return written, err
		}
		n, err := w.Write(data)
		written += int64(n)
		if err != nil {
			return written, err
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// Close stops any read-ahead and releases the stream.
func (s *ObjectStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.cancel()
	s.wg.Wait()
	s.pending = nil
	return nil
}
