// Package filestore persists files as fixed-size chunks. Chunk bodies live in
// a BlobStore; the object record and the chunk index live in a
// MetadataStore and are committed together once every body is stored.
package filestore

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/HaddajiForks/Savage-Files/internal/chunker"
	"github.com/HaddajiForks/Savage-Files/internal/models"
)

var tracer = otel.Tracer("savage-files-filestore")

const (
	defaultContentType = "application/octet-stream"
	// cleanupTimeout bounds compensating deletes, which outlive a cancelled
	// request context
	cleanupTimeout = 30 * time.Second
)

// BlobStore keeps chunk bodies.
type BlobStore interface {
	PutChunk(ctx context.Context, key string, data []byte) error
	// GetChunk fails with NotFound when key does not exist.
	GetChunk(ctx context.Context, key string) ([]byte, error)
	// RemovePrefix succeeds when nothing matches prefix.
	RemovePrefix(ctx context.Context, prefix string) error
}

// MetadataStore keeps object records and chunk indexes.
type MetadataStore interface {
	CreateObject(ctx context.Context, object *models.Object, chunks []*models.Chunk) error
	// GetObject fails with NotFound when the object does not exist.
	GetObject(ctx context.Context, objectID string) (*models.Object, error)
	GetObjects(ctx context.Context, objectIDs []string) ([]*models.Object, error)
	GetChunks(ctx context.Context, objectID string) ([]*models.Chunk, error)
	// DeleteObject succeeds when the object does not exist.
	DeleteObject(ctx context.Context, objectID string) error
}

// Config tunes a ChunkStore.
type Config struct {
	ChunkSize         int64
	UploadConcurrency int
}

// ChunkStore writes, streams and deletes chunked objects.
type ChunkStore struct {
	blobs       BlobStore
	meta        MetadataStore
	chunkSize   int64
	concurrency int
	log         logrus.FieldLogger
	now         func() time.Time
}

// New creates a ChunkStore.
func New(blobs BlobStore, meta MetadataStore, cfg Config, log logrus.FieldLogger) *ChunkStore {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = chunker.DefaultChunkSize
	}
	if cfg.UploadConcurrency <= 0 {
		cfg.UploadConcurrency = 1
	}
	return &ChunkStore{
		blobs:       blobs,
		meta:        meta,
		chunkSize:   cfg.ChunkSize,
		concurrency: cfg.UploadConcurrency,
		log:         log.WithField("component", "chunkstore"),
		now:         time.Now,
	}
}

// ChunkSize returns the size new objects are sliced into.
func (s *ChunkStore) ChunkSize() int64 {
	return s.chunkSize
}

// BlobPrefix is the blob key prefix shared by every chunk of an object.
func BlobPrefix(objectID string) string {
	return "chunks/" + objectID + "/"
}

// BlobKey is the blob key of one chunk.
func BlobKey(objectID string, sequence int) string {
	return BlobPrefix(objectID) + strconv.Itoa(sequence)
}

// WriteOptions describe the object being written.
type WriteOptions struct {
	Filename    string
	ContentType string
}

// Write stores r as a new object and returns its committed record. On any
// failure the chunks written so far are discarded and the returned error
// matches ErrIngestion as well as the underlying cause.
func (s *ChunkStore) Write(ctx context.Context, r io.Reader, opts WriteOptions) (*models.Object, error) {
	objectID := uuid.NewString()
	ctx, span := tracer.Start(ctx, "chunkstore.write",
		trace.WithAttributes(
			attribute.String("object_id", objectID),
			attribute.String("filename", opts.Filename),
		),
	)
	defer span.End()

	object, err := s.write(ctx, objectID, r, opts)
	if err != nil {
		span.RecordError(err)
		s.discard(ctx, objectID, err)
		return nil, fmt.Errorf("%w: object %s: %w", ErrIngestion, objectID, err)
	}

	span.SetAttributes(
		attribute.Int64("length", object.Length),
		attribute.Int("chunk_count", object.ChunkCount()),
	)
	return object, nil
}

func (s *ChunkStore) write(ctx context.Context, objectID string, r io.Reader, opts WriteOptions) (*models.Object, error) {
	// uploads run in the background while the next chunk is read, bounded
	// by the group limit
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	stream := chunker.NewChunker(r, s.chunkSize)
	var (
		chunks  []*models.Chunk
		readErr error
	)
	for gctx.Err() == nil {
		data, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			readErr = err
			break
		}

		chunk := &models.Chunk{
			ObjectID: objectID,
			Sequence: data.Sequence,
			Size:     data.Size,
			Hash:     data.Hash,
			BlobKey:  BlobKey(objectID, data.Sequence),
		}
		chunks = append(chunks, chunk)
		g.Go(func() error {
			return s.blobs.PutChunk(gctx, chunk.BlobKey, data.Data)
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if readErr != nil {
		return nil, readErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	contentType := opts.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}
	object := &models.Object{
		ID:          objectID,
		Length:      stream.Total(),
		ChunkSize:   s.chunkSize,
		ContentType: contentType,
		Filename:    opts.Filename,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.meta.CreateObject(ctx, object, chunks); err != nil {
		return nil, err
	}
	return object, nil
}

// discard removes whatever a failed write left behind.
func (s *ChunkStore) discard(ctx context.Context, objectID string, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	log := s.log.WithFields(logrus.Fields{
		"object_id": objectID,
		"operation": "write",
	})
	if err := s.Delete(ctx, objectID); err != nil {
		log.WithError(err).WithField("cause", cause.Error()).Error("failed to discard partial object")
		return
	}
	log.WithError(cause).Warn("discarded partial object")
}

// Delete removes the object record, its chunk index and every chunk body.
// It is safe to call for objects that are partially or entirely missing.
func (s *ChunkStore) Delete(ctx context.Context, objectID string) error {
	ctx, span := tracer.Start(ctx, "chunkstore.delete",
		trace.WithAttributes(attribute.String("object_id", objectID)),
	)
	defer span.End()

	if err := s.meta.DeleteObject(ctx, objectID); err != nil {
		span.RecordError(err)
		return errors.Annotatef(err, "deleting metadata of object %s", objectID)
	}
	if err := s.blobs.RemovePrefix(ctx, BlobPrefix(objectID)); err != nil {
		span.RecordError(err)
		return errors.Annotatef(err, "deleting chunks of object %s", objectID)
	}
	return nil
}

// Lookup returns the catalog record of an object.
func (s *ChunkStore) Lookup(ctx context.Context, objectID string) (*models.Object, error) {
	return s.meta.GetObject(ctx, objectID)
}

// LookupMany returns the catalog records of the given objects, skipping
// unknown ids.
func (s *ChunkStore) LookupMany(ctx context.Context, objectIDs []string) ([]*models.Object, error) {
	return s.meta.GetObjects(ctx, objectIDs)
}

// Exists reports whether an object record exists.
func (s *ChunkStore) Exists(ctx context.Context, objectID string) (bool, error) {
	_, err := s.meta.GetObject(ctx, objectID)
	if errors.Is(err, errors.NotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Open prepares a stream over the chunks of an object. The chunk index is
// checked up front so a broken object fails with ErrCorruption before any
// byte is served; chunk bodies are not read until the first call to Next.
func (s *ChunkStore) Open(ctx context.Context, objectID string) (*ObjectStream, error) {
	streamCtx := ctx
	ctx, span := tracer.Start(ctx, "chunkstore.open",
		trace.WithAttributes(attribute.String("object_id", objectID)),
	)
	defer span.End()

	object, err := s.meta.GetObject(ctx, objectID)
	if err != nil {
		return nil, err
	}
	chunks, err := s.meta.GetChunks(ctx, objectID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("chunk_count", len(chunks)))
	if err := checkIndex(object, chunks); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return newObjectStream(streamCtx, s.blobs, object, chunks), nil
}
