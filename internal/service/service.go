// Package service ties the chunk store, the ownership index and the quota
// guard into the operations exposed to users: uploading, listing,
// downloading, inspecting and deleting files.
package service

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/HaddajiForks/Savage-Files/internal/filestore"
	"github.com/HaddajiForks/Savage-Files/internal/handle"
	"github.com/HaddajiForks/Savage-Files/internal/lock"
	"github.com/HaddajiForks/Savage-Files/internal/models"
	"github.com/HaddajiForks/Savage-Files/internal/quota"
)

var tracer = otel.Tracer("savage-files-service")

// cleanupTimeout bounds compensating deletes, which must finish even when
// the request that triggered them is gone.
const cleanupTimeout = 30 * time.Second

// OwnershipIndex maps objects to the owners that uploaded them and keeps
// per-file usage counters.
type OwnershipIndex interface {
	// RecordOwnership fails with AlreadyExists when the object already has
	// an owner.
	RecordOwnership(ctx context.Context, record *models.OwnershipRecord) error
	// ListByOwner returns records in upload order.
	ListByOwner(ctx context.Context, ownerID string) ([]*models.OwnershipRecord, error)
	// FindByObjectAndOwner fails with NotFound when the object has no
	// record and Unauthorized when it belongs to someone else.
	FindByObjectAndOwner(ctx context.Context, objectID, ownerID string) (*models.OwnershipRecord, error)
	// IncrementCounter fails with NotFound when the object has no record.
	IncrementCounter(ctx context.Context, objectID string, counter models.Counter) error
	// DeleteRecord fails with NotFound when the object has no record.
	DeleteRecord(ctx context.Context, objectID string) error
}

// Service implements the file operations of one deployment.
type Service struct {
	store     *filestore.ChunkStore
	ownership OwnershipIndex
	guard     *quota.Guard
	locker    lock.Locker
	codec     *handle.Codec
	log       logrus.FieldLogger
}

// New creates a Service.
func New(
	store *filestore.ChunkStore,
	ownership OwnershipIndex,
	guard *quota.Guard,
	locker lock.Locker,
	codec *handle.Codec,
	log logrus.FieldLogger,
) *Service {
	return &Service{
		store:     store,
		ownership: ownership,
		guard:     guard,
		locker:    locker,
		codec:     codec,
		log:       log.WithField("component", "service"),
	}
}

// ObjectID resolves a handle handed out by this service.
func (s *Service) ObjectID(h string) (string, error) {
	return s.codec.Decode(h)
}

// Handle returns the handle of an object id.
func (s *Service) Handle(objectID string) string {
	return s.codec.Encode(objectID)
}

func (s *Service) logger(operation, objectID, ownerID string) logrus.FieldLogger {
	fields := logrus.Fields{"operation": operation}
	if objectID != "" {
		fields["object_id"] = objectID
	}
	if ownerID != "" {
		fields["owner_id"] = ownerID
	}
	return s.log.WithFields(fields)
}
