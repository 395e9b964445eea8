// Package quota enforces the per-owner storage ceiling.
//
// Usage is recomputed from the ownership index and the object catalog on
// every check, so there is no running counter that can drift from what is
// actually stored.
package quota

import (
	"context"
	"fmt"

	"github.com/juju/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/HaddajiForks/Savage-Files/internal/models"
)

// DefaultLimit is the storage ceiling of every owner: 1 GiB.
const DefaultLimit int64 = 1 << 30

var tracer = otel.Tracer("savage-files-quota")

// OwnershipLister lists the records of one owner.
type OwnershipLister interface {
	ListByOwner(ctx context.Context, ownerID string) ([]*models.OwnershipRecord, error)
}

// Catalog resolves object records.
type Catalog interface {
	LookupMany(ctx context.Context, objectIDs []string) ([]*models.Object, error)
}

// QuotaExceededError reports a rejected admission.
type QuotaExceededError struct {
	CurrentUsage int64
	Limit        int64
	FileSize     int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("storage limit exceeded: %d bytes used of %d, file needs %d", e.CurrentUsage, e.Limit, e.FileSize)
}

// Is makes the error match errors.QuotaLimitExceeded.
func (e *QuotaExceededError) Is(target error) bool {
	return target == errors.QuotaLimitExceeded
}

// Admission is the outcome of a successful Admit.
type Admission struct {
	Used  int64
	Limit int64
}

// Remaining is how many more bytes the owner may store.
func (a *Admission) Remaining() int64 {
	if a.Used >= a.Limit {
		return 0
	}
	return a.Limit - a.Used
}

// Guard computes usage and admits or rejects new uploads.
type Guard struct {
	ownership OwnershipLister
	catalog   Catalog
	limit     int64
}

// NewGuard returns a Guard enforcing limit bytes per owner.
func NewGuard(ownership OwnershipLister, catalog Catalog, limit int64) *Guard {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Guard{
		ownership: ownership,
		catalog:   catalog,
		limit:     limit,
	}
}

// Limit returns the per-owner ceiling.
func (g *Guard) Limit() int64 {
	return g.limit
}

// Usage returns what the owner stores right now.
func (g *Guard) Usage(ctx context.Context, ownerID string) (*models.StorageUsage, error) {
	ctx, span := tracer.Start(ctx, "quota.usage",
		trace.WithAttributes(attribute.String("owner_id", ownerID)),
	)
	defer span.End()

	records, err := g.ownership.ListByOwner(ctx, ownerID)
	if err != nil {
		span.RecordError(err)
		return nil, errors.Annotatef(err, "listing files of %s", ownerID)
	}
	usage := &models.StorageUsage{Limit: g.limit, Files: []*models.Object{}}
	if len(records) == 0 {
		return usage, nil
	}

	ids := make([]string, len(records))
	for i, record := range records {
		ids[i] = record.ObjectID
	}
	objects, err := g.catalog.LookupMany(ctx, ids)
	if err != nil {
		span.RecordError(err)
		return nil, errors.Annotatef(err, "resolving files of %s", ownerID)
	}
	for _, object := range objects {
		usage.Used += object.Length
	}
	usage.Files = objects
	usage.FileCount = len(objects)

	span.SetAttributes(
		attribute.Int64("used", usage.Used),
		attribute.Int("file_count", usage.FileCount),
	)
	return usage, nil
}

// UsedBytes returns the sum of the lengths of every object the owner holds.
func (g *Guard) UsedBytes(ctx context.Context, ownerID string) (int64, error) {
	usage, err := g.Usage(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	return usage.Used, nil
}

// Admit allows an upload of incoming bytes when it fits under the limit and
// returns *QuotaExceededError otherwise. A negative size means unknown and
// is checked as zero; the caller must enforce Remaining while streaming.
func (g *Guard) Admit(ctx context.Context, ownerID string, incoming int64) (*Admission, error) {
	used, err := g.UsedBytes(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if incoming < 0 {
		incoming = 0
	}
	if used+incoming > g.limit {
		return nil, &QuotaExceededError{
			CurrentUsage: used,
			Limit:        g.limit,
			FileSize:     incoming,
		}
	}
	return &Admission{Used: used, Limit: g.limit}, nil
}
