package service

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/HaddajiForks/Savage-Files/internal/filestore"
	"github.com/HaddajiForks/Savage-Files/internal/metrics"
	"github.com/HaddajiForks/Savage-Files/internal/models"
	"github.com/HaddajiForks/Savage-Files/internal/quota"
)

const maxFilenameLength = 255

// UnknownSize marks an upload whose length is not declared up front.
const UnknownSize int64 = -1

// UploadRequest is one file to store on behalf of an owner.
type UploadRequest struct {
	OwnerID     string
	Filename    string
	ContentType string
	// DeclaredSize is the announced length or UnknownSize.
	DeclaredSize int64
	Body         io.Reader
}

// Validate checks the request before any work is done.
func (r *UploadRequest) Validate() error {
	if r.OwnerID == "" {
		return errors.NotValidf("missing owner")
	}
	name := strings.TrimSpace(r.Filename)
	if name == "" {
		return errors.NotValidf("empty filename")
	}
	if len(name) > maxFilenameLength {
		return errors.NotValidf("filename longer than %d bytes", maxFilenameLength)
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return errors.NotValidf("filename %q", name)
	}
	if r.Body == nil {
		return errors.NotValidf("missing file body")
	}
	if r.DeclaredSize < UnknownSize {
		return errors.NotValidf("declared size %d", r.DeclaredSize)
	}
	return nil
}

// UploadResult describes a stored file.
type UploadResult struct {
	Handle    string    `json:"fileId"`
	Filename  string    `json:"filename"`
	Size      string    `json:"size"`
	Length    int64     `json:"length"`
	CreatedAt time.Time `json:"uploadDate"`
}

// Ingest stores an upload and records its owner. Admission and the write
// itself run under the owner's lock so that concurrent uploads of one owner
// cannot jointly exceed the storage limit.
func (s *Service) Ingest(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	ctx, span := tracer.Start(ctx, "service.ingest",
		trace.WithAttributes(
			attribute.String("owner_id", req.OwnerID),
			attribute.String("filename", req.Filename),
			attribute.Int64("declared_size", req.DeclaredSize),
		),
	)
	defer span.End()

	if err := req.Validate(); err != nil {
		return nil, err
	}
	req.Filename = strings.TrimSpace(req.Filename)
	log := s.logger("ingest", "", req.OwnerID)

	release, err := s.locker.Lock(ctx, ownerLockKey(req.OwnerID))
	if err != nil {
		span.RecordError(err)
		return nil, errors.Annotatef(err, "locking storage of %s", req.OwnerID)
	}
	defer release()

	admission, err := s.guard.Admit(ctx, req.OwnerID, req.DeclaredSize)
	if errors.Is(err, errors.QuotaLimitExceeded) {
		metrics.IngestionsTotal.WithLabelValues(metrics.OutcomeRejected).Inc()
		metrics.QuotaRejections.Inc()
		log.WithError(err).Info("upload rejected before write")
		return nil, err
	}
	if err != nil {
		metrics.IngestionsTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
		span.RecordError(err)
		return nil, err
	}

	body := &quotaReader{r: req.Body, used: admission.Used, limit: admission.Limit, allowed: admission.Remaining()}
	object, err := s.store.Write(ctx, body, filestore.WriteOptions{
		Filename:    req.Filename,
		ContentType: req.ContentType,
	})
	if err != nil {
		var exceeded *quota.QuotaExceededError
		if errors.As(err, &exceeded) {
			metrics.IngestionsTotal.WithLabelValues(metrics.OutcomeRejected).Inc()
			metrics.QuotaRejections.Inc()
			log.WithError(exceeded).Info("upload rejected while streaming")
			return nil, exceeded
		}
		metrics.IngestionsTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
		span.RecordError(err)
		log.WithError(err).Error("failed to store upload")
		return nil, err
	}
	log = log.WithField("object_id", object.ID)

	record := &models.OwnershipRecord{
		ObjectID:      object.ID,
		OwnerID:       req.OwnerID,
		DisplayName:   req.Filename,
		FormattedSize: FormatSize(object.Length),
		CreatedAt:     object.CreatedAt,
	}
	if err := s.ownership.RecordOwnership(ctx, record); err != nil {
		metrics.IngestionsTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
		span.RecordError(err)
		s.compensate(ctx, object.ID, log, err)
		return nil, fmt.Errorf("%w: recording owner of object %s: %w", filestore.ErrIngestion, object.ID, err)
	}

	metrics.IngestionsTotal.WithLabelValues(metrics.OutcomeStored).Inc()
	metrics.IngestedBytes.Add(float64(object.Length))
	log.WithFields(logrus.Fields{
		"length": object.Length,
		"chunks": object.ChunkCount(),
	}).Info("file stored")

	return &UploadResult{
		Handle:    s.codec.Encode(object.ID),
		Filename:  req.Filename,
		Size:      record.FormattedSize,
		Length:    object.Length,
		CreatedAt: object.CreatedAt,
	}, nil
}

// compensate removes an object whose ownership could not be recorded. When
// that fails too the object is an orphan left for the janitor.
func (s *Service) compensate(ctx context.Context, objectID string, log logrus.FieldLogger, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if err := s.store.Delete(ctx, objectID); err != nil {
		metrics.OrphansTotal.WithLabelValues("ingest").Inc()
		log.WithError(err).WithFields(logrus.Fields{
			"orphan": true,
			"cause":  cause.Error(),
		}).Error("failed to remove object without owner")
		return
	}
	log.WithError(cause).Warn("removed object after failing to record its owner")
}

func ownerLockKey(ownerID string) string {
	return "owner:" + ownerID
}

// quotaReader fails once more than allowed bytes have been read. The rest
// of the body is then drained so that the error reports the full size the
// client attempted to upload.
type quotaReader struct {
	r       io.Reader
	used    int64
	limit   int64
	allowed int64
	read    int64
	err     error
}

func (q *quotaReader) Read(p []byte) (int, error) {
	if q.err != nil {
		return 0, q.err
	}
	// one byte past the allowance is enough to know it was crossed
	if room := q.allowed + 1 - q.read; int64(len(p)) > room {
		p = p[:room]
	}
	n, err := q.r.Read(p)
	q.read += int64(n)
	if q.read > q.allowed {
		q.err = q.exceeded()
		return n, q.err
	}
	return n, err
}

func (q *quotaReader) exceeded() error {
	rest, _ := io.Copy(io.Discard, q.r)
	return &quota.QuotaExceededError{
		CurrentUsage: q.used,
		Limit:        q.limit,
		FileSize:     q.read + rest,
	}
}
