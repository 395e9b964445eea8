package service

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/juju/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/HaddajiForks/Savage-Files/internal/filestore"
	"github.com/HaddajiForks/Savage-Files/internal/metrics"
	"github.com/HaddajiForks/Savage-Files/internal/models"
)

// Download is an opened file ready to be streamed. The caller must Close it.
type Download struct {
	Object *models.Object
	Stream *filestore.ObjectStream
}

func (d *Download) Close() error {
	return d.Stream.Close()
}

// DownloadScoped opens a file on behalf of its owner. A file that does not
// exist and a file owned by someone else fail alike with NotFound or
// Unauthorized, which callers must not tell apart.
func (s *Service) DownloadScoped(ctx context.Context, objectID, ownerID string) (*Download, error) {
	ctx, span := tracer.Start(ctx, "service.download_scoped",
		trace.WithAttributes(
			attribute.String("object_id", objectID),
			attribute.String("owner_id", ownerID),
		),
	)
	defer span.End()

	if _, err := s.ownership.FindByObjectAndOwner(ctx, objectID, ownerID); err != nil {
		return nil, err
	}
	return s.open(ctx, objectID, models.CounterDownloads, metrics.RetrievalScoped, s.logger("download", objectID, ownerID))
}

// DownloadPublic opens a file by id alone, for shared links.
func (s *Service) DownloadPublic(ctx context.Context, objectID string) (*Download, error) {
	ctx, span := tracer.Start(ctx, "service.download_public",
		trace.WithAttributes(attribute.String("object_id", objectID)),
	)
	defer span.End()

	return s.open(ctx, objectID, models.CounterDownloads, metrics.RetrievalPublic, s.logger("download_public", objectID, ""))
}

// Inspect opens a file by id alone for inline display.
func (s *Service) Inspect(ctx context.Context, objectID string) (*Download, error) {
	ctx, span := tracer.Start(ctx, "service.inspect",
		trace.WithAttributes(attribute.String("object_id", objectID)),
	)
	defer span.End()

	return s.open(ctx, objectID, models.CounterViews, metrics.RetrievalInspect, s.logger("inspect", objectID, ""))
}

// open opens the stream first so that a counter is only bumped for files
// that can actually be served.
func (s *Service) open(ctx context.Context, objectID string, counter models.Counter, kind string, log logrus.FieldLogger) (*Download, error) {
	stream, err := s.store.Open(ctx, objectID)
	if err != nil {
		if !errors.Is(err, errors.NotFound) {
			log.WithError(err).Error("failed to open file")
		}
		return nil, err
	}
	if err := s.ownership.IncrementCounter(ctx, objectID, counter); err != nil {
		_ = stream.Close()
		if errors.Is(err, errors.NotFound) {
			// committed but never owned
			return nil, errors.NotFoundf("file %s", objectID)
		}
		log.WithError(err).Error("failed to count retrieval")
		return nil, errors.Annotatef(err, "counting %s of %s", counter, objectID)
	}
	metrics.RetrievalsTotal.WithLabelValues(kind).Inc()
	return &Download{Object: stream.Object(), Stream: stream}, nil
}

// Delete removes a file owned by ownerID. The ownership record goes first;
// if removing the object afterwards fails it is reported and left as an
// orphan for the janitor.
func (s *Service) Delete(ctx context.Context, objectID, ownerID string) error {
	ctx, span := tracer.Start(ctx, "service.delete",
		trace.WithAttributes(
			attribute.String("object_id", objectID),
			attribute.String("owner_id", ownerID),
		),
	)
	defer span.End()
	log := s.logger("delete", objectID, ownerID)

	if _, err := s.ownership.FindByObjectAndOwner(ctx, objectID, ownerID); err != nil {
		return err
	}
	if err := s.ownership.DeleteRecord(ctx, objectID); err != nil {
		span.RecordError(err)
		return errors.Annotatef(err, "deleting record of %s", objectID)
	}
	if err := s.store.Delete(ctx, objectID); err != nil {
		span.RecordError(err)
		metrics.OrphansTotal.WithLabelValues("delete").Inc()
		log.WithError(err).WithField("orphan", true).Error("record deleted but object remains")
		return errors.Annotatef(err, "deleting object %s", objectID)
	}
	log.Info("file deleted")
	return nil
}

// FileEntry is one row of an owner's file listing.
type FileEntry struct {
	Handle    string    `json:"id"`
	Filename  string    `json:"filename"`
	Views     int64     `json:"views"`
	Downloads int64     `json:"downloads"`
	Size      string    `json:"size"`
	Length    int64     `json:"length"`
	CreatedAt time.Time `json:"createdAt"`
}

// List returns the files of an owner in upload order.
func (s *Service) List(ctx context.Context, ownerID string) ([]FileEntry, error) {
	ctx, span := tracer.Start(ctx, "service.list",
		trace.WithAttributes(attribute.String("owner_id", ownerID)),
	)
	defer span.End()

	records, err := s.ownership.ListByOwner(ctx, ownerID)
	if err != nil {
		span.RecordError(err)
		return nil, errors.Annotatef(err, "listing files of %s", ownerID)
	}
	ids := make([]string, len(records))
	for i, record := range records {
		ids[i] = record.ObjectID
	}
	objects, err := s.store.LookupMany(ctx, ids)
	if err != nil {
		span.RecordError(err)
		return nil, errors.Annotatef(err, "resolving files of %s", ownerID)
	}
	byID := make(map[string]*models.Object, len(objects))
	for _, object := range objects {
		byID[object.ID] = object
	}

	entries := make([]FileEntry, 0, len(records))
	for _, record := range records {
		object, ok := byID[record.ObjectID]
		if !ok {
			s.logger("list", record.ObjectID, ownerID).Warn("ownership record without object")
			continue
		}
		entries = append(entries, FileEntry{
			Handle:    s.codec.Encode(record.ObjectID),
			Filename:  record.DisplayName,
			Views:     record.Views,
			Downloads: record.Downloads,
			Size:      record.FormattedSize,
			Length:    object.Length,
			CreatedAt: object.CreatedAt,
		})
	}
	return entries, nil
}

// StoredFile is one file in a storage report.
type StoredFile struct {
	Handle      string    `json:"id"`
	Filename    string    `json:"filename"`
	Size        int64     `json:"size"`
	UploadDate  time.Time `json:"uploadDate"`
	ContentType string    `json:"contentType"`
}

// StorageReport summarizes what an owner stores against the limit.
type StorageReport struct {
	Used            int64        `json:"used"`
	Total           int64        `json:"total"`
	FileCount       int          `json:"fileCount"`
	UsagePercentage float64      `json:"usagePercentage"`
	UsedHuman       string       `json:"usedHuman"`
	TotalHuman      string       `json:"totalHuman"`
	Files           []StoredFile `json:"files"`
}

// StorageUsage reports the storage used by an owner.
func (s *Service) StorageUsage(ctx context.Context, ownerID string) (*StorageReport, error) {
	usage, err := s.guard.Usage(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	report := &StorageReport{
		Used:       usage.Used,
		Total:      usage.Limit,
		FileCount:  usage.FileCount,
		UsedHuman:  humanize.IBytes(uint64(usage.Used)),
		TotalHuman: humanize.IBytes(uint64(usage.Limit)),
		Files:      make([]StoredFile, 0, len(usage.Files)),
	}
	if usage.Limit > 0 {
		report.UsagePercentage = float64(usage.Used) / float64(usage.Limit) * 100
	}
	for _, object := range usage.Files {
		report.Files = append(report.Files, StoredFile{
			Handle:      s.codec.Encode(object.ID),
			Filename:    object.Filename,
			Size:        object.Length,
			UploadDate:  object.CreatedAt,
			ContentType: object.ContentType,
		})
	}
	return report, nil
}
