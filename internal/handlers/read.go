package handlers

import (
	"context"
	"mime"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/HaddajiForks/Savage-Files/internal/service"
)

// ReadHandler serves listings, usage reports and file contents.
type ReadHandler struct {
	svc  *service.Service
	auth Authenticator
	log  logrus.FieldLogger
}

// NewReadHandler creates a new read handler
func NewReadHandler(svc *service.Service, auth Authenticator, log logrus.FieldLogger) *ReadHandler {
	return &ReadHandler{
		svc:  svc,
		auth: auth,
		log:  log.WithField("component", "read_handler"),
	}
}

type listResponse struct {
	Files []service.FileEntry `json:"files"`
	Count int                 `json:"count"`
}

// List handles GET /files.
func (rh *ReadHandler) List(w http.ResponseWriter, r *http.Request) {
	owner, err := rh.auth.Owner(r)
	if err != nil {
		writeError(w, rh.log, err, scoped)
		return
	}
	files, err := rh.svc.List(r.Context(), owner)
	if err != nil {
		writeError(w, rh.log.WithField("owner_id", owner), err, scoped)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Files: files, Count: len(files)})
}

// Storage handles GET /storage.
func (rh *ReadHandler) Storage(w http.ResponseWriter, r *http.Request) {
	owner, err := rh.auth.Owner(r)
	if err != nil {
		writeError(w, rh.log, err, scoped)
		return
	}
	report, err := rh.svc.StorageUsage(r.Context(), owner)
	if err != nil {
		writeError(w, rh.log.WithField("owner_id", owner), err, scoped)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Download handles GET /files/{handle} for the owner of the file.
func (rh *ReadHandler) Download(w http.ResponseWriter, r *http.Request) {
	owner, err := rh.auth.Owner(r)
	if err != nil {
		writeError(w, rh.log, err, scoped)
		return
	}
	rh.serve(w, r, "download_file", scoped, "attachment", func(ctx context.Context, objectID string) (*service.Download, error) {
		return rh.svc.DownloadScoped(ctx, objectID, owner)
	})
}

// DownloadPublic handles GET /download/{handle}, the shareable link.
func (rh *ReadHandler) DownloadPublic(w http.ResponseWriter, r *http.Request) {
	rh.serve(w, r, "download_public", public, "attachment", rh.svc.DownloadPublic)
}

// Inspect handles GET /inspect/{handle}, rendering the file inline.
func (rh *ReadHandler) Inspect(w http.ResponseWriter, r *http.Request) {
	rh.serve(w, r, "inspect_file", public, "inline", rh.svc.Inspect)
}

func (rh *ReadHandler) serve(
	w http.ResponseWriter,
	r *http.Request,
	operation string,
	v visibility,
	disposition string,
	open func(ctx context.Context, objectID string) (*service.Download, error),
) {
	ctx, span := tracer.Start(r.Context(), operation,
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	objectID, err := rh.svc.ObjectID(mux.Vars(r)["handle"])
	if err != nil {
		writeError(w, rh.log, err, v)
		return
	}
	log := rh.log.WithFields(logrus.Fields{"object_id": objectID, "operation": operation})
	span.SetAttributes(attribute.String("object_id", objectID))

	download, err := open(ctx, objectID)
	if err != nil {
		span.RecordError(err)
		writeError(w, log, err, v)
		return
	}
	defer download.Close()

	object := download.Object
	span.SetAttributes(
		attribute.Int64("file_size", object.Length),
		attribute.Int("chunk_count", object.ChunkCount()),
	)
	w.Header().Set("Content-Type", object.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(object.Length, 10))
	w.Header().Set("Content-Disposition", contentDisposition(disposition, object.Filename))
	w.WriteHeader(http.StatusOK)

	// the status is already sent; a short body is all the client gets
	written, err := download.Stream.WriteTo(w)
	if err != nil {
		span.RecordError(err)
		log.WithError(err).WithField("written", written).Error("stream ended early")
	}
}

func contentDisposition(disposition, filename string) string {
	if filename == "" {
		filename = "downloaded-file"
	}
	if v := mime.FormatMediaType(disposition, map[string]string{"filename": filename}); v != "" {
		return v
	}
	return disposition
}
