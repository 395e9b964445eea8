package handlers

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/juju/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/HaddajiForks/Savage-Files/internal/service"
)

var tracer = otel.Tracer("savage-files-handlers")

// SizeHeader optionally announces the length of a multipart file part.
const SizeHeader = "X-File-Size"

// WriteHandler handles uploads and deletions.
type WriteHandler struct {
	svc  *service.Service
	auth Authenticator
	log  logrus.FieldLogger
}

// NewWriteHandler creates a new write handler
func NewWriteHandler(svc *service.Service, auth Authenticator, log logrus.FieldLogger) *WriteHandler {
	return &WriteHandler{
		svc:  svc,
		auth: auth,
		log:  log.WithField("component", "write_handler"),
	}
}

// UploadMultipart handles POST /files. The "file" part is streamed into
// storage without being buffered.
func (wh *WriteHandler) UploadMultipart(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "upload_multipart",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	owner, err := wh.auth.Owner(r)
	if err != nil {
		writeError(w, wh.log, err, scoped)
		return
	}
	declared, err := declaredSize(r.Header.Get(SizeHeader))
	if err != nil {
		writeError(w, wh.log, err, scoped)
		return
	}

	reader, err := r.MultipartReader()
	if err != nil {
		writeError(w, wh.log, errors.NewNotValid(err, "multipart body"), scoped)
		return
	}
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			writeError(w, wh.log, errors.NotValidf("upload without file part"), scoped)
			return
		}
		if err != nil {
			writeError(w, wh.log, errors.NewNotValid(err, "multipart body"), scoped)
			return
		}
		if part.FormName() != "file" {
			part.Close()
			continue
		}

		span.SetAttributes(attribute.String("file_name", part.FileName()))
		result, err := wh.svc.Ingest(ctx, service.UploadRequest{
			OwnerID:      owner,
			Filename:     part.FileName(),
			ContentType:  part.Header.Get("Content-Type"),
			DeclaredSize: declared,
			Body:         part,
		})
		part.Close()
		if err != nil {
			span.RecordError(err)
			writeError(w, wh.log.WithField("owner_id", owner), err, scoped)
			return
		}
		writeJSON(w, http.StatusCreated, result)
		return
	}
}

// UploadRaw handles PUT /files?name=filename with the file as the body.
func (wh *WriteHandler) UploadRaw(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "upload_raw",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	owner, err := wh.auth.Owner(r)
	if err != nil {
		writeError(w, wh.log, err, scoped)
		return
	}
	filename := r.URL.Query().Get("name")
	if filename == "" {
		writeError(w, wh.log, errors.NotValidf("missing 'name' query parameter"), scoped)
		return
	}
	span.SetAttributes(attribute.String("file_name", filename))

	declared := r.ContentLength
	if declared < 0 {
		declared = service.UnknownSize
	}
	result, err := wh.svc.Ingest(ctx, service.UploadRequest{
		OwnerID:      owner,
		Filename:     filename,
		ContentType:  r.Header.Get("Content-Type"),
		DeclaredSize: declared,
		Body:         r.Body,
	})
	if err != nil {
		span.RecordError(err)
		writeError(w, wh.log.WithField("owner_id", owner), err, scoped)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// Delete handles DELETE /files/{handle}.
func (wh *WriteHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "delete_file",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	owner, err := wh.auth.Owner(r)
	if err != nil {
		writeError(w, wh.log, err, scoped)
		return
	}
	objectID, err := wh.svc.ObjectID(mux.Vars(r)["handle"])
	if err != nil {
		writeError(w, wh.log, err, scoped)
		return
	}
	if err := wh.svc.Delete(ctx, objectID, owner); err != nil {
		span.RecordError(err)
		writeError(w, wh.log.WithFields(logrus.Fields{"owner_id": owner, "object_id": objectID}), err, scoped)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "file deleted"})
}

func declaredSize(header string) (int64, error) {
	if header == "" {
		return service.UnknownSize, nil
	}
	size, err := strconv.ParseInt(header, 10, 64)
	if err != nil || size < 0 {
		return 0, errors.NotValidf("%s %q", SizeHeader, header)
	}
	return size, nil
}
