package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/juju/errors"
	"github.com/sirupsen/logrus"

	"github.com/HaddajiForks/Savage-Files/internal/filestore"
	"github.com/HaddajiForks/Savage-Files/internal/quota"
)

const (
	msgScopedNotFound = "file not found or access denied"
	msgNotFound       = "file not found"
	msgCorrupted      = "file is damaged and cannot be served"
)

// visibility decides how much a not found response may reveal.
type visibility int

const (
	public visibility = iota
	scoped
)

type errorResponse struct {
	Error string `json:"error"`
}

type quotaResponse struct {
	Error        string `json:"error"`
	CurrentUsage int64  `json:"currentUsage"`
	Limit        int64  `json:"limit"`
	FileSize     int64  `json:"fileSize"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError translates err into a status and JSON body. On scoped routes
// a missing file and a file of another owner produce identical responses.
func writeError(w http.ResponseWriter, log logrus.FieldLogger, err error, v visibility) {
	var exceeded *quota.QuotaExceededError
	switch {
	case errors.Is(err, ErrUnauthenticated):
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: err.Error()})
	case errors.Is(err, errors.NotValid):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, errors.NotFound), errors.Is(err, errors.Unauthorized):
		msg := msgNotFound
		if v == scoped {
			msg = msgScopedNotFound
		}
		writeJSON(w, http.StatusNotFound, errorResponse{Error: msg})
	case errors.As(err, &exceeded):
		writeJSON(w, http.StatusRequestEntityTooLarge, quotaResponse{
			Error:        "Storage limit exceeded",
			CurrentUsage: exceeded.CurrentUsage,
			Limit:        exceeded.Limit,
			FileSize:     exceeded.FileSize,
		})
	case errors.Is(err, errors.Timeout):
		log.WithError(err).Warn("owner lock busy")
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "storage busy, retry later"})
	case errors.Is(err, filestore.ErrCorruption):
		log.WithError(err).Error("refusing to serve corrupted file")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: msgCorrupted})
	default:
		log.WithError(err).Error("request failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}
