package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/HaddajiForks/Savage-Files/internal/metrics"
	"github.com/HaddajiForks/Savage-Files/internal/service"
)

// NewRouter wires every route of the file service.
func NewRouter(svc *service.Service, auth Authenticator, log logrus.FieldLogger) *mux.Router {
	writeHandler := NewWriteHandler(svc, auth, log)
	readHandler := NewReadHandler(svc, auth, log)

	router := mux.NewRouter()
	router.Use(metrics.Middleware)

	// Health check endpoint (no tracing needed)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	traced := func(path, method string, h http.HandlerFunc) {
		router.Handle(path, otelhttp.NewHandler(h, method+" "+path)).Methods(method)
	}
	traced("/files", http.MethodPost, writeHandler.UploadMultipart)
	traced("/files", http.MethodPut, writeHandler.UploadRaw)
	traced("/files", http.MethodGet, readHandler.List)
	traced("/files/{handle}", http.MethodGet, readHandler.Download)
	traced("/files/{handle}", http.MethodDelete, writeHandler.Delete)
	traced("/storage", http.MethodGet, readHandler.Storage)
	traced("/download/{handle}", http.MethodGet, readHandler.DownloadPublic)
	traced("/inspect/{handle}", http.MethodGet, readHandler.Inspect)

	return router
}
