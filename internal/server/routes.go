package server

import (
	"net/http"

	"github.com/tickerwell/ingest/internal/fetch"
	"github.com/tickerwell/ingest/internal/ingest"
	"github.com/tickerwell/ingest/internal/orchestrator"
	"github.com/tickerwell/ingest/internal/repository/batches"
	"github.com/tickerwell/ingest/internal/store"
)

// Deps wires the transport to the ingestion core. Everything behind an
// interface where one exists; the handler never reaches around them.
type Deps struct {
	Registry     *fetch.Registry
	Orchestrator *orchestrator.Orchestrator
	Store        store.Engine
	Batches      *batches.Repository
	Scanner      *ingest.Scanner
	ImportsDir   string
}

// NewHandler creates the full HTTP handler with routes and middleware.
// Exported for use in tests (e.g., httptest.NewServer).
func NewHandler(deps Deps) http.Handler {
	return newMux(deps)
}

func newMux(deps Deps) http.Handler {
	h := &handler{deps: deps}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("GET /api/v1/sources", h.listSources)
	mux.HandleFunc("POST /api/v1/batches", h.runBatch)
	mux.HandleFunc("GET /api/v1/batches", h.listBatches)
	mux.HandleFunc("GET /api/v1/batches/{id}", h.getBatch)
	mux.HandleFunc("GET /api/v1/records/{symbol}", h.getRecords)
	mux.HandleFunc("POST /api/v1/imports/scan", h.scanImports)

	// Apply middleware stack: recovery -> requestID -> logging
	var handler http.Handler = mux
	handler = logging(handler)
	handler = requestID(handler)
	handler = recovery(handler)

	return handler
}
