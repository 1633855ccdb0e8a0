package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tickerwell/ingest/internal/apperror"
	"github.com/tickerwell/ingest/internal/market"
	"github.com/tickerwell/ingest/internal/store"
)

const dateFormat = market.DateFormat

type handler struct {
	deps Deps
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) listSources(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Registry.Sources())
}

// runBatch executes a batch synchronously and returns the full report. The
// caller resubmits failed identifiers if it wants retries.
func (h *handler) runBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if appErr := req.Validate(); appErr != nil {
		writeError(w, appErr.HTTPStatus(), appErr.Message())
		return
	}

	adapter, err := h.deps.Registry.Get(req.Source)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	report, runErr := h.deps.Orchestrator.Run(r.Context(), adapter, req.Table, req.Items())
	if runErr != nil && report == nil {
		writeError(w, http.StatusBadRequest, runErr.Error())
		return
	}

	// Save may fail too when the backend is down; the run itself finished,
	// so losing the audit row is not worth failing the response over. The
	// status reflects the run outcome either way.
	_ = h.deps.Batches.Save(r.Context(), report)

	if runErr != nil && errors.Is(runErr, store.ErrUnavailable) {
		writeJSON(w, http.StatusServiceUnavailable, report)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *handler) getBatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	report, err := h.deps.Batches.Get(r.Context(), id)
	if err != nil {
		var ae *apperror.AppError
		if errors.As(err, &ae) {
			writeError(w, ae.HTTPStatus(), ae.Message())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *handler) listBatches(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}

	list, err := h.deps.Batches.List(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handler) getRecords(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(r.PathValue("symbol"))

	table := r.URL.Query().Get("table")
	if !store.ValidTableName(table) {
		writeError(w, http.StatusBadRequest, "table query parameter is required and must be a valid table name")
		return
	}

	startStr := r.URL.Query().Get("startDate")
	if startStr == "" {
		writeError(w, http.StatusBadRequest, "startDate is required")
		return
	}
	start, err := time.Parse(dateFormat, startStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid startDate format, expected YYYY-MM-DD")
		return
	}

	end := time.Now().UTC()
	if v := r.URL.Query().Get("endDate"); v != "" {
		end, err = time.Parse(dateFormat, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid endDate format, expected YYYY-MM-DD")
			return
		}
	}

	records, err := h.deps.Store.QueryRange(r.Context(), table, symbol, start, end)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrUnavailable) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err.Error())
		return
	}

	if r.URL.Query().Get("format") == "csv" {
		writeCSV(w, records)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *handler) scanImports(w http.ResponseWriter, r *http.Request) {
	if h.deps.Scanner == nil || h.deps.ImportsDir == "" {
		writeError(w, http.StatusNotFound, "artifact imports are not configured")
		return
	}

	summary, err := h.deps.Scanner.ScanDir(r.Context(), h.deps.ImportsDir)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
