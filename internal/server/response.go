package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tickerwell/ingest/internal/market"
)

type APIResponse[T any] struct {
	Message string `json:"message"`
	Data    T      `json:"data"`
}

func writeJSON[T any](w http.ResponseWriter, status int, data T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(APIResponse[T]{
		Message: "ok",
		Data:    data,
	})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(APIResponse[string]{
		Message: message,
		Data:    "",
	})
}

func writeCSV(w http.ResponseWriter, records []market.Record) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=records.csv")
	w.WriteHeader(http.StatusOK)

	_, _ = fmt.Fprintln(w, "Identifier,Date,Open,High,Low,Close,Volume")
	for _, rec := range records {
		_, _ = fmt.Fprintf(w, "%s,%s,%.6f,%.6f,%.6f,%.6f,%d\n",
			rec.Identifier,
			rec.Timestamp.Format(dateFormat),
			rec.Open,
			rec.High,
			rec.Low,
			rec.Close,
			rec.Volume,
		)
	}
}
