package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

// internalErrorBody is written when a response cannot be encoded.
var internalErrorBody = mustMarshal(models.Error("Internal server error"))

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// writeJSON encodes body before touching the headers so an encoding failure
// still yields a well-formed 500.
func writeJSON(w http.ResponseWriter, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		slog.Error("api.writeJSON: encode failed", "status", status, "error", err)
		data, status = internalErrorBody, http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		slog.Debug("api.writeJSON: client went away", "error", err)
	}
}
