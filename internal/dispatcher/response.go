package dispatcher

import (
	"encoding/json"
	"net/http"
)

// writeJSON renders v as a 2xx JSON body; non-2xx responses always go
// through apierr.WriteJSON instead, never this helper.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// mustJSON marshals v for an SSE data frame. Every caller passes a
// []job.LogEntry built from our own store, so a marshal failure here would
// indicate a programming error, not bad input.
func mustJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}
