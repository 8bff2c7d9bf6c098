package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/cafgpt/cafgpt/pkg/apperr"
)

// maxBodyBytes bounds inbound JSON bodies.
const maxBodyBytes = 64 << 10

// envelope wraps every JSON response.
type envelope struct {
	Success bool           `json:"success"`
	Data    any            `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
	Code    apperr.Kind    `json:"code,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(envelope{Success: true, Data: data}); err != nil {
		log.Printf("write response: %v", err)
	}
}

// writeError renders err as a failure envelope. Internal details are logged,
// never returned.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	env := envelope{Code: kind, Error: kind.UserMessage()}
	if info := auditInfoFrom(r.Context()); info != nil {
		info.errCode = kind
	}

	var e *apperr.Error
	if errors.As(err, &e) {
		env.Details = e.Details
		if kind == apperr.KindValidation {
			env.Error = e.Message
		}
	}
	if kind == apperr.KindInternal || kind == apperr.KindAI {
		log.Printf("request %s %s %s failed: %v", requestID(r.Context()), r.Method, r.URL.Path, err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(kind.HTTPStatus())
	if err := json.NewEncoder(w).Encode(env); err != nil {
		log.Printf("write response: %v", err)
	}
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperr.Validation("request body exceeds %d bytes", maxBodyBytes)
		}
		return apperr.Validation("invalid request body")
	}
	return nil
}
