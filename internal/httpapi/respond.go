package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"ssocore.org/internal/sentinel"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeCodedError(w, r, code, "", msg)
}

func writeCodedError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	body := map[string]any{"error": msg}
	if code != "" {
		body["code"] = code
	}
	if r != nil {
		if rid := RequestIDFromContext(r.Context()); rid != "" {
			body["request_id"] = rid
		}
	}
	writeJSON(w, status, body)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

// decodeJSON reads a single JSON object and rejects unknown fields.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return fmt.Errorf("%w: request body too large", sentinel.ErrInvalidInput)
		}
		return fmt.Errorf("%w: %v", sentinel.ErrInvalidInput, err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: request body must contain a single object", sentinel.ErrInvalidInput)
	}
	return nil
}
