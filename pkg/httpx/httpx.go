package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/agentpact/trustcore/pkg/fault"
)

func NewRequestID() string { return "req_" + uuid.NewString() }

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func ReadJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// WriteError emits the {error, message?, hint?} body. Error codes are stable
// machine identifiers; message and hint are human-readable.
func WriteError(w http.ResponseWriter, status int, code, message, hint string) {
	body := map[string]any{"error": code}
	if message != "" {
		body["message"] = message
	}
	if hint != "" {
		body["hint"] = hint
	}
	WriteJSON(w, status, body)
}

// WriteFault maps a *fault.Error onto its HTTP status and error body. Other
// errors surface as a generic 500 without leaking internals.
func WriteFault(w http.ResponseWriter, err error) {
	var fe *fault.Error
	if errors.As(err, &fe) {
		WriteError(w, fe.HTTPStatus(), fe.Code, fe.Message, fe.Hint)
		return
	}
	WriteError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", "")
}
