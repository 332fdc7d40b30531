package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/renfield-ai/renfield/internal/fault"
)

// errorBody is the JSON error envelope shared by every REST endpoint.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			slog.Debug("server: response encode failed", "error", err)
		}
	}
}

// writeError maps the error's fault kind to an HTTP status and wire code.
// Internal errors keep their message out of the response.
func writeError(w http.ResponseWriter, err error) {
	kind := fault.KindOf(err)
	var body errorBody
	body.Error.Code = kind.Code()
	if kind == fault.InternalError {
		body.Error.Message = "internal error"
	} else {
		body.Error.Message = err.Error()
	}
	writeJSON(w, kind.HTTPStatus(), body)
}

// decodeJSON reads a bounded JSON request body into v.
func decodeJSON(r *http.Request, maxBytes int64, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBytes))
	if err := dec.Decode(v); err != nil {
		return fault.Wrap(fault.InputInvalid, err, "server: malformed request body")
	}
	return nil
}
