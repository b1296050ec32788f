package api

import (
	"encoding/json"
	"net/http"

	"github.com/parkgrid/parking/internal/fault"
)

type errBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errEnvelope struct {
	OK    bool    `json:"ok"`
	Error errBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeErr renders the error envelope with the status mapped from the fault
// kind. The code travels verbatim so gate reconcilers can match on it.
func writeErr(w http.ResponseWriter, err error) {
	writeJSON(w, fault.HTTPStatus(err), errEnvelope{
		Error: errBody{Code: fault.CodeOf(err), Message: fault.MessageOf(err)},
	})
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fault.Wrap(fault.BadInput, "BAD_BODY", err)
	}
	return nil
}
