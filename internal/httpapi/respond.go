package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/rpki-io/krillgo/internal/apperr"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// writeError maps err to the HTTP status apperr assigned it, or 500 for an
// error that never went through the apperr constructors.
func writeError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	body := errorBody{Code: string(apperr.CodeInternal), Message: err.Error()}
	if appErr, ok := apperr.As(err); ok {
		body.Code = string(appErr.Code)
		body.Message = appErr.Message
		body.Details = appErr.Details
	}
	writeJSON(w, status, body)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.InvalidRequest("malformed request body: " + err.Error())
	}
	return nil
}
