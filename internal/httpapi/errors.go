package httpapi

import (
	"encoding/json"
	"net/http"
)

// Error codes returned in ErrorResponse.Code.
const (
	CodeBadRequest      = "bad_request"
	CodeMissingIdentity = "missing_identity"
	CodeInvalidGender   = "invalid_gender"
	CodeInvalidReason   = "invalid_reason"
	CodeUnauthorized    = "unauthorized"
	CodeBanned          = "banned"
	CodeNotInRoom       = "not_in_room"
	CodeRoomNotFound    = "room_not_found"
	CodeRateLimited     = "rate_limited"
	CodeInternal        = "internal"
)

type ErrorResponse struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, errCode, msg string) {
	writeJSON(w, code, ErrorResponse{Code: errCode, Message: msg})
}
