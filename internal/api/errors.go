package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/opcua-device-simulator/internal/device"
)

// Error is the JSON body of every non-2xx response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes.
const (
	ErrCodeBadRequest     = "bad_request"
	ErrCodeNotFound       = "not_found"
	ErrCodeUnauthorized   = "unauthorised"
	ErrCodeForbidden      = "forbidden"
	ErrCodeInternal       = "internal_error"
	ErrCodeValidation     = "validation_error"
	ErrCodeUnavailable    = "unavailable"
	ErrCodeMethodNotAllow = "method_not_allowed"
)

// statusCodes is the default code for each status the API produces.
var statusCodes = map[int]string{
	http.StatusBadRequest:          ErrCodeBadRequest,
	http.StatusUnauthorized:        ErrCodeUnauthorized,
	http.StatusForbidden:           ErrCodeForbidden,
	http.StatusNotFound:            ErrCodeNotFound,
	http.StatusMethodNotAllowed:    ErrCodeMethodNotAllow,
	http.StatusInternalServerError: ErrCodeInternal,
	http.StatusServiceUnavailable:  ErrCodeUnavailable,
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes status with its default error code.
func writeError(w http.ResponseWriter, status int, message string) {
	code, ok := statusCodes[status]
	if !ok {
		code = ErrCodeInternal
	}
	writeErrorCode(w, status, code, message)
}

func writeErrorCode(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{Status: status, Code: code, Message: message})
}

// writeDeviceError maps a rejected attribute write onto a response.
// It reports false for errors that are not device validation failures.
func writeDeviceError(w http.ResponseWriter, err error) bool {
	switch {
	case errors.Is(err, device.ErrUnknownAttribute):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, device.ErrReadOnly):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, device.ErrInvalidValue):
		writeErrorCode(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
	default:
		return false
	}
	return true
}
