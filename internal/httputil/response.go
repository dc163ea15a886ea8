package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	apperrors "github.com/rollcall/ble-attendance/internal/errors"
)

func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Debug().Err(err).Msg("failed to encode response")
	}
}

// ErrorResponse is the standard error response format
type ErrorResponse struct {
	Error       string              `json:"error"`
	Code        apperrors.ErrorCode `json:"code"`
	Recoverable bool                `json:"recoverable"`
	Action      apperrors.Action    `json:"action,omitempty"`
	Details     any                 `json:"details,omitempty"`
}

// WriteError writes an AppError as an HTTP response with appropriate status code
func WriteError(w http.ResponseWriter, err error) {
	appErr, ok := apperrors.AsAppError(err)
	if !ok {
		log.Error().Err(err).Msg("unhandled error")
		appErr = apperrors.Internal("An unexpected error occurred")
	} else if StatusFromCode(appErr.Code) >= http.StatusInternalServerError {
		log.Error().Err(err).Str("code", string(appErr.Code)).Msg("request failed")
	}

	WriteErrorWithStatus(w, StatusFromCode(appErr.Code), appErr)
}

// WriteErrorWithStatus writes an error with a specific HTTP status code
func WriteErrorWithStatus(w http.ResponseWriter, status int, err *apperrors.AppError) {
	response := ErrorResponse{
		Error:       err.Message,
		Code:        err.Code,
		Recoverable: err.Recoverable,
		Action:      err.Action,
		Details:     err.Details,
	}
	WriteJSON(w, status, response)
}

// StatusFromCode maps ErrorCode to HTTP status code
func StatusFromCode(code apperrors.ErrorCode) int {
	switch code {
	// 400 Bad Request
	case apperrors.ErrCodeValidation,
		apperrors.ErrCodeInvalidInput,
		apperrors.ErrCodeMissingRequired,
		apperrors.ErrCodeInvalidToken:
		return http.StatusBadRequest

	// 401 Unauthorized
	case apperrors.ErrCodeUnauthorized:
		return http.StatusUnauthorized

	// 403 Forbidden
	case apperrors.ErrCodePermissionDenied,
		apperrors.ErrCodeOrganizationMismatch:
		return http.StatusForbidden

	// 404 Not Found
	case apperrors.ErrCodeNotFound,
		apperrors.ErrCodeOrganizationNotFound:
		return http.StatusNotFound

	// 409 Conflict
	case apperrors.ErrCodeConflict,
		apperrors.ErrCodeAlreadyCheckedIn,
		apperrors.ErrCodeDuplicateAttendance,
		apperrors.ErrCodeTokenCollisionRetries:
		return http.StatusConflict

	// 410 Gone
	case apperrors.ErrCodeSessionExpired:
		return http.StatusGone

	// 429 Too Many Requests
	case apperrors.ErrCodeRateLimitExceeded:
		return http.StatusTooManyRequests

	// 502 Bad Gateway
	case apperrors.ErrCodeNetwork:
		return http.StatusBadGateway

	// 500 Internal Server Error
	default:
		return http.StatusInternalServerError
	}
}
