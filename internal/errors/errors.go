package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unique error identifier
type ErrorCode string

const (
	// Authentication & Authorization
	ErrCodeUnauthorized     ErrorCode = "UNAUTHORIZED"
	ErrCodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	ErrCodeInvalidToken     ErrorCode = "INVALID_TOKEN"

	// Validation
	ErrCodeValidation      ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidInput    ErrorCode = "INVALID_INPUT"
	ErrCodeMissingRequired ErrorCode = "MISSING_REQUIRED"

	// Resource
	ErrCodeNotFound             ErrorCode = "NOT_FOUND"
	ErrCodeOrganizationNotFound ErrorCode = "ORGANIZATION_NOT_FOUND"
	ErrCodeConflict             ErrorCode = "CONFLICT"

	// Attendance sessions
	ErrCodeSessionExpired        ErrorCode = "SESSION_EXPIRED"
	ErrCodeOrganizationMismatch  ErrorCode = "ORGANIZATION_MISMATCH"
	ErrCodeDuplicateAttendance   ErrorCode = "DUPLICATE_ATTENDANCE"
	ErrCodeAlreadyCheckedIn      ErrorCode = "ALREADY_CHECKED_IN"
	ErrCodeTokenCollisionRetries ErrorCode = "TOKEN_COLLISION"

	// Device
	ErrCodeBluetoothDisabled   ErrorCode = "BLUETOOTH_DISABLED"
	ErrCodeHardwareUnsupported ErrorCode = "HARDWARE_UNSUPPORTED"
	ErrCodePermissionsDenied   ErrorCode = "PERMISSIONS_DENIED"

	// Rate Limiting
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"

	// Internal
	ErrCodeNetwork  ErrorCode = "NETWORK_ERROR"
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
	ErrCodeDatabase ErrorCode = "DATABASE_ERROR"
	ErrCodeUnknown  ErrorCode = "UNKNOWN_ERROR"
)

// Action is the remedial step suggested to the user for an error.
type Action string

const (
	ActionNone            Action = "none"
	ActionRetry           Action = "retry"
	ActionEnableBluetooth Action = "enable_bluetooth"
	ActionOpenSettings    Action = "open_settings"
	ActionGrantPermission Action = "grant_permission"
)

// AppError is a structured error that can be returned to clients
type AppError struct {
	Code        ErrorCode `json:"code"`
	Message     string    `json:"message"`
	Recoverable bool      `json:"recoverable"`
	Action      Action    `json:"action,omitempty"`
	Details     any       `json:"details,omitempty"`
	cause       error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.cause
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(err error) *AppError {
	e.cause = err
	return e
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// WithAction marks the error as recoverable through the given action.
func (e *AppError) WithAction(action Action) *AppError {
	e.Action = action
	e.Recoverable = action != ActionNone
	return e
}

// New creates a new AppError
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Action:  ActionNone,
	}
}

// Wrap wraps an existing error with an AppError
func Wrap(code ErrorCode, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Action:  ActionNone,
		cause:   cause,
	}
}

// Common error constructors

func Unauthorized(message string) *AppError {
	return New(ErrCodeUnauthorized, message)
}

func PermissionDenied(message string) *AppError {
	return New(ErrCodePermissionDenied, message)
}

func InvalidToken(message string) *AppError {
	return New(ErrCodeInvalidToken, message)
}

func NotFound(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
}

func OrganizationNotFound() *AppError {
	return New(ErrCodeOrganizationNotFound, "Organization not found")
}

func ValidationError(message string) *AppError {
	return New(ErrCodeValidation, message)
}

func InvalidInput(field string, reason string) *AppError {
	return New(ErrCodeInvalidInput, fmt.Sprintf("Invalid %s: %s", field, reason))
}

func MissingRequired(field string) *AppError {
	return New(ErrCodeMissingRequired, fmt.Sprintf("%s is required", field))
}

func SessionExpired() *AppError {
	return New(ErrCodeSessionExpired, "This attendance session has ended")
}

func OrganizationMismatch() *AppError {
	return New(ErrCodeOrganizationMismatch, "This session belongs to a different organization")
}

func DuplicateAttendance() *AppError {
	return New(ErrCodeDuplicateAttendance, "Attendance was already submitted a moment ago")
}

func AlreadyCheckedIn() *AppError {
	return New(ErrCodeAlreadyCheckedIn, "You are already checked in to this session")
}

func BluetoothDisabled() *AppError {
	return New(ErrCodeBluetoothDisabled, "Bluetooth is turned off").WithAction(ActionEnableBluetooth)
}

func HardwareUnsupported() *AppError {
	return New(ErrCodeHardwareUnsupported, "This device does not support Bluetooth Low Energy")
}

// PermissionsDenied reports missing OS permissions. When the user chose "never ask again"
// the only way forward is the system settings screen.
func PermissionsDenied(missing []string, neverAskAgain bool) *AppError {
	action := ActionGrantPermission
	if neverAskAgain {
		action = ActionOpenSettings
	}
	return New(ErrCodePermissionsDenied, "Bluetooth permissions are required for attendance").
		WithAction(action).
		WithDetails(map[string]any{"missing": missing})
}

func RateLimitExceeded() *AppError {
	return New(ErrCodeRateLimitExceeded, "Rate limit exceeded")
}

func Network(cause error) *AppError {
	return Wrap(ErrCodeNetwork, "Could not reach the attendance service", cause).WithAction(ActionRetry)
}

func Internal(message string) *AppError {
	return New(ErrCodeInternal, message)
}

func Database(cause error) *AppError {
	return Wrap(ErrCodeDatabase, "Database error", cause)
}

// Attendance outcome tags exchanged with the backing store.
const (
	TagInvalidToken         = "invalid_token"
	TagSessionExpired       = "session_expired"
	TagOrganizationMismatch = "organization_mismatch"
	TagAlreadyCheckedIn     = "already_checked_in"
	TagDuplicateAttendance  = "duplicate_attendance"
	TagPermissionDenied     = "permission_denied"
)

// FromAttendanceTag converts a backing store outcome tag into an AppError.
// Unknown tags fall into the generic unknown bucket.
func FromAttendanceTag(tag string) *AppError {
	switch tag {
	case TagInvalidToken:
		return InvalidToken("Invalid attendance session code")
	case TagSessionExpired:
		return SessionExpired()
	case TagOrganizationMismatch:
		return OrganizationMismatch()
	case TagAlreadyCheckedIn:
		return AlreadyCheckedIn()
	case TagDuplicateAttendance:
		return DuplicateAttendance()
	case TagPermissionDenied:
		return PermissionDenied("You are not allowed to check in to this session")
	default:
		return New(ErrCodeUnknown, fmt.Sprintf("Attendance failed: %s", tag)).WithAction(ActionRetry)
	}
}

// IsAppError checks if an error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// AsAppError converts an error to an AppError if possible
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// GetCode returns the error code if the error is an AppError, otherwise returns ErrCodeInternal
func GetCode(err error) ErrorCode {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code
	}
	return ErrCodeInternal
}
