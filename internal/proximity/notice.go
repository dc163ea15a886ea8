package proximity

import (
	"github.com/rs/zerolog/log"

	apperrors "github.com/rollcall/ble-attendance/internal/errors"
)

type NoticeKind string

const (
	NoticeCheckedIn       NoticeKind = "checked_in"
	NoticeCheckInFailed   NoticeKind = "check_in_failed"
	NoticeSessionDetected NoticeKind = "session_detected"
)

// Notice is a user-facing message raised by the controller.
type Notice struct {
	Kind         NoticeKind
	Title        string
	Message      string
	SessionToken string
	Code         apperrors.ErrorCode
	Action       apperrors.Action
}

// Notifier shows notices to the user. Notify is called from the
// controller's event loop and must not block.
type Notifier interface {
	Notify(n Notice)
}

// LogNotifier writes notices to the log; used when no UI is attached.
type LogNotifier struct{}

func (LogNotifier) Notify(n Notice) {
	log.Info().
		Str("kind", string(n.Kind)).
		Str("title", n.Title).
		Str("code", string(n.Code)).
		Msg(n.Message)
}
