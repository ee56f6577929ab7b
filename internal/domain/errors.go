package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrRoomNotFound    = errors.New("room not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrStoreUnavailable = errors.New("store unavailable")
)

// RejectionCode is the machine-readable reason sent back to a connection.
type RejectionCode string

const (
	CodeAuthenticationFailed RejectionCode = "authentication_failed"
	CodeInvalidMessage       RejectionCode = "invalid_message"
	CodeBanned               RejectionCode = "banned"
	CodeMuted                RejectionCode = "muted"
	CodeSlowModeWait         RejectionCode = "slow_mode_wait"
	CodePermissionDenied     RejectionCode = "permission_denied"
	CodeRateLimited          RejectionCode = "rate_limited"
	CodeInternal             RejectionCode = "internal"
)

// Rejection is a user-visible refusal of a chat action. It is reported
// synchronously to the originating connection only and never broadcast.
type Rejection struct {
	Code       RejectionCode
	Message    string
	RetryAfter time.Duration // remaining wait where applicable, 0 if permanent or unknown
}

func (r *Rejection) Error() string {
	if r.RetryAfter > 0 {
		return fmt.Sprintf("%s: %s (retry after %s)", r.Code, r.Message, r.RetryAfter)
	}
	return fmt.Sprintf("%s: %s", r.Code, r.Message)
}

// AsRejection unwraps err into a *Rejection if there is one in the chain.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	ok := errors.As(err, &r)
	return r, ok
}

func AuthenticationFailed(reason string) *Rejection {
	return &Rejection{Code: CodeAuthenticationFailed, Message: reason}
}

func InvalidMessage(reason string) *Rejection {
	return &Rejection{Code: CodeInvalidMessage, Message: reason}
}

// Banned carries the remaining ban duration when the ban has an expiry.
func Banned(remaining time.Duration) *Rejection {
	return &Rejection{Code: CodeBanned, Message: "you are banned from this room", RetryAfter: remaining}
}

func Muted(remaining time.Duration) *Rejection {
	return &Rejection{Code: CodeMuted, Message: "you are muted in this room", RetryAfter: remaining}
}

func SlowModeWait(remaining time.Duration) *Rejection {
	return &Rejection{Code: CodeSlowModeWait, Message: "slow mode is on, please wait", RetryAfter: remaining}
}

func PermissionDenied() *Rejection {
	return &Rejection{Code: CodePermissionDenied, Message: "moderator privileges required"}
}

func RateLimited(what string) *Rejection {
	return &Rejection{Code: CodeRateLimited, Message: what + " rate limit exceeded"}
}

func Internal() *Rejection {
	return &Rejection{Code: CodeInternal, Message: "temporary failure, try again"}
}
