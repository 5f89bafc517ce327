// Package merr defines the coded error values shared by the chat broker,
// the session layer and the persistence gateway.
package merr

import (
	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
)

// Leaf errors. Wrap them with the helpers in utils.go instead of creating
// ad hoc errors so callers can keep matching with errors.Is.
var (
	// Broker related
	ErrBrokerClosed = newChatError("broker closed", 100, false)

	// Session / protocol related
	ErrUnknownCommand   = newChatError("unknown command", 200, false)
	ErrMissingArgument  = newChatError("missing argument", 201, false)
	ErrHeartbeatTimeout = newChatError("heartbeat timeout", 202, false)
	ErrSessionClosed    = newChatError("session closed", 203, false)
	ErrRateLimited      = newChatError("rate limit exceeded", 204, true)

	// Persistence related
	ErrStoreUnavailable = newChatError("store unavailable", 300, true)
	ErrUserNotFound     = newChatError("user not found", 301, false)
	ErrInvalidIdentity  = newChatError("invalid identity", 302, false)
	ErrRecordFailed     = newChatError("record message failed", 303, true)

	// Configuration related
	ErrInvalidConfig = newChatError("invalid configuration", 400, false)

	// Do NOT export this, it only exists to give unknown errors a code.
	errUnexpected = newChatError("unexpected error", (1<<16)-1, false)
)

type chatError struct {
	msg       string
	detail    string
	retriable bool
	errCode   int32
}

func newChatError(msg string, code int32, retriable bool) chatError {
	return chatError{
		msg:       msg,
		detail:    msg,
		retriable: retriable,
		errCode:   code,
	}
}

func (e chatError) code() int32 {
	return e.errCode
}

func (e chatError) Error() string {
	return e.msg
}

// Detail returns the message including any wrapped fields.
func (e chatError) Detail() string {
	return e.detail
}

func (e chatError) Is(err error) bool {
	cause := errors.Cause(err)
	if cause, ok := cause.(chatError); ok {
		return e.errCode == cause.errCode
	}
	return false
}

type multiErrors struct {
	errs []error
}

func (e multiErrors) Unwrap() error {
	if len(e.errs) <= 1 {
		return nil
	}
	if len(e.errs) == 2 {
		return e.errs[1]
	}
	return multiErrors{errs: e.errs[1:]}
}

func (e multiErrors) Error() string {
	final := e.errs[0]
	for i := 1; i < len(e.errs); i++ {
		final = errors.Wrap(e.errs[i], final.Error())
	}
	return final.Error()
}

func (e multiErrors) Is(err error) bool {
	for _, item := range e.errs {
		if errors.Is(item, err) {
			return true
		}
	}
	return false
}

// Combine merges the non-nil errors into one. It returns nil when every
// input is nil.
func Combine(errs ...error) error {
	errs = lo.Filter(errs, func(err error, _ int) bool { return err != nil })
	if len(errs) == 0 {
		return nil
	}
	return multiErrors{errs}
}
