package merr

import (
	"context"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// Code returns the numeric code of err, or 0 for nil.
func Code(err error) int32 {
	if err == nil {
		return 0
	}

	cause := errors.Cause(err)
	switch specificErr := cause.(type) {
	case chatError:
		return specificErr.code()
	default:
		if errors.Is(specificErr, context.Canceled) {
			return CanceledCode
		} else if errors.Is(specificErr, context.DeadlineExceeded) {
			return TimeoutCode
		}
		return errUnexpected.code()
	}
}

const (
	CanceledCode int32 = 10000
	TimeoutCode  int32 = 10001
)

func IsRetryableErr(err error) bool {
	if err, ok := errors.Cause(err).(chatError); ok {
		return err.retriable
	}
	return false
}

func IsCanceledOrTimeout(err error) bool {
	return errors.IsAny(err, context.Canceled, context.DeadlineExceeded)
}

func WrapErrUnknownCommand(command string, msg ...string) error {
	return withMsg(wrapFields(ErrUnknownCommand, value("command", command)), msg)
}

func WrapErrMissingArgument(command string, msg ...string) error {
	return withMsg(wrapFields(ErrMissingArgument, value("command", command)), msg)
}

func WrapErrHeartbeatTimeout(id any, idle fmt.Stringer, msg ...string) error {
	return withMsg(wrapFields(ErrHeartbeatTimeout, value("session", id), value("idle", idle)), msg)
}

func WrapErrRateLimited(burst int, interval fmt.Stringer, msg ...string) error {
	return withMsg(wrapFields(ErrRateLimited, value("burst", burst), value("interval", interval)), msg)
}

func WrapErrUserNotFound(identity any, msg ...string) error {
	return withMsg(wrapFields(ErrUserNotFound, value("identity", identity)), msg)
}

func WrapErrInvalidIdentity(identity any, msg ...string) error {
	return withMsg(wrapFields(ErrInvalidIdentity, value("identity", identity)), msg)
}

func WrapErrStoreUnavailable(driver string, msg ...string) error {
	return withMsg(wrapFields(ErrStoreUnavailable, value("driver", driver)), msg)
}

func WrapErrRecordFailed(room string, cause error) error {
	return errors.Wrap(Combine(wrapFields(ErrRecordFailed, value("room", room)), cause), "record message")
}

func WrapErrInvalidConfig(key string, val any, msg ...string) error {
	return withMsg(wrapFields(ErrInvalidConfig, value(key, val)), msg)
}

func withMsg(err error, msg []string) error {
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func wrapFields(err chatError, fields ...errorField) error {
	for i := range fields {
		err.msg += fmt.Sprintf("[%s]", fields[i].String())
	}
	err.detail = err.msg
	return err
}

type errorField interface {
	String() string
}

type valueField struct {
	name  string
	value any
}

func value(name string, value any) valueField {
	return valueField{name, value}
}

func (f valueField) String() string {
	return fmt.Sprintf("%s=%v", f.name, f.value)
}
