package xerr

import (
	"errors"
	"fmt"
)

// Stable error codes. They show up in logs and metric labels.
const (
	OK                = 0
	ServerCommonError = 500

	InvalidSymbol  = 1001
	AlreadyActive  = 1002
	NoActiveStream = 1003

	ConnectFailed = 2001
	StreamBroken  = 2002
	DecodeFailed  = 2003

	DeliveryFailed      = 3001
	Throttled           = 3002
	UpstreamUnavailable = 3003
)

type CodeError struct {
	Code  int    `json:"code"`
	Msg   string `json:"msg"`
	Cause error  `json:"-"`
}

func (e *CodeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("ErrCode:%d, Msg:%s: %v", e.Code, e.Msg, e.Cause)
	}
	return fmt.Sprintf("ErrCode:%d, Msg:%s", e.Code, e.Msg)
}

func (e *CodeError) Unwrap() error { return e.Cause }

// Is matches any *CodeError with the same code, so a wrapped instance still
// satisfies errors.Is against the package sentinel.
func (e *CodeError) Is(target error) bool {
	var t *CodeError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func (e *CodeError) ErrCode() int { return e.Code }

func New(code int, msg string) error {
	return &CodeError{Code: code, Msg: msg}
}

func NewErrCode(code int) error {
	return &CodeError{Code: code, Msg: MapErrMsg(code)}
}

// Wrap attaches code and msg to err. A nil err stays nil.
func Wrap(err error, code int, msg string) error {
	if err == nil {
		return nil
	}
	return &CodeError{Code: code, Msg: msg, Cause: err}
}

type coder interface {
	ErrCode() int
}

// CodeOf returns the code of the first coded error in err's chain,
// ServerCommonError for uncoded errors and OK for nil.
func CodeOf(err error) int {
	if err == nil {
		return OK
	}
	var c coder
	if errors.As(err, &c) {
		return c.ErrCode()
	}
	return ServerCommonError
}

// Label is a short metric-friendly name for code.
func Label(code int) string {
	switch code {
	case OK:
		return "ok"
	case InvalidSymbol:
		return "invalid_symbol"
	case AlreadyActive:
		return "already_active"
	case NoActiveStream:
		return "no_active_stream"
	case ConnectFailed:
		return "connect_error"
	case StreamBroken:
		return "stream_error"
	case DecodeFailed:
		return "decode_error"
	case DeliveryFailed:
		return "delivery_error"
	case Throttled:
		return "throttled"
	case UpstreamUnavailable:
		return "upstream_unavailable"
	default:
		return "internal"
	}
}

func MapErrMsg(code int) string {
	switch code {
	case InvalidSymbol:
		return "invalid symbol"
	case AlreadyActive:
		return "stream already active"
	case NoActiveStream:
		return "no active stream"
	case ConnectFailed:
		return "upstream connect failed"
	case StreamBroken:
		return "upstream stream failed"
	case DecodeFailed:
		return "malformed upstream frame"
	case DeliveryFailed:
		return "notification delivery failed"
	case Throttled:
		return "notification throttled"
	case UpstreamUnavailable:
		return "upstream unavailable"
	case ServerCommonError:
		return "internal error"
	default:
		return "unknown error"
	}
}
