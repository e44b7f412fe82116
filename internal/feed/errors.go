package feed

import (
	"errors"
	"fmt"

	"tickrelay.com/pkg/xerr"
)

var (
	// ErrInvalidSymbol matches (errors.Is) every symbol rejection.
	ErrInvalidSymbol = xerr.NewErrCode(xerr.InvalidSymbol)

	// ErrClosed is what Next returns after Close. It is a termination
	// signal, not a failure.
	ErrClosed = errors.New("feed: stream closed")
)

func invalidSymbol(raw, reason string) error {
	return &xerr.CodeError{
		Code:  xerr.InvalidSymbol,
		Msg:   fmt.Sprintf("invalid symbol %q", raw),
		Cause: errors.New(reason),
	}
}

type ConnectError struct {
	Feed   string
	Symbol string
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("%s: connect %s: %v", e.Feed, e.Symbol, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }
func (e *ConnectError) ErrCode() int  { return xerr.ConnectFailed }

type StreamError struct {
	Feed   string
	Symbol string
	Err    error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("%s: stream %s: %v", e.Feed, e.Symbol, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }
func (e *StreamError) ErrCode() int  { return xerr.StreamBroken }

type DecodeError struct {
	Feed  string
	Frame string // truncated
	Err   error
}

const maxFrameInError = 256

func NewDecodeError(feedName string, frame []byte, err error) *DecodeError {
	f := string(frame)
	if len(f) > maxFrameInError {
		f = f[:maxFrameInError] + "..."
	}
	return &DecodeError{Feed: feedName, Frame: f, Err: err}
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: decode frame: %v", e.Feed, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
func (e *DecodeError) ErrCode() int  { return xerr.DecodeFailed }

// IsDecode reports whether err is a skippable frame error.
func IsDecode(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

func IsInvalidSymbol(err error) bool {
	return errors.Is(err, ErrInvalidSymbol)
}
