package broker

import (
	"context"
	"errors"
	"fmt"
)

// ErrConnectionUnavailable is returned while the terminal transport is down.
var ErrConnectionUnavailable = errors.New("broker connection unavailable")

type Code string

const (
	CodeTimeout            Code = "timeout"
	CodeRequote            Code = "requote"
	CodeConnection         Code = "connection"
	CodeInvalidVolume      Code = "invalid_volume"
	CodeInvalidStops       Code = "invalid_stops"
	CodeMarketClosed       Code = "market_closed"
	CodeInsufficientMargin Code = "insufficient_margin"
	CodePositionNotFound   Code = "position_not_found"
	CodeAlreadyClosed      Code = "already_closed"
	CodeRejected           Code = "rejected"
)

var transientCodes = map[Code]bool{
	CodeTimeout:    true,
	CodeRequote:    true,
	CodeConnection: true,
}

// OrderError is a terminal-reported failure of an order primitive.
type OrderError struct {
	Code      Code
	Op        string
	Msg       string
	Transient bool
}

func (e *OrderError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, e.Msg)
}

// NewOrderError builds an OrderError whose transience follows its code.
func NewOrderError(op string, code Code, msg string) *OrderError {
	return &OrderError{Code: code, Op: op, Msg: msg, Transient: transientCodes[code]}
}

// CodeOf extracts the OrderError code from err, or "".
func CodeOf(err error) Code {
	var oe *OrderError
	if errors.As(err, &oe) {
		return oe.Code
	}
	return ""
}

// IsTransient reports whether a failed call may succeed if retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrConnectionUnavailable) {
		return true
	}
	var oe *OrderError
	if errors.As(err, &oe) {
		return oe.Transient
	}
	return false
}

// IsGone reports whether err says the position no longer exists.
func IsGone(err error) bool {
	c := CodeOf(err)
	return c == CodeAlreadyClosed || c == CodePositionNotFound
}
