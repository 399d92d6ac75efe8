package domain

import (
	"errors"
	"fmt"
)

var (
	ErrCapacityExceeded       = errors.New("active trade capacity exceeded")
	ErrAdmissionPaused        = errors.New("trade admission paused by circuit breaker")
	ErrDuplicateSignal        = errors.New("duplicate signal")
	ErrInvalidSignal          = errors.New("signal incomplete or unparseable")
	ErrCrossMargin            = errors.New("cross margin signals are not allowed")
	ErrWrongDirection         = errors.New("take-profit or stop-loss on the wrong side of entry")
	ErrReduceOnlyViolation    = errors.New("reduce-only flag does not match order role")
	ErrOriginalEntryImmutable = errors.New("original entry price already set")
	ErrInvalidTransition      = errors.New("invalid trade state transition")
	ErrNotFound               = errors.New("not found")
	ErrMarketGuard            = errors.New("market guard rejected entry")
	ErrConfirmTimeout         = errors.New("position not confirmed within retry budget")
	ErrUnknownSource          = errors.New("signal source not allow-listed")
)

// Bybit v5 return codes the bot reacts to.
const (
	RetCodeOK                = 0
	RetCodeInvalidParam      = 10001
	RetCodeTimestamp         = 10002
	RetCodeInvalidAPIKey     = 10003
	RetCodeSignature         = 10004
	RetCodeRateLimited       = 10006
	RetCodeServerError       = 10016
	RetCodeOrderNotFound     = 110001
	RetCodeInsufficientFunds = 110007
	RetCodeLeverageUnchanged = 110043
	RetCodeDuplicateLinkID   = 110072
	RetCodeMinNotional       = 110094
	RetCodeNotAllowed        = 110241
	RetCodeNotModified       = 34040
)

type ErrorClass int

const (
	ClassFatal ErrorClass = iota
	ClassTransient
	ClassMinNotional
	ClassDuplicateLink
	ClassNotModified
)

// ExchangeError is a non-zero retCode returned by the exchange.
type ExchangeError struct {
	Op   string
	Code int
	Msg  string
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("%s: retCode %d: %s", e.Op, e.Code, e.Msg)
}

func (e *ExchangeError) Class() ErrorClass {
	switch e.Code {
	case RetCodeRateLimited, RetCodeServerError, RetCodeTimestamp:
		return ClassTransient
	case RetCodeMinNotional:
		return ClassMinNotional
	case RetCodeDuplicateLinkID:
		return ClassDuplicateLink
	case RetCodeNotModified, RetCodeLeverageUnchanged:
		return ClassNotModified
	default:
		return ClassFatal
	}
}

func classOf(err error) (ErrorClass, bool) {
	var exErr *ExchangeError
	if errors.As(err, &exErr) {
		return exErr.Class(), true
	}
	return ClassFatal, false
}

func IsTransient(err error) bool {
	c, ok := classOf(err)
	return ok && c == ClassTransient
}

func IsMinNotional(err error) bool {
	c, ok := classOf(err)
	return ok && c == ClassMinNotional
}

func IsDuplicateLink(err error) bool {
	c, ok := classOf(err)
	return ok && c == ClassDuplicateLink
}

func IsNotModified(err error) bool {
	c, ok := classOf(err)
	return ok && c == ClassNotModified
}

func IsOrderNotFound(err error) bool {
	var exErr *ExchangeError
	return errors.As(err, &exErr) && exErr.Code == RetCodeOrderNotFound
}

// IsFatalExchange reports errors that count against the admission breaker.
func IsFatalExchange(err error) bool {
	c, ok := classOf(err)
	return ok && c == ClassFatal
}
