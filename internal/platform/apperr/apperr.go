// Package apperr defines the error kinds surfaced by the gateway and maps
// them onto user-facing messages, HTTP codes and recovery hints.
package apperr

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

var (
	ErrPermissionDenied     = errors.New("permission denied")
	ErrNotRegistered        = errors.New("identity not registered")
	ErrAlreadyAssigned      = errors.New("request already assigned")
	ErrInvalidTransition    = errors.New("invalid state transition")
	ErrLedgerUnavailable    = errors.New("ledger unavailable")
	ErrTimedOut             = errors.New("timed out")
	ErrSignalingUnavailable = errors.New("signaling unavailable")
	ErrStorageUploadFailed  = errors.New("storage upload failed")
	ErrMediaSession         = errors.New("media session failed")

	ErrNotFound        = errors.New("not found")
	ErrInvalidInput    = errors.New("invalid input")
	ErrUnauthenticated = errors.New("unauthenticated")
)

// ErrAlreadyLinked refines ErrInvalidTransition: the report index is
// already linked to a different request.
var ErrAlreadyLinked = &refined{msg: "report already linked to another request", parent: ErrInvalidTransition}

// ErrWriteConflict refines ErrInvalidTransition: a concurrent write to the
// same ledger state committed first.
var ErrWriteConflict = &refined{msg: "concurrent write conflict", parent: ErrInvalidTransition}

type refined struct {
	msg    string
	parent error
}

func (e *refined) Error() string        { return e.msg }
func (e *refined) Is(target error) bool { return target == e.parent }

// Recovery hints returned by Recoverable.
const (
	RecoverResync     = "resync"
	RecoverFixNetwork = "fix_network"
	RecoverRetryUser  = "retry_user"
	RecoverNone       = "none"
)

type kind struct {
	err     error
	status  int
	message string
	recover string
}

// Order matters: refinements precede their parents.
var kinds = []kind{
	{ErrAlreadyLinked, http.StatusConflict, "This report is already linked to another request.", RecoverResync},
	{ErrWriteConflict, http.StatusConflict, "Someone else changed this at the same time. Refresh and try again.", RecoverResync},
	{ErrPermissionDenied, http.StatusForbidden, "Access has not been granted for this patient and clinician.", RecoverNone},
	{ErrNotRegistered, http.StatusForbidden, "This identity is not registered. Complete registration first.", RecoverNone},
	{ErrAlreadyAssigned, http.StatusConflict, "Another diagnostic center has already accepted this request.", RecoverResync},
	{ErrInvalidTransition, http.StatusConflict, "The request is no longer in a state that allows this action. Refresh and try again.", RecoverResync},
	{ErrLedgerUnavailable, http.StatusServiceUnavailable, "The ledger is unreachable or on the wrong network. Check the network and try again.", RecoverFixNetwork},
	{ErrTimedOut, http.StatusGatewayTimeout, "The other party did not answer in time.", RecoverRetryUser},
	{ErrSignalingUnavailable, http.StatusServiceUnavailable, "The call service is unavailable. Try again shortly.", RecoverRetryUser},
	{ErrStorageUploadFailed, http.StatusBadGateway, "The file could not be stored. Try the upload again.", RecoverRetryUser},
	{ErrMediaSession, http.StatusBadGateway, "The video session could not be started. Try the call again.", RecoverRetryUser},
	{ErrNotFound, http.StatusNotFound, "The requested item was not found.", RecoverNone},
	{ErrInvalidInput, http.StatusBadRequest, "The request is invalid.", RecoverNone},
	{ErrUnauthenticated, http.StatusUnauthorized, "Sign in again to continue.", RecoverNone},
}

func lookup(err error) (kind, bool) {
	if errors.Is(err, context.DeadlineExceeded) {
		return kind{ErrTimedOut, http.StatusGatewayTimeout, "The operation timed out.", RecoverRetryUser}, true
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k, true
		}
	}
	return kind{}, false
}

// Message returns an actionable message safe to show to the user.
func Message(err error) string {
	if err == nil {
		return ""
	}
	if k, ok := lookup(err); ok {
		return k.message
	}
	return "Something went wrong. Try again."
}

// Status returns the HTTP status code for err.
func Status(err error) int {
	if k, ok := lookup(err); ok {
		return k.status
	}
	return http.StatusInternalServerError
}

// Recoverable returns the recovery hint for err.
func Recoverable(err error) string {
	if k, ok := lookup(err); ok {
		return k.recover
	}
	return RecoverNone
}

// Is reports whether err belongs to any of the given kinds.
func Is(err error, targets ...error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}

// Body is the JSON error payload.
type Body struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Recover string `json:"recover"`
}

// HTTPError converts err into an echo.HTTPError carrying a Body.
func HTTPError(err error) *echo.HTTPError {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}
	k, ok := lookup(err)
	code := http.StatusInternalServerError
	name := "internal"
	if ok {
		code = k.status
		name = k.err.Error()
	}
	return echo.NewHTTPError(code, Body{
		Error:   name,
		Message: Message(err),
		Recover: Recoverable(err),
	}).SetInternal(err)
}
