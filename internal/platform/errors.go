package platform

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/jshorwitz/ai-adwords/internal/model"
)

// ErrOutcomeUnknown marks a failed commit call. The platform may have
// applied any of the operations it was sent.
var ErrOutcomeUnknown = errors.New("platform: mutation outcome unknown")

// Error is a classified platform failure.
type Error struct {
	Platform model.Platform
	Op       string
	Kind     model.ErrorKind
	Status   int
	Message  string
	Err      error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status != 0 {
		return fmt.Sprintf("platform %s %s: %s (HTTP %d): %s", e.Platform, e.Op, e.Kind, e.Status, msg)
	}
	return fmt.Sprintf("platform %s %s: %s: %s", e.Platform, e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorKind exposes the classification to the runner.
func (e *Error) ErrorKind() model.ErrorKind { return e.Kind }

// ClassifyHTTP maps a platform HTTP response to an error kind.
//
//	401, 403        AUTH
//	408, 429, 5xx   TRANSIENT
//	400, 422        VALIDATION, or SCHEMA when the body is not a JSON error
//	404             NOT_FOUND
//
// Anything else is SCHEMA: the platform answered in a way we do not understand.
func ClassifyHTTP(status int, body []byte) model.ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return model.ErrorKindAuth
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return model.ErrorKindTransient
	case status == http.StatusNotFound:
		return model.ErrorKindNotFound
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		if json.Valid(body) {
			return model.ErrorKindValidation
		}
		return model.ErrorKindSchema
	default:
		return model.ErrorKindSchema
	}
}

func transient(p model.Platform, op string, err error) *Error {
	return &Error{Platform: p, Op: op, Kind: model.ErrorKindTransient, Err: err}
}
