package csapi

import (
	"errors"
	"fmt"
)

// API error codes. The server answers a request with a negative number
// instead of a result object when it fails.
const (
	EINTERNAL    = -1
	EARGS        = -2
	EAGAIN       = -3
	ERATELIMIT   = -4
	ENOENT       = -9
	ESID         = -15
	EEXPIRED     = -8
	EMFAREQUIRED = -26
)

var codeNames = map[int]string{
	EINTERNAL:    "EINTERNAL",
	EARGS:        "EARGS",
	EAGAIN:       "EAGAIN",
	ERATELIMIT:   "ERATELIMIT",
	ENOENT:       "ENOENT",
	ESID:         "ESID",
	EEXPIRED:     "EEXPIRED",
	EMFAREQUIRED: "EMFAREQUIRED",
}

// APIError is a negative answer from the API.
type APIError struct {
	Action string
	Code   int
}

func (e *APIError) Error() string {
	name, ok := codeNames[e.Code]
	if !ok {
		name = "E" + fmt.Sprint(-e.Code)
	}
	if e.Action == "" {
		return fmt.Sprintf("csapi: %s (%d)", name, e.Code)
	}
	return fmt.Sprintf("csapi: %s: %s (%d)", e.Action, name, e.Code)
}

// IsCode reports whether err is an *APIError with the given code.
func IsCode(err error, code int) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Code == code
}

// ErrPanic wraps a recovered panic value.
type ErrPanic struct {
	Value any
}

func (e *ErrPanic) Error() string {
	return fmt.Sprintf("csapi: handler panicked: %v", e.Value)
}

// ErrStatus is returned for a non-2xx HTTP answer.
type ErrStatus struct {
	Status int
	Body   string
}

func (e *ErrStatus) Error() string {
	return fmt.Sprintf("csapi: http status %d: %s", e.Status, e.Body)
}
