// Package helpers provides error formatting and validation shared across
// the reader's subsystems, mirroring the teacher's pkg/helpers idiom.
package helpers

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/moogar0880/problems"
)

var (
	// ErrNotAuthenticated names the outcome of a transaction that completes
	// without recognizing the presented endpoint. The engine does not return
	// it: it reports that outcome as a nil error with a nil Result.Endpoint
	// (spec §4.5, §7).
	ErrNotAuthenticated = NewError("NOT_AUTHENTICATED")

	// ErrConfigReaderKeyUnset names the condition of starting the NFC loop
	// before a reader key has been provisioned (spec §7). The NFC loop
	// reports that condition with its own *nfcloop.ConfigError, not this
	// value.
	ErrConfigReaderKeyUnset = NewError("READER_KEY_UNSET")
)

// Error is a lightweight, serializable error carrying a machine-readable
// title plus optional structured detail.
type Error struct {
	Title string `json:"title"`
	Err   any    `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %+v", e.Title, e.Err)
	}
	return e.Title
}

// NewError creates an Error with no additional detail.
func NewError(title string) *Error {
	return &Error{Title: title}
}

// NewErrorDetails creates an Error carrying structured detail.
func NewErrorDetails(title string, detail any) *Error {
	return &Error{Title: title, Err: detail}
}

// NewErrorFromError normalizes an arbitrary error into an *Error, formatting
// validator errors the way the teacher's httpserver middleware does.
func NewErrorFromError(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	if jsonErr, ok := err.(*json.UnmarshalTypeError); ok {
		return NewErrorDetails("json_type_error", map[string]any{
			"field": jsonErr.Field, "expected": jsonErr.Type.String(),
		})
	}
	if validationErr, ok := err.(validator.ValidationErrors); ok {
		return NewErrorDetails("validation_error", formatValidationErrors(validationErr))
	}
	return NewErrorDetails("internal_error", err.Error())
}

func formatValidationErrors(errs validator.ValidationErrors) []map[string]any {
	out := make([]map[string]any, 0, len(errs))
	for _, e := range errs {
		namespace := e.Namespace()
		if idx := strings.IndexByte(namespace, '.'); idx >= 0 {
			namespace = namespace[idx+1:]
		}
		out = append(out, map[string]any{
			"field":      e.Field(),
			"namespace":  namespace,
			"validation": e.Tag(),
			"param":      e.Param(),
		})
	}
	return out
}

// Problem404 returns a problem+JSON 404 body for the health endpoint's
// catch-all route.
func Problem404() *problems.Problem {
	return problems.NewStatusProblem(404)
}
