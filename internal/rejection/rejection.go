// Package rejection classifies why a webhook delivery was not reconciled.
package rejection

import (
	"errors"
	"fmt"
	"net/http"
)

// Class is the response class of a rejection.
type Class string

const (
	// ClassMalformedPayload covers payloads that cannot be parsed at all.
	ClassMalformedPayload Class = "malformed_payload"
	// ClassInvalidCredential covers missing or unknown API keys.
	ClassInvalidCredential Class = "invalid_credential"
	// ClassMisconfiguration covers backend configuration an operator must fix.
	ClassMisconfiguration Class = "misconfiguration"
	// ClassSoftSkip covers expected traffic outside the subscribed types and events.
	ClassSoftSkip Class = "soft_skip"
)

const (
	ReasonMalformedPayload   = "malformed_payload"
	ReasonMissingCredential  = "missing_credential"
	ReasonInvalidCredential  = "invalid_credential"
	ReasonImportDisabled     = "import_disabled"
	ReasonBackendUnavailable = "backend_misconfigured"
	ReasonUnsupportedType    = "unsupported_type"
	ReasonUnsupportedEvent   = "unsupported_event"
	ReasonMissingTimestamp   = "missing_timestamp"
)

// Error is a classified rejection carrying the HTTP status it maps to.
type Error struct {
	class   Class
	reason  string
	status  int
	message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return e.message
	}
	return fmt.Sprintf("%s: %v", e.message, e.cause)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Class returns the rejection class.
func (e *Error) Class() Class {
	return e.class
}

// Reason returns a stable machine-readable reason code.
func (e *Error) Reason() string {
	return e.reason
}

// Status returns the HTTP status code for the rejection.
func (e *Error) Status() int {
	return e.status
}

// Message returns the client-facing message without the cause.
func (e *Error) Message() string {
	return e.message
}

// IsSoftSkip reports whether the rejection is expected traffic.
func (e *Error) IsSoftSkip() bool {
	return e.class == ClassSoftSkip
}

// As extracts a classified rejection from err.
func As(err error) (*Error, bool) {
	var rejected *Error
	if errors.As(err, &rejected) {
		return rejected, true
	}
	return nil, false
}

// MalformedPayload rejects a payload whose envelope cannot be parsed.
func MalformedPayload(message string, cause error) error {
	return &Error{
		class:   ClassMalformedPayload,
		reason:  ReasonMalformedPayload,
		status:  http.StatusBadRequest,
		message: message,
		cause:   cause,
	}
}

// MissingCredential rejects a request that carries no API key.
func MissingCredential() error {
	return &Error{
		class:   ClassInvalidCredential,
		reason:  ReasonMissingCredential,
		status:  http.StatusBadRequest,
		message: "No API key was given.",
	}
}

// InvalidCredential rejects an API key that matches no configured backend.
func InvalidCredential() error {
	return &Error{
		class:   ClassInvalidCredential,
		reason:  ReasonInvalidCredential,
		status:  http.StatusUnauthorized,
		message: "Invalid API key was given.",
	}
}

// ImportDisabled rejects deliveries for a backend with webhook import turned off.
func ImportDisabled(backend string) error {
	return &Error{
		class:   ClassMisconfiguration,
		reason:  ReasonImportDisabled,
		status:  http.StatusInternalServerError,
		message: fmt.Sprintf("Import via webhook for this server '%s' is disabled.", backend),
	}
}

// Misconfiguration rejects a backend whose configuration cannot produce an adapter.
func Misconfiguration(message string, cause error) error {
	return &Error{
		class:   ClassMisconfiguration,
		reason:  ReasonBackendUnavailable,
		status:  http.StatusInternalServerError,
		message: message,
		cause:   cause,
	}
}

// SoftSkip rejects expected traffic. It is answered with 200 and never logged as an error.
func SoftSkip(reason, format string, args ...any) error {
	return &Error{
		class:   ClassSoftSkip,
		reason:  reason,
		status:  http.StatusOK,
		message: fmt.Sprintf(format, args...),
	}
}
