// Package domainerrors carries the error taxonomy shared by every service.
//
// A Code classifies the failure for callers deciding whether to retry:
//
//   - CodeValidation / CodeInvalidInput / CodeBadRequest: rejected locally, never retried
//   - CodeConflict: version or state conflict, caller decides whether to retry
//   - CodeResolution: DID lookup or publication failure, retryable with backoff
//   - CodeCryptographic: proof or signature failure, never retried
//   - CodeNotFound: unknown participant, key or credential
//
// A Reason names the precise failure ("VersionConflict", "InvalidProof", ...)
// so callers and tests can match on it without parsing messages.
package domainerrors

import (
	"errors"
	"fmt"
)

// Code is the error taxonomy class.
type Code string

const (
	CodeValidation         Code = "validation_error"
	CodeInvalidInput       Code = "invalid_input"
	CodeBadRequest         Code = "bad_request"
	CodeConflict           Code = "conflict"
	CodeResolution         Code = "resolution_error"
	CodeCryptographic      Code = "cryptographic_error"
	CodeNotFound           Code = "not_found"
	CodeForbidden          Code = "forbidden"
	CodeInvariantViolation Code = "invariant_violation"
	CodeTimeout            Code = "timeout"
	CodeUnavailable        Code = "unavailable"
	CodeInternal           Code = "internal_error"
)

// Reason names the specific precondition or pipeline stage that failed.
type Reason string

const (
	ReasonUnsupportedAlgorithm    Reason = "UnsupportedAlgorithm"
	ReasonDuplicateActiveKey      Reason = "DuplicateActiveKey"
	ReasonKeyNotFound             Reason = "KeyNotFound"
	ReasonVersionConflict         Reason = "VersionConflict"
	ReasonPublishFailed           Reason = "PublishFailed"
	ReasonParticipantNotFound     Reason = "ParticipantNotFound"
	ReasonParticipantExists       Reason = "ParticipantExists"
	ReasonParticipantNotDeletable Reason = "ParticipantNotDeletable"
	ReasonParticipantInactive     Reason = "ParticipantInactive"
	ReasonInvalidStateTransition  Reason = "InvalidStateTransition"
	ReasonCredentialNotFound      Reason = "CredentialNotFound"
	ReasonMalformedCredential     Reason = "MalformedCredential"
	ReasonIssuerUnresolvable      Reason = "IssuerUnresolvable"
	ReasonInvalidProof            Reason = "InvalidProof"
	ReasonCredentialExpired       Reason = "CredentialExpired"
	ReasonCredentialRevoked       Reason = "CredentialRevoked"
	ReasonDIDNotFound             Reason = "DIDNotFound"
)

// Error is the domain error type.
type Error struct {
	Code    Code
	Reason  Reason
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Reason != "" {
		msg = fmt.Sprintf("%s: %s", e.Reason, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by code and, when set on the target, by reason
// and message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != e.Code {
		return false
	}
	if t.Reason != "" && t.Reason != e.Reason {
		return false
	}
	if t.Message != "" && t.Message != e.Message {
		return false
	}
	return true
}

// New creates a domain error.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Newf creates a domain error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, msg string) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

// WithReason returns a copy of the error carrying reason.
func (e *Error) WithReason(reason Reason) *Error {
	cp := *e
	cp.Reason = reason
	return &cp
}

// HasCode reports whether any error in the chain is a domain error with code.
func HasCode(err error, code Code) bool {
	var de *Error
	for err != nil {
		if errors.As(err, &de) {
			if de.Code == code {
				return true
			}
			err = de.Err
			continue
		}
		return false
	}
	return false
}

// HasReason reports whether any error in the chain carries reason.
func HasReason(err error, reason Reason) bool {
	var de *Error
	for err != nil {
		if errors.As(err, &de) {
			if de.Reason == reason {
				return true
			}
			err = de.Err
			continue
		}
		return false
	}
	return false
}

// CodeOf returns the outermost domain code, or CodeInternal.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// ReasonOf returns the first reason found in the chain.
func ReasonOf(err error) Reason {
	var de *Error
	for err != nil {
		if !errors.As(err, &de) {
			return ""
		}
		if de.Reason != "" {
			return de.Reason
		}
		err = de.Err
	}
	return ""
}

// Retryable reports whether the caller may retry the failed operation.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeConflict, CodeResolution, CodeTimeout, CodeUnavailable:
		return true
	default:
		return false
	}
}

// Is wraps errors.Is for callers that only import this package.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
