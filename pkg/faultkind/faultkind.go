// Package faultkind defines the closed taxonomy of error kinds that every
// DataFold component uses to classify failures at its boundary, so a caller
// one layer up can map a Kind to a stable exit code without string-matching
// error messages.
package faultkind

import "fmt"

// Kind is a stable, closed identifier for a class of failure.
type Kind string

const (
	// Auth
	NoSystemKey             Kind = "no_system_key"
	MalformedSignatureInput Kind = "malformed_signature_input"
	BadSignature            Kind = "bad_signature"
	BodyTampered            Kind = "body_tampered"
	ClockSkew               Kind = "clock_skew"
	ReplayDetected          Kind = "replay_detected"

	// Authorization
	PermissionDenied          Kind = "permission_denied"
	TrustDistanceExceeded     Kind = "trust_distance_exceeded"
	ExplicitPermissionRequired Kind = "explicit_permission_required"
	PermissionExpired         Kind = "permission_expired"

	// Payment
	PaymentRequired Kind = "payment_required"
	PaymentInvalid  Kind = "payment_invalid"
	PaymentExpired  Kind = "payment_expired"

	// Schema
	SchemaNotFound   Kind = "schema_not_found"
	SchemaNotApproved Kind = "schema_not_approved"
	SchemaBlocked    Kind = "schema_blocked"
	FieldNotFound    Kind = "field_not_found"
	TypeMismatch     Kind = "type_mismatch"
	CycleDetected    Kind = "cycle_detected"

	// Query
	InvalidFilter   Kind = "invalid_filter"
	RangeKeyMissing Kind = "range_key_missing"

	// Runtime
	StorageFault    Kind = "storage_fault"
	DeadlineExceeded Kind = "deadline_exceeded"
	Shutdown        Kind = "shutdown"

	// Atom store
	NotFound    Kind = "not_found"
	BadPrevious Kind = "bad_previous"
)

// ExitCode maps a Kind to the stable exit codes a wrapping CLI reports:
// 2 authentication, 3 permission, 4 payment, 5 schema lifecycle, 6 storage.
// Kinds outside the table return 1 (generic error).
func (k Kind) ExitCode() int {
	switch k {
	case NoSystemKey, MalformedSignatureInput, BadSignature, BodyTampered, ClockSkew, ReplayDetected:
		return 2
	case PermissionDenied, TrustDistanceExceeded, ExplicitPermissionRequired, PermissionExpired:
		return 3
	case PaymentRequired, PaymentInvalid, PaymentExpired:
		return 4
	case SchemaNotApproved, SchemaBlocked:
		return 5
	case StorageFault:
		return 6
	default:
		return 1
	}
}

// Error is the concrete error value every component returns at its boundary.
// Field is optional context (a field name, schema name, reject reason
// detail); it must never carry private key material, nonces, or body bytes.
type Error struct {
	Kind  Kind
	Field string
	Err   error

	// Amount carries the PaymentRequired quote; the invoice descriptor
	// rides in Field. Zero for every other Kind.
	Amount float64
}

func New(kind Kind, field string) *Error {
	return &Error{Kind: kind, Field: field}
}

func Wrap(kind Kind, field string, err error) *Error {
	return &Error{Kind: kind, Field: field, Err: err}
}

// NewPaymentRequired builds the PaymentRequired error carrying both the
// quoted amount and the invoice descriptor the caller must pay against.
func NewPaymentRequired(amount float64, invoice string) *Error {
	return &Error{Kind: PaymentRequired, Field: invoice, Amount: amount}
}

func (e *Error) Error() string {
	if e.Field == "" {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v", e.Kind, e.Err)
		}
		return string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s[%s]: %v", e.Kind, e.Field, e.Err)
	}
	return fmt.Sprintf("%s[%s]", e.Kind, e.Field)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether the first faultkind.Error in err's chain (found by
// unwrapping any other wrappers around it) has the given Kind. Errors
// wrapped inside that first faultkind.Error are not consulted.
func Is(err error, kind Kind) bool {
	var fe *Error
	for err != nil {
		if fe2, ok := err.(*Error); ok {
			fe = fe2
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return fe != nil && fe.Kind == kind
}
