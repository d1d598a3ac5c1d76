// Package errs defines the client-facing error taxonomy shared by every
// frontend (binary, PG-compatible, HTTP). Each error carries an SQLSTATE-
// shaped code and severity so a frontend can format a wire ErrorResponse
// without a type switch at the call site.
package errs

import "fmt"

// Severity mirrors the PostgreSQL ErrorResponse severity field.
type Severity string

const (
	SeverityError Severity = "ERROR"
	SeverityFatal Severity = "FATAL"
	SeverityPanic Severity = "PANIC"
)

// Kind identifies one entry of the taxonomy in spec.md §7.
type Kind string

const (
	KindAuthentication        Kind = "AuthenticationError"
	KindProtocolViolation     Kind = "ProtocolViolation"
	KindUnsupportedFeature    Kind = "UnsupportedFeatureError"
	KindAccess                Kind = "AccessError"
	KindDisabledCapability     Kind = "DisabledCapabilityError"
	KindTransaction           Kind = "TransactionError"
	KindTransactionSerialize  Kind = "TransactionSerializationError"
	KindInvalidCursorName     Kind = "InvalidCursorName"
	KindInvalidSQLStatement   Kind = "InvalidSqlStatementName"
	KindDuplicatePrepared     Kind = "DuplicatePreparedStatement"
	KindInternal              Kind = "InternalServerError"
	KindBackend               Kind = "BackendError"
	KindCannotConnectNow      Kind = "CannotConnectNow"
)

// sqlstate gives each Kind a PostgreSQL-shaped 5-character error code so the
// PG-compatible frontend can emit a real ErrorResponse without bespoke
// mapping tables at call sites.
var sqlstate = map[Kind]string{
	KindAuthentication:       "28000",
	KindProtocolViolation:    "08P01",
	KindUnsupportedFeature:   "0A000",
	KindAccess:               "42501",
	KindDisabledCapability:   "42501",
	KindTransaction:          "25P02",
	KindTransactionSerialize: "40001",
	KindInvalidCursorName:    "34000",
	KindInvalidSQLStatement:  "26000",
	KindDuplicatePrepared:    "42P05",
	KindInternal:             "XX000",
	KindBackend:              "58000",
	KindCannotConnectNow:     "57P03",
}

// Error is the common error type flowing out of every component in this
// module. Use New or Wrap to build one; use As to recover a *Error from an
// arbitrary error chain.
type Error struct {
	Kind     Kind
	Severity Severity
	Message  string
	cause    error
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Severity: SeverityError, Message: message}
}

func Newf(kind Kind, format string, args ...interface{}) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

func Wrap(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Severity: SeverityError, Message: cause.Error(), cause: cause}
}

// Fatal marks the error as connection-fatal (spec.md §7: protocol
// violations during Startup/Auth are fatal severity).
func (e *Error) Fatal() *Error {
	e2 := *e
	e2.Severity = SeverityFatal
	return &e2
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Code returns the SQLSTATE-shaped code for the wire ErrorResponse.
func (e *Error) Code() string {
	if c, ok := sqlstate[e.Kind]; ok {
		return c
	}
	return sqlstate[KindInternal]
}

// Opaque collapses authentication sub-reasons into the single message the
// taxonomy requires: "never disclose which of {user unknown, password
// wrong, role unauthorized, token malformed} failed" (spec.md §7).
func Opaque() *Error {
	return New(KindAuthentication, "authentication failed")
}
