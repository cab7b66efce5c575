// Package pgerror is arbor's closed SQLSTATE error taxonomy. Every error
// that can cross a layer boundary toward the wire encoder implements
// SQLState() Code, mirroring lib/pq's client-side Error/ErrorCode but built
// for server-side construction instead of client-side decoding.
package pgerror

import "fmt"

// Code is a five-character SQLSTATE.
type Code string

// Class returns the error class, e.g. "42".
func (c Code) Class() string { return string(c[:2]) }

// Name returns the human-readable condition name, when known.
func (c Code) Name() string { return names[c] }

// SQLSTATE codes arbor emits.
const (
	SchemaAlreadyExists           Code = "42P06"
	SchemaDoesNotExist            Code = "3F000"
	TableAlreadyExists            Code = "42P07"
	TableDoesNotExist             Code = "42P01"
	ColumnDoesNotExist            Code = "42703"
	UndefinedFunction              Code = "42883"
	DatatypeMismatch              Code = "42804"
	StringDataRightTruncation     Code = "22001"
	NumericValueOutOfRange        Code = "22003"
	InvalidTextRepresentation     Code = "22P02"
	PreparedStatementDoesNotExist Code = "26000"
	FeatureNotSupported           Code = "0A000"
	SyntaxError                   Code = "42601"
	SystemError                   Code = "58000"

	// DependentObjectsStillExist is the PostgreSQL SQLSTATE for a
	// restrict-checked DROP SCHEMA that still owns objects.
	DependentObjectsStillExist Code = "2BP01"
	// IndeterminateDatatype is the PostgreSQL SQLSTATE for a parameter
	// whose type inference could not resolve.
	IndeterminateDatatype Code = "42P18"
	// QueryCanceled is the PostgreSQL SQLSTATE for a statement aborted
	// by a CancelRequest.
	QueryCanceled Code = "57014"
)

// names maps each code to its PostgreSQL condition name, used only in
// log lines — the wire carries the five-character code.
var names = map[Code]string{
	SchemaAlreadyExists:           "duplicate_schema",
	SchemaDoesNotExist:            "schema_does_not_exist",
	TableAlreadyExists:            "duplicate_table",
	TableDoesNotExist:             "undefined_table",
	ColumnDoesNotExist:            "undefined_column",
	UndefinedFunction:              "undefined_function",
	DatatypeMismatch:              "datatype_mismatch",
	StringDataRightTruncation:     "string_data_right_truncation",
	NumericValueOutOfRange:        "numeric_value_out_of_range",
	InvalidTextRepresentation:     "invalid_text_representation",
	PreparedStatementDoesNotExist: "invalid_sql_statement_name",
	FeatureNotSupported:           "feature_not_supported",
	SyntaxError:                   "syntax_error",
	SystemError:                   "system_error",
	DependentObjectsStillExist:    "dependent_objects_still_exist",
	IndeterminateDatatype:         "indeterminate_datatype",
	QueryCanceled:                 "query_canceled",
}

// Error is the concrete error value carried across layer boundaries.
type Error struct {
	Code    Code
	Message string
	// wrapped is the underlying cause, if any, kept for logging only — it
	// never crosses the wire.
	wrapped error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

func (e *Error) Unwrap() error { return e.wrapped }

// SQLState implements the interface every wire-facing error satisfies.
func (e *Error) SQLState() Code { return e.Code }

func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), wrapped: cause}
}

// SQLStater is implemented by every error type defined in arbor's inner
// layers (catalog, analyzer, typecheck, executor) so the wire encoder never
// pattern-matches on error strings.
type SQLStater interface {
	error
	SQLState() Code
}

// As extracts the SQLState of err, defaulting to SystemError (58000) for an
// error that does not implement SQLStater — this is the only place in
// arbor that treats an error as opaque, and it only happens for a genuine
// programming bug surfacing from below the taxonomy.
func As(err error) (Code, string) {
	if s, ok := err.(SQLStater); ok {
		return s.SQLState(), s.Error()
	}
	return SystemError, err.Error()
}

// Constructors for the specific error shapes the layers above construct.
// These return *Error directly so callers can compare concrete messages in
// tests without a type switch.

func NewSchemaAlreadyExists(name string) *Error {
	return New(SchemaAlreadyExists, "schema %q already exists", name)
}

func NewSchemaDoesNotExist(name string) *Error {
	return New(SchemaDoesNotExist, "schema %q does not exist", name)
}

func NewTableAlreadyExists(name string) *Error {
	return New(TableAlreadyExists, "table %q already exists", name)
}

func NewTableDoesNotExist(name string) *Error {
	return New(TableDoesNotExist, "table %q does not exist", name)
}

func NewColumnDoesNotExist(name string) *Error {
	return New(ColumnDoesNotExist, "column %q does not exist", name)
}

func NewColumnCannotBeReferenced(name string) *Error {
	return New(ColumnDoesNotExist, "column %q cannot be referenced here", name)
}

func NewUndefinedFunction(left, op, right string) *Error {
	return New(UndefinedFunction, "operator does not exist: %s %s %s", left, op, right)
}

func NewDatatypeMismatch(column, sourceFamily string) *Error {
	return New(DatatypeMismatch, "column %q is incompatible with %s", column, sourceFamily)
}

func NewStringDataRightTruncation(typ string) *Error {
	return New(StringDataRightTruncation, "value too long for type %s", typ)
}

func NewNumericValueOutOfRange(typ string) *Error {
	return New(NumericValueOutOfRange, "value out of range for type %s", typ)
}

func NewInvalidInputSyntax(typ, value string) *Error {
	return New(InvalidTextRepresentation, "invalid input syntax for type %s: %q", typ, value)
}

func NewPreparedStatementDoesNotExist(name string) *Error {
	return New(PreparedStatementDoesNotExist, "prepared statement %q does not exist", name)
}

func NewFeatureNotSupported(kind string) *Error {
	return New(FeatureNotSupported, "%s is not supported", kind)
}

func NewSyntaxError(msg string) *Error {
	return New(SyntaxError, "syntax error: %s", msg)
}

func NewSystemError(err error) *Error {
	return Wrap(SystemError, err, "internal error: %v", err)
}

func NewSchemaHasObjects(name string) *Error {
	return New(DependentObjectsStillExist, "schema %q has objects and cascade was not specified", name)
}

func NewIndeterminateParameterType(ordinal int) *Error {
	return New(IndeterminateDatatype, "could not determine data type of parameter $%d", ordinal)
}

func NewQueryCanceled() *Error {
	return New(QueryCanceled, "canceling statement due to user request")
}
