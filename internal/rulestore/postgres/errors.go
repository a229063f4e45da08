package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Common pool-level errors.
var (
	// ErrNotConnected indicates that the pool is not connected to the database.
	ErrNotConnected = errors.New("rule store: pool is not connected")

	// ErrAlreadyConnected indicates that the pool is already connected.
	ErrAlreadyConnected = errors.New("rule store: pool is already connected")

	// ErrConnectionFailed indicates that connection to the rule store failed.
	ErrConnectionFailed = errors.New("rule store: failed to connect")

	// ErrConnectionClosed indicates that the connection pool is closed.
	ErrConnectionClosed = errors.New("rule store: connection pool is closed")

	// ErrHealthCheckFailed indicates that a health probe failed for a reason
	// other than a missing schema (see ErrSchemaNotMigrated).
	ErrHealthCheckFailed = errors.New("rule store: health check failed")

	// ErrCircuitBreakerOpen indicates that circuit breaker is open.
	ErrCircuitBreakerOpen = errors.New("rule store: circuit breaker is open")

	// ErrInvalidConfig indicates that configuration is invalid.
	ErrInvalidConfig = errors.New("rule store: invalid configuration")

	// ErrQueryTimeout indicates that query execution timed out.
	ErrQueryTimeout = errors.New("rule store: query execution timed out")

	// ErrTransactionFailed indicates that a transaction failed.
	ErrTransactionFailed = errors.New("rule store: transaction failed")

	// ErrPreparedStatementFailed indicates that prepared statement creation failed.
	ErrPreparedStatementFailed = errors.New("rule store: prepared statement creation failed")

	// ErrSchemaNotMigrated indicates config_rules (or another table the rule
	// store depends on) does not exist yet - the operator has not run
	// internal/migrations against this database. Distinguished from a generic
	// health-check failure so callers can surface "run migrations" instead of
	// "database unreachable".
	ErrSchemaNotMigrated = errors.New("rule store: schema not migrated (config_rules table missing)")

	// ErrRuleWriteConflict indicates a write to config_rules (or a related
	// table) violated a uniqueness constraint (SQLSTATE 23505); serialization
	// failures are classified as retryable errors instead. Unlike a
	// connection or timeout error this is not transient: retrying the same
	// write without re-reading the conflicting row will fail again.
	ErrRuleWriteConflict = errors.New("rule store: concurrent write conflict")
)

// DatabaseError wraps a Postgres error with the driver-reported diagnostic
// fields, populated from a *pgconn.PgError by ClassifyPgError.
type DatabaseError struct {
	Code      string
	Message   string
	Severity  string
	Detail    string
	Hint      string
	Position  string
	Query     string
	Args      []interface{}
	Operation string
	Timestamp string
}

// Error implements the error interface
func (e *DatabaseError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("rule store: %s [%s]: %s", e.Operation, e.Code, e.Message)
	}
	return fmt.Sprintf("rule store: [%s]: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *DatabaseError) Unwrap() error {
	return fmt.Errorf("%s: %s", e.Code, e.Message)
}

// NewDatabaseError creates a new database error
func NewDatabaseError(code, message string) *DatabaseError {
	return &DatabaseError{
		Code:    code,
		Message: message,
	}
}

// WithOperation adds operation context to the error
func (e *DatabaseError) WithOperation(operation string) *DatabaseError {
	e.Operation = operation
	return e
}

// WithQuery adds query context to the error
func (e *DatabaseError) WithQuery(query string, args ...interface{}) *DatabaseError {
	e.Query = query
	e.Args = args
	return e
}

// WithDetails adds additional details to the error
func (e *DatabaseError) WithDetails(severity, detail, hint, position string) *DatabaseError {
	e.Severity = severity
	e.Detail = detail
	e.Hint = hint
	e.Position = position
	return e
}

// IsRetryable determines if the error is retryable
func (e *DatabaseError) IsRetryable() bool {
	retryableCodes := map[string]bool{
		"08006": true, // connection_failure
		"40001": true, // serialization_failure
		"40P01": true, // deadlock_detected
		"53300": true, // too_many_connections
		"57P01": true, // admin_shutdown
		"57P02": true, // crash_shutdown
		"57P03": true, // cannot_connect_now
	}

	return retryableCodes[e.Code]
}

// IsConnectionError determines if the error is connection-related
func (e *DatabaseError) IsConnectionError() bool {
	connectionCodes := map[string]bool{
		"08000": true, // connection_exception
		"08003": true, // connection_does_not_exist
		"08006": true, // connection_failure
		"08001": true, // sqlclient_unable_to_establish_sqlconnection
		"08004": true, // sqlserver_rejected_establishment_of_sqlconnection
		"08007": true, // transaction_resolution_unknown
		"53300": true, // too_many_connections
	}

	return connectionCodes[e.Code]
}

// IsSchemaMissing reports whether the code is Postgres's undefined_table
// (42P01), the signature of a rule store whose migrations have not run.
func (e *DatabaseError) IsSchemaMissing() bool {
	return e.Code == "42P01"
}

// IsRuleWriteConflict reports whether the code is a unique-constraint
// violation (23505) - two PutRule/PutInstance/... upserts racing on the same
// key - as opposed to a transient connection or serialization problem.
func (e *DatabaseError) IsRuleWriteConflict() bool {
	return e.Code == "23505"
}

// ConnectionError wraps connection-specific errors
type ConnectionError struct {
	Operation string
	Reason    string
	Duration  string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	return fmt.Sprintf("rule store: connection error during %s: %s", e.Operation, e.Reason)
}

// NewConnectionError creates a new connection error
func NewConnectionError(operation, reason string) *ConnectionError {
	return &ConnectionError{
		Operation: operation,
		Reason:    reason,
	}
}

// WithDuration adds duration context to the error
func (e *ConnectionError) WithDuration(duration string) *ConnectionError {
	e.Duration = duration
	return e
}

// QueryError wraps query execution errors
type QueryError struct {
	Query     string
	Args      []interface{}
	Duration  string
	Operation string
}

// Error implements the error interface
func (e *QueryError) Error() string {
	return fmt.Sprintf("rule store: query error in %s after %s: %s", e.Operation, e.Duration, e.Query)
}

// NewQueryError creates a new query error
func NewQueryError(query string, args []interface{}, operation string) *QueryError {
	return &QueryError{
		Query:     query,
		Args:      args,
		Operation: operation,
	}
}

// WithDuration adds duration context to the error
func (e *QueryError) WithDuration(duration string) *QueryError {
	return &QueryError{
		Query:     e.Query,
		Args:      e.Args,
		Duration:  duration,
		Operation: e.Operation,
	}
}

// TimeoutError wraps timeout errors
type TimeoutError struct {
	Operation string
	Timeout   string
	Query     string
}

// Error implements the error interface
func (e *TimeoutError) Error() string {
	if e.Query != "" {
		return fmt.Sprintf("rule store: timeout in %s after %s: %s", e.Operation, e.Timeout, e.Query)
	}
	return fmt.Sprintf("rule store: timeout in %s after %s", e.Operation, e.Timeout)
}

// NewTimeoutError creates a new timeout error
func NewTimeoutError(operation, timeout string) *TimeoutError {
	return &TimeoutError{
		Operation: operation,
		Timeout:   timeout,
	}
}

// WithQuery adds query context to the error
func (e *TimeoutError) WithQuery(query string) *TimeoutError {
	e.Query = query
	return e
}

// IsTimeout checks if the error is a timeout error
func IsTimeout(err error) bool {
	var timeoutErr *TimeoutError
	return errors.As(err, &timeoutErr)
}

// IsConnectionError checks if the error is a connection error
func IsConnectionError(err error) bool {
	var connErr *ConnectionError
	var dbErr *DatabaseError
	return errors.As(err, &connErr) || (errors.As(err, &dbErr) && dbErr.IsConnectionError())
}

// IsRetryable checks if the error is retryable. Rule write conflicts
// (unique-constraint violations on config_rules/instances/...) are
// deliberately excluded even though the underlying DatabaseError machinery
// could classify them: retrying an upsert that lost a race against another
// upsert of the same id just repeats the conflict, it never clears it.
func IsRetryable(err error) bool {
	var dbErr *DatabaseError
	if errors.As(err, &dbErr) {
		if dbErr.IsRuleWriteConflict() {
			return false
		}
		return dbErr.IsRetryable()
	}

	if IsConnectionError(err) {
		return true
	}

	if IsTimeout(err) {
		return true
	}

	return false
}

// IsRuleWriteConflict reports whether err represents a unique-constraint
// violation on a rule store write (two concurrent PutRule/PutInstance/...
// calls racing on the same key), as distinct from ErrRuleWriteConflict
// sentinel comparisons a caller might also use via errors.Is.
func IsRuleWriteConflict(err error) bool {
	if errors.Is(err, ErrRuleWriteConflict) {
		return true
	}
	var dbErr *DatabaseError
	return errors.As(err, &dbErr) && dbErr.IsRuleWriteConflict()
}

// IsSchemaNotMigrated reports whether err indicates the rule store's tables
// have not been created yet (Postgres code 42P01, undefined_table).
func IsSchemaNotMigrated(err error) bool {
	if errors.Is(err, ErrSchemaNotMigrated) {
		return true
	}
	var dbErr *DatabaseError
	return errors.As(err, &dbErr) && dbErr.IsSchemaMissing()
}

// ClassifyPgError turns a raw error returned by pgx into a *DatabaseError
// carrying the driver's Code/Severity/Detail/Hint/Position, and wraps the
// two rule-store-specific sentinels (ErrSchemaNotMigrated,
// ErrRuleWriteConflict) around it so callers can match with errors.Is
// without inspecting Postgres codes themselves. Errors that are not a
// *pgconn.PgError (context cancellation, network failures pgx surfaces as
// plain errors, …) pass through unchanged.
func ClassifyPgError(operation string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}

	dbErr := &DatabaseError{
		Code:      pgErr.Code,
		Message:   pgErr.Message,
		Severity:  pgErr.Severity,
		Detail:    pgErr.Detail,
		Hint:      pgErr.Hint,
		Position:  fmt.Sprintf("%d", pgErr.Position),
		Operation: operation,
	}

	switch {
	case dbErr.IsSchemaMissing():
		return fmt.Errorf("%w: %s", ErrSchemaNotMigrated, dbErr.Error())
	case dbErr.IsRuleWriteConflict():
		return fmt.Errorf("%w: %s", ErrRuleWriteConflict, dbErr.Error())
	default:
		return dbErr
	}
}
