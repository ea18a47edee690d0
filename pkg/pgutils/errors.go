package pgutils

import (
	"strings"
)

// PostgreSQL error codes
// See: https://www.postgresql.org/docs/current/errcodes-appendix.html
const (
	// Class 23 — Integrity Constraint Violation
	CodeUniqueViolation     = "23505"
	CodeForeignKeyViolation = "23503"
	CodeNotNullViolation    = "23502"
	CodeCheckViolation      = "23514"

	// Class 3F / 42 — Schema and privilege errors
	CodeInvalidSchemaName     = "3F000"
	CodeInsufficientPrivilege = "42501"
	CodeDuplicateSchema       = "42P06"
)

// IsUniqueViolation checks if the error is a PostgreSQL unique constraint violation (23505).
func IsUniqueViolation(err error) bool {
	return containsErrorCode(err, CodeUniqueViolation)
}

// IsForeignKeyViolation checks if the error is a PostgreSQL foreign key violation (23503).
func IsForeignKeyViolation(err error) bool {
	return containsErrorCode(err, CodeForeignKeyViolation)
}

// IsNotNullViolation checks if the error is a PostgreSQL not-null constraint violation (23502).
func IsNotNullViolation(err error) bool {
	return containsErrorCode(err, CodeNotNullViolation)
}

// IsCheckViolation checks if the error is a PostgreSQL check constraint violation (23514).
func IsCheckViolation(err error) bool {
	return containsErrorCode(err, CodeCheckViolation)
}

// IsInvalidSchemaName checks if the error is a PostgreSQL invalid schema name error (3F000).
func IsInvalidSchemaName(err error) bool {
	return containsErrorCode(err, CodeInvalidSchemaName)
}

// IsInsufficientPrivilege checks if the error is a PostgreSQL insufficient privilege error (42501).
func IsInsufficientPrivilege(err error) bool {
	return containsErrorCode(err, CodeInsufficientPrivilege)
}

// IsDuplicateSchema checks if the error is a PostgreSQL duplicate schema error (42P06).
func IsDuplicateSchema(err error) bool {
	return containsErrorCode(err, CodeDuplicateSchema)
}

// containsErrorCode checks if the error message contains a PostgreSQL error code.
func containsErrorCode(err error, code string) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return len(errStr) > 0 && (strings.Contains(errStr, code) || strings.Contains(errStr, "SQLSTATE "+code))
}
