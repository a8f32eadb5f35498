package store

import (
	"errors"
	"strings"

	"github.com/lib/pq"
)

// UnavailableError marks a store error that means the background run table is
// not provisioned in this environment (missing relation or stale schema).
// Callers treat it as a degraded success, not an operational failure.
type UnavailableError struct {
	Reason string
	Err    error
}

func (e *UnavailableError) Error() string {
	return "store unavailable (" + e.Reason + "): " + e.Err.Error()
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

func IsUnavailable(err error) bool {
	var u *UnavailableError
	return errors.As(err, &u)
}

// SQLSTATE codes that mean the schema is missing or older than the code.
const (
	codeUndefinedTable    = "42P01"
	codeUndefinedColumn   = "42703"
	codeInvalidSchemaName = "3F000"
)

// Message shapes for backends that do not expose a typed code: SQLite, and
// REST gateways in front of Postgres that report a stale schema cache.
var unavailableMessages = []struct {
	substr string
	reason string
}{
	{"no such table", "missing_table"},
	{"no such column", "missing_column"},
	{"could not find the table", "missing_table"},
	{"schema cache", "stale_schema"},
}

// Classify wraps err in an *UnavailableError when it matches a known
// missing-table or stale-schema shape. Any other error is returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if IsUnavailable(err) {
		return err
	}
	if reason, ok := unavailableReason(err); ok {
		return &UnavailableError{Reason: reason, Err: err}
	}
	return err
}

func unavailableReason(err error) (string, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case codeUndefinedTable, codeInvalidSchemaName:
			return "missing_table", true
		case codeUndefinedColumn:
			return "missing_column", true
		}
		return "", false
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "does not exist") {
		switch {
		case strings.Contains(msg, "relation "):
			return "missing_table", true
		case strings.Contains(msg, "column "):
			return "missing_column", true
		}
	}
	for _, m := range unavailableMessages {
		if strings.Contains(msg, m.substr) {
			return m.reason, true
		}
	}
	return "", false
}
