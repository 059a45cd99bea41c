// Package shared provides common utilities used across the codebase.
//
//nolint:revive // "shared" is an intentional package name for cross-cutting helpers.
package shared

import (
	"errors"
	"strings"
)

// Primary SQLite result codes for lock contention.
const (
	sqliteBusy   = 5
	sqliteLocked = 6
)

type codedError interface {
	Code() int
}

// sqliteCode extracts the primary result code from a driver error, or -1.
func sqliteCode(err error) int {
	var ce codedError
	if errors.As(err, &ce) {
		return ce.Code() & 0xff
	}
	return -1
}

// IsSQLiteBusyError checks if the error is a SQLITE_BUSY error.
// This occurs when the database is locked by another connection.
func IsSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	return sqliteCode(err) == sqliteBusy || strings.Contains(err.Error(), "SQLITE_BUSY")
}

// IsSQLiteLockedError checks if the error is a "database is locked" error.
func IsSQLiteLockedError(err error) bool {
	if err == nil {
		return false
	}
	return sqliteCode(err) == sqliteLocked || strings.Contains(err.Error(), "database is locked")
}

// IsSQLiteConflictError reports either form of lock contention. Both
// warrant a retry.
func IsSQLiteConflictError(err error) bool {
	return IsSQLiteBusyError(err) || IsSQLiteLockedError(err)
}
