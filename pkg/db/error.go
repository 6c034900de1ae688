package db

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}

	// GORM wraps error di dalam gorm.Err* → unwrap dulu
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	// PostgreSQL (error code 23505)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}
	if strings.Contains(err.Error(), "duplicate key value violates unique constraint") {
		return true
	}

	// MySQL (error code 1062)
	if strings.Contains(err.Error(), "Error 1062") {
		return true
	}

	// SQLite (error code 2067)
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return true
	}

	return false
}

// IsLockUnavailableErr matches NOWAIT/lock_timeout style failures. These are
// fail-closed signals, never correctness errors.
func IsLockUnavailableErr(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 55P03 lock_not_available, 40001 serialization_failure
		if pgErr.Code == "55P03" || pgErr.Code == "40001" {
			return true
		}
	}

	msg := err.Error()
	if strings.Contains(msg, "could not obtain lock") {
		return true
	}
	if strings.Contains(msg, "database is locked") {
		return true
	}
	if strings.Contains(msg, "Lock wait timeout exceeded") {
		return true
	}

	return false
}
