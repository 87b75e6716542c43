package store

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// pgUniqueViolation is the Postgres SQLSTATE for a unique-constraint
// conflict (DD-010 in the teacher pack: "Migrated from lib/pq" to
// jackc/pgx/v5/pgconn for driver-typed error codes).
const pgUniqueViolation = "23505"

// ErrConflict is returned when a write would violate a unique constraint
// (a run or phase id collision from a concurrent writer outside this
// process's advisory lock).
var ErrConflict = errors.New("store: conflict")

// mapError translates a raw database/sql error into a sentinel where one
// applies, leaving anything else wrapped for %w unwrapping.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
	}
	return err
}
