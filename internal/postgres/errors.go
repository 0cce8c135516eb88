package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// sqlState extracts the five-character SQLSTATE code from err, or "" when err
// does not wrap a PostgreSQL error. Repositories never inspect pgconn directly;
// they classify through the helpers below so driver types stay in this package.
func sqlState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// IsUniqueViolation reports whether err is a unique constraint violation
// (SQLSTATE 23505). Repositories map this onto their duplicate-key sentinels.
func IsUniqueViolation(err error) bool {
	return sqlState(err) == "23505"
}

// IsForeignKeyViolation reports whether err is a foreign key constraint
// violation (SQLSTATE 23503), typically a parent row missing or already deleted.
func IsForeignKeyViolation(err error) bool {
	return sqlState(err) == "23503"
}
