// Package dialect papers over the SQL differences between the embedded
// SQLite backend and PostgreSQL. Queries in the store are written once
// against sqlx bindvars; the helpers here supply the fragments that cannot
// be shared verbatim.
package dialect

// Driver names as registered by the respective database/sql drivers.
const (
	SQLite3 = "sqlite3"
	PGX     = "pgx"
)

// IsPostgres reports whether driver names the PostgreSQL backend.
func IsPostgres(driver string) bool {
	return driver == PGX
}

// BoolToInt maps a bool onto the 0/1 integer columns used by the schema.
// SQLite has no native boolean type.
func BoolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
