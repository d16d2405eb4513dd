// Package dialect provides SQL fragment helpers for SQLite/PostgreSQL portability.
package dialect

const (
	SQLite3 = "sqlite3"
	PGX     = "pgx"
)

// IsPostgres returns true if the driver is PostgreSQL (pgx).
func IsPostgres(driver string) bool {
	return driver == PGX
}

// Now returns the SQL expression for the current timestamp, used in column
// defaults. Both forms evaluate in UTC.
func Now(driver string) string {
	if IsPostgres(driver) {
		return "NOW()"
	}
	return "CURRENT_TIMESTAMP"
}

// JSONParam wraps a bound parameter destined for a JSON column. Postgres
// requires an explicit cast from the text parameter to jsonb; SQLite stores
// the JSON text as-is.
func JSONParam(driver string) string {
	if IsPostgres(driver) {
		return "CAST(? AS jsonb)"
	}
	return "?"
}

// TextArrayParam wraps a bound parameter destined for a string-array column.
// The parameter is always a JSON array of strings; Postgres unpacks it into
// a native text[], SQLite stores the JSON text directly.
func TextArrayParam(driver string) string {
	if IsPostgres(driver) {
		return "(SELECT COALESCE(array_agg(value), '{}'::text[]) FROM json_array_elements_text(CAST(? AS json)))"
	}
	return "?"
}

// TextArrayColumn returns a select expression that reads a string-array
// column back as JSON text, so both drivers scan into the same []byte shape.
func TextArrayColumn(driver, column string) string {
	if IsPostgres(driver) {
		return "array_to_json(" + column + ")::text"
	}
	return column
}
