package dialect

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsPostgres(t *testing.T) {
	assert.True(t, IsPostgres(PGX))
	assert.False(t, IsPostgres(SQLite3))
	assert.False(t, IsPostgres("mysql"))
}

func TestJSONParam(t *testing.T) {
	assert.Equal(t, "CAST(? AS jsonb)", JSONParam(PGX))
	assert.Equal(t, "?", JSONParam(SQLite3))
}

func TestTextArrayHelpers(t *testing.T) {
	assert.Equal(t, "?", TextArrayParam(SQLite3))
	assert.Contains(t, TextArrayParam(PGX), "json_array_elements_text")

	assert.Equal(t, "files_modified", TextArrayColumn(SQLite3, "files_modified"))
	assert.Equal(t, "array_to_json(files_modified)::text", TextArrayColumn(PGX, "files_modified"))
}

func TestNow(t *testing.T) {
	assert.Equal(t, "NOW()", Now(PGX))
	assert.Equal(t, "CURRENT_TIMESTAMP", Now(SQLite3))
}
