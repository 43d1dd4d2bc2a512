package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsReadOnly(t *testing.T) {
	reads := []string{
		"SELECT * FROM t",
		"select count(*) from t",
		"  \n\tSELECT 1",
		"-- comment\nSELECT 1",
		"/* block comment */ SELECT 1",
		"EXPLAIN QUERY PLAN SELECT 1",
		"PRAGMA user_version",
		"VALUES (1), (2)",
	}
	for _, sql := range reads {
		assert.True(t, isReadOnly(sql), "expected read-only: %q", sql)
	}

	writes := []string{
		"INSERT INTO t VALUES (1)",
		"update t set v = 2",
		"DELETE FROM t",
		"REPLACE INTO t VALUES (1)",
		"CREATE TABLE t (id INTEGER)",
		"DROP TABLE t",
		"ALTER TABLE t ADD COLUMN v",
		"WITH cte AS (SELECT 1) INSERT INTO t SELECT * FROM cte",
		"VACUUM",
		"",
	}
	for _, sql := range writes {
		assert.False(t, isReadOnly(sql), "expected write: %q", sql)
	}
}

func TestIsDDL(t *testing.T) {
	assert.True(t, isDDL("CREATE TABLE t (id INTEGER)"))
	assert.True(t, isDDL("drop index idx_t_v"))
	assert.True(t, isDDL("ALTER TABLE t RENAME TO u"))
	assert.False(t, isDDL("INSERT INTO t VALUES (1)"))
	assert.False(t, isDDL("SELECT 1"))
}

func TestFirstKeywordUnterminatedComment(t *testing.T) {
	assert.Equal(t, "", firstKeyword("/* never closed"))
	assert.Equal(t, "", firstKeyword("-- only a comment"))
}
