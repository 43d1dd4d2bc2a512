package pool

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fileOpener(t *testing.T) func() (*sql.DB, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pool_test.db")
	return func() (*sql.DB, error) {
		return sql.Open("sqlite3", fmt.Sprintf("file:%s?_pragma=busy_timeout(1000)", path))
	}
}

func TestAcquireSharesConnection(t *testing.T) {
	p := New()
	open := fileOpener(t)

	db1, err := p.Acquire("shared", open)
	require.NoError(t, err)
	db2, err := p.Acquire("shared", open)
	require.NoError(t, err)
	assert.Same(t, db1, db2, "one connection per name")

	require.NoError(t, p.Release("shared"))
	assert.True(t, p.Exists("shared"), "still referenced")
	require.NoError(t, p.Release("shared"))
	assert.False(t, p.Exists("shared"), "closed at zero references")
}

func TestNormalizationSharesEntry(t *testing.T) {
	p := New()
	open := fileOpener(t)

	db1, err := p.Acquire("app", open)
	require.NoError(t, err)
	db2, err := p.Acquire("app.db", open)
	require.NoError(t, err)
	assert.Same(t, db1, db2, `"app" and "app.db" are the same pool entry`)

	require.NoError(t, p.Release("app"))
	require.NoError(t, p.Release("app.db"))
	assert.False(t, p.Exists("app"))
}

func TestForceCloseIgnoresRefCount(t *testing.T) {
	p := New()
	open := fileOpener(t)

	db1, err := p.Acquire("forced", open)
	require.NoError(t, err)
	_, err = p.Acquire("forced", open)
	require.NoError(t, err)

	require.NoError(t, p.ForceClose("forced"))
	assert.False(t, p.Exists("forced"))

	// A fresh acquire yields a new connection, never the pre-close one.
	db2, err := p.Acquire("forced", open)
	require.NoError(t, err)
	assert.NotSame(t, db1, db2)
	require.NoError(t, p.Release("forced"))
}

func TestReleaseUnknownIsNoOp(t *testing.T) {
	p := New()
	require.NoError(t, p.Release("never-opened"))
	require.NoError(t, p.ForceClose("never-opened"))
}

func TestConnReturnsWithoutRef(t *testing.T) {
	p := New()
	open := fileOpener(t)

	assert.Nil(t, p.Conn("peek"))
	db, err := p.Acquire("peek", open)
	require.NoError(t, err)
	assert.Same(t, db, p.Conn("peek"))
	require.NoError(t, p.Release("peek"))
}
