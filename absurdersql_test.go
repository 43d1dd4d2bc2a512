package absurdersql

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenExecuteClose(t *testing.T) {
	cfg := NewConfig("root_api_test")
	cfg.BaseDir = t.TempDir()
	cfg.LeaseDuration = 2 * time.Second
	cfg.HeartbeatInterval = 100 * time.Millisecond

	handle, err := Open(cfg)
	require.NoError(t, err)

	_, err = handle.Execute("CREATE TABLE notes (id INTEGER PRIMARY KEY, body TEXT)")
	require.NoError(t, err)
	res, err := handle.ExecuteWithParams("INSERT INTO notes (body) VALUES (?)", []interface{}{"first"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.LastInsertID)

	require.NoError(t, handle.Sync())
	assert.True(t, handle.IsLeader())

	rows, err := handle.Query("SELECT body FROM notes")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "first", rows[0][0])

	require.NoError(t, handle.Close())
	_, err = handle.Execute("SELECT 1")
	assert.True(t, errors.Is(err, ErrDatabaseClosed))
}

func TestDeleteDatabaseFromRoot(t *testing.T) {
	cfg := NewConfig("root_delete_test")
	cfg.BaseDir = t.TempDir()

	handle, err := Open(cfg)
	require.NoError(t, err)
	_, err = handle.Execute("CREATE TABLE t (id INTEGER)")
	require.NoError(t, err)
	require.NoError(t, handle.Sync())
	require.NoError(t, handle.Close())

	require.NoError(t, DeleteDatabase(cfg))
}
