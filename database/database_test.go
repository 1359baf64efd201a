package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenLocalUsesSingleConnection(t *testing.T) {
	db, err := OpenLocal(filepath.Join(t.TempDir(), "nested", "local.db"))
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	assert.Equal(t, 1, sqlDB.Stats().MaxOpenConnections)
	require.NoError(t, sqlDB.Ping())

	require.NoError(t, Close(db))
	assert.Error(t, sqlDB.Ping())
}

func TestOpenLocalRejectsEmptyPath(t *testing.T) {
	_, err := OpenLocal("")
	assert.Error(t, err)
}

func TestCloseNil(t *testing.T) {
	assert.NoError(t, Close(nil))
}

func TestOpenRemoteSQLite(t *testing.T) {
	db, err := OpenRemote("sqlite", filepath.Join(t.TempDir(), "remote.db"))
	require.NoError(t, err)
	t.Cleanup(func() { Close(db) })

	sqlDB, err := db.DB()
	require.NoError(t, err)
	assert.NoError(t, sqlDB.Ping())
}

func TestOpenRemoteUnknownDriver(t *testing.T) {
	_, err := OpenRemote("postgres", "host=db")
	assert.ErrorContains(t, err, "unsupported remote driver")
}
