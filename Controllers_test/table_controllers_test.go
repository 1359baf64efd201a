package Controllers_test

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yeremiapane/restaurant-sync/models"
)

func TestGetAllTables(t *testing.T) {
	app := newTestApp(t, false)

	w, env := app.request(t, http.MethodGet, "/tables", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var tables []models.Table
	decode(t, env.Data, &tables)
	require.Len(t, tables, 2)
	assert.Equal(t, "01", tables[0].TableNumber)

	_, env = app.request(t, http.MethodGet, "/tables?status=occupied", nil, "")
	var occupied []models.Table
	decode(t, env.Data, &occupied)
	require.Len(t, occupied, 1)
	assert.Equal(t, "t2", occupied[0].ID)
}

func TestGetAllWaiters(t *testing.T) {
	app := newTestApp(t, false)

	w, env := app.request(t, http.MethodGet, "/waiters", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var waiters []map[string]string
	decode(t, env.Data, &waiters)
	assert.Equal(t, []map[string]string{{"id": "w1", "name": "Budi"}}, waiters)
}
