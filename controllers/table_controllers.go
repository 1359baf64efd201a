package controllers

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/yeremiapane/restaurant-sync/models"
	"github.com/yeremiapane/restaurant-sync/store"
	"github.com/yeremiapane/restaurant-sync/utils"
)

type TableController struct {
	Store *store.LocalStore
}

func NewTableController(s *store.LocalStore) *TableController {
	return &TableController{Store: s}
}

// GetAllTables -> semua meja, ?status= untuk filter (available, occupied, dirty)
func (tc *TableController) GetAllTables(c *gin.Context) {
	recs, err := tc.Store.GetAll(c.Request.Context(), models.CollectionTables)
	if err != nil {
		utils.RespondAppError(c, err)
		return
	}
	status := c.Query("status")
	tables := make([]models.Table, 0, len(recs))
	for _, rec := range recs {
		table := models.TableFromRecord(rec)
		if status != "" && table.Status != status {
			continue
		}
		tables = append(tables, table)
	}
	sort.Slice(tables, func(i, j int) bool { return tables[i].TableNumber < tables[j].TableNumber })
	utils.RespondJSON(c, http.StatusOK, "List of tables", tables)
}

func (tc *TableController) GetAllWaiters(c *gin.Context) {
	recs, err := tc.Store.GetAll(c.Request.Context(), models.CollectionWaiters)
	if err != nil {
		utils.RespondAppError(c, err)
		return
	}
	waiters := make([]gin.H, 0, len(recs))
	for _, rec := range recs {
		waiters = append(waiters, gin.H{"id": rec.ID, "name": rec.String("name")})
	}
	utils.RespondJSON(c, http.StatusOK, "List of waiters", waiters)
}
