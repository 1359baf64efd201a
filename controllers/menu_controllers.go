package controllers

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/yeremiapane/restaurant-sync/models"
	"github.com/yeremiapane/restaurant-sync/store"
	"github.com/yeremiapane/restaurant-sync/utils"
)

// MenuController serves the downloaded menu from the local store, so it
// keeps working while the remote is unreachable.
type MenuController struct {
	Store *store.LocalStore
}

func NewMenuController(s *store.LocalStore) *MenuController {
	return &MenuController{Store: s}
}

// GetAllMenus -> ?category_id= dan ?available=true untuk filter
func (mc *MenuController) GetAllMenus(c *gin.Context) {
	ctx := c.Request.Context()

	var (
		recs []models.Record
		err  error
	)
	if categoryID := c.Query("category_id"); categoryID != "" {
		recs, err = mc.Store.Find(ctx, models.CollectionMenuItems, "category_id", categoryID)
	} else {
		recs, err = mc.Store.GetAll(ctx, models.CollectionMenuItems)
	}
	if err != nil {
		utils.RespondAppError(c, err)
		return
	}

	onlyAvailable := c.Query("available") == "true"
	menus := make([]models.MenuItem, 0, len(recs))
	for _, rec := range recs {
		item := models.MenuItemFromRecord(rec)
		if onlyAvailable && !item.Available {
			continue
		}
		menus = append(menus, item)
	}
	sort.Slice(menus, func(i, j int) bool { return menus[i].Name < menus[j].Name })
	utils.RespondJSON(c, http.StatusOK, "List of menus", menus)
}

func (mc *MenuController) GetAllCategories(c *gin.Context) {
	recs, err := mc.Store.GetAll(c.Request.Context(), models.CollectionMenuCategories)
	if err != nil {
		utils.RespondAppError(c, err)
		return
	}
	categories := make([]gin.H, 0, len(recs))
	for _, rec := range recs {
		categories = append(categories, gin.H{"id": rec.ID, "name": rec.String("name")})
	}
	sort.Slice(categories, func(i, j int) bool {
		return categories[i]["name"].(string) < categories[j]["name"].(string)
	})
	utils.RespondJSON(c, http.StatusOK, "List of categories", categories)
}
