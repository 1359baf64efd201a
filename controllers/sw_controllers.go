package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yeremiapane/restaurant-sync/cache"
	"github.com/yeremiapane/restaurant-sync/utils"
)

// ServiceWorkerController relays page messages to the cache worker.
type ServiceWorkerController struct {
	Worker *cache.Worker
}

func NewServiceWorkerController(w *cache.Worker) *ServiceWorkerController {
	return &ServiceWorkerController{Worker: w}
}

// HandleMessage -> {"type":"SKIP_WAITING"} atau {"type":"CACHE_URLS","urls":[...]}
func (sc *ServiceWorkerController) HandleMessage(c *gin.Context) {
	var msg cache.Message
	if err := c.ShouldBindJSON(&msg); err != nil {
		utils.RespondError(c, http.StatusBadRequest, err)
		return
	}
	result, err := sc.Worker.HandleMessage(c.Request.Context(), msg)
	if err != nil {
		utils.RespondError(c, http.StatusBadRequest, err)
		return
	}
	utils.RespondJSON(c, http.StatusOK, "Message handled", result)
}
