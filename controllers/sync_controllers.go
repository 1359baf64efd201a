package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yeremiapane/restaurant-sync/monitor"
	"github.com/yeremiapane/restaurant-sync/queue"
	"github.com/yeremiapane/restaurant-sync/utils"
)

type SyncController struct {
	Monitor *monitor.Monitor
	Queue   *queue.SyncQueue
}

func NewSyncController(m *monitor.Monitor, q *queue.SyncQueue) *SyncController {
	return &SyncController{Monitor: m, Queue: q}
}

// GetStatus -> status koneksi + isi antrian
func (sc *SyncController) GetStatus(c *gin.Context) {
	ctx := c.Request.Context()
	if err := sc.Monitor.Refresh(ctx); err != nil {
		utils.InfoLogger.Warnf("Refreshing pending count: %v", err)
	}
	stats, err := sc.Queue.Stats(ctx)
	if err != nil {
		utils.RespondAppError(c, err)
		return
	}
	utils.RespondJSON(c, http.StatusOK, "Sync status", gin.H{
		"status": sc.Monitor.Status(),
		"queue":  stats,
	})
}

// RunSync drains the queue now. 202 when nothing was started
// (offline or a drain already running).
func (sc *SyncController) RunSync(c *gin.Context) {
	summary, started, err := sc.Monitor.ManualSync(c.Request.Context())
	if err != nil {
		utils.RespondAppError(c, err)
		return
	}
	if !started {
		utils.RespondJSON(c, http.StatusAccepted, "Sync not started", sc.Monitor.Status())
		return
	}
	utils.RespondJSON(c, http.StatusOK, "Sync finished", summary)
}

// SetConnectivity lets the browser report online/offline events.
func (sc *SyncController) SetConnectivity(c *gin.Context) {
	var req struct {
		Online *bool `json:"online" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.RespondError(c, http.StatusBadRequest, err)
		return
	}
	sc.Monitor.SetOnline(*req.Online)
	utils.RespondJSON(c, http.StatusOK, "Connectivity updated", sc.Monitor.Status())
}
