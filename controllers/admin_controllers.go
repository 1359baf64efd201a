package controllers

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/yeremiapane/restaurant-sync/imagehost"
	"github.com/yeremiapane/restaurant-sync/queue"
	"github.com/yeremiapane/restaurant-sync/services"
	"github.com/yeremiapane/restaurant-sync/utils"
)

const maxImageSize = 10 << 20

// AdminController exposes queue maintenance, menu refresh, cleanup jobs and
// image uploads. Routes sit behind AuthMiddleware + RequireRole("admin").
type AdminController struct {
	Queue      *queue.SyncQueue
	Downloader *services.EssentialDataDownloader
	Cleanup    *services.CleanupService
	Images     imagehost.Host
}

func NewAdminController(q *queue.SyncQueue, d *services.EssentialDataDownloader, cl *services.CleanupService, images imagehost.Host) *AdminController {
	return &AdminController{Queue: q, Downloader: d, Cleanup: cl, Images: images}
}

// GetQueue -> semua entry antrian (pending, syncing, failed, dead)
func (ac *AdminController) GetQueue(c *gin.Context) {
	entries, err := ac.Queue.All(c.Request.Context())
	if err != nil {
		utils.RespondAppError(c, err)
		return
	}
	utils.RespondJSON(c, http.StatusOK, "Sync queue", entries)
}

func (ac *AdminController) GetDeadLetters(c *gin.Context) {
	entries, err := ac.Queue.DeadLetters(c.Request.Context())
	if err != nil {
		utils.RespondAppError(c, err)
		return
	}
	utils.RespondJSON(c, http.StatusOK, "Dead-lettered entries", entries)
}

func (ac *AdminController) RetryEntry(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("entry_id")
	if err := ac.Queue.Requeue(ctx, id); err != nil {
		utils.RespondAppError(c, err)
		return
	}
	entry, err := ac.Queue.Get(ctx, id)
	if err != nil {
		utils.RespondAppError(c, err)
		return
	}
	utils.InfoLogger.WithFields(logrus.Fields{"entry": id, "user": c.GetString("user_id")}).Info("Queue entry requeued")
	utils.RespondJSON(c, http.StatusOK, "Entry requeued", entry)
}

// RetryAll clears the backoff of every failed entry.
func (ac *AdminController) RetryAll(c *gin.Context) {
	n, err := ac.Queue.RetryAll(c.Request.Context())
	if err != nil {
		utils.RespondAppError(c, err)
		return
	}
	utils.RespondJSON(c, http.StatusOK, "Failed entries rescheduled", gin.H{"rescheduled": n})
}

// DeleteEntry drops an entry without sending it. The local record keeps its
// synced=false flag.
func (ac *AdminController) DeleteEntry(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("entry_id")
	if _, err := ac.Queue.Get(ctx, id); err != nil {
		utils.RespondAppError(c, err)
		return
	}
	if err := ac.Queue.Remove(ctx, id); err != nil {
		utils.RespondAppError(c, err)
		return
	}
	utils.InfoLogger.WithFields(logrus.Fields{"entry": id, "user": c.GetString("user_id")}).Warn("Queue entry discarded")
	utils.RespondJSON(c, http.StatusOK, "Entry removed", gin.H{"entry_id": id})
}

// RefreshMenus -> paksa download ulang menu, meja, waiter
func (ac *AdminController) RefreshMenus(c *gin.Context) {
	result, err := ac.Downloader.Download(c.Request.Context(), true)
	if err != nil {
		utils.RespondAppError(c, err)
		return
	}
	utils.RespondJSON(c, http.StatusOK, "Essential data refreshed", result)
}

// CleanupOrders archives and purges old finished orders. Failures answer
// with a plain {error} body so the dashboard can show the cause.
func (ac *AdminController) CleanupOrders(c *gin.Context) {
	result, err := ac.Cleanup.PurgeOrders(c.Request.Context())
	if err != nil {
		utils.ErrorLogger.Errorf("Error purging orders: %v", err)
		c.JSON(utils.StatusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (ac *AdminController) CleanupLocal(c *gin.Context) {
	result, err := ac.Cleanup.PruneLocal(c.Request.Context())
	if err != nil {
		utils.RespondAppError(c, err)
		return
	}
	utils.RespondJSON(c, http.StatusOK, "Local data pruned", result)
}

// UploadImage -> form field "image", maks 10MB
func (ac *AdminController) UploadImage(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxImageSize+1<<20)
	header, err := c.FormFile("image")
	if err != nil {
		utils.RespondError(c, http.StatusBadRequest, errors.New("image file is required"))
		return
	}
	if header.Size > maxImageSize {
		utils.RespondError(c, http.StatusRequestEntityTooLarge, errors.New("image exceeds 10MB"))
		return
	}

	file, err := header.Open()
	if err != nil {
		utils.RespondError(c, http.StatusBadRequest, err)
		return
	}
	defer file.Close()
	content, err := io.ReadAll(file)
	if err != nil {
		utils.RespondError(c, http.StatusBadRequest, err)
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = imagehost.ContentTypeFor(header.Filename)
	}
	image, err := ac.Images.Upload(c.Request.Context(), header.Filename, content, contentType)
	if err != nil {
		utils.RespondAppError(c, err)
		return
	}
	utils.InfoLogger.Printf("Image uploaded: %s (%d bytes)", image.ID, image.Size)
	utils.RespondJSON(c, http.StatusCreated, "Image uploaded", image)
}

// DeleteImage -> id berupa object key (images/<uuid>.png), route pakai *image_id
func (ac *AdminController) DeleteImage(c *gin.Context) {
	id := strings.TrimPrefix(c.Param("image_id"), "/")
	if id == "" {
		utils.RespondError(c, http.StatusBadRequest, errors.New("image id is required"))
		return
	}
	freed, err := ac.Images.Delete(c.Request.Context(), id)
	if err != nil {
		utils.RespondAppError(c, err)
		return
	}
	utils.RespondJSON(c, http.StatusOK, "Image deleted", gin.H{"image_id": id, "sizeFreed": freed})
}
