package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yeremiapane/restaurant-sync/cache"
	"github.com/yeremiapane/restaurant-sync/controllers"
	"github.com/yeremiapane/restaurant-sync/imagehost"
	"github.com/yeremiapane/restaurant-sync/kds"
	"github.com/yeremiapane/restaurant-sync/middlewares"
	"github.com/yeremiapane/restaurant-sync/monitor"
	"github.com/yeremiapane/restaurant-sync/queue"
	"github.com/yeremiapane/restaurant-sync/services"
	"github.com/yeremiapane/restaurant-sync/store"
	"github.com/yeremiapane/restaurant-sync/synchronizer"
)

// Deps is everything the HTTP layer talks to.
type Deps struct {
	Store      *store.LocalStore
	Queue      *queue.SyncQueue
	Sync       *synchronizer.Synchronizer
	Monitor    *monitor.Monitor
	Hub        *kds.Hub
	Worker     *cache.Worker
	Downloader *services.EssentialDataDownloader
	Cleanup    *services.CleanupService
	Images     imagehost.Host

	CORSOrigin         string
	RateLimitPerSecond float64
}

func SetupRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	// Apply security middlewares
	r.Use(middlewares.SecurityHeaders())
	r.Use(middlewares.CORSMiddlewares(d.CORSOrigin))
	r.Use(middlewares.LoggerMiddleware())
	r.Use(middlewares.MetricsMiddleware())

	// Inisialisasi controller
	orderCtrl := controllers.NewOrderController(d.Store, d.Sync, d.Hub)
	menuCtrl := controllers.NewMenuController(d.Store)
	tableCtrl := controllers.NewTableController(d.Store)
	syncCtrl := controllers.NewSyncController(d.Monitor, d.Queue)
	adminCtrl := controllers.NewAdminController(d.Queue, d.Downloader, d.Cleanup, d.Images)
	swCtrl := controllers.NewServiceWorkerController(d.Worker)

	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// ----------------------------------------------------------------
	//                      PUBLIC ROUTES (POS)
	// ----------------------------------------------------------------
	api := r.Group("/")
	if d.RateLimitPerSecond > 0 {
		burst := int(d.RateLimitPerSecond * 2)
		if burst < 1 {
			burst = 1
		}
		api.Use(middlewares.NewRateLimiter(d.RateLimitPerSecond, burst).RateLimit())
	}
	{
		api.GET("/menus", menuCtrl.GetAllMenus)
		api.GET("/categories", menuCtrl.GetAllCategories)
		api.GET("/tables", tableCtrl.GetAllTables)
		api.GET("/waiters", tableCtrl.GetAllWaiters)

		api.GET("/orders", orderCtrl.GetAllOrders)
		api.POST("/orders", orderCtrl.CreateOrder)
		api.GET("/orders/:order_id", orderCtrl.GetOrderByID)
		api.PATCH("/orders/:order_id", orderCtrl.UpdateOrder)
		api.DELETE("/orders/:order_id", orderCtrl.DeleteOrder)
		api.PATCH("/orders/:order_id/items/:item_id", orderCtrl.UpdateOrderItem)

		api.GET("/sync/status", syncCtrl.GetStatus)
		api.POST("/sync/run", syncCtrl.RunSync)
		api.POST("/sync/connectivity", syncCtrl.SetConnectivity)

		api.POST("/sw/message", swCtrl.HandleMessage)
	}

	// WebSocket endpoint dengan middleware khusus (?token=)
	r.GET("/kds/ws", middlewares.WebSocketAuthMiddleware(), controllers.KDSHandler(d.Hub))

	// ----------------------------------------------------------------
	//                      ADMIN ROUTES
	// ----------------------------------------------------------------
	admin := r.Group("/admin")
	admin.Use(middlewares.AuthMiddleware(), middlewares.RequireRole("admin"))
	{
		admin.GET("/sync/queue", adminCtrl.GetQueue)
		admin.GET("/sync/dead-letters", adminCtrl.GetDeadLetters)
		admin.POST("/sync/queue/:entry_id/retry", adminCtrl.RetryEntry)
		admin.DELETE("/sync/queue/:entry_id", adminCtrl.DeleteEntry)
		admin.POST("/sync/retry-failed", adminCtrl.RetryAll)

		admin.POST("/menus/refresh", adminCtrl.RefreshMenus)

		admin.POST("/cleanup/orders", adminCtrl.CleanupOrders)
		admin.POST("/cleanup/local", adminCtrl.CleanupLocal)

		admin.POST("/images", adminCtrl.UploadImage)
		admin.DELETE("/images/*image_id", adminCtrl.DeleteImage)
	}

	// Sisanya (halaman, asset, gambar, /rest/v1) lewat cache worker
	if d.Worker != nil {
		r.NoRoute(gin.WrapH(d.Worker))
	}

	return r
}
