package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/yeremiapane/restaurant-sync/cache"
	"github.com/yeremiapane/restaurant-sync/config"
	"github.com/yeremiapane/restaurant-sync/database"
	"github.com/yeremiapane/restaurant-sync/imagehost"
	"github.com/yeremiapane/restaurant-sync/kds"
	"github.com/yeremiapane/restaurant-sync/models"
	"github.com/yeremiapane/restaurant-sync/monitor"
	"github.com/yeremiapane/restaurant-sync/queue"
	"github.com/yeremiapane/restaurant-sync/remote"
	"github.com/yeremiapane/restaurant-sync/router"
	"github.com/yeremiapane/restaurant-sync/services"
	"github.com/yeremiapane/restaurant-sync/store"
	"github.com/yeremiapane/restaurant-sync/synchronizer"
	"github.com/yeremiapane/restaurant-sync/utils"
)

func main() {
	utils.InitLogger()

	cfg, err := config.Load()
	if err != nil {
		utils.ErrorLogger.Fatalf("Failed to load config: %v", err)
	}
	if err := utils.SetLogLevel(cfg.LogLevel); err != nil {
		utils.InfoLogger.Warnf("Unknown LOG_LEVEL %q, keeping info", cfg.LogLevel)
	}
	if cfg.GinMode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	if cfg.JWTSecret == "" {
		utils.InfoLogger.Warn("JWT_SECRET is empty, admin routes will reject every token")
	}
	utils.SetJWTSecret(cfg.JWTSecret)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize DB: local (SQLite di perangkat) + remote (pusat)
	localDB, err := database.OpenLocal(cfg.LocalDBPath)
	if err != nil {
		utils.ErrorLogger.Fatalf("Failed to open local database: %v", err)
	}
	defer database.Close(localDB)

	remoteDB, err := database.OpenRemote(cfg.RemoteDBDriver, cfg.RemoteDBDSN)
	if err != nil {
		utils.ErrorLogger.Fatalf("Failed to connect to remote database: %v", err)
	}
	defer database.Close(remoteDB)

	localStore, err := store.New(localDB)
	if err != nil {
		utils.ErrorLogger.Fatalf("Failed to prepare local store: %v", err)
	}
	syncQueue, err := queue.New(localStore)
	if err != nil {
		utils.ErrorLogger.Fatalf("Failed to prepare sync queue: %v", err)
	}

	remoteSvc, err := remote.NewGormService(remoteDB)
	if err != nil {
		utils.ErrorLogger.Fatalf("Failed to prepare remote service: %v", err)
	}
	remoteSvc.Changes.Interval = cfg.ChangePollInterval
	remoteSvc.Changes.Start()
	defer remoteSvc.Changes.Stop()

	syncer := synchronizer.New(localStore, syncQueue, remoteSvc, synchronizer.Options{
		Strategy:  cfg.ConflictStrategy,
		Relations: models.OrderRelations,
		Backoff: queue.Backoff{
			Base:        cfg.SyncBackoffBase,
			Max:         cfg.SyncBackoffMax,
			MaxAttempts: cfg.SyncMaxAttempts,
		},
	})

	hub := kds.NewHub()
	defer hub.Close()
	syncer.AddObserver(hub)

	var prober monitor.Prober = monitor.PingProber{Remote: remoteSvc, Collection: models.CollectionSettings}
	if cfg.ProbeURL != "" {
		prober = monitor.HTTPProber{URL: cfg.ProbeURL, Client: &http.Client{Timeout: 5 * time.Second}}
	}
	netMonitor := monitor.New(syncer, monitor.Config{
		RefreshInterval: cfg.SyncPollInterval,
		AutoDrain:       cfg.SyncAutoDrain,
		Prober:          prober,
		ProbeInterval:   cfg.ProbeInterval,
		InitialOnline:   prober.Probe(ctx),
	})
	netMonitor.OnChange(func(s monitor.Status) {
		hub.BroadcastSyncStatus(s)
	})
	syncer.SetConnectivity(netMonitor.IsOnline)
	netMonitor.Start(ctx)

	// Cache worker (pengganti service worker di browser)
	cacheStorage, err := cache.NewStorage(localDB, cfg.CacheHotEntries)
	if err != nil {
		utils.ErrorLogger.Fatalf("Failed to prepare cache storage: %v", err)
	}
	worker, err := cache.NewWorker(cache.Config{
		OriginURL:    cfg.CacheOriginURL,
		Version:      cfg.CacheVersion,
		DataPrefixes: cfg.CacheDataPrefixes,
		OfflinePage:  cfg.CacheOfflinePage,
		PrecacheURLs: cfg.CachePrecacheURLs,
		Client:       &http.Client{Timeout: 15 * time.Second},
	}, cacheStorage)
	if err != nil {
		utils.ErrorLogger.Fatalf("Failed to prepare cache worker: %v", err)
	}
	if err := worker.Install(ctx); err != nil {
		utils.InfoLogger.Warnf("Cache install incomplete: %v", err)
	}
	if purged, err := worker.Activate(ctx); err != nil {
		utils.ErrorLogger.Errorf("Error activating cache %s: %v", cfg.CacheVersion, err)
	} else if len(purged) > 0 {
		utils.InfoLogger.WithFields(logrus.Fields{"purged": purged}).Info("Old caches removed")
	}

	var images imagehost.Host
	if cfg.ImagesEnabled() {
		s3Host, err := imagehost.NewS3Host(ctx, imagehost.S3Config{
			Bucket:          cfg.ImageBucket,
			Endpoint:        cfg.ImageEndpoint,
			Region:          cfg.ImageRegion,
			AccessKeyID:     cfg.ImageAccessKeyID,
			SecretAccessKey: cfg.ImageSecretAccessKey,
			PublicURL:       cfg.ImagePublicURL,
		})
		if err != nil {
			utils.ErrorLogger.Fatalf("Failed to prepare image bucket: %v", err)
		}
		images = s3Host
	} else {
		utils.InfoLogger.Warn("IMAGE_BUCKET not configured, images are kept in memory")
		images = imagehost.NewMemoryHost(cfg.ImagePublicURL)
	}

	downloader := services.NewEssentialDataDownloader(localStore, remoteSvc, worker, services.DownloaderConfig{
		MaxAge: cfg.MenuMaxAge,
	})
	downloader.OnRefresh(func(res services.DownloadResult) {
		hub.BroadcastMenuRefreshed(res)
	})
	if netMonitor.IsOnline() {
		if _, err := downloader.Download(ctx, false); err != nil {
			utils.ErrorLogger.Errorf("Error downloading essential data: %v", err)
		}
	}
	stopWatch := downloader.Watch()
	defer stopWatch()

	cleanup := services.NewCleanupService(localStore, syncQueue, remoteSvc, images, services.CleanupConfig{
		Retention:      cfg.OrderRetention,
		LocalRetention: cfg.LocalRetention,
	})

	r := router.SetupRouter(router.Deps{
		Store:              localStore,
		Queue:              syncQueue,
		Sync:               syncer,
		Monitor:            netMonitor,
		Hub:                hub,
		Worker:             worker,
		Downloader:         downloader,
		Cleanup:            cleanup,
		Images:             images,
		CORSOrigin:         cfg.CORSOrigin,
		RateLimitPerSecond: cfg.RateLimitPerSecond,
	})
	r.SetTrustedProxies([]string{"127.0.0.1"})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		utils.InfoLogger.Printf("Listening on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			utils.ErrorLogger.Fatalf("Server error: %v", err)
		}
	}()

	<-ctx.Done()
	utils.InfoLogger.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		utils.ErrorLogger.Errorf("Error during server shutdown: %v", err)
	}
	netMonitor.Stop()
	netMonitor.Wait()
}
