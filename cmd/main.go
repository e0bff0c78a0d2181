package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/HaoLiu-CQUPT/hybrid-chat/internal/config"
	"github.com/HaoLiu-CQUPT/hybrid-chat/internal/events"
	"github.com/HaoLiu-CQUPT/hybrid-chat/internal/generator"
	"github.com/HaoLiu-CQUPT/hybrid-chat/internal/handler"
	"github.com/HaoLiu-CQUPT/hybrid-chat/internal/hub"
	"github.com/HaoLiu-CQUPT/hybrid-chat/internal/media"
	"github.com/HaoLiu-CQUPT/hybrid-chat/internal/presence"
	"github.com/HaoLiu-CQUPT/hybrid-chat/internal/registry"
	"github.com/HaoLiu-CQUPT/hybrid-chat/internal/repository"
	"github.com/HaoLiu-CQUPT/hybrid-chat/internal/service"
	pkglog "github.com/HaoLiu-CQUPT/hybrid-chat/pkg/log"
	"github.com/HaoLiu-CQUPT/hybrid-chat/pkg/pubsub"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("failed to load config")
	}

	// Initialize structured logger
	pkglog.Init(pkglog.Config{
		Level:       cfg.Log.Level,
		Pretty:      cfg.Log.Pretty,
		ServiceName: "hybrid-chat",
	})
	logger := pkglog.L()

	if cfg.WatchLogLevel(func(level string) {
		pkglog.SetLevel(level)
		l := pkglog.L()
		l.Warn().Str("level", level).Msg("log level changed")
	}) {
		logger.Debug().Msg("watching config file for log level changes")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Message store
	repo, err := repository.Open(ctx, cfg.Store)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.Store.Driver).Msg("failed to open message store")
	}
	logger.Info().Str("driver", cfg.Store.Driver).Msg("message store ready")

	ids, err := generator.New(cfg.ID)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create id generator")
	}

	// Media offload
	blobs, err := media.NewStorage(ctx, cfg.Media)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.Media.Driver).Msg("failed to open media storage")
	}
	var offloader service.MediaOffloader
	if blobs != nil {
		offloader = media.NewOffloader(blobs, cfg.Media.Prefix, cfg.Media.URLExpiry)
	}

	// Event stream
	publisher, err := pubsub.NewPublisher(cfg.Events)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.Events.Driver).Msg("failed to create event publisher")
	}
	forwarder := events.NewForwarder(publisher, 0)
	forwarder.Start()

	// Presence mirror
	var (
		observer presence.Observer
		mirror   *registry.RedisMirror
	)
	if cfg.Presence.Mirror == "redis" {
		mirror, err = registry.NewRedisMirror(cfg.Presence.Redis)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect presence mirror")
		}
		mirror.Start(ctx)
		observer = mirror
	}

	wsHub := hub.NewHub(cfg.WebSocket)
	presenceRegistry := presence.NewRegistry(observer)

	historySvc := service.NewHistoryService(repo, cfg.Chat)
	searchSvc := service.NewSearchService(repo, cfg.Chat.SearchLimit)
	sessionMgr := service.NewSessionManager(wsHub, presenceRegistry, historySvc, forwarder, cfg.Chat)
	messageSvc := service.NewMessageService(repo, wsHub, ids, offloader, forwarder)

	// Setup Gin router
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(handler.CORS())
	r.Use(pkglog.GinMiddleware(logger))

	handler.NewHandler(sessionMgr, historySvc, searchSvc).RegisterRoutes(r)
	handler.NewWSHandler(wsHub, sessionMgr, messageSvc, historySvc, searchSvc, cfg.WebSocket).RegisterRoutes(r)
	if cfg.Media.Driver == "local" {
		handler.NewMediaHandler(blobs, cfg.Media.Local.URLPrefix).RegisterRoutes(r)
	}

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sessionMgr.Run(gctx)
		return nil
	})

	g.Go(func() error {
		logger.Info().Str("addr", server.Addr).Str("id_strategy", cfg.ID.Strategy).Bool("time_ordered_ids", generator.TimeOrdered(cfg.ID.Strategy)).
			Str("media", cfg.Media.Driver).Str("events", cfg.Events.Driver).Msg("hybrid-chat starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		wsHub.CloseAll()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
	}

	// Flush downstream publishers and release stores.
	flushCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := forwarder.Close(flushCtx); err != nil {
		logger.Error().Err(err).Msg("failed to close event publisher")
	}
	if mirror != nil {
		if err := mirror.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close presence mirror")
		}
	}
	if err := repo.Close(); err != nil {
		logger.Error().Err(err).Msg("failed to close message store")
	}

	logger.Info().Msg("hybrid-chat stopped")
}
