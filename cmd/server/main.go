// Package main provides the entry point for the room-synchronization
// server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ruvnet/roomsync/internal/auth"
	"github.com/ruvnet/roomsync/internal/config"
	"github.com/ruvnet/roomsync/internal/hooks"
	"github.com/ruvnet/roomsync/internal/middleware"
	"github.com/ruvnet/roomsync/internal/protocol"
	"github.com/ruvnet/roomsync/internal/room"
	"github.com/ruvnet/roomsync/internal/server"
	"github.com/ruvnet/roomsync/internal/session"
	"github.com/ruvnet/roomsync/internal/transport"
	"github.com/ruvnet/roomsync/internal/wire"
	"github.com/ruvnet/roomsync/pkg/metrics"
)

// managerBroadcaster forwards room.Broadcaster calls to the Session
// Manager, resolved after construction. The Room Registry needs a
// Broadcaster at construction time, but the Session Manager needs the
// Registry as a constructor argument, so neither can be built first.
type managerBroadcaster struct {
	manager *session.Manager
}

func (b *managerBroadcaster) SendToClient(clientID string, frame wire.Frame) {
	if b.manager == nil {
		return
	}
	b.manager.SendToClient(clientID, frame)
}

func main() {
	cfg := config.Load()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	metricsRegistry := metrics.New()
	hookRegistry := hooks.New(logger)

	broadcaster := &managerBroadcaster{}
	roomRegistry := room.New(cfg.Room, hookRegistry, broadcaster, logger).WithRecorder(metricsRegistry)
	sessions := session.New(roomRegistry, hookRegistry, cfg.Session, cfg.RateLimit, logger).WithRecorder(metricsRegistry)
	broadcaster.manager = sessions

	dispatcher := protocol.New(sessions, roomRegistry, hookRegistry, cfg.RateLimit, logger).WithRecorder(metricsRegistry)
	wsHandler := transport.NewHandler(dispatcher, sessions, logger)

	authService := auth.NewService(cfg.Admin.JWTSecret)
	host := server.NewHost(roomRegistry, sessions, hookRegistry)

	if !cfg.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(logger))
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.CORS())
	router.Use(middleware.NewRateLimiter(120, 30).RateLimit())
	router.Use(middleware.Auth(authService))

	server.RegisterRoutes(router, host)
	router.GET("/metrics", gin.WrapH(metricsRegistry.Handler()))
	router.GET(cfg.Server.MountPath, gin.WrapF(wsHandler.ServeHTTP))

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	sessions.StartHeartbeat()

	go func() {
		logger.Info("server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	host.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}
