package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"securechat/backup"
	"securechat/chat"
	"securechat/config"
	"securechat/credential"
	"securechat/database"
	"securechat/handlers"
	"securechat/keys"
	"securechat/logger"
	"securechat/metrics"
	"securechat/middleware"
	"securechat/social"
	"securechat/websocket"
)

const sessionPurgeInterval = time.Hour

func main() {
	cfg := config.Load()
	logger.Init(cfg.Env)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer database.Close(db)

	if err := database.Migrate(db); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate database")
	}

	masterKey, err := cfg.MasterKeyBytes()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid master key")
	}
	km, err := keys.NewManager(db, masterKey, cfg.KeyRotation, cfg.RetryAttempts)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start key manager")
	}

	locks := database.NewLocks()
	creds := credential.NewStore(db, cfg.JWTSecret, cfg.SessionTTL, cfg.RetryAttempts)
	graph := social.NewGraph(db, locks, cfg.RetryAttempts)
	engine := chat.NewEngine(db, km, graph, locks, cfg.RetryAttempts)
	backups := backup.NewService(db, km, engine, cfg.RetryAttempts)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := websocket.NewHub()
	go hub.Run(ctx)
	engine.SetNotifier(hub)

	go purgeSessions(ctx, creds)

	limiter := middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, 2*time.Minute)
	defer limiter.Stop()

	if cfg.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), metrics.GinMiddleware(), middleware.CORSMiddleware(cfg.AllowedOrigins), limiter.Middleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	handlers.New(creds, graph, engine, backups).Routes(r)
	r.GET("/ws", websocket.NewHandler(hub, creds, engine, cfg.AllowedOrigins).Serve)

	srv := &http.Server{Addr: cfg.Addr(), Handler: r}
	go func() {
		log.Info().Str("addr", cfg.Addr()).Str("db_driver", cfg.DBDriver).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server run")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}
}

// purgeSessions removes expired sessions until ctx is done.
func purgeSessions(ctx context.Context, creds *credential.Store) {
	ticker := time.NewTicker(sessionPurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := creds.PurgeExpired(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("session purge failed")
				continue
			}
			if n > 0 {
				log.Info().Int64("sessions", n).Msg("expired sessions purged")
			}
		}
	}
}
