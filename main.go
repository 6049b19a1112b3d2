// evermem server - long-term conversational memory: ingest, segmentation,
// derived extraction, clustering, profiles, and multi-modal retrieval.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"evermem/internal/config"
	"evermem/internal/ingest"
	"evermem/internal/observability"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Logger is not up yet.
		println("failed to load config:", err.Error())
		os.Exit(1)
	}
	observability.InitLogger(cfg.LogPath, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var pool *pgxpool.Pool
	if cfg.Postgres.ConnectionString != "" {
		pool, err = pgxpool.New(ctx, cfg.Postgres.ConnectionString)
		if err != nil {
			log.Fatal().Err(err).Msg("postgres_connect_failed")
		}
		defer pool.Close()
	}

	app, err := newApp(ctx, cfg, pool)
	if err != nil {
		log.Fatal().Err(err).Msg("app_init_failed")
	}
	app.dispatcher.Start(ctx)

	if cfg.Kafka.Enabled {
		go func() {
			if err := ingest.RunConsumer(ctx, cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.GroupID, app.dispatcher); err != nil {
				log.Error().Err(err).Msg("ingest_consumer_exited")
			}
		}()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())
	app.registerRoutes(router)

	srv := &http.Server{
		Addr:    cfg.ListenAddr(),
		Handler: router,
	}
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("server_listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server_failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown_begin")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http_shutdown_incomplete")
	}
	app.dispatcher.Shutdown(shutdownCtx)
	app.close()
	log.Info().Msg("shutdown_complete")
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("http_request")
	}
}
