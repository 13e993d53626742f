package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/wavecrest/bastion/api"
	"github.com/wavecrest/bastion/logging"
	"github.com/wavecrest/bastion/metrics"
	"github.com/wavecrest/bastion/middleware"
	"github.com/wavecrest/bastion/pkg/bastion"
	"github.com/wavecrest/bastion/store"
)

func main() {
	log, err := logging.New(logging.Config{
		Level:  getEnv("LOG_LEVEL", "info"),
		Format: getEnv("LOG_FORMAT", "json"),
	})
	if err != nil {
		stderr := zerolog.New(os.Stderr).With().Timestamp().Logger()
		stderr.Fatal().Err(err).Msg("invalid logging configuration")
	}
	log = log.With().Str("service", "bastion").Logger()

	port := getEnv("PORT", "8080")
	redisAddr := getEnv("REDIS_ADDR", "")
	configPath := getEnv("CONFIG_FILE", "")
	secret := getEnv("FINGERPRINT_SECRET", "")
	adminKey := getEnv("ADMIN_API_KEY", "")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var backing store.Store
	if redisAddr != "" {
		rs := store.NewRedisStore(store.RedisConfig{
			Addr:     redisAddr,
			Password: getEnv("REDIS_PASSWORD", ""),
		})
		if err := rs.Ping(ctx); err != nil {
			log.Fatal().Err(err).Str("addr", redisAddr).Msg("failed to connect to redis")
		}
		defer rs.Close()
		log.Info().Str("addr", redisAddr).Msg("connected to redis")
		backing = rs
	} else {
		log.Warn().Msg("using in-memory storage, counters are not shared across replicas")
		backing = store.NewMemoryStore()
	}

	opts := []bastion.Option{
		bastion.WithStore(backing),
		bastion.WithSecret(secret),
		bastion.WithLogger(logging.Component(log, "pipeline")),
		bastion.WithMetrics(metrics.NewRecorder(prometheus.DefaultRegisterer)),
	}
	if configPath != "" {
		opts = append(opts, bastion.WithConfigFile(configPath))
	}
	pipe, err := bastion.NewPipeline(opts...)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build pipeline")
	}
	if secret == "" {
		log.Warn().Msg("FINGERPRINT_SECRET not set, signature verification disabled")
	}
	if adminKey == "" {
		log.Warn().Msg("ADMIN_API_KEY not set, admin endpoints disabled")
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Protect(pipe, logging.Component(log, "middleware")))

	api.NewHandler(pipe, adminKey, logging.Component(log, "api")).Register(router)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Application handlers sit behind the same middleware chain as
	// everything else.
	router.POST("/chat", chatHandler)
	router.POST("/tts", ttsHandler)

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
	log.Info().Msg("shut down cleanly")
}

// chatHandler stands in for the conversational backend the pipeline
// fronts. Real deployments mount their own handler here.
func chatHandler(c *gin.Context) {
	var req struct {
		Message string `json:"message" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reply": "ok"})
}

func ttsHandler(c *gin.Context) {
	var req struct {
		Text string `json:"text" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text is required"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "queued"})
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
