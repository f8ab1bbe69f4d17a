package main

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/listening-room-system/internal/auth"
	"github.com/listening-room-system/internal/broadcast"
	"github.com/listening-room-system/internal/coordinator"
	"github.com/listening-room-system/internal/playback"
	"github.com/listening-room-system/internal/registry"
	"github.com/listening-room-system/internal/room"
	"github.com/listening-room-system/internal/ws"
	"github.com/listening-room-system/pkg/database"
	"github.com/listening-room-system/pkg/events"
	"github.com/listening-room-system/pkg/jwt"
	"github.com/listening-room-system/pkg/redis"
)

func main() {
	// Load environment variables; absence of a .env file is fine when the
	// environment is already populated.
	_ = godotenv.Load()

	logger := newLogger()
	defer logger.Sync()

	if os.Getenv("ENV") == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	// Initialize MySQL database
	db, err := database.NewMySQLDB(
		os.Getenv("MYSQL_HOST"),
		os.Getenv("MYSQL_PORT"),
		os.Getenv("MYSQL_USER"),
		os.Getenv("MYSQL_PASSWORD"),
		os.Getenv("MYSQL_DATABASE"),
	)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}

	// Initialize Redis client
	redisClient := goredis.NewClient(&goredis.Options{
		Addr:     os.Getenv("REDIS_HOST") + ":" + os.Getenv("REDIS_PORT"),
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       0,
	})

	// Initialize Kafka client
	kafkaClient := events.NewKafkaClient(
		strings.Split(os.Getenv("KAFKA_BROKERS"), ","),
		"room-events",
		os.Getenv("KAFKA_GROUP_ID"),
	)
	defer kafkaClient.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize services
	sessionStore := redis.NewSessionStore(redisClient)
	snapshotCache := redis.NewSnapshotCache(redisClient)
	tokens := jwt.NewManager(envOr("JWT_SECRET", "dev-secret-change-me"))
	verifier := auth.NewVerifier(tokens, sessionStore, envDuration("HANDSHAKE_TIMEOUT", 5*time.Second))

	coord := coordinator.New(db, nil, logger,
		coordinator.WithSnapshotCache(snapshotCache))

	reg := registry.New(verifier, coord, logger,
		registry.WithInactivityWindow(envDuration("CONNECTION_INACTIVITY_WINDOW", registry.DefaultInactivityWindow)),
		registry.WithSweepInterval(envDuration("CONNECTION_SWEEP_INTERVAL", registry.DefaultSweepInterval)))

	bcast := broadcast.New(kafkaClient, reg, logger,
		broadcast.WithRetryPolicy(
			envInt("BROADCAST_RETRY_LIMIT", broadcast.DefaultRetryLimit),
			envDuration("BROADCAST_RETRY_INTERVAL", broadcast.DefaultRetryInterval)))
	coord.SetPublisher(bcast)
	reg.SetOfflineFunc(coord.NotifyOffline)

	playbackService := playback.New(coord, bcast, logger)

	go bcast.Run(ctx)
	go reg.RunSweeper(ctx)

	// Initialize handlers
	roomHandler := room.NewHandler(coord, playbackService, bcast)
	wsHandler := ws.NewHandler(reg, coord, bcast, kafkaClient, logger)
	go wsHandler.ConsumeEvents(ctx)

	// Initialize Gin router
	router := gin.Default()

	// CORS middleware
	router.Use(cors.New(cors.Config{
		AllowOrigins:     strings.Split(envOr("CORS_ORIGINS", "http://localhost:5173"), ","),
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
	}))

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
		})
	})

	// API routes
	v1 := router.Group("/api/v1")

	// Protected routes
	protected := v1.Group("/")
	protected.Use(auth.AuthMiddleware(verifier))
	{
		roomHandler.RegisterRoutes(protected)
	}

	// WebSocket endpoint authenticates inside its own handshake.
	v1.GET("/ws", wsHandler.HandleWebSocket)

	// Start server
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logger.Info("server starting", zap.String("port", port))
	if err := router.Run(":" + port); err != nil {
		logger.Fatal("failed to start server", zap.Error(err))
	}
}

func newLogger() *zap.Logger {
	var logger *zap.Logger
	var err error
	if os.Getenv("ENV") == "production" {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		panic(err)
	}
	return logger
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
