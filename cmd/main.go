package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"vidmatch/backend/internal/api/handler"
	"vidmatch/backend/internal/chathub"
	"vidmatch/backend/internal/chatledger"
	"vidmatch/backend/internal/config"
	"vidmatch/backend/internal/matchqueue"
	"vidmatch/backend/internal/media"
	"vidmatch/backend/internal/models"
	"vidmatch/backend/internal/report"
	"vidmatch/backend/internal/session"
	"vidmatch/backend/internal/sfu"
	"vidmatch/backend/internal/storage"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func setupDependencies() (*gorm.DB, *redis.Client) {
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable",
		envOr("DB_HOST", "localhost"),
		envOr("DB_USER", "user"),
		envOr("DB_PASSWORD", "password"),
		envOr("DB_NAME", "vidmatchdb"),
		envOr("DB_PORT", "5432"),
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("Failed to connect PostgreSQL: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     envOr("REDIS_ADDR", "localhost:6379"),
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       0,
	})
	if _, err := rdb.Ping(context.Background()).Result(); err != nil {
		log.Fatalf("Failed to connect Redis: %v", err)
	}

	err = db.AutoMigrate(
		&models.User{},
		&models.ChatRoom{},
		&models.ChatHistory{},
		&models.Report{},
	)
	if err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	log.Println("Database and Redis connections established, migrations complete.")
	return db, rdb
}

func main() {
	log.Println("Starting VidMatch Backend...")

	if err := godotenv.Load(); err != nil {
		log.Println("Warning: Error loading .env file")
	}

	db, rdb := setupDependencies()
	s := storage.NewStorageService(db, rdb)

	tracker := session.NewTracker()
	ledger := chatledger.New()
	queue := matchqueue.New(tracker, s)
	reports := report.NewService(s)

	engine, err := sfu.NewEngine()
	if err != nil {
		log.Fatalf("Failed to initialise media engine: %v", err)
	}

	hub := chathub.NewManagerService(s, ledger, queue, tracker, reports)
	coordinator := media.NewCoordinator(engine, tracker, hub, config.NegotiationCeiling)
	coordinator.SetEnder(hub)
	hub.SetMedia(coordinator)

	go hub.Run()
	go hub.RunSweeper()
	hub.StartPubSubListener()

	r := gin.Default()
	h := handler.NewHandler(hub, s, engine)
	r.Use(h.RateLimit())

	r.POST("/auth/anon", h.CreateAnonSession)
	r.POST("/auth/refresh", h.RefreshSession)
	r.GET("/ws", h.ServeWebSocket)
	r.GET("/healthz", h.Healthz)
	r.GET("/metrics", h.Metrics)

	server := &http.Server{
		Addr:           envOr("LISTEN_ADDR", ":8080"),
		Handler:        r,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	log.Fatal(server.ListenAndServe())
}
