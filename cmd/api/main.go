package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"bikely/server/internal/config"
	"bikely/server/internal/model"
	"bikely/server/internal/server"
	"bikely/server/internal/service"
)

// @title Bikely Server API
// @version 1.0
// @description Bike rental tracking server: live location ingest, geofence violation tracking and usage billing.

// @host localhost:3000
// @BasePath /api/v1

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and JWT token.

func main() {
	log.Println("[API] Starting Bikely server...")

	// Load configuration
	cfg := config.Load()

	// Connect to database. A missing database is survivable: the tracking
	// loop runs memory-only and /health reports degraded.
	var db *gorm.DB
	gormDB, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		log.Printf("[API] Database unavailable, running memory-only: %v", err)
	} else {
		db = gormDB
		if err := autoMigrate(db); err != nil {
			log.Printf("[API] Migration failed, running memory-only: %v", err)
			db = nil
		} else {
			log.Println("[API] Connected to database")
		}
	}

	if db != nil {
		authService := service.NewAuthService(db)
		if err := authService.EnsureDefaultAdmin(context.Background(), cfg.AdminPassword); err != nil {
			log.Printf("[API] Failed to seed default admin: %v", err)
		}
	}

	// Connect to Redis, also optional
	var redisClient *redis.Client
	rc := redis.NewClient(&redis.Options{
		Addr: cfg.RedisURL,
		DB:   0,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rc.Ping(ctx).Err(); err != nil {
		log.Printf("[API] Redis unavailable, running without cache: %v", err)
		rc.Close()
	} else {
		redisClient = rc
		log.Println("[API] Connected to Redis")
		defer redisClient.Close()
	}
	cancel()

	// Connect to NATS, also optional
	var natsConn *nats.Conn
	nc, err := nats.Connect(cfg.NATSURL, nats.Timeout(5*time.Second))
	if err != nil {
		log.Printf("[API] NATS unavailable, running without event bus: %v", err)
	} else {
		natsConn = nc
		log.Println("[API] Connected to NATS")
		defer natsConn.Close()
	}

	// Create and setup server
	srv := server.NewServer(cfg, db, redisClient, natsConn)
	if err := srv.Setup(); err != nil {
		log.Fatalf("[API] Failed to set up server: %v", err)
	}

	// Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.APIPort)
	go func() {
		if err := srv.Run(addr); err != nil {
			log.Fatalf("[API] Failed to start server: %v", err)
		}
	}()

	log.Printf("[API] Server ready on %s", addr)

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	log.Println("[API] Shutting down...")

	srv.Shutdown()
	log.Println("[API] Server stopped")
}

func autoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.User{},
		&model.Geofence{},
		&model.PenaltyRecord{},
		&model.LocationRecord{},
		&model.Invoice{},
		&model.LoginLog{},
		&model.OperationLog{},
	)
}
