package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"bikely/server/internal/config"
	"bikely/server/internal/handler"
	"bikely/server/internal/middleware"
	"bikely/server/internal/model"
	"bikely/server/internal/service"

	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

// SubjectGeofenceUpdated is the NATS subject geofence upserts are announced on
const SubjectGeofenceUpdated = "bikely.geofence.updated"

// Server wires the geofence store, violation tracker, session registry and
// broadcast hub behind the HTTP surface. db, redisClient and natsConn may all
// be nil: the server then runs memory-only and reports degraded health.
type Server struct {
	router *gin.Engine
	config *config.Config
	db     *gorm.DB
	redis  *redis.Client
	nats   *nats.Conn

	store    *service.GeofenceStore
	tracker  *service.ViolationTracker
	registry *service.SessionRegistry
	billing  *service.BillingService

	stream *service.EventStream

	wsHub     *handler.WSHub
	wsHandler *handler.WSHandler

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a new server instance
func NewServer(cfg *config.Config, db *gorm.DB, redisClient *redis.Client, natsConn *nats.Conn) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config: cfg,
		db:     db,
		redis:  redisClient,
		nats:   natsConn,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Setup initializes services, handlers and routes
func (s *Server) Setup() error {
	// Core services
	s.registry = service.NewSessionRegistry(s.config.UsageTick)
	s.store = service.NewGeofenceStore(s.db, s.redis)
	s.tracker = service.NewViolationTracker(s.store, s.config.GracePeriod, s.db, s.redis, s.nats)
	s.billing = service.NewBillingService(s.config, s.registry, s.tracker, s.db)
	authService := service.NewAuthService(s.db)

	if err := s.store.LoadFromDB(s.ctx); err != nil {
		log.Printf("[Server] Continuing without persisted geofences: %v", err)
	}

	// Hub and event wiring
	s.wsHub = handler.NewWSHub(s.registry, s.tracker)
	s.wsHandler = handler.NewWSHandler(s.wsHub)

	s.registry.SetOnChange(s.wsHub.BroadcastUserList)
	s.registry.SetOnUsage(s.wsHub.SendUsageUpdate)
	s.tracker.SetEmitter(s.wsHub.SendPenalty)
	s.store.SetNotifier(func(geofence *model.Geofence) {
		update := service.UpdatePayload(geofence)
		s.wsHub.BroadcastGeofenceUpdate(update)
		if s.nats != nil {
			if data, err := json.Marshal(update); err == nil {
				if err := s.nats.Publish(SubjectGeofenceUpdated, data); err != nil {
					log.Printf("[Server] Failed to publish geofence update: %v", err)
				}
			}
		}
	})

	if err := s.tracker.Start(); err != nil {
		log.Printf("[Server] Continuing without NATS uplink: %v", err)
	}

	go s.wsHub.Run()
	go s.registry.Run(s.ctx)
	log.Println("[Server] WebSocket hub and usage accumulator started")

	// JetStream event persistence, optional
	if s.nats != nil {
		if stream, err := service.NewEventStream(s.nats); err != nil {
			log.Printf("[Server] JetStream unavailable, events are not persisted: %v", err)
		} else {
			s.stream = stream
			log.Println("[Server] JetStream event persistence enabled")
		}
	}

	reportService := service.NewReportService(s.db, s.registry, s.store)

	// Handlers
	auditHandler := handler.NewAuditHandler(s.db)
	authHandler := handler.NewAuthHandler(authService, s.config, auditHandler)
	geofenceHandler := handler.NewGeofenceHandler(s.store, s.tracker, auditHandler)
	locationHandler := handler.NewLocationHandler(s.tracker, s.registry, s.wsHub, s.db)
	billingHandler := handler.NewBillingHandler(s.billing, reportService, auditHandler)

	// Router
	s.router = gin.Default()

	// CORS middleware
	s.router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	// Swagger UI
	s.router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// Health with degraded-mode flags
	s.router.GET("/health", func(c *gin.Context) {
		degraded := s.db == nil || s.store.Degraded()
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"degraded":    degraded,
			"persistence": s.db != nil,
			"cache":       s.redis != nil,
			"nats":        s.nats != nil,
			"clients":     s.wsHub.GetClientCount(),
		})
	})

	// Rider/dashboard endpoints (prototype wire contract)
	s.router.GET("/odoo/username", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"username": "testUser"})
	})
	s.router.POST("/geofence", geofenceHandler.UpsertLegacy)
	s.router.GET("/geofence", geofenceHandler.ListLegacy)
	s.router.POST("/geofence/penalties", geofenceHandler.CalculatePenalties)
	s.router.POST("/company/location", locationHandler.CompanyLocation)
	s.router.POST("/locations", locationHandler.SaveLocation)
	s.router.POST("/locations/end", locationHandler.EndSession)

	// WebSocket
	s.router.GET("/ws", s.wsHandler.Handle)
	s.router.GET("/ws/stats", s.wsHandler.GetStats)

	// Auth
	s.router.POST("/api/v1/auth/login",
		middleware.LoginRateLimit(s.redis, s.config.LoginRateLimit, s.config.LoginRateWindow),
		authHandler.Login)

	// Protected company API
	api := s.router.Group("/api/v1")
	api.Use(authHandler.AuthMiddleware())
	{
		api.GET("/auth/me", authHandler.GetMe)

		api.GET("/geofences", geofenceHandler.List)
		api.POST("/geofences", geofenceHandler.Create)
		api.GET("/geofences/:id", geofenceHandler.Get)
		api.POST("/geofences/:id/check", geofenceHandler.Check)

		api.GET("/locations/latest", locationHandler.LatestLocations)

		api.GET("/billing", billingHandler.ListSnapshots)
		api.GET("/billing/:username", billingHandler.GetSnapshot)
		api.POST("/billing/:username/invoice", billingHandler.GenerateInvoice)

		api.GET("/reports/usage/export", billingHandler.ExportUsageReport)
		api.GET("/reports/penalties", billingHandler.ListPenaltyHistory)
		api.GET("/reports/penalties/export", billingHandler.ExportPenaltyReport)
		api.GET("/reports/dashboard", billingHandler.GetDashboardStats)

		auditHandler.RegisterRoutes(api)

		api.GET("/streams/:name", s.getStreamInfo)
	}

	return nil
}

// getStreamInfo reports JetStream stream state for operations tooling
func (s *Server) getStreamInfo(c *gin.Context) {
	if s.stream == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "event streams unavailable"})
		return
	}
	info, err := s.stream.StreamInfo(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"name":      info.Config.Name,
		"subjects":  info.Config.Subjects,
		"messages":  info.State.Msgs,
		"bytes":     info.State.Bytes,
		"first_seq": info.State.FirstSeq,
		"last_seq":  info.State.LastSeq,
	})
}

// Run starts the HTTP server
func (s *Server) Run(addr string) error {
	log.Printf("[Server] HTTP server listening on %s", addr)
	return s.router.Run(addr)
}

// GetRouter returns the gin router for testing
func (s *Server) GetRouter() *gin.Engine {
	return s.router
}

// GetWSHub returns the WebSocket hub for external use
func (s *Server) GetWSHub() *handler.WSHub {
	return s.wsHub
}

// Shutdown gracefully stops background workers and connections
func (s *Server) Shutdown() {
	s.cancel()
	if s.tracker != nil {
		s.tracker.Stop()
		log.Println("[Server] Violation tracker stopped")
	}
	if s.wsHub != nil {
		s.wsHub.Stop()
		log.Println("[Server] WebSocket hub stopped")
	}
}
