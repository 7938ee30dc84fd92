package main

import (
	"context"
	"log"
	"os"

	"github.com/clinicore/smartplug-telemetry/internal/api"
	"github.com/clinicore/smartplug-telemetry/internal/channel"
	"github.com/clinicore/smartplug-telemetry/internal/models"
	"github.com/clinicore/smartplug-telemetry/internal/services"
	ws "github.com/clinicore/smartplug-telemetry/internal/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// initDB initializes the database connection and runs migrations
func initDB() (*gorm.DB, error) {
	dbPath := os.Getenv("DB_PATH")
	if dbPath == "" {
		dbPath = "./telemetry.db"
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	err = db.AutoMigrate(
		&models.Device{},
		&models.Credential{},
		&models.RawPowerSample{},
		&models.HourlyPowerAggregate{},
		&models.ServiceEnergyUsage{},
		&models.UserServiceEnergyProfile{},
	)
	if err != nil {
		return nil, err
	}

	log.Printf("📦 Database initialized at %s", dbPath)
	return db, nil
}

func main() {
	// Initialize database
	db, err := initDB()
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Fatalf("Failed to get database connection: %v", err)
	}
	defer sqlDB.Close()

	// Initialize services
	credService, err := services.NewCredentialService(db)
	if err != nil {
		log.Fatalf("Failed to initialize credential service: %v", err)
	}
	log.Printf("🔐 Credential service initialized")

	// Devices push status frames over the credential channels; fold them
	// into the live snapshots as they arrive.
	ingestService := services.NewIngestService(db)
	channelManager := channel.NewManager(credService,
		channel.WithEventHandler(ingestService.ApplyStatusEvent))
	defer channelManager.Close()

	syncService := services.NewSyncService(db, channelManager)
	controlService := services.NewControlService(db, channelManager)
	profileService := services.NewProfileService(db)
	insightsService := services.NewInsightsService(db)
	monitorService := services.NewMonitorService(db)
	log.Printf("🔧 Services initialized")

	// Initialize WebSocket hub
	wsHub := ws.NewHub()
	go wsHub.Run()
	syncService.SetBroadcastFunc(wsHub.Broadcast)
	controlService.SetBroadcastFunc(wsHub.Broadcast)
	ingestService.SetBroadcastFunc(wsHub.Broadcast)
	monitorService.SetBroadcastFunc(wsHub.Broadcast)
	log.Printf("🔌 WebSocket hub initialized")

	discoveryService := services.NewDiscoveryService(db, wsHub)
	defer discoveryService.Shutdown()

	// Background staleness monitor
	monitorService.Start(context.Background())
	defer monitorService.Stop()

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName: "Smart Plug Telemetry",
	})

	// Middleware
	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-System-ID",
	}))

	// API routes
	apiGroup := app.Group("/api/v1")

	// Health check endpoint
	apiGroup.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"service": "smartplug-telemetry",
			"version": "0.1.0",
		})
	})

	// Register device routes
	deviceHandler := api.NewDeviceHandler(syncService, controlService)
	deviceHandler.RegisterRoutes(apiGroup)

	// Register sample routes
	sampleHandler := api.NewSampleHandler(ingestService, profileService)
	sampleHandler.RegisterRoutes(apiGroup)

	// Register insights routes
	insightsHandler := api.NewInsightsHandler(insightsService)
	insightsHandler.RegisterRoutes(apiGroup)

	// Register discovery routes
	discoveryHandler := api.NewDiscoveryHandler(discoveryService)
	discoveryHandler.RegisterRoutes(apiGroup)

	// Register WebSocket routes
	wsHandler := api.NewWebSocketHandler(wsHub)
	wsHandler.RegisterRoutes(app)

	// Start server
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	log.Printf("🚀 Server starting on port %s", port)
	if err := app.Listen(":" + port); err != nil {
		log.Fatal(err)
	}
}
