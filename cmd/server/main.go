package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"companionbridge/internal/config"
	"companionbridge/internal/handlers"
	"companionbridge/internal/logging"
	"companionbridge/internal/policy"
	"companionbridge/internal/services"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	log.Println("🚀 Starting Companion Bridge...")

	// Load .env file (ignore error if file doesn't exist). Must happen
	// before logging init so LOG_FORMAT from the file is honored.
	if err := godotenv.Load(); err != nil {
		log.Printf("⚠️  No .env file found or error loading it: %v", err)
	} else {
		log.Println("✅ .env file loaded successfully")
	}

	// Structured logging (JSON in production, text in dev)
	logging.Init()

	cfg := config.Load()
	log.Printf("📋 Configuration loaded (Port: %s, Companion: %s, Strategy: %s, ToolMode: %s)",
		cfg.Port, cfg.CompanionURL, cfg.Strategy(), cfg.ToolMode)

	// Tool policy: env override, optional file, hot reload
	engine := policy.New(cfg.ToolPolicy, cfg.ToolMode)
	if cfg.ToolPolicyFile != "" {
		if err := engine.LoadFile(cfg.ToolPolicyFile); err != nil {
			log.Printf("⚠️  Failed to load %s: %v (using current rules)", cfg.ToolPolicyFile, err)
		}
		go engine.Watch(cfg.ToolPolicyFile)
	}

	client := services.NewCompanionClient(cfg.CompanionURL)
	bus := services.NewEventBus()
	pool := services.NewSessionPool(cfg, client, engine, bus)
	services.InitMetrics(pool)
	ctxMgr := services.NewContextManager(cfg)
	traces := services.NewTraceStore()

	app := fiber.New(fiber.Config{
		AppName:      "Companion Bridge v" + handlers.Version,
		ReadTimeout:  900 * time.Second, // agent turns can run minutes
		WriteTimeout: 900 * time.Second,
		IdleTimeout:  900 * time.Second,
		BodyLimit:    10 * 1024 * 1024,
	})

	app.Use(recover.New())
	app.Use(logger.New())

	prometheus := fiberprometheus.New("companionbridge")
	prometheus.RegisterAt(app, "/metrics")
	app.Use(prometheus.Middleware)
	log.Println("📊 Prometheus metrics endpoint enabled at /metrics")

	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,DELETE,OPTIONS",
		AllowHeaders: "Content-Type,Authorization,X-Session-Key,X-Request-Id",
	}))

	chatHandler := handlers.NewChatHandler(cfg, pool, ctxMgr, traces)
	metaHandler := handlers.NewMetaHandler(cfg, pool, traces)
	monitorHandler := handlers.NewMonitorHandler(bus, pool)

	app.Get("/health", metaHandler.Health)
	app.Get("/v1/models", metaHandler.Models)
	app.Post("/v1/chat/completions", chatHandler.Handle)
	app.Delete("/sessions/:key", metaHandler.DeleteSession)
	app.Get("/debug/requests/:id", metaHandler.DebugRequest)

	app.Use("/ws/monitor", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/monitor", websocket.New(monitorHandler.Handle))

	log.Printf("🌐 OpenAI surface: http://localhost:%s/v1/chat/completions", cfg.Port)
	log.Printf("🔌 Monitor endpoint: ws://localhost:%s/ws/monitor", cfg.Port)
	log.Printf("📡 Health check: http://localhost:%s/health", cfg.Port)

	// Graceful shutdown: kill upstream sessions before the process exits so
	// the Companion doesn't accumulate orphans.
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("\n🛑 Shutting down server...")
		pool.DestroyAll("shutdown")

		if err := app.Shutdown(); err != nil {
			log.Printf("⚠️ Error shutting down server: %v", err)
		}
	}()

	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatalf("❌ Failed to start server: %v", err)
	}
}
