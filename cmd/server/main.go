package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/opinio/backend/internal/config"
	"github.com/opinio/backend/internal/database"
	"github.com/opinio/backend/internal/handlers"
	"github.com/opinio/backend/internal/middleware"
	"github.com/opinio/backend/internal/services"
	"github.com/opinio/backend/pkg/logger"
	"github.com/opinio/backend/pkg/utils"
)

func main() {
	logger.Init()

	cfg := config.Load()
	utils.ConfigureJWT(cfg.JWT.Secret, cfg.JWT.ExpirationMinutes)

	db, err := database.Connect(cfg.DB)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}

	auditService := services.NewAuditService(db)
	twoFactorService := services.NewTwoFactorService(db, cfg.App.Name)

	authHandler := handlers.NewAuthHandler(db, twoFactorService, auditService)
	twoFactorHandler := handlers.NewTwoFactorHandler(twoFactorService, auditService)
	usersHandler := handlers.NewUsersHandler(db, auditService)

	authMiddleware := middleware.NewAuthMiddleware(db)

	// Consumed pending-token IDs only need to outlive the token expiry.
	go func() {
		for range time.Tick(5 * time.Minute) {
			utils.CleanupExpiredJTIs()
		}
	}()

	app := fiber.New(fiber.Config{AppName: cfg.App.Name})
	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(middleware.CORS())
	app.Use(middleware.RequestLogger())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api")

	authRoutes := api.Group("/auth")
	authRoutes.Post("/login", authHandler.Login)
	authRoutes.Post("/verify-2fa", authHandler.VerifyTwoFactor)
	authRoutes.Get("/me", authMiddleware.RequireAuth, authHandler.Me)

	twoFactorRoutes := api.Group("/two-factor", authMiddleware.RequireAuth)
	twoFactorRoutes.Post("/setup", twoFactorHandler.Setup)
	twoFactorRoutes.Post("/verify-and-enable", twoFactorHandler.VerifyAndEnable)
	twoFactorRoutes.Post("/disable", twoFactorHandler.Disable)
	twoFactorRoutes.Get("/status", twoFactorHandler.Status)
	twoFactorRoutes.Post("/recovery-codes", twoFactorHandler.RegenerateRecoveryCodes)

	userRoutes := api.Group("/users", authMiddleware.RequireAuth, middleware.AdminOnly)
	userRoutes.Get("/", usersHandler.List)
	userRoutes.Get("/:id", usersHandler.Get)
	userRoutes.Delete("/:id", usersHandler.Delete)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-shutdown
		logger.Info("server_shutting_down", nil)
		_ = app.Shutdown()
	}()

	addr := fmt.Sprintf(":%s", cfg.Server.Port)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}
