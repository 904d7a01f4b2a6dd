package main

import (
	"log"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/plexara/control-plane/shared/config"
	"github.com/plexara/control-plane/shared/middleware"
	"github.com/plexara/control-plane/shared/models"
	"github.com/plexara/control-plane/shared/utils"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		logrus.Warn("No .env file found, using environment variables")
	}

	appConfig := config.GetAppConfig()

	// Initialize Redis for session management
	if err := utils.InitRedis(); err != nil {
		log.Fatal("Failed to connect to Redis:", err)
	}
	defer utils.CloseRedis()

	// Initialize database
	db, err := config.ConnectDatabase()
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}
	if err := db.AutoMigrate(&models.User{}); err != nil {
		log.Fatal("Failed to migrate central schema:", err)
	}

	tokens := NewTokenService(appConfig)
	authMiddleware := middleware.NewAuthMiddleware(appConfig.JWTSecret)

	// Initialize Gin router
	router := gin.Default()

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		utils.OKResponse(c, "Auth service is healthy", nil)
	})

	auth := router.Group("/auth")
	{
		auth.POST("/register", handleRegister(db, tokens))
		auth.POST("/login", handleLogin(db, tokens))

		protected := auth.Group("")
		protected.Use(authMiddleware.RequireAuth())
		{
			protected.POST("/logout", handleLogout(tokens))
			protected.POST("/logout-all", handleLogoutAll(tokens))
			protected.GET("/me", handleMe(db))
		}
	}

	// Start server
	port := os.Getenv("AUTH_SERVICE_PORT")
	if port == "" {
		port = "8001"
	}

	logrus.Infof("Auth service starting on port %s", port)
	if err := router.Run(":" + port); err != nil {
		log.Fatal("Failed to start auth service:", err)
	}
}
