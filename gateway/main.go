package main

import (
	"log"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/plexara/control-plane/shared/config"
	"github.com/plexara/control-plane/shared/middleware"
	"github.com/plexara/control-plane/shared/utils"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		logrus.Warn("No .env file found, using environment variables")
	}

	appConfig := config.GetAppConfig()

	// Redis backs the token session store; without it every request would
	// be rejected as revoked.
	if err := utils.InitRedis(); err != nil {
		log.Fatal("Failed to connect to Redis:", err)
	}

	authMiddleware := middleware.NewAuthMiddleware(appConfig.JWTSecret)

	serviceClients := &ServiceClients{
		AuthService:   NewServiceClient(getEnv("AUTH_SERVICE_URL", "http://localhost:8001")),
		TenantService: NewServiceClient(getEnv("TENANT_SERVICE_URL", "http://localhost:8002")),
	}

	// Initialize Gin router
	router := gin.Default()

	// Add CORS middleware
	router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		utils.OKResponse(c, "API Gateway is healthy", serviceClients.GetServiceStatus())
	})

	// Authentication routes
	auth := router.Group("/auth")
	{
		auth.POST("/register", serviceClients.AuthService.ProxyRequest)
		auth.POST("/login", serviceClients.AuthService.ProxyRequest)
		auth.POST("/logout", authMiddleware.RequireAuth(), serviceClients.AuthService.ProxyRequest)
		auth.POST("/logout-all", authMiddleware.RequireAuth(), serviceClients.AuthService.ProxyRequest)
		auth.GET("/me", authMiddleware.RequireAuth(), serviceClients.AuthService.ProxyRequest)
	}

	// Tenant lifecycle routes
	tenants := router.Group("/tenants")
	tenants.Use(authMiddleware.RequireAuth())
	{
		tenants.POST("", serviceClients.TenantService.ProxyRequest)
		tenants.GET("", serviceClients.TenantService.ProxyRequest)
		tenants.GET("/:id", serviceClients.TenantService.ProxyRequest)
		tenants.DELETE("/:id", serviceClients.TenantService.ProxyRequest)
		tenants.POST("/:id/transfer-ownership", serviceClients.TenantService.ProxyRequest)
		tenants.POST("/:id/migrate", authMiddleware.RequireAdmin(), serviceClients.TenantService.ProxyRequest)
	}

	// Start server
	port := getEnv("API_GATEWAY_PORT", "8080")

	logrus.Infof("API Gateway starting on port %s", port)
	if err := router.Run(":" + port); err != nil {
		log.Fatal("Failed to start API Gateway:", err)
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
