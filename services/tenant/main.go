package main

import (
	"log"
	"os"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/plexara/control-plane/shared/config"
	"github.com/plexara/control-plane/shared/middleware"
	"github.com/plexara/control-plane/shared/migrate"
	"github.com/plexara/control-plane/shared/models"
	"github.com/plexara/control-plane/shared/tenancy"
	"github.com/plexara/control-plane/shared/utils"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		logrus.Warn("No .env file found, using environment variables")
	}

	appConfig := config.GetAppConfig()
	dbConfig := config.GetDatabaseConfig()

	// Initialize Redis for session validation
	if err := utils.InitRedis(); err != nil {
		log.Fatal("Failed to connect to Redis:", err)
	}
	defer utils.CloseRedis()

	// Central database: directory records plus the administrative handle
	// used for CREATE/DROP DATABASE.
	db, err := config.ConnectDatabase()
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}
	if err := db.AutoMigrate(&models.User{}, &models.Tenant{}, &models.Domain{}); err != nil {
		log.Fatal("Failed to migrate central schema:", err)
	}

	cipher, err := tenancy.NewCipher([]byte(appConfig.EncryptionKey))
	if err != nil {
		log.Fatal("Invalid credentials encryption key:", err)
	}

	// Connection registry: the central connection is the process default;
	// tenant scopes register their own short-lived names.
	port, _ := strconv.Atoi(dbConfig.Port)
	centralCfg := tenancy.ConnConfig{
		Host:     dbConfig.Host,
		Port:     port,
		User:     dbConfig.User,
		Password: dbConfig.Password,
		DBName:   dbConfig.DBName,
		SSLMode:  dbConfig.SSLMode,
	}
	registry := tenancy.NewRegistry()
	registry.SetConnection("central", centralCfg)
	registry.SetDefault("central")
	defer registry.Close()

	directory := tenancy.NewDirectory(db)
	provisioner := tenancy.NewProvisioner(tenancy.GormExecer{DB: db})
	scopes := tenancy.NewScopeFactory(registry, centralCfg, cipher)
	migrator := migrate.NewGormMigrator(&models.User{})

	var events tenancy.Publisher = tenancy.NopPublisher{}
	if appConfig.KafkaBroker != "" {
		kafkaEvents := tenancy.NewKafkaPublisher(appConfig.KafkaBroker)
		defer kafkaEvents.Close()
		events = kafkaEvents
	}

	orchestrator := tenancy.NewOrchestrator(directory, provisioner, scopes, migrator, events, cipher)

	authMiddleware := middleware.NewAuthMiddleware(appConfig.JWTSecret)
	tenantMiddleware := middleware.NewTenantMiddleware(directory, scopes)

	// Initialize Gin router
	router := gin.Default()

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		utils.OKResponse(c, "Tenant service is healthy", nil)
	})

	// Tenant lifecycle routes
	tenants := router.Group("/tenants")
	tenants.Use(authMiddleware.RequireAuth())
	{
		tenants.POST("", handleCreateTenant(orchestrator))
		tenants.GET("", handleListTenants(orchestrator))
		tenants.GET("/:id", handleGetTenant(orchestrator))
		tenants.DELETE("/:id", handleDeleteTenant(orchestrator))
		tenants.POST("/:id/transfer-ownership", handleTransferOwnership(orchestrator))
		tenants.POST("/:id/migrate", authMiddleware.RequireAdmin(), handleMigrateTenant(orchestrator))
	}

	// Domain-routed routes: the tenant is resolved from the request Host and
	// its database connection is active for the request's lifetime. Auth here
	// is tenant-scoped: accounts live in the tenant's own database.
	app := router.Group("/app")
	app.Use(tenantMiddleware.ResolveTenant())
	{
		app.GET("/info", handleTenantInfo())

		appAuth := app.Group("/auth")
		{
			appAuth.POST("/register", handleTenantRegister(appConfig))
			appAuth.POST("/login", handleTenantLogin(appConfig))

			protected := appAuth.Group("")
			protected.Use(authMiddleware.RequireAuth())
			{
				protected.POST("/logout", handleTenantLogout())
				protected.GET("/me", handleTenantMe())
			}
		}
	}

	// Start server
	servicePort := os.Getenv("TENANT_SERVICE_PORT")
	if servicePort == "" {
		servicePort = "8002"
	}

	logrus.Infof("Tenant service starting on port %s", servicePort)
	if err := router.Run(":" + servicePort); err != nil {
		log.Fatal("Failed to start tenant service:", err)
	}
}
