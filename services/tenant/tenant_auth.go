package main

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/plexara/control-plane/shared/config"
	"github.com/plexara/control-plane/shared/middleware"
	"github.com/plexara/control-plane/shared/models"
	"github.com/plexara/control-plane/shared/tenancy"
	"github.com/plexara/control-plane/shared/utils"
)

// Tenant-scoped auth: accounts live in each tenant's own database, reached
// through the connection the resolution middleware bootstrapped for this
// request. The central user table is never touched here.

// TenantRegisterRequest represents the tenant-side registration request
type TenantRegisterRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Name     string `json:"name"`
	Password string `json:"password" binding:"required,min=8"`
}

// TenantLoginRequest represents the tenant-side login request
type TenantLoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// TenantLoginResponse represents the tenant-side login response
type TenantLoginResponse struct {
	AccessToken string          `json:"access_token"`
	ExpiresIn   int64           `json:"expires_in"`
	TokenType   string          `json:"token_type"`
	User        models.UserView `json:"user"`
}

// scopedDB returns the tenant database handle bound by the resolution
// middleware. Its absence means the route was wired outside a tenant scope.
func scopedDB(c *gin.Context) (*gorm.DB, bool) {
	db, ok := tenancy.Connection(c.Request.Context())
	if !ok {
		utils.ServiceUnavailableResponse(c, "Tenant database is not available")
		return nil, false
	}
	return db, true
}

// issueTenantToken signs a JWT for a tenant-local user and registers its
// session. The audience pins the token to the tenant it was issued under.
func issueTenantToken(cfg *config.AppConfig, user *models.User, tenantID uuid.UUID) (string, time.Duration, error) {
	ttl := time.Duration(cfg.TokenTTLHours) * time.Hour
	now := time.Now()
	claims := middleware.Claims{
		Email:   user.Email,
		IsAdmin: user.IsAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID.String(),
			Audience:  jwt.ClaimStrings{tenantID.String()},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.JWTSecret))
	if err != nil {
		return "", 0, err
	}

	profile := models.UserProfile{UserID: user.ID, Email: user.Email, IsAdmin: user.IsAdmin}
	if _, err := utils.CreateTokenSession(token, profile, ttl); err != nil {
		return "", 0, err
	}
	return token, ttl, nil
}

// handleTenantRegister creates an account in the resolved tenant's database
func handleTenantRegister(cfg *config.AppConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req TenantRegisterRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.BadRequestResponse(c, "Invalid request format")
			return
		}

		db, ok := scopedDB(c)
		if !ok {
			return
		}
		tenant, _ := middleware.TenantFromContext(c)

		var existing models.User
		if err := db.Where("email = ?", req.Email).First(&existing).Error; err == nil {
			utils.BadRequestResponse(c, "Email already registered")
			return
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			utils.InternalServerErrorResponse(c, "Failed to hash password")
			return
		}

		user := models.User{
			ID:           uuid.New(),
			Email:        req.Email,
			Name:         req.Name,
			PasswordHash: string(hash),
		}
		if err := db.Create(&user).Error; err != nil {
			logrus.WithFields(logrus.Fields{"tenant_id": tenant.ID, "error": err}).Error("Failed to create tenant user")
			utils.InternalServerErrorResponse(c, "Failed to create user")
			return
		}

		token, ttl, err := issueTenantToken(cfg, &user, tenant.ID)
		if err != nil {
			logrus.WithFields(logrus.Fields{"tenant_id": tenant.ID, "error": err}).Error("Failed to issue token")
			utils.InternalServerErrorResponse(c, "Failed to issue token")
			return
		}

		utils.CreatedResponse(c, "User registered successfully", TenantLoginResponse{
			AccessToken: token,
			ExpiresIn:   int64(ttl.Seconds()),
			TokenType:   "Bearer",
			User:        user.View(),
		})
	}
}

// handleTenantLogin authenticates against the resolved tenant's database
func handleTenantLogin(cfg *config.AppConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req TenantLoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.BadRequestResponse(c, "Invalid request format")
			return
		}

		db, ok := scopedDB(c)
		if !ok {
			return
		}
		tenant, _ := middleware.TenantFromContext(c)

		var user models.User
		if err := db.Where("email = ?", req.Email).First(&user).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				utils.UnauthorizedResponse(c, "Invalid credentials")
			} else {
				utils.InternalServerErrorResponse(c, "Failed to load user")
			}
			return
		}

		if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
			utils.UnauthorizedResponse(c, "Invalid credentials")
			return
		}

		token, ttl, err := issueTenantToken(cfg, &user, tenant.ID)
		if err != nil {
			logrus.WithFields(logrus.Fields{"tenant_id": tenant.ID, "error": err}).Error("Failed to issue token")
			utils.InternalServerErrorResponse(c, "Failed to issue token")
			return
		}

		utils.OKResponse(c, "Login successful", TenantLoginResponse{
			AccessToken: token,
			ExpiresIn:   int64(ttl.Seconds()),
			TokenType:   "Bearer",
			User:        user.View(),
		})
	}
}

// handleTenantLogout revokes the current tenant-side session
func handleTenantLogout() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if len(header) > 7 {
			if err := utils.RevokeTokenSession(header[7:]); err != nil {
				utils.InternalServerErrorResponse(c, "Failed to revoke session")
				return
			}
		}
		utils.OKResponse(c, "Logged out", nil)
	}
}

// handleTenantMe returns the authenticated user from the tenant's database
func handleTenantMe() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := middleware.CurrentUserID(c)
		if !ok {
			utils.UnauthorizedResponse(c, "Authentication required")
			return
		}

		db, ok := scopedDB(c)
		if !ok {
			return
		}

		var user models.User
		if err := db.Where("id = ?", userID).First(&user).Error; err != nil {
			utils.NotFoundResponse(c, "User not found")
			return
		}
		utils.OKResponse(c, "User retrieved successfully", user.View())
	}
}
