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
	"github.com/plexara/control-plane/shared/utils"
)

// TokenService issues and revokes access tokens: a signed JWT paired with a
// Redis session, so revocation is immediate regardless of token expiry.
type TokenService struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenService creates a token service from the app config.
func NewTokenService(cfg *config.AppConfig) *TokenService {
	return &TokenService{
		secret: []byte(cfg.JWTSecret),
		ttl:    time.Duration(cfg.TokenTTLHours) * time.Hour,
	}
}

// IssueToken creates a signed JWT for the user and registers its session.
func (ts *TokenService) IssueToken(user *models.User) (string, error) {
	now := time.Now()
	claims := middleware.Claims{
		Email:   user.Email,
		IsAdmin: user.IsAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ts.ttl)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ts.secret)
	if err != nil {
		return "", err
	}

	profile := models.UserProfile{UserID: user.ID, Email: user.Email, IsAdmin: user.IsAdmin}
	if _, err := utils.CreateTokenSession(token, profile, ts.ttl); err != nil {
		return "", err
	}
	return token, nil
}

// RevokeToken drops the session behind one token.
func (ts *TokenService) RevokeToken(token string) error {
	return utils.RevokeTokenSession(token)
}

// RevokeAllTokens drops every session belonging to the user.
func (ts *TokenService) RevokeAllTokens(userID uuid.UUID) error {
	return utils.RevokeAllUserSessions(userID)
}

// TTL returns the configured token lifetime.
func (ts *TokenService) TTL() time.Duration {
	return ts.ttl
}

// RegisterRequest represents the registration request
type RegisterRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Name     string `json:"name"`
	Password string `json:"password" binding:"required,min=8"`
}

// LoginRequest represents the login request
type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse represents the login response
type LoginResponse struct {
	AccessToken string          `json:"access_token"`
	ExpiresIn   int64           `json:"expires_in"`
	TokenType   string          `json:"token_type"`
	User        models.UserView `json:"user"`
}

// handleRegister creates a central user account
func handleRegister(db *gorm.DB, tokens *TokenService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RegisterRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.BadRequestResponse(c, "Invalid request format")
			return
		}

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
			logrus.WithField("error", err).Error("Failed to create user")
			utils.InternalServerErrorResponse(c, "Failed to create user")
			return
		}

		token, err := tokens.IssueToken(&user)
		if err != nil {
			logrus.WithField("error", err).Error("Failed to issue token")
			utils.InternalServerErrorResponse(c, "Failed to issue token")
			return
		}

		utils.CreatedResponse(c, "User registered successfully", LoginResponse{
			AccessToken: token,
			ExpiresIn:   int64(tokens.TTL().Seconds()),
			TokenType:   "Bearer",
			User:        user.View(),
		})
	}
}

// handleLogin authenticates a central user and issues a token
func handleLogin(db *gorm.DB, tokens *TokenService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.BadRequestResponse(c, "Invalid request format")
			return
		}

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

		token, err := tokens.IssueToken(&user)
		if err != nil {
			logrus.WithField("error", err).Error("Failed to issue token")
			utils.InternalServerErrorResponse(c, "Failed to issue token")
			return
		}

		utils.OKResponse(c, "Login successful", LoginResponse{
			AccessToken: token,
			ExpiresIn:   int64(tokens.TTL().Seconds()),
			TokenType:   "Bearer",
			User:        user.View(),
		})
	}
}

// handleLogout revokes the current session
func handleLogout(tokens *TokenService) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if len(header) > 7 {
			if err := tokens.RevokeToken(header[7:]); err != nil {
				utils.InternalServerErrorResponse(c, "Failed to revoke session")
				return
			}
		}
		utils.OKResponse(c, "Logged out", nil)
	}
}

// handleLogoutAll revokes every session of the current user
func handleLogoutAll(tokens *TokenService) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := middleware.CurrentUserID(c)
		if !ok {
			utils.UnauthorizedResponse(c, "Authentication required")
			return
		}
		if err := tokens.RevokeAllTokens(userID); err != nil {
			utils.InternalServerErrorResponse(c, "Failed to revoke sessions")
			return
		}
		utils.OKResponse(c, "All sessions revoked", nil)
	}
}

// handleMe returns the current user
func handleMe(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := middleware.CurrentUserID(c)
		if !ok {
			utils.UnauthorizedResponse(c, "Authentication required")
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
