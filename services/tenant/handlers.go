package main

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/plexara/control-plane/shared/middleware"
	"github.com/plexara/control-plane/shared/models"
	"github.com/plexara/control-plane/shared/tenancy"
	"github.com/plexara/control-plane/shared/utils"
)

// CreateTenantRequest represents the create tenant request
type CreateTenantRequest struct {
	Name             string                 `json:"name" binding:"required"`
	Domain           string                 `json:"domain" binding:"required"`
	DBConnectionType string                 `json:"db_connection_type" binding:"required"`
	DBHost           string                 `json:"db_host"`
	DBPort           int                    `json:"db_port"`
	DBDatabase       string                 `json:"db_database"`
	DBUsername       string                 `json:"db_username"`
	DBPassword       string                 `json:"db_password"`
	Data             map[string]interface{} `json:"data"`
}

// TransferOwnershipRequest represents the ownership transfer request
type TransferOwnershipRequest struct {
	NewOwnerID string `json:"new_owner_id" binding:"required"`
}

// respondError maps lifecycle error categories onto HTTP statuses. Client
// errors carry their detail; server-side failures get a generic message so
// internals never reach the caller.
func respondError(c *gin.Context, err error) {
	category := tenancy.Category(err)
	switch {
	case errors.Is(err, tenancy.ErrValidation):
		utils.CategoryErrorResponse(c, http.StatusBadRequest, category, err.Error())
	case errors.Is(err, tenancy.ErrConflict):
		utils.CategoryErrorResponse(c, http.StatusConflict, category, err.Error())
	case errors.Is(err, tenancy.ErrUnreachableDatabase):
		utils.CategoryErrorResponse(c, http.StatusUnprocessableEntity, category, err.Error())
	case errors.Is(err, tenancy.ErrNotFound):
		utils.CategoryErrorResponse(c, http.StatusNotFound, category, err.Error())
	case errors.Is(err, tenancy.ErrForbidden):
		utils.CategoryErrorResponse(c, http.StatusForbidden, category, err.Error())
	case errors.Is(err, tenancy.ErrProvisioning):
		utils.CategoryErrorResponse(c, http.StatusInternalServerError, category, "Failed to provision tenant database")
	case errors.Is(err, tenancy.ErrTenantCreationFailed):
		utils.CategoryErrorResponse(c, http.StatusInternalServerError, category, "Tenant creation failed and was rolled back")
	default:
		utils.CategoryErrorResponse(c, http.StatusInternalServerError, category, "Internal error")
	}
}

// handleCreateTenant handles tenant creation
func handleCreateTenant(orchestrator *tenancy.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateTenantRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.BadRequestResponse(c, "Invalid request format")
			return
		}

		callerID, ok := middleware.CurrentUserID(c)
		if !ok {
			utils.UnauthorizedResponse(c, "Authentication required")
			return
		}

		input := tenancy.CreateTenantInput{
			Name:             req.Name,
			Domain:           req.Domain,
			DBConnectionType: models.ConnectionType(req.DBConnectionType),
			DBHost:           req.DBHost,
			DBPort:           req.DBPort,
			DBDatabase:       req.DBDatabase,
			DBUsername:       req.DBUsername,
			DBPassword:       req.DBPassword,
			Data:             req.Data,
		}

		result, err := orchestrator.CreateTenant(c.Request.Context(), input, callerID)
		if err != nil {
			respondError(c, err)
			return
		}

		utils.CreatedResponse(c, "Tenant created successfully", result)
	}
}

// handleListTenants handles the paginated tenant listing
func handleListTenants(orchestrator *tenancy.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
		perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", "10"))

		params := tenancy.ListParams{
			Page:      page,
			PerPage:   perPage,
			Search:    c.Query("search"),
			SortBy:    c.DefaultQuery("sort_by", "created_at"),
			SortOrder: c.DefaultQuery("sort_order", "desc"),
		}

		result, err := orchestrator.ListTenants(c.Request.Context(), params)
		if err != nil {
			respondError(c, err)
			return
		}

		utils.OKResponse(c, "Tenants retrieved successfully", result)
	}
}

// handleGetTenant handles getting a specific tenant
func handleGetTenant(orchestrator *tenancy.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			utils.BadRequestResponse(c, "Invalid tenant id")
			return
		}

		view, err := orchestrator.GetTenant(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}

		utils.OKResponse(c, "Tenant retrieved successfully", view)
	}
}

// handleDeleteTenant handles deleting a tenant
func handleDeleteTenant(orchestrator *tenancy.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			utils.BadRequestResponse(c, "Invalid tenant id")
			return
		}

		if err := orchestrator.DeleteTenant(c.Request.Context(), id); err != nil {
			respondError(c, err)
			return
		}

		utils.OKResponse(c, "Tenant deleted successfully", nil)
	}
}

// handleTransferOwnership hands a tenant to a new owner; only the current
// owner may do this.
func handleTransferOwnership(orchestrator *tenancy.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID, err := uuid.Parse(c.Param("id"))
		if err != nil {
			utils.BadRequestResponse(c, "Invalid tenant id")
			return
		}

		var req TransferOwnershipRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.BadRequestResponse(c, "Invalid request format")
			return
		}
		newOwnerID, err := uuid.Parse(req.NewOwnerID)
		if err != nil {
			utils.BadRequestResponse(c, "Invalid new owner id")
			return
		}

		callerID, ok := middleware.CurrentUserID(c)
		if !ok {
			utils.UnauthorizedResponse(c, "Authentication required")
			return
		}

		view, err := orchestrator.TransferOwnership(c.Request.Context(), tenantID, newOwnerID, callerID)
		if err != nil {
			respondError(c, err)
			return
		}

		utils.OKResponse(c, "Tenant ownership transferred successfully", view)
	}
}

// handleTenantInfo returns the tenant resolved from the request domain. The
// route runs inside a bootstrapped scope, so the scoped connection is
// available to anything that needs tenant data.
func handleTenantInfo() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant, ok := middleware.TenantFromContext(c)
		if !ok {
			utils.NotFoundResponse(c, "No tenant resolved for this domain")
			return
		}
		utils.OKResponse(c, "Tenant resolved successfully", tenant.View())
	}
}

// handleMigrateTenant re-runs schema setup for a tenant whose creation-time
// migration failed (admin only).
func handleMigrateTenant(orchestrator *tenancy.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			utils.BadRequestResponse(c, "Invalid tenant id")
			return
		}

		if err := orchestrator.MigrateTenant(c.Request.Context(), id); err != nil {
			respondError(c, err)
			return
		}

		utils.OKResponse(c, "Tenant schema migrated successfully", nil)
	}
}
