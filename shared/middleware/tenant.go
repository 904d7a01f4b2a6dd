package middleware

import (
	"net"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/plexara/control-plane/shared/models"
	"github.com/plexara/control-plane/shared/tenancy"
	"github.com/plexara/control-plane/shared/utils"
)

// TenantMiddleware resolves the tenant for a request by its Host and
// activates the tenant's database connection for the request's lifetime.
type TenantMiddleware struct {
	directory tenancy.Directory
	scopes    tenancy.ScopeFactory
	log       *logrus.Entry
}

// NewTenantMiddleware creates the domain-routing middleware.
func NewTenantMiddleware(directory tenancy.Directory, scopes tenancy.ScopeFactory) *TenantMiddleware {
	return &TenantMiddleware{
		directory: directory,
		scopes:    scopes,
		log:       logrus.WithField("component", "tenant_middleware"),
	}
}

// ResolveTenant looks the tenant up by request domain, bootstraps a
// connection scope for this request and reverts it when the request ends.
// Each request gets its own scope, so concurrent requests for different
// tenants never share connection state.
func (tm *TenantMiddleware) ResolveTenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Behind the gateway the original Host arrives forwarded.
		host := c.GetHeader("X-Forwarded-Host")
		if host == "" {
			host = c.Request.Host
		}
		domain := hostWithoutPort(host)

		tenant, err := tm.directory.FindTenantByDomain(c.Request.Context(), domain)
		if err != nil {
			utils.NotFoundResponse(c, "Unknown tenant domain")
			c.Abort()
			return
		}

		scope := tm.scopes()
		scopedCtx, err := scope.Bootstrap(c.Request.Context(), tenant)
		if err != nil {
			tm.log.WithFields(logrus.Fields{
				"tenant_id": tenant.ID,
				"domain":    domain,
				"error":     err,
			}).Error("Failed to activate tenant connection")
			utils.InternalServerErrorResponse(c, "Failed to activate tenant")
			c.Abort()
			return
		}
		defer scope.Revert()

		c.Request = c.Request.WithContext(scopedCtx)
		c.Set("tenant", tenant)
		c.Next()
	}
}

// TenantFromContext returns the tenant resolved by ResolveTenant.
func TenantFromContext(c *gin.Context) (*models.Tenant, bool) {
	value, exists := c.Get("tenant")
	if !exists {
		return nil, false
	}
	tenant, ok := value.(*models.Tenant)
	return tenant, ok
}

// hostWithoutPort strips an explicit port from a Host header value.
func hostWithoutPort(host string) string {
	if strings.Contains(host, ":") {
		if h, _, err := net.SplitHostPort(host); err == nil {
			return h
		}
	}
	return host
}
