package middleware

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/plexara/control-plane/shared/models"
	"github.com/plexara/control-plane/shared/tenancy"
)

// stubDirectory resolves a single domain; every other operation is unused by
// the middleware under test.
type stubDirectory struct {
	tenant *models.Tenant
}

var errStubUnused = fmt.Errorf("not implemented")

func (s *stubDirectory) CreateTenant(context.Context, *models.Tenant) error { return errStubUnused }
func (s *stubDirectory) BindDomain(context.Context, uuid.UUID, string) error {
	return errStubUnused
}
func (s *stubDirectory) DeleteTenant(context.Context, uuid.UUID) error { return errStubUnused }
func (s *stubDirectory) FindTenant(context.Context, uuid.UUID) (*models.Tenant, error) {
	return nil, errStubUnused
}
func (s *stubDirectory) FindTenantByDomain(ctx context.Context, domain string) (*models.Tenant, error) {
	if s.tenant != nil && len(s.tenant.Domains) > 0 && s.tenant.Domains[0].Domain == domain {
		return s.tenant, nil
	}
	return nil, fmt.Errorf("%w: domain %q", tenancy.ErrNotFound, domain)
}
func (s *stubDirectory) FindUser(context.Context, uuid.UUID) (*models.User, error) {
	return nil, errStubUnused
}
func (s *stubDirectory) NameTaken(context.Context, string) (bool, error) {
	return false, errStubUnused
}
func (s *stubDirectory) DomainTaken(context.Context, string) (bool, error) {
	return false, errStubUnused
}
func (s *stubDirectory) UpdateOwner(context.Context, uuid.UUID, uuid.UUID) error {
	return errStubUnused
}
func (s *stubDirectory) List(context.Context, tenancy.ListParams) (*tenancy.ListResult, error) {
	return nil, errStubUnused
}

// recordingScope tracks bootstrap/revert ordering.
type recordingScope struct {
	bootstrapped *models.Tenant
	reverted     bool
	failWith     error
}

func (s *recordingScope) Bootstrap(ctx context.Context, t *models.Tenant) (context.Context, error) {
	if s.failWith != nil {
		return ctx, s.failWith
	}
	s.bootstrapped = t
	return tenancy.WithConnection(ctx, &gorm.DB{Config: &gorm.Config{}}), nil
}

func (s *recordingScope) Revert() { s.reverted = true }

func resolvedTenant() *models.Tenant {
	return &models.Tenant{
		ID:               uuid.New(),
		Name:             "acme",
		DBConnectionType: models.ConnectionLocal,
		Domains:          []models.Domain{{Domain: "acme.example.com"}},
	}
}

func newTenantRouter(directory tenancy.Directory, scope *recordingScope, handler gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	tm := NewTenantMiddleware(directory, func() tenancy.Scope { return scope })
	router := gin.New()
	router.GET("/info", tm.ResolveTenant(), handler)
	return router
}

func TestResolveTenantActivatesScope(t *testing.T) {
	tenant := resolvedTenant()
	scope := &recordingScope{}

	var sawTenant *models.Tenant
	var sawConnection bool
	router := newTenantRouter(&stubDirectory{tenant: tenant}, scope, func(c *gin.Context) {
		sawTenant, _ = TenantFromContext(c)
		_, sawConnection = tenancy.Connection(c.Request.Context())
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest("GET", "/info", nil)
	req.Host = "acme.example.com"
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, sawTenant)
	assert.Equal(t, tenant.ID, sawTenant.ID)
	assert.True(t, sawConnection)

	// The scope is released once the request finishes.
	assert.Equal(t, tenant.ID, scope.bootstrapped.ID)
	assert.True(t, scope.reverted)
}

func TestResolveTenantStripsPortAndHonorsForwardedHost(t *testing.T) {
	tenant := resolvedTenant()

	t.Run("host with port", func(t *testing.T) {
		scope := &recordingScope{}
		router := newTenantRouter(&stubDirectory{tenant: tenant}, scope, func(c *gin.Context) {
			c.Status(http.StatusOK)
		})
		req := httptest.NewRequest("GET", "/info", nil)
		req.Host = "acme.example.com:8443"
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("forwarded host wins over gateway host", func(t *testing.T) {
		scope := &recordingScope{}
		router := newTenantRouter(&stubDirectory{tenant: tenant}, scope, func(c *gin.Context) {
			c.Status(http.StatusOK)
		})
		req := httptest.NewRequest("GET", "/info", nil)
		req.Host = "gateway.internal:8080"
		req.Header.Set("X-Forwarded-Host", "acme.example.com")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestResolveTenantUnknownDomain(t *testing.T) {
	scope := &recordingScope{}
	router := newTenantRouter(&stubDirectory{}, scope, func(c *gin.Context) {
		t.Fatal("handler must not run for an unknown domain")
	})

	req := httptest.NewRequest("GET", "/info", nil)
	req.Host = "nobody.example.com"
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Nil(t, scope.bootstrapped)
}

func TestResolveTenantBootstrapFailure(t *testing.T) {
	tenant := resolvedTenant()
	scope := &recordingScope{failWith: fmt.Errorf("connect refused")}
	router := newTenantRouter(&stubDirectory{tenant: tenant}, scope, func(c *gin.Context) {
		t.Fatal("handler must not run when activation fails")
	})

	req := httptest.NewRequest("GET", "/info", nil)
	req.Host = "acme.example.com"
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
