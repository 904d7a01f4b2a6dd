package tenancy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/plexara/control-plane/shared/models"
)

// ListParams are the caller-supplied query parameters for listing tenants.
type ListParams struct {
	Page      int
	PerPage   int
	Search    string
	SortBy    string
	SortOrder string
}

// ListResult is one page of tenants plus the unpaginated total.
type ListResult struct {
	Tenants []models.Tenant
	Total   int64
	Page    int
	PerPage int
}

// Directory is the persistent store of tenant and domain records. It owns
// those records exclusively; everything else in the lifecycle works through
// this interface.
type Directory interface {
	CreateTenant(ctx context.Context, t *models.Tenant) error
	BindDomain(ctx context.Context, tenantID uuid.UUID, domain string) error
	DeleteTenant(ctx context.Context, id uuid.UUID) error
	FindTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error)
	FindTenantByDomain(ctx context.Context, domain string) (*models.Tenant, error)
	FindUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	NameTaken(ctx context.Context, name string) (bool, error)
	DomainTaken(ctx context.Context, domain string) (bool, error)
	UpdateOwner(ctx context.Context, tenantID, newOwnerID uuid.UUID) error
	List(ctx context.Context, params ListParams) (*ListResult, error)
}

// allowedSortFields is the sort allow-list; anything else falls back to
// created_at rather than erroring.
var allowedSortFields = map[string]bool{
	"id":                 true,
	"name":               true,
	"created_at":         true,
	"updated_at":         true,
	"db_connection_type": true,
	"owner_id":           true,
}

func validateSortField(field string) string {
	if allowedSortFields[field] {
		return field
	}
	return "created_at"
}

func validateSortOrder(order string) string {
	order = strings.ToLower(order)
	if order == "asc" || order == "desc" {
		return order
	}
	return "desc"
}

func clampPage(page int) int {
	if page < 1 {
		return 1
	}
	return page
}

func clampPerPage(perPage int) int {
	if perPage < 1 {
		return 10
	}
	if perPage > 100 {
		return 100
	}
	return perPage
}

// escapeLike escapes LIKE wildcards in user-supplied search input.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}

// GormDirectory is the gorm-backed Directory over the central database.
type GormDirectory struct {
	db  *gorm.DB
	log *logrus.Entry
}

// NewDirectory creates a directory over the central database handle.
func NewDirectory(db *gorm.DB) *GormDirectory {
	return &GormDirectory{
		db:  db,
		log: logrus.WithField("component", "directory"),
	}
}

// CreateTenant persists a tenant record.
func (d *GormDirectory) CreateTenant(ctx context.Context, t *models.Tenant) error {
	if err := d.db.WithContext(ctx).Create(t).Error; err != nil {
		return fmt.Errorf("failed to create tenant record: %w", err)
	}
	return nil
}

// BindDomain creates the domain record for a tenant inside its own
// transaction, so a failed bind leaves no domain row behind.
func (d *GormDirectory) BindDomain(ctx context.Context, tenantID uuid.UUID, domain string) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record := models.Domain{Domain: domain, TenantID: tenantID}
		if err := tx.Create(&record).Error; err != nil {
			return fmt.Errorf("failed to bind domain %q: %w", domain, err)
		}
		return nil
	})
}

// DeleteTenant removes the tenant record and its domain bindings.
func (d *GormDirectory) DeleteTenant(ctx context.Context, id uuid.UUID) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("tenant_id = ?", id).Delete(&models.Domain{}).Error; err != nil {
			return fmt.Errorf("failed to delete tenant domains: %w", err)
		}
		result := tx.Where("id = ?", id).Delete(&models.Tenant{})
		if result.Error != nil {
			return fmt.Errorf("failed to delete tenant record: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: tenant %s", ErrNotFound, id)
		}
		return nil
	})
}

// FindTenant loads a tenant with its owner and domains.
func (d *GormDirectory) FindTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	var tenant models.Tenant
	err := d.db.WithContext(ctx).Preload("Owner").Preload("Domains").
		Where("id = ?", id).First(&tenant).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: tenant %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to load tenant: %w", err)
	}
	return &tenant, nil
}

// FindTenantByDomain resolves a tenant from one of its bound domains.
func (d *GormDirectory) FindTenantByDomain(ctx context.Context, domain string) (*models.Tenant, error) {
	var binding models.Domain
	err := d.db.WithContext(ctx).Where("domain = ?", domain).First(&binding).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: domain %q", ErrNotFound, domain)
		}
		return nil, fmt.Errorf("failed to resolve domain: %w", err)
	}
	return d.FindTenant(ctx, binding.TenantID)
}

// FindUser loads a central user record.
func (d *GormDirectory) FindUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var user models.User
	err := d.db.WithContext(ctx).Where("id = ?", id).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: user %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return &user, nil
}

// NameTaken reports whether a tenant name is already in use.
func (d *GormDirectory) NameTaken(ctx context.Context, name string) (bool, error) {
	var count int64
	err := d.db.WithContext(ctx).Model(&models.Tenant{}).
		Where("name = ?", name).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check tenant name: %w", err)
	}
	return count > 0, nil
}

// DomainTaken reports whether a domain is already bound.
func (d *GormDirectory) DomainTaken(ctx context.Context, domain string) (bool, error) {
	var count int64
	err := d.db.WithContext(ctx).Model(&models.Domain{}).
		Where("domain = ?", domain).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check domain: %w", err)
	}
	return count > 0, nil
}

// UpdateOwner atomically rebinds a tenant to a new owner.
func (d *GormDirectory) UpdateOwner(ctx context.Context, tenantID, newOwnerID uuid.UUID) error {
	result := d.db.WithContext(ctx).Model(&models.Tenant{}).
		Where("id = ?", tenantID).Update("owner_id", newOwnerID)
	if result.Error != nil {
		return fmt.Errorf("failed to update owner: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: tenant %s", ErrNotFound, tenantID)
	}
	return nil
}

// List returns one page of tenants. Sort field and order fall back to safe
// defaults, per_page is clamped to [1,100], and search matches name, id and
// bound domains case-insensitively.
func (d *GormDirectory) List(ctx context.Context, params ListParams) (*ListResult, error) {
	page := clampPage(params.Page)
	perPage := clampPerPage(params.PerPage)
	sortBy := validateSortField(params.SortBy)
	sortOrder := validateSortOrder(params.SortOrder)

	query := d.db.WithContext(ctx).Model(&models.Tenant{})

	if search := strings.TrimSpace(params.Search); search != "" {
		pattern := "%" + escapeLike(strings.ToLower(search)) + "%"
		query = query.Where(
			`LOWER(tenants.name) LIKE ? OR LOWER(tenants.id::text) LIKE ? OR EXISTS (
				SELECT 1 FROM domains
				WHERE domains.tenant_id = tenants.id AND LOWER(domains.domain) LIKE ?
			)`,
			pattern, pattern, pattern,
		)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count tenants: %w", err)
	}

	var tenants []models.Tenant
	err := query.
		Order(fmt.Sprintf("tenants.%s %s", sortBy, sortOrder)).
		Limit(perPage).
		Offset((page - 1) * perPage).
		Preload("Owner").
		Preload("Domains").
		Find(&tenants).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}

	return &ListResult{Tenants: tenants, Total: total, Page: page, PerPage: perPage}, nil
}
