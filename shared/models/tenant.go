package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ConnectionType tells whether a tenant's database is created and owned by
// this system (local) or lives outside of it (external).
type ConnectionType string

const (
	ConnectionLocal    ConnectionType = "local"
	ConnectionExternal ConnectionType = "external"
)

// Valid reports whether the connection type is one of the two known kinds.
func (t ConnectionType) Valid() bool {
	return t == ConnectionLocal || t == ConnectionExternal
}

// Tenant represents an isolated customer environment. For external tenants
// the db_* columns carry the credentials of the customer-managed database;
// DBPassword holds ciphertext and is never serialized.
type Tenant struct {
	ID               uuid.UUID      `json:"id" gorm:"type:uuid;primary_key"`
	Name             string         `json:"name" gorm:"uniqueIndex;not null"`
	OwnerID          uuid.UUID      `json:"owner_id" gorm:"type:uuid;index;not null"`
	DBConnectionType ConnectionType `json:"db_connection_type" gorm:"type:varchar(16);not null;default:local"`
	DBHost           string         `json:"db_host,omitempty" gorm:"type:varchar(255)"`
	DBPort           int            `json:"db_port,omitempty"`
	DBDatabase       string         `json:"db_database,omitempty" gorm:"type:varchar(255)"`
	DBUsername       string         `json:"db_username,omitempty" gorm:"type:varchar(255)"`
	DBPassword       string         `json:"-" gorm:"type:text"`
	Data             string         `json:"-" gorm:"type:jsonb;default:'{}'"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`

	// Relationships
	Owner   *User    `json:"owner,omitempty" gorm:"foreignKey:OwnerID"`
	Domains []Domain `json:"domains,omitempty" gorm:"foreignKey:TenantID;constraint:OnDelete:CASCADE"`
}

// TableName returns the table name for the Tenant model
func (Tenant) TableName() string {
	return "tenants"
}

// IsExternal reports whether the tenant connects to a customer-managed database.
func (t *Tenant) IsExternal() bool {
	return t.DBConnectionType == ConnectionExternal
}

// GetData decodes the opaque metadata blob. Invalid or empty JSON yields an
// empty map rather than an error; the blob is tenant-owned and unschema'd.
func (t *Tenant) GetData() map[string]interface{} {
	data := map[string]interface{}{}
	if t.Data == "" {
		return data
	}
	if err := json.Unmarshal([]byte(t.Data), &data); err != nil {
		return map[string]interface{}{}
	}
	return data
}

// DomainNames returns the bound domains as plain strings.
func (t *Tenant) DomainNames() []string {
	names := make([]string, 0, len(t.Domains))
	for _, d := range t.Domains {
		names = append(names, d.Domain)
	}
	return names
}

// Domain binds a routing domain to exactly one tenant
type Domain struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	Domain    string    `json:"domain" gorm:"uniqueIndex;not null"`
	TenantID  uuid.UUID `json:"tenant_id" gorm:"type:uuid;index;not null"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the table name for the Domain model
func (Domain) TableName() string {
	return "domains"
}

// TenantCredentials is the external-database credential block exposed to API
// consumers. The password is deliberately not part of this struct.
type TenantCredentials struct {
	Host     string `json:"db_host"`
	Port     int    `json:"db_port"`
	Database string `json:"db_database"`
	Username string `json:"db_username"`
}

// TenantView is the tenant shape returned to API consumers.
type TenantView struct {
	ID               uuid.UUID              `json:"id"`
	Name             string                 `json:"name"`
	Owner            *UserView              `json:"owner,omitempty"`
	Domains          []string               `json:"domains"`
	DBConnectionType ConnectionType         `json:"db_connection_type"`
	DBCredentials    *TenantCredentials     `json:"db_credentials,omitempty"`
	Data             map[string]interface{} `json:"data"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

// View converts a tenant record into its external representation. External
// tenants expose their credential block minus the password; local tenants
// expose no credentials at all.
func (t *Tenant) View() TenantView {
	view := TenantView{
		ID:               t.ID,
		Name:             t.Name,
		Domains:          t.DomainNames(),
		DBConnectionType: t.DBConnectionType,
		Data:             t.GetData(),
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
	}
	if t.Owner != nil {
		owner := t.Owner.View()
		view.Owner = &owner
	}
	if t.IsExternal() {
		view.DBCredentials = &TenantCredentials{
			Host:     t.DBHost,
			Port:     t.DBPort,
			Database: t.DBDatabase,
			Username: t.DBUsername,
		}
	}
	return view
}
