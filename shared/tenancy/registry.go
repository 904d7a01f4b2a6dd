package tenancy

import (
	"fmt"
	"sync"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ConnConfig is a derived connection descriptor. It is never persisted;
// local tenants get one computed from the central config and the tenant id,
// external tenants get one built from their stored credentials.
type ConnConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// DSN returns the PostgreSQL connection string for the descriptor.
func (c ConnConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// Opener turns a connection descriptor into a live pooled handle.
type Opener func(cfg ConnConfig) (*gorm.DB, error)

// openGorm is the production Opener.
func openGorm(cfg ConnConfig) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		PrepareStmt: true,
		Logger:      logger.Default.LogMode(logger.Error),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %q: %w", cfg.DBName, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying SQL DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	sqlDB.SetConnMaxIdleTime(10 * time.Minute)
	return db, nil
}

// Registry is the process-wide table of named connection configurations and
// their lazily opened pools. It owns pool handles only; tenant records are
// owned by the directory. Safe for concurrent use.
//
// The registry keeps a default name for unscoped administrative work. Request
// handling never reads it: each bootstrapped scope carries its own resolved
// handle through the context instead.
type Registry struct {
	mu          sync.RWMutex
	configs     map[string]ConnConfig
	pools       map[string]*gorm.DB
	defaultName string
	open        Opener
}

// NewRegistry creates an empty registry using the production opener.
func NewRegistry() *Registry {
	return &Registry{
		configs: make(map[string]ConnConfig),
		pools:   make(map[string]*gorm.DB),
		open:    openGorm,
	}
}

// NewRegistryWithOpener creates a registry with a custom opener. Used by
// tests to avoid dialing real databases.
func NewRegistryWithOpener(open Opener) *Registry {
	r := NewRegistry()
	r.open = open
	return r
}

// SetConnection replaces the configuration registered under name. It does
// not open a connection; an existing pool under the same name keeps serving
// until the next Purge or Reconnect.
func (r *Registry) SetConnection(name string, cfg ConnConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[name] = cfg
}

// Get returns the pooled handle under name, opening it on first use.
func (r *Registry) Get(name string) (*gorm.DB, error) {
	r.mu.RLock()
	if db, ok := r.pools[name]; ok {
		r.mu.RUnlock()
		return db, nil
	}
	r.mu.RUnlock()
	return r.Reconnect(name)
}

// Purge closes and discards any pooled connection under name. The next use
// reconnects with the current configuration. Purging an unknown or unopened
// name is a no-op.
func (r *Registry) Purge(name string) {
	r.mu.Lock()
	db, ok := r.pools[name]
	delete(r.pools, name)
	r.mu.Unlock()
	if !ok {
		return
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
}

// Reconnect forces a fresh pooled connection under name using its current
// configuration, replacing and closing any previous pool.
func (r *Registry) Reconnect(name string) (*gorm.DB, error) {
	r.mu.RLock()
	cfg, ok := r.configs[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no connection config registered under %q", ErrIllegalState, name)
	}

	db, err := r.open(cfg)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	old := r.pools[name]
	r.pools[name] = db
	r.mu.Unlock()

	if old != nil && old != db {
		if sqlDB, err := old.DB(); err == nil {
			sqlDB.Close()
		}
	}
	return db, nil
}

// SetDefault marks name as the connection used for unscoped operations.
func (r *Registry) SetDefault(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultName = name
}

// DefaultName returns the logical name marked as default.
func (r *Registry) DefaultName() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultName
}

// Default returns the pooled handle for the default connection.
func (r *Registry) Default() (*gorm.DB, error) {
	name := r.DefaultName()
	if name == "" {
		return nil, fmt.Errorf("%w: no default connection set", ErrIllegalState)
	}
	return r.Get(name)
}

// Remove forgets both the configuration and any pool under name.
func (r *Registry) Remove(name string) {
	r.Purge(name)
	r.mu.Lock()
	delete(r.configs, name)
	r.mu.Unlock()
}

// Close purges every pooled connection. Called on process shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	pools := r.pools
	r.pools = make(map[string]*gorm.DB)
	r.mu.Unlock()
	for _, db := range pools {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	}
}
