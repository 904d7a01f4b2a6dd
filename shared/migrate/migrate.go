// Package migrate is the schema-migration collaborator: it applies the
// tenant schema (and optional seed data) to whichever connection the
// lifecycle hands it.
package migrate

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Migrator applies the tenant schema to a connection.
type Migrator interface {
	Apply(ctx context.Context, db *gorm.DB) error
	Seed(ctx context.Context, db *gorm.DB) error
}

// SeedFunc populates a freshly migrated tenant database.
type SeedFunc func(ctx context.Context, db *gorm.DB) error

// GormMigrator migrates a fixed set of models with gorm's AutoMigrate.
type GormMigrator struct {
	models []interface{}
	seed   SeedFunc
	log    *logrus.Entry
}

// NewGormMigrator creates a migrator over the given tenant-schema models.
func NewGormMigrator(models ...interface{}) *GormMigrator {
	return &GormMigrator{
		models: models,
		log:    logrus.WithField("component", "migrator"),
	}
}

// WithSeed attaches seed data to run after Apply.
func (m *GormMigrator) WithSeed(seed SeedFunc) *GormMigrator {
	m.seed = seed
	return m
}

// Apply migrates the tenant schema on db.
func (m *GormMigrator) Apply(ctx context.Context, db *gorm.DB) error {
	if err := db.WithContext(ctx).AutoMigrate(m.models...); err != nil {
		return fmt.Errorf("failed to apply tenant schema: %w", err)
	}
	m.log.Info("Tenant schema applied")
	return nil
}

// Seed runs the configured seed data, if any.
func (m *GormMigrator) Seed(ctx context.Context, db *gorm.DB) error {
	if m.seed == nil {
		return nil
	}
	if err := m.seed(ctx, db); err != nil {
		return fmt.Errorf("failed to seed tenant database: %w", err)
	}
	m.log.Info("Tenant database seeded")
	return nil
}
