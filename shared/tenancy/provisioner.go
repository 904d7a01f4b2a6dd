package tenancy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/plexara/control-plane/shared/models"
	"github.com/plexara/control-plane/shared/utils"
)

// connTestTimeout bounds the external-database reachability check.
const connTestTimeout = 5 * time.Second

// DatabaseName resolves the physical database name for a tenant: the stored
// name verbatim for external tenants, the tenant_<id> convention for local
// ones.
func DatabaseName(t *models.Tenant) string {
	if t.IsExternal() {
		return t.DBDatabase
	}
	return "tenant_" + t.ID.String()
}

// DDLExecer runs a raw DDL statement on the central administrative
// connection. CREATE/DROP DATABASE must never run inside a transaction, so
// implementations execute statements directly.
type DDLExecer interface {
	Exec(ctx context.Context, sql string) error
}

// GormExecer adapts a gorm handle to DDLExecer.
type GormExecer struct {
	DB *gorm.DB
}

func (e GormExecer) Exec(ctx context.Context, sql string) error {
	return e.DB.WithContext(ctx).Exec(sql).Error
}

// ConnTester checks that a connection descriptor is reachable.
type ConnTester func(ctx context.Context, cfg ConnConfig) error

// dialAndPing opens a short-lived connection and runs a trivial round-trip
// query. Production ConnTester.
func dialAndPing(ctx context.Context, cfg ConnConfig) error {
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return fmt.Errorf("failed to open connection: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying SQL DB: %w", err)
	}
	defer sqlDB.Close()

	var one int
	if err := db.WithContext(ctx).Raw("SELECT 1").Scan(&one).Error; err != nil {
		return fmt.Errorf("round-trip query failed: %w", err)
	}
	return nil
}

// Provisioner creates and destroys physical tenant databases. External
// databases are never created or dropped by this system; the provisioner
// only verifies that they are reachable.
type Provisioner struct {
	admin  DDLExecer
	tester ConnTester
	log    *logrus.Entry

	// One breaker per external endpoint: a flapping customer database must
	// not gate connectivity tests against unrelated endpoints.
	mu       sync.Mutex
	breakers map[string]*utils.CircuitBreaker
}

// NewProvisioner creates a provisioner that issues DDL through admin.
func NewProvisioner(admin DDLExecer) *Provisioner {
	return &Provisioner{
		admin:    admin,
		tester:   dialAndPing,
		breakers: make(map[string]*utils.CircuitBreaker),
		log:      logrus.WithField("component", "provisioner"),
	}
}

// breakerFor returns the circuit breaker guarding one endpoint, creating it
// on first use.
func (p *Provisioner) breakerFor(cfg ConnConfig) *utils.CircuitBreaker {
	key := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	p.mu.Lock()
	defer p.mu.Unlock()
	breaker, ok := p.breakers[key]
	if !ok {
		breaker = utils.NewCircuitBreaker(5, 30*time.Second)
		p.breakers[key] = breaker
	}
	return breaker
}

// WithConnTester overrides the reachability check. Used by tests.
func (p *Provisioner) WithConnTester(tester ConnTester) *Provisioner {
	p.tester = tester
	return p
}

// quoteIdent quotes a PostgreSQL identifier.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// CreateDatabase creates the physical database for a local tenant. External
// tenants are assumed pre-existing (their reachability is gated separately)
// and succeed as a no-op. The DDL runs outside any transaction.
func (p *Provisioner) CreateDatabase(ctx context.Context, t *models.Tenant) error {
	if t.IsExternal() {
		return nil
	}

	name := DatabaseName(t)
	sql := fmt.Sprintf("CREATE DATABASE %s WITH ENCODING 'UTF8' TEMPLATE template0", quoteIdent(name))
	if err := p.admin.Exec(ctx, sql); err != nil {
		p.log.WithFields(logrus.Fields{
			"tenant_id": t.ID,
			"database":  name,
			"operation": "create_database",
			"error":     err,
		}).Error("Failed to create tenant database")
		return fmt.Errorf("%w: create database %q: %v", ErrProvisioning, name, err)
	}

	p.log.WithFields(logrus.Fields{"tenant_id": t.ID, "database": name}).Info("Tenant database created")
	return nil
}

// DeleteDatabase drops the physical database of a local tenant. Absence is
// not an error. External databases are never destroyed by this system.
func (p *Provisioner) DeleteDatabase(ctx context.Context, t *models.Tenant) error {
	if t.IsExternal() {
		return nil
	}

	name := DatabaseName(t)
	sql := fmt.Sprintf("DROP DATABASE IF EXISTS %s", quoteIdent(name))
	if err := p.admin.Exec(ctx, sql); err != nil {
		p.log.WithFields(logrus.Fields{
			"tenant_id": t.ID,
			"database":  name,
			"operation": "delete_database",
			"error":     err,
		}).Error("Failed to drop tenant database")
		return fmt.Errorf("%w: drop database %q: %v", ErrProvisioning, name, err)
	}

	p.log.WithFields(logrus.Fields{"tenant_id": t.ID, "database": name}).Info("Tenant database dropped")
	return nil
}

// TestConnection reports whether an external database is reachable. The
// check dials with a bounded timeout, requires encrypted transport and runs
// a trivial query. Repeated failures open that endpoint's circuit breaker;
// other endpoints keep being tested normally.
func (p *Provisioner) TestConnection(ctx context.Context, cfg ConnConfig) bool {
	cfg.SSLMode = "require"

	err := p.breakerFor(cfg).Call(func() error {
		testCtx, cancel := context.WithTimeout(ctx, connTestTimeout)
		defer cancel()
		return p.tester(testCtx, cfg)
	})
	if err != nil {
		p.log.WithFields(logrus.Fields{
			"host":     cfg.Host,
			"database": cfg.DBName,
			"error":    err,
		}).Error("External database connection test failed")
		return false
	}
	return true
}
