package tenancy

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/plexara/control-plane/shared/models"
)

// ScopeState is the lifecycle state of one activation scope.
type ScopeState string

const (
	StateInactive      ScopeState = "inactive"
	StateBootstrapping ScopeState = "bootstrapping"
	StateActive        ScopeState = "active"
	StateReverting     ScopeState = "reverting"
)

type connKey struct{}

// WithConnection binds a resolved tenant handle to the context.
func WithConnection(ctx context.Context, db *gorm.DB) context.Context {
	return context.WithValue(ctx, connKey{}, db)
}

// Connection returns the tenant handle bound to the context, if any.
// Downstream code reads its connection from here, never from process-wide
// state, so concurrent scopes cannot observe each other's tenant.
func Connection(ctx context.Context) (*gorm.DB, bool) {
	db, ok := ctx.Value(connKey{}).(*gorm.DB)
	return db, ok
}

// Scope activates a tenant connection for one logical unit of work and
// deactivates it afterwards.
type Scope interface {
	Bootstrap(ctx context.Context, t *models.Tenant) (context.Context, error)
	Revert()
}

// ScopeFactory creates a fresh Scope per unit of work.
type ScopeFactory func() Scope

// NewScopeFactory returns a factory producing Bootstrappers over the given
// registry. base is the central connection config local tenant descriptors
// derive from.
func NewScopeFactory(registry *Registry, base ConnConfig, cipher *Cipher) ScopeFactory {
	return func() Scope {
		return NewBootstrapper(registry, base, cipher)
	}
}

// Bootstrapper owns a single activation scope. Each instance registers a
// scope-unique connection name, so concurrent scopes on different tenants
// never share registry entries; the resolved handle travels through the
// context rather than a mutable process default.
type Bootstrapper struct {
	registry *Registry
	base     ConnConfig
	cipher   *Cipher
	log      *logrus.Entry

	mu        sync.Mutex
	state     ScopeState
	scopeName string
}

// NewBootstrapper creates an inactive scope over the registry.
func NewBootstrapper(registry *Registry, base ConnConfig, cipher *Cipher) *Bootstrapper {
	return &Bootstrapper{
		registry: registry,
		base:     base,
		cipher:   cipher,
		state:    StateInactive,
		log:      logrus.WithField("component", "bootstrapper"),
	}
}

// State returns the current scope state.
func (b *Bootstrapper) State() ScopeState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// connConfig computes the connection descriptor for a tenant: the central
// config pointed at tenant_<id> for local tenants, the stored credentials
// (password decrypted, TLS required) for external ones.
func (b *Bootstrapper) connConfig(t *models.Tenant) (ConnConfig, error) {
	if !t.IsExternal() {
		cfg := b.base
		cfg.DBName = DatabaseName(t)
		return cfg, nil
	}

	password := t.DBPassword
	if b.cipher != nil && password != "" {
		plain, err := b.cipher.Decrypt(password)
		if err != nil {
			return ConnConfig{}, fmt.Errorf("failed to decrypt tenant credentials: %w", err)
		}
		password = plain
	}
	return ConnConfig{
		Host:     t.DBHost,
		Port:     t.DBPort,
		User:     t.DBUsername,
		Password: password,
		DBName:   t.DBDatabase,
		SSLMode:  "require",
	}, nil
}

// Bootstrap activates the tenant's connection for this scope and returns a
// derived context carrying the resolved handle. A scope that is already
// active cannot be bootstrapped again; revert first.
func (b *Bootstrapper) Bootstrap(ctx context.Context, t *models.Tenant) (context.Context, error) {
	b.mu.Lock()
	if b.state != StateInactive {
		state := b.state
		b.mu.Unlock()
		return ctx, fmt.Errorf("%w: bootstrap called while scope is %s", ErrIllegalState, state)
	}
	b.state = StateBootstrapping
	b.scopeName = fmt.Sprintf("tenant:%s:%s", t.ID, uuid.NewString()[:8])
	name := b.scopeName
	b.mu.Unlock()

	fail := func(err error) (context.Context, error) {
		b.registry.Remove(name)
		b.mu.Lock()
		b.state = StateInactive
		b.scopeName = ""
		b.mu.Unlock()
		return ctx, err
	}

	cfg, err := b.connConfig(t)
	if err != nil {
		return fail(err)
	}

	b.registry.SetConnection(name, cfg)
	b.registry.Purge(name)
	db, err := b.registry.Reconnect(name)
	if err != nil {
		return fail(fmt.Errorf("failed to activate tenant connection: %w", err))
	}

	b.mu.Lock()
	b.state = StateActive
	b.mu.Unlock()

	b.log.WithFields(logrus.Fields{"tenant_id": t.ID, "scope": name}).Debug("Tenant scope activated")
	return WithConnection(ctx, db), nil
}

// Revert deactivates the scope and discards its pooled connection. Calling
// Revert on a scope that is not active is a no-op, so it is safe to defer
// unconditionally; it must run on every exit path of the scoped work.
func (b *Bootstrapper) Revert() {
	b.mu.Lock()
	if b.state != StateActive {
		b.mu.Unlock()
		return
	}
	b.state = StateReverting
	name := b.scopeName
	b.mu.Unlock()

	b.registry.Remove(name)

	b.mu.Lock()
	b.state = StateInactive
	b.scopeName = ""
	b.mu.Unlock()

	b.log.WithField("scope", name).Debug("Tenant scope reverted")
}

// Run executes fn inside a bootstrap/revert pair. Revert is guaranteed even
// when fn returns an error or panics.
func (b *Bootstrapper) Run(ctx context.Context, t *models.Tenant, fn func(ctx context.Context, db *gorm.DB) error) error {
	scopedCtx, err := b.Bootstrap(ctx, t)
	if err != nil {
		return err
	}
	defer b.Revert()

	db, ok := Connection(scopedCtx)
	if !ok {
		return fmt.Errorf("%w: bootstrapped scope has no connection", ErrIllegalState)
	}
	return fn(scopedCtx, db)
}
