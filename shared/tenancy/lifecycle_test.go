package tenancy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/plexara/control-plane/shared/models"
)

// fakeDirectory is an in-memory Directory.
type fakeDirectory struct {
	mu      sync.Mutex
	tenants map[uuid.UUID]*models.Tenant
	domains map[string]uuid.UUID
	users   map[uuid.UUID]*models.User

	failCreateTenant error
	failBindDomain   error
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		tenants: map[uuid.UUID]*models.Tenant{},
		domains: map[string]uuid.UUID{},
		users:   map[uuid.UUID]*models.User{},
	}
}

func (d *fakeDirectory) addUser(u *models.User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[u.ID] = u
}

func (d *fakeDirectory) tenantCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tenants)
}

func (d *fakeDirectory) domainCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.domains)
}

func (d *fakeDirectory) CreateTenant(ctx context.Context, t *models.Tenant) error {
	if d.failCreateTenant != nil {
		return d.failCreateTenant
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	clone := *t
	d.tenants[t.ID] = &clone
	return nil
}

func (d *fakeDirectory) BindDomain(ctx context.Context, tenantID uuid.UUID, domain string) error {
	if d.failBindDomain != nil {
		return d.failBindDomain
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.domains[domain] = tenantID
	return nil
}

func (d *fakeDirectory) DeleteTenant(ctx context.Context, id uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.tenants[id]; !ok {
		return fmt.Errorf("%w: tenant %s", ErrNotFound, id)
	}
	delete(d.tenants, id)
	for domain, owner := range d.domains {
		if owner == id {
			delete(d.domains, domain)
		}
	}
	return nil
}

func (d *fakeDirectory) FindTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tenants[id]
	if !ok {
		return nil, fmt.Errorf("%w: tenant %s", ErrNotFound, id)
	}
	clone := *t
	for domain, owner := range d.domains {
		if owner == id {
			clone.Domains = append(clone.Domains, models.Domain{Domain: domain, TenantID: id})
		}
	}
	if owner, ok := d.users[t.OwnerID]; ok {
		ownerClone := *owner
		clone.Owner = &ownerClone
	}
	return &clone, nil
}

func (d *fakeDirectory) FindTenantByDomain(ctx context.Context, domain string) (*models.Tenant, error) {
	d.mu.Lock()
	id, ok := d.domains[domain]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: domain %q", ErrNotFound, domain)
	}
	return d.FindTenant(ctx, id)
}

func (d *fakeDirectory) FindUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	clone := *u
	return &clone, nil
}

func (d *fakeDirectory) NameTaken(ctx context.Context, name string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range d.tenants {
		if t.Name == name {
			return true, nil
		}
	}
	return false, nil
}

func (d *fakeDirectory) DomainTaken(ctx context.Context, domain string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.domains[domain]
	return ok, nil
}

func (d *fakeDirectory) UpdateOwner(ctx context.Context, tenantID, newOwnerID uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tenants[tenantID]
	if !ok {
		return fmt.Errorf("%w: tenant %s", ErrNotFound, tenantID)
	}
	t.OwnerID = newOwnerID
	return nil
}

func (d *fakeDirectory) List(ctx context.Context, params ListParams) (*ListResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var tenants []models.Tenant
	for _, t := range d.tenants {
		tenants = append(tenants, *t)
	}
	return &ListResult{
		Tenants: tenants,
		Total:   int64(len(tenants)),
		Page:    clampPage(params.Page),
		PerPage: clampPerPage(params.PerPage),
	}, nil
}

// fakeProvisioner records physical databases instead of issuing DDL.
type fakeProvisioner struct {
	mu        sync.Mutex
	databases map[string]bool
	reachable bool

	failCreate error
	failDelete error
}

func newFakeProvisioner() *fakeProvisioner {
	return &fakeProvisioner{databases: map[string]bool{}, reachable: true}
}

func (p *fakeProvisioner) exists(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.databases[name]
}

func (p *fakeProvisioner) CreateDatabase(ctx context.Context, t *models.Tenant) error {
	if t.IsExternal() {
		return nil
	}
	if p.failCreate != nil {
		return fmt.Errorf("%w: %v", ErrProvisioning, p.failCreate)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.databases[DatabaseName(t)] = true
	return nil
}

func (p *fakeProvisioner) DeleteDatabase(ctx context.Context, t *models.Tenant) error {
	if t.IsExternal() {
		return nil
	}
	if p.failDelete != nil {
		return fmt.Errorf("%w: %v", ErrProvisioning, p.failDelete)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.databases, DatabaseName(t))
	return nil
}

func (p *fakeProvisioner) TestConnection(ctx context.Context, cfg ConnConfig) bool {
	return p.reachable
}

// fakeScope satisfies Scope without touching a registry.
type fakeScope struct {
	bootstrapped *models.Tenant
	reverted     bool
}

func (s *fakeScope) Bootstrap(ctx context.Context, t *models.Tenant) (context.Context, error) {
	s.bootstrapped = t
	return WithConnection(ctx, &gorm.DB{Config: &gorm.Config{}}), nil
}

func (s *fakeScope) Revert() { s.reverted = true }

// fakeMigrator records Apply/Seed calls.
type fakeMigrator struct {
	applied   int
	seeded    int
	failApply error
}

func (m *fakeMigrator) Apply(ctx context.Context, db *gorm.DB) error {
	if m.failApply != nil {
		return m.failApply
	}
	m.applied++
	return nil
}

func (m *fakeMigrator) Seed(ctx context.Context, db *gorm.DB) error {
	m.seeded++
	return nil
}

// fakePublisher collects lifecycle events.
type fakePublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *fakePublisher) Publish(e Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func (p *fakePublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var types []string
	for _, e := range p.events {
		types = append(types, e.Type)
	}
	return types
}

type lifecycleFixture struct {
	directory   *fakeDirectory
	provisioner *fakeProvisioner
	scopes      []*fakeScope
	migrator    *fakeMigrator
	events      *fakePublisher
	orch        *Orchestrator
	owner       *models.User
}

func newLifecycleFixture(t *testing.T) *lifecycleFixture {
	t.Helper()
	cipher, err := NewCipher(testKey())
	require.NoError(t, err)

	f := &lifecycleFixture{
		directory:   newFakeDirectory(),
		provisioner: newFakeProvisioner(),
		migrator:    &fakeMigrator{},
		events:      &fakePublisher{},
		owner:       &models.User{ID: uuid.New(), Email: "owner@example.com"},
	}
	f.directory.addUser(f.owner)

	factory := func() Scope {
		scope := &fakeScope{}
		f.scopes = append(f.scopes, scope)
		return scope
	}
	f.orch = NewOrchestrator(f.directory, f.provisioner, factory, f.migrator, f.events, cipher)
	return f
}

func localInput() CreateTenantInput {
	return CreateTenantInput{
		Name:             "acme",
		Domain:           "acme.example.com",
		DBConnectionType: models.ConnectionLocal,
	}
}

func externalInput() CreateTenantInput {
	return CreateTenantInput{
		Name:             "globex",
		Domain:           "globex.example.com",
		DBConnectionType: models.ConnectionExternal,
		DBHost:           "db.globex.example",
		DBPort:           5432,
		DBDatabase:       "globex_prod",
		DBUsername:       "globex",
		DBPassword:       "hunter2",
	}
}

func TestCreateTenantLocal(t *testing.T) {
	f := newLifecycleFixture(t)

	result, err := f.orch.CreateTenant(context.Background(), localInput(), f.owner.ID)
	require.NoError(t, err)
	assert.Empty(t, result.MigrationWarning)

	// Directory record and domain binding exist.
	assert.Equal(t, 1, f.directory.tenantCount())
	assert.Equal(t, 1, f.directory.domainCount())
	assert.Equal(t, []string{"acme.example.com"}, result.Tenant.Domains)
	assert.Equal(t, models.ConnectionLocal, result.Tenant.DBConnectionType)
	assert.Nil(t, result.Tenant.DBCredentials)

	// The physical database exists and was migrated inside a scope that
	// was reverted afterwards.
	assert.True(t, f.provisioner.exists("tenant_"+result.Tenant.ID.String()))
	assert.Equal(t, 1, f.migrator.applied)
	assert.Equal(t, 1, f.migrator.seeded)
	require.Len(t, f.scopes, 1)
	assert.True(t, f.scopes[0].reverted)

	assert.Equal(t, []string{EventTenantCreated}, f.events.types())
}

func TestCreateTenantValidation(t *testing.T) {
	f := newLifecycleFixture(t)

	tests := []struct {
		name   string
		mutate func(in *CreateTenantInput)
	}{
		{"missing name", func(in *CreateTenantInput) { in.Name = "" }},
		{"missing domain", func(in *CreateTenantInput) { in.Domain = "" }},
		{"bad type", func(in *CreateTenantInput) { in.DBConnectionType = "cloud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := localInput()
			tt.mutate(&input)
			_, err := f.orch.CreateTenant(context.Background(), input, f.owner.ID)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}

	// External inputs require every credential field.
	input := externalInput()
	input.DBPassword = ""
	_, err := f.orch.CreateTenant(context.Background(), input, f.owner.ID)
	assert.ErrorIs(t, err, ErrValidation)

	assert.Equal(t, 0, f.directory.tenantCount())
}

func TestCreateTenantNameConflict(t *testing.T) {
	f := newLifecycleFixture(t)

	_, err := f.orch.CreateTenant(context.Background(), localInput(), f.owner.ID)
	require.NoError(t, err)

	second := localInput()
	second.Domain = "other.example.com"
	_, err = f.orch.CreateTenant(context.Background(), second, f.owner.ID)
	assert.ErrorIs(t, err, ErrConflict)

	third := localInput()
	third.Name = "other"
	_, err = f.orch.CreateTenant(context.Background(), third, f.owner.ID)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestCreateTenantExternalUnreachableHasZeroSideEffects(t *testing.T) {
	f := newLifecycleFixture(t)
	f.provisioner.reachable = false

	_, err := f.orch.CreateTenant(context.Background(), externalInput(), f.owner.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnreachableDatabase)

	assert.Equal(t, 0, f.directory.tenantCount())
	assert.Equal(t, 0, f.directory.domainCount())
	assert.Empty(t, f.provisioner.databases)
	assert.Empty(t, f.events.types())
}

func TestCreateTenantProvisioningFailure(t *testing.T) {
	f := newLifecycleFixture(t)
	f.provisioner.failCreate = fmt.Errorf("name collision")

	_, err := f.orch.CreateTenant(context.Background(), localInput(), f.owner.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProvisioning)
	assert.Equal(t, 0, f.directory.tenantCount())
}

func TestCreateTenantDomainBindFailureCompensates(t *testing.T) {
	f := newLifecycleFixture(t)
	f.directory.failBindDomain = fmt.Errorf("unique violation")

	_, err := f.orch.CreateTenant(context.Background(), localInput(), f.owner.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTenantCreationFailed)

	// Full compensation: no record, no domain, no physical database.
	assert.Equal(t, 0, f.directory.tenantCount())
	assert.Equal(t, 0, f.directory.domainCount())
	assert.Empty(t, f.provisioner.databases)
	assert.Empty(t, f.events.types())
}

func TestCreateTenantRecordFailureCompensatesDatabase(t *testing.T) {
	f := newLifecycleFixture(t)
	f.directory.failCreateTenant = fmt.Errorf("insert failed")

	_, err := f.orch.CreateTenant(context.Background(), localInput(), f.owner.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTenantCreationFailed)
	assert.Empty(t, f.provisioner.databases)
}

func TestCreateTenantCompensationFailureDoesNotMaskOriginalError(t *testing.T) {
	f := newLifecycleFixture(t)
	f.directory.failBindDomain = fmt.Errorf("unique violation")
	f.provisioner.failDelete = fmt.Errorf("drop refused")

	_, err := f.orch.CreateTenant(context.Background(), localInput(), f.owner.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTenantCreationFailed)
	assert.Contains(t, err.Error(), "unique violation")
	assert.NotContains(t, err.Error(), "drop refused")
}

func TestCreateTenantMigrationFailureKeepsTenant(t *testing.T) {
	f := newLifecycleFixture(t)
	f.migrator.failApply = fmt.Errorf("schema error")

	result, err := f.orch.CreateTenant(context.Background(), localInput(), f.owner.ID)
	require.NoError(t, err)
	assert.Contains(t, result.MigrationWarning, "schema error")

	// The tenant survives for a later migration retry.
	assert.Equal(t, 1, f.directory.tenantCount())
	assert.True(t, f.provisioner.exists("tenant_"+result.Tenant.ID.String()))
	require.Len(t, f.scopes, 1)
	assert.True(t, f.scopes[0].reverted)

	// Once the schema problem is resolved the migration can be re-run.
	f.migrator.failApply = nil
	require.NoError(t, f.orch.MigrateTenant(context.Background(), result.Tenant.ID))
	assert.Equal(t, 1, f.migrator.applied)
}

func TestCreateTenantExternalRoundTrip(t *testing.T) {
	f := newLifecycleFixture(t)

	result, err := f.orch.CreateTenant(context.Background(), externalInput(), f.owner.ID)
	require.NoError(t, err)

	view := result.Tenant
	require.NotNil(t, view.DBCredentials)
	assert.Equal(t, "db.globex.example", view.DBCredentials.Host)
	assert.Equal(t, 5432, view.DBCredentials.Port)
	assert.Equal(t, "globex_prod", view.DBCredentials.Database)
	assert.Equal(t, "globex", view.DBCredentials.Username)

	// The password never appears in the serialized view, and the stored
	// record holds ciphertext, not the input password.
	blob, err := json.Marshal(view)
	require.NoError(t, err)
	assert.NotContains(t, string(blob), "hunter2")
	assert.NotContains(t, string(blob), "db_password")

	stored, err := f.directory.FindTenant(context.Background(), view.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, stored.DBPassword)
	assert.NotEqual(t, "hunter2", stored.DBPassword)
}

func TestDeleteTenantLocal(t *testing.T) {
	f := newLifecycleFixture(t)

	result, err := f.orch.CreateTenant(context.Background(), localInput(), f.owner.ID)
	require.NoError(t, err)
	dbName := "tenant_" + result.Tenant.ID.String()
	require.True(t, f.provisioner.exists(dbName))

	require.NoError(t, f.orch.DeleteTenant(context.Background(), result.Tenant.ID))
	assert.Equal(t, 0, f.directory.tenantCount())
	assert.Equal(t, 0, f.directory.domainCount())
	assert.False(t, f.provisioner.exists(dbName))
	assert.Contains(t, f.events.types(), EventTenantDeleted)
}

func TestDeleteTenantNotFound(t *testing.T) {
	f := newLifecycleFixture(t)
	err := f.orch.DeleteTenant(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteTenantOrphanDatabaseIsNonFatal(t *testing.T) {
	f := newLifecycleFixture(t)

	result, err := f.orch.CreateTenant(context.Background(), localInput(), f.owner.ID)
	require.NoError(t, err)

	// The record deletion succeeds even when the physical drop fails; the
	// orphan database is a logged condition, not an error.
	f.provisioner.failDelete = fmt.Errorf("drop refused")
	require.NoError(t, f.orch.DeleteTenant(context.Background(), result.Tenant.ID))
	assert.Equal(t, 0, f.directory.tenantCount())
}

func TestTransferOwnership(t *testing.T) {
	f := newLifecycleFixture(t)
	newOwner := &models.User{ID: uuid.New(), Email: "next@example.com"}
	f.directory.addUser(newOwner)

	result, err := f.orch.CreateTenant(context.Background(), localInput(), f.owner.ID)
	require.NoError(t, err)

	view, err := f.orch.TransferOwnership(context.Background(), result.Tenant.ID, newOwner.ID, f.owner.ID)
	require.NoError(t, err)
	require.NotNil(t, view.Owner)
	assert.Equal(t, newOwner.ID, view.Owner.ID)
	assert.Contains(t, f.events.types(), EventOwnershipTransferred)
}

func TestTransferOwnershipByNonOwnerIsForbidden(t *testing.T) {
	f := newLifecycleFixture(t)
	newOwner := &models.User{ID: uuid.New(), Email: "next@example.com"}
	intruder := &models.User{ID: uuid.New(), Email: "intruder@example.com"}
	f.directory.addUser(newOwner)
	f.directory.addUser(intruder)

	result, err := f.orch.CreateTenant(context.Background(), localInput(), f.owner.ID)
	require.NoError(t, err)

	_, err = f.orch.TransferOwnership(context.Background(), result.Tenant.ID, newOwner.ID, intruder.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	// owner_id is unchanged.
	stored, err := f.directory.FindTenant(context.Background(), result.Tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, f.owner.ID, stored.OwnerID)
}

func TestTransferOwnershipMissingUser(t *testing.T) {
	f := newLifecycleFixture(t)

	result, err := f.orch.CreateTenant(context.Background(), localInput(), f.owner.ID)
	require.NoError(t, err)

	_, err = f.orch.TransferOwnership(context.Background(), result.Tenant.ID, uuid.New(), f.owner.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListTenants(t *testing.T) {
	f := newLifecycleFixture(t)

	for i := 0; i < 3; i++ {
		input := localInput()
		input.Name = fmt.Sprintf("tenant-%d", i)
		input.Domain = fmt.Sprintf("t%d.example.com", i)
		_, err := f.orch.CreateTenant(context.Background(), input, f.owner.ID)
		require.NoError(t, err)
	}

	page, err := f.orch.ListTenants(context.Background(), ListParams{Page: 0, PerPage: 500})
	require.NoError(t, err)
	assert.Equal(t, int64(3), page.Total)
	assert.Len(t, page.Tenants, 3)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, 100, page.PerPage)
}
