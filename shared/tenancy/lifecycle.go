package tenancy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/plexara/control-plane/shared/migrate"
	"github.com/plexara/control-plane/shared/models"
)

// DatabaseProvisioner is the physical-database collaborator consumed by the
// orchestrator. *Provisioner satisfies it.
type DatabaseProvisioner interface {
	CreateDatabase(ctx context.Context, t *models.Tenant) error
	DeleteDatabase(ctx context.Context, t *models.Tenant) error
	TestConnection(ctx context.Context, cfg ConnConfig) bool
}

// CreateTenantInput is the boundary shape for tenant creation. The external
// credential fields are required together when the connection type is
// external.
type CreateTenantInput struct {
	Name             string                 `json:"name"`
	Domain           string                 `json:"domain"`
	DBConnectionType models.ConnectionType  `json:"db_connection_type"`
	DBHost           string                 `json:"db_host,omitempty"`
	DBPort           int                    `json:"db_port,omitempty"`
	DBDatabase       string                 `json:"db_database,omitempty"`
	DBUsername       string                 `json:"db_username,omitempty"`
	DBPassword       string                 `json:"db_password,omitempty"`
	Data             map[string]interface{} `json:"data,omitempty"`
}

// validate checks the input shape before any side effect happens.
func (in *CreateTenantInput) validate() error {
	if in.Name == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	if in.Domain == "" {
		return fmt.Errorf("%w: domain is required", ErrValidation)
	}
	if !in.DBConnectionType.Valid() {
		return fmt.Errorf("%w: db_connection_type must be %q or %q",
			ErrValidation, models.ConnectionLocal, models.ConnectionExternal)
	}
	if in.DBConnectionType == models.ConnectionExternal {
		if in.DBHost == "" || in.DBPort == 0 || in.DBDatabase == "" || in.DBUsername == "" || in.DBPassword == "" {
			return fmt.Errorf("%w: external tenants require db_host, db_port, db_database, db_username and db_password", ErrValidation)
		}
	}
	return nil
}

// CreateTenantResult is the outcome of a successful creation. A non-empty
// MigrationWarning means the tenant exists but its schema migration failed;
// creation is not rolled back for that (the migration can be retried).
type CreateTenantResult struct {
	Tenant           models.TenantView `json:"tenant"`
	MigrationWarning string            `json:"migration_warning,omitempty"`
}

// Orchestrator coordinates the tenant lifecycle end to end: directory
// records, domain bindings, physical provisioning and schema migration,
// with compensating rollback where the steps cannot share a transaction.
type Orchestrator struct {
	directory   Directory
	provisioner DatabaseProvisioner
	scopes      ScopeFactory
	migrator    migrate.Migrator
	events      Publisher
	cipher      *Cipher
	log         *logrus.Entry
}

// NewOrchestrator wires the lifecycle collaborators together.
func NewOrchestrator(directory Directory, provisioner DatabaseProvisioner, scopes ScopeFactory, migrator migrate.Migrator, events Publisher, cipher *Cipher) *Orchestrator {
	if events == nil {
		events = NopPublisher{}
	}
	return &Orchestrator{
		directory:   directory,
		provisioner: provisioner,
		scopes:      scopes,
		migrator:    migrator,
		events:      events,
		cipher:      cipher,
		log:         logrus.WithField("component", "lifecycle"),
	}
}

// sagaStep is one named creation step with its compensating undo. Undo
// failures are logged, never propagated: the original error reaches the
// caller unmasked.
type sagaStep struct {
	name string
	run  func(ctx context.Context) error
	undo func(ctx context.Context) error
}

// CreateTenant provisions a tenant end to end.
//
// Preconditions (no side effects on failure): input validation, name and
// domain uniqueness, external reachability. Then the saga runs: create the
// physical database (local only, outside any transaction), persist the
// record, bind the domain transactionally. Any step failure unwinds the
// completed steps in reverse. Schema migration runs last and is deliberately
// outside the saga: its failure is surfaced as a warning, not a rollback.
func (o *Orchestrator) CreateTenant(ctx context.Context, input CreateTenantInput, ownerID uuid.UUID) (*CreateTenantResult, error) {
	if err := input.validate(); err != nil {
		return nil, err
	}

	if taken, err := o.directory.NameTaken(ctx, input.Name); err != nil {
		return nil, err
	} else if taken {
		return nil, fmt.Errorf("%w: tenant name %q is already taken", ErrConflict, input.Name)
	}
	if taken, err := o.directory.DomainTaken(ctx, input.Domain); err != nil {
		return nil, err
	} else if taken {
		return nil, fmt.Errorf("%w: domain %q is already taken", ErrConflict, input.Domain)
	}

	if input.DBConnectionType == models.ConnectionExternal {
		reachable := o.provisioner.TestConnection(ctx, ConnConfig{
			Host:     input.DBHost,
			Port:     input.DBPort,
			User:     input.DBUsername,
			Password: input.DBPassword,
			DBName:   input.DBDatabase,
		})
		if !reachable {
			return nil, fmt.Errorf("%w: verify the credentials and ensure the database exists", ErrUnreachableDatabase)
		}
	}

	tenant, err := o.buildTenant(input, ownerID)
	if err != nil {
		return nil, err
	}

	steps := []sagaStep{
		{
			// CREATE DATABASE cannot join a transaction, so it runs first
			// and gets compensated by an explicit drop.
			name: "create_database",
			run:  func(ctx context.Context) error { return o.provisioner.CreateDatabase(ctx, tenant) },
			undo: func(ctx context.Context) error { return o.provisioner.DeleteDatabase(ctx, tenant) },
		},
		{
			name: "create_record",
			run:  func(ctx context.Context) error { return o.directory.CreateTenant(ctx, tenant) },
			undo: func(ctx context.Context) error { return o.directory.DeleteTenant(ctx, tenant.ID) },
		},
		{
			name: "bind_domain",
			run:  func(ctx context.Context) error { return o.directory.BindDomain(ctx, tenant.ID, input.Domain) },
		},
	}

	for i, step := range steps {
		if err := step.run(ctx); err != nil {
			o.log.WithFields(logrus.Fields{
				"tenant_id": tenant.ID,
				"operation": "create_tenant",
				"step":      step.name,
				"error":     err,
			}).Error("Tenant creation step failed, compensating")
			o.compensate(ctx, tenant.ID, steps[:i])

			if errors.Is(err, ErrProvisioning) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %s: %v", ErrTenantCreationFailed, step.name, err)
		}
	}

	result := &CreateTenantResult{}
	if err := o.setupTenantDatabase(ctx, tenant); err != nil {
		// The tenant stays; callers can retry the migration.
		o.log.WithFields(logrus.Fields{
			"tenant_id": tenant.ID,
			"operation": "setup_tenant_database",
			"error":     err,
		}).Error("Tenant created but schema setup failed")
		result.MigrationWarning = err.Error()
	}

	full, err := o.directory.FindTenant(ctx, tenant.ID)
	if err != nil {
		full = tenant
	}
	result.Tenant = full.View()

	o.publish(Event{
		Type:       EventTenantCreated,
		TenantID:   tenant.ID,
		TenantName: tenant.Name,
		OwnerID:    ownerID,
		OccurredAt: time.Now().UTC(),
	})
	o.log.WithFields(logrus.Fields{"tenant_id": tenant.ID, "name": tenant.Name}).Info("Tenant created")
	return result, nil
}

// buildTenant materializes the record, encrypting external credentials.
func (o *Orchestrator) buildTenant(input CreateTenantInput, ownerID uuid.UUID) (*models.Tenant, error) {
	tenant := &models.Tenant{
		ID:               uuid.New(),
		Name:             input.Name,
		OwnerID:          ownerID,
		DBConnectionType: input.DBConnectionType,
		Data:             "{}",
	}

	if len(input.Data) > 0 {
		blob, err := json.Marshal(input.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: data blob is not serializable: %v", ErrValidation, err)
		}
		tenant.Data = string(blob)
	}

	if input.DBConnectionType == models.ConnectionExternal {
		tenant.DBHost = input.DBHost
		tenant.DBPort = input.DBPort
		tenant.DBDatabase = input.DBDatabase
		tenant.DBUsername = input.DBUsername
		tenant.DBPassword = input.DBPassword
		if o.cipher != nil {
			encrypted, err := o.cipher.Encrypt(input.DBPassword)
			if err != nil {
				return nil, fmt.Errorf("failed to encrypt tenant credentials: %w", err)
			}
			tenant.DBPassword = encrypted
		}
	}
	return tenant, nil
}

// compensate unwinds completed saga steps in reverse order. Cleanup failures
// are logged and swallowed so they cannot mask the original error.
func (o *Orchestrator) compensate(ctx context.Context, tenantID uuid.UUID, completed []sagaStep) {
	for i := len(completed) - 1; i >= 0; i-- {
		step := completed[i]
		if step.undo == nil {
			continue
		}
		if err := step.undo(ctx); err != nil {
			o.log.WithFields(logrus.Fields{
				"tenant_id": tenantID,
				"step":      step.name,
				"error":     err,
			}).Error("Compensating action failed")
		}
	}
}

// setupTenantDatabase bootstraps the new tenant's connection, applies the
// schema and seeds it, then reverts the scope.
func (o *Orchestrator) setupTenantDatabase(ctx context.Context, tenant *models.Tenant) error {
	scope := o.scopes()
	scopedCtx, err := scope.Bootstrap(ctx, tenant)
	if err != nil {
		return err
	}
	defer scope.Revert()

	db, ok := Connection(scopedCtx)
	if !ok {
		return fmt.Errorf("%w: bootstrapped scope has no connection", ErrIllegalState)
	}
	if err := o.migrator.Apply(scopedCtx, db); err != nil {
		return err
	}
	return o.migrator.Seed(scopedCtx, db)
}

// DeleteTenant removes the tenant record (domains cascade with it) and then
// drops the physical database for local tenants. The order is deliberate:
// a crash between the two leaves an orphan database, which is logged and
// non-fatal, never a dangling directory record.
func (o *Orchestrator) DeleteTenant(ctx context.Context, id uuid.UUID) error {
	tenant, err := o.directory.FindTenant(ctx, id)
	if err != nil {
		return err
	}

	if err := o.directory.DeleteTenant(ctx, id); err != nil {
		return err
	}

	if err := o.provisioner.DeleteDatabase(ctx, tenant); err != nil {
		// Orphan physical database; the record is already gone.
		o.log.WithFields(logrus.Fields{
			"tenant_id": id,
			"operation": "delete_tenant",
			"error":     err,
		}).Error("Tenant record deleted but database drop failed")
	}

	o.publish(Event{
		Type:       EventTenantDeleted,
		TenantID:   tenant.ID,
		TenantName: tenant.Name,
		OccurredAt: time.Now().UTC(),
	})
	o.log.WithField("tenant_id", id).Info("Tenant deleted")
	return nil
}

// TransferOwnership rebinds a tenant to a new owner. Only the current owner
// may transfer.
func (o *Orchestrator) TransferOwnership(ctx context.Context, tenantID, newOwnerID, callerID uuid.UUID) (*models.TenantView, error) {
	tenant, err := o.directory.FindTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	newOwner, err := o.directory.FindUser(ctx, newOwnerID)
	if err != nil {
		return nil, err
	}

	if tenant.OwnerID != callerID {
		return nil, fmt.Errorf("%w: only the current owner can transfer this tenant", ErrForbidden)
	}

	if err := o.directory.UpdateOwner(ctx, tenantID, newOwner.ID); err != nil {
		return nil, err
	}

	updated, err := o.directory.FindTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	view := updated.View()

	o.publish(Event{
		Type:       EventOwnershipTransferred,
		TenantID:   tenantID,
		TenantName: tenant.Name,
		OwnerID:    newOwner.ID,
		OccurredAt: time.Now().UTC(),
	})
	return &view, nil
}

// GetTenant returns the external view of one tenant.
func (o *Orchestrator) GetTenant(ctx context.Context, id uuid.UUID) (*models.TenantView, error) {
	tenant, err := o.directory.FindTenant(ctx, id)
	if err != nil {
		return nil, err
	}
	view := tenant.View()
	return &view, nil
}

// ListTenants returns one deterministic page of tenant views.
func (o *Orchestrator) ListTenants(ctx context.Context, params ListParams) (*TenantPage, error) {
	result, err := o.directory.List(ctx, params)
	if err != nil {
		return nil, err
	}

	views := make([]models.TenantView, 0, len(result.Tenants))
	for i := range result.Tenants {
		views = append(views, result.Tenants[i].View())
	}
	return &TenantPage{
		Tenants: views,
		Total:   result.Total,
		Page:    result.Page,
		PerPage: result.PerPage,
	}, nil
}

// TenantPage is one page of tenant views plus pagination metadata.
type TenantPage struct {
	Tenants []models.TenantView `json:"tenants"`
	Total   int64               `json:"total"`
	Page    int                 `json:"page"`
	PerPage int                 `json:"per_page"`
}

// MigrateTenant re-runs schema setup for an existing tenant, for recovering
// tenants whose creation-time migration failed.
func (o *Orchestrator) MigrateTenant(ctx context.Context, id uuid.UUID) error {
	tenant, err := o.directory.FindTenant(ctx, id)
	if err != nil {
		return err
	}
	return o.setupTenantDatabase(ctx, tenant)
}

func (o *Orchestrator) publish(event Event) {
	if err := o.events.Publish(event); err != nil {
		o.log.WithFields(logrus.Fields{
			"type":      event.Type,
			"tenant_id": event.TenantID,
			"error":     err,
		}).Warn("Failed to publish lifecycle event")
	}
}

// ensure the concrete types satisfy the collaborator interfaces
var (
	_ Directory           = (*GormDirectory)(nil)
	_ DatabaseProvisioner = (*Provisioner)(nil)
	_ Scope               = (*Bootstrapper)(nil)
	_ migrate.Migrator    = (*migrate.GormMigrator)(nil)
)
