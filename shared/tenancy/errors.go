package tenancy

import "errors"

// Category errors for the tenant lifecycle. Callers match with errors.Is;
// the HTTP layer maps categories to statuses and never exposes wrapped
// internals.
var (
	// ErrValidation flags malformed or missing input. No side effects occur.
	ErrValidation = errors.New("validation error")

	// ErrConflict flags a name or domain that is already taken.
	ErrConflict = errors.New("conflict")

	// ErrUnreachableDatabase flags a failed external connectivity precondition.
	ErrUnreachableDatabase = errors.New("external database unreachable")

	// ErrProvisioning flags failed physical database DDL.
	ErrProvisioning = errors.New("provisioning failed")

	// ErrTenantCreationFailed flags a domain-binding failure after the
	// database and tenant record already existed; compensation ran first.
	ErrTenantCreationFailed = errors.New("tenant creation failed")

	// ErrNotFound flags a missing tenant or user.
	ErrNotFound = errors.New("not found")

	// ErrForbidden flags an authorization failure.
	ErrForbidden = errors.New("forbidden")

	// ErrIllegalState flags programming misuse, such as a nested bootstrap.
	ErrIllegalState = errors.New("illegal state")
)

// Category returns the stable error-category label for an error, or
// "internal_error" when the error belongs to no category.
func Category(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrUnreachableDatabase):
		return "unreachable_database"
	case errors.Is(err, ErrProvisioning):
		return "provisioning_error"
	case errors.Is(err, ErrTenantCreationFailed):
		return "tenant_creation_failed"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrIllegalState):
		return "illegal_state"
	default:
		return "internal_error"
	}
}
