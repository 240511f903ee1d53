package roles

import (
	"github.com/guardline-labs/secureop/pkg/contracts"
)

// Source provides the current role assignment. Implementations must return
// live state on every call; a pending role-change operation takes effect
// only when approved, so cached answers go stale.
type Source interface {
	Roles() contracts.RoleSet
}

// PhaseTable resolves the role a phase requires for an operation type.
// The operation registry implements this.
type PhaseTable interface {
	LookupName(name string) (contracts.OperationType, error)
	RoleForPhase(id contracts.OperationTypeID, phase contracts.Phase) (contracts.Role, error)
}

// Validator answers whether a caller may execute a named phase. It returns
// plain booleans rather than errors so affordance-style callers can use it
// to enable or disable actions.
type Validator struct {
	src   Source
	table PhaseTable
}

// NewValidator wires a role source and the registry's phase table.
func NewValidator(src Source, table PhaseTable) *Validator {
	return &Validator{src: src, table: table}
}

// HasRole reports whether caller currently occupies the given role.
// Comparison is exact and case-insensitive; an unknown or unset caller is
// simply false.
func (v *Validator) HasRole(caller contracts.Address, role contracts.Role) bool {
	if caller.IsZero() {
		return false
	}
	assigned := v.src.Roles().AddressFor(role)
	if assigned.IsZero() {
		return false
	}
	return assigned.Equal(caller)
}

// CanExecutePhase reports whether caller may execute the named phase of the
// named operation type. Unknown operation types and unbound phases are false,
// never errors.
func (v *Validator) CanExecutePhase(operationName string, phase contracts.Phase, caller contracts.Address) bool {
	op, err := v.table.LookupName(operationName)
	if err != nil {
		return false
	}
	role, err := v.table.RoleForPhase(op.ID, phase)
	if err != nil {
		return false
	}
	return v.HasRole(caller, role)
}
