// Package registry implements the static operation catalog: the immutable
// mapping from an operation type to its identifier, function selectors,
// per-phase role requirements, and time-lock policy.
//
// The catalog is built once at instance construction and never mutated
// afterward; it is configuration data, not runtime state.
package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/guardline-labs/secureop/pkg/contracts"
	"github.com/guardline-labs/secureop/pkg/crypto"
)

// ErrUnknownOperationType is returned for lookups of unregistered types.
var ErrUnknownOperationType = errors.New("unknown operation type")

// Definition declares one operation type at construction time.
type Definition struct {
	// Name is the human name; the type id is derived from it.
	Name string

	// Selectors are function signature strings bound to this operation,
	// e.g. "withdrawEth(address,uint256)".
	Selectors []string

	// TimeLock is the delay between request and approval eligibility.
	// Zero falls back to the registry default.
	TimeLock time.Duration

	// CancelGuard is the initial window after request during which
	// cancellation is refused, so the time-lock keeps meaning.
	CancelGuard time.Duration

	// Roles overrides the default role required for a phase.
	Roles map[contracts.Phase]contracts.Role

	// OptionsSchema optionally validates the operation's executionOptions
	// payload (JSON schema source). Empty means any payload is accepted.
	OptionsSchema string

	// CancelPolicy optionally replaces the fixed CancelGuard window with a
	// CEL predicate over elapsed_seconds, guard_seconds and operation.
	CancelPolicy string
}

// policy is the compiled per-type policy block.
type policy struct {
	timeLock    time.Duration
	cancelGuard time.Duration
	roles       map[contracts.Phase]contracts.Role
	schema      *jsonschema.Schema
	cancelPrg   cel.Program
}

// Registry is the immutable operation catalog.
type Registry struct {
	defaultTimeLock time.Duration

	order         []contracts.OperationTypeID
	catalog       map[contracts.OperationTypeID]contracts.OperationType
	byName        map[string]contracts.OperationTypeID
	policies      map[contracts.OperationTypeID]*policy
	selectorRoles map[contracts.Selector]contracts.Role
}

// defaultRoles is the role table applied when a definition does not override
// a phase. Signing authority for meta phases is always the owner; the phase
// role below gates who may deliver the call.
var defaultRoles = map[contracts.Phase]contracts.Role{
	contracts.PhaseRequest:            contracts.RoleOwner,
	contracts.PhaseApprove:            contracts.RoleOwner,
	contracts.PhaseCancel:             contracts.RoleOwner,
	contracts.PhaseMetaApprove:        contracts.RoleBroadcaster,
	contracts.PhaseMetaCancel:         contracts.RoleBroadcaster,
	contracts.PhaseMetaRequestApprove: contracts.RoleBroadcaster,
}

// New builds the catalog. All schemas and policies are compiled here; a bad
// definition fails construction rather than a later call.
func New(defaultTimeLock time.Duration, defs []Definition) (*Registry, error) {
	if defaultTimeLock <= 0 {
		return nil, fmt.Errorf("default time-lock must be positive")
	}

	celEnv, err := cel.NewEnv(
		cel.Variable("elapsed_seconds", cel.IntType),
		cel.Variable("guard_seconds", cel.IntType),
		cel.Variable("operation", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("cel environment: %w", err)
	}

	r := &Registry{
		defaultTimeLock: defaultTimeLock,
		catalog:         make(map[contracts.OperationTypeID]contracts.OperationType),
		byName:          make(map[string]contracts.OperationTypeID),
		policies:        make(map[contracts.OperationTypeID]*policy),
		selectorRoles:   make(map[contracts.Selector]contracts.Role),
	}

	for _, def := range defs {
		if def.Name == "" {
			return nil, fmt.Errorf("operation type with empty name")
		}
		id := crypto.OperationTypeID(def.Name)
		if _, dup := r.catalog[id]; dup {
			return nil, fmt.Errorf("duplicate operation type %q", def.Name)
		}

		p := &policy{
			timeLock:    def.TimeLock,
			cancelGuard: def.CancelGuard,
			roles:       make(map[contracts.Phase]contracts.Role, len(defaultRoles)),
		}
		if p.timeLock <= 0 {
			p.timeLock = defaultTimeLock
		}
		for phase, role := range defaultRoles {
			p.roles[phase] = role
		}
		for phase, role := range def.Roles {
			p.roles[phase] = role
		}

		if def.OptionsSchema != "" {
			schema, err := jsonschema.CompileString(def.Name+".schema.json", def.OptionsSchema)
			if err != nil {
				return nil, fmt.Errorf("options schema for %q: %w", def.Name, err)
			}
			p.schema = schema
		}

		if def.CancelPolicy != "" {
			ast, issues := celEnv.Compile(def.CancelPolicy)
			if issues != nil && issues.Err() != nil {
				return nil, fmt.Errorf("cancel policy for %q: %w", def.Name, issues.Err())
			}
			prg, err := celEnv.Program(ast)
			if err != nil {
				return nil, fmt.Errorf("cancel policy program for %q: %w", def.Name, err)
			}
			p.cancelPrg = prg
		}

		entry := contracts.OperationType{ID: id, Name: def.Name}
		for _, sig := range def.Selectors {
			sel := crypto.SelectorFor(sig)
			entry.Selectors = append(entry.Selectors, sel)
			// addRoleForFunction equivalent: a selector's minimum role is
			// the type's request-phase role.
			r.selectorRoles[sel] = p.roles[contracts.PhaseRequest]
		}

		r.order = append(r.order, id)
		r.catalog[id] = entry
		r.byName[def.Name] = id
		r.policies[id] = p
	}

	return r, nil
}

// SupportedOperationTypes returns the full catalog in registration order.
func (r *Registry) SupportedOperationTypes() []contracts.OperationType {
	out := make([]contracts.OperationType, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.catalog[id])
	}
	return out
}

// Lookup resolves an operation type by id.
func (r *Registry) Lookup(id contracts.OperationTypeID) (contracts.OperationType, error) {
	op, ok := r.catalog[id]
	if !ok {
		return contracts.OperationType{}, fmt.Errorf("%w: %s", ErrUnknownOperationType, id)
	}
	return op, nil
}

// LookupName resolves an operation type by human name.
func (r *Registry) LookupName(name string) (contracts.OperationType, error) {
	id, ok := r.byName[name]
	if !ok {
		return contracts.OperationType{}, fmt.Errorf("%w: %q", ErrUnknownOperationType, name)
	}
	return r.catalog[id], nil
}

// RoleForPhase returns the role required to execute a phase of the given
// operation type.
func (r *Registry) RoleForPhase(id contracts.OperationTypeID, phase contracts.Phase) (contracts.Role, error) {
	p, ok := r.policies[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownOperationType, id)
	}
	role, ok := p.roles[phase]
	if !ok {
		return "", fmt.Errorf("no role binding for phase %s", phase)
	}
	return role, nil
}

// RoleForSelector returns the minimum role bound to a function selector.
func (r *Registry) RoleForSelector(sel contracts.Selector) (contracts.Role, bool) {
	role, ok := r.selectorRoles[sel]
	return role, ok
}

// TimeLock returns the time-lock period for an operation type.
func (r *Registry) TimeLock(id contracts.OperationTypeID) (time.Duration, error) {
	p, ok := r.policies[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownOperationType, id)
	}
	return p.timeLock, nil
}

// ValidateOptions checks an executionOptions payload against the type's
// schema, when one is configured.
func (r *Registry) ValidateOptions(id contracts.OperationTypeID, options []byte) error {
	p, ok := r.policies[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOperationType, id)
	}
	if p.schema == nil {
		return nil
	}
	var doc any
	dec := json.NewDecoder(bytes.NewReader(options))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("execution options are not valid JSON: %w", err)
	}
	if err := p.schema.Validate(doc); err != nil {
		return fmt.Errorf("execution options rejected: %w", err)
	}
	return nil
}

// CancelAllowed reports whether a pending record of this type may be
// cancelled after the given elapsed time since request. When a CEL policy is
// configured it decides; otherwise the fixed guard window applies.
func (r *Registry) CancelAllowed(id contracts.OperationTypeID, elapsed time.Duration) (bool, error) {
	p, ok := r.policies[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownOperationType, id)
	}

	if p.cancelPrg != nil {
		out, _, err := p.cancelPrg.Eval(map[string]any{
			"elapsed_seconds": int64(elapsed / time.Second),
			"guard_seconds":   int64(p.cancelGuard / time.Second),
			"operation":       r.catalog[id].Name,
		})
		if err != nil {
			return false, fmt.Errorf("cancel policy evaluation: %w", err)
		}
		allowed, ok := out.Value().(bool)
		if !ok {
			return false, fmt.Errorf("cancel policy did not return a bool")
		}
		return allowed, nil
	}

	return elapsed >= p.cancelGuard, nil
}

// CancelGuard returns the fixed guard window for an operation type.
func (r *Registry) CancelGuard(id contracts.OperationTypeID) (time.Duration, error) {
	p, ok := r.policies[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownOperationType, id)
	}
	return p.cancelGuard, nil
}
