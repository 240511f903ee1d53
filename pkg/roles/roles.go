// Package roles tracks the current role assignment of a protected instance
// and answers permission questions for the operation protocol.
package roles

import (
	"fmt"
	"sync"

	"github.com/guardline-labs/secureop/pkg/contracts"
)

// State holds the live owner/broadcaster/recovery addresses. The engine is
// the only writer: a role change is itself an operation type and takes
// effect only when its own approval lands.
type State struct {
	mu    sync.RWMutex
	roles contracts.RoleSet
}

// NewState initializes the role assignment.
func NewState(rs contracts.RoleSet) *State {
	return &State{roles: contracts.RoleSet{
		Owner:       rs.Owner.Normalize(),
		Broadcaster: rs.Broadcaster.Normalize(),
		Recovery:    rs.Recovery.Normalize(),
	}}
}

// Roles returns the current assignment.
func (s *State) Roles() contracts.RoleSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roles
}

// SetRole rotates a single role to a new address.
func (s *State) SetRole(role contracts.Role, addr contracts.Address) error {
	if addr.IsZero() {
		return fmt.Errorf("cannot assign role %s to zero address", role)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch role {
	case contracts.RoleOwner:
		s.roles.Owner = addr.Normalize()
	case contracts.RoleBroadcaster:
		s.roles.Broadcaster = addr.Normalize()
	case contracts.RoleRecovery:
		s.roles.Recovery = addr.Normalize()
	default:
		return fmt.Errorf("unknown role %q", role)
	}
	return nil
}
