package registry

import (
	"time"

	"github.com/guardline-labs/secureop/pkg/contracts"
)

// DefaultDefinitions is the standard vault/Safe operation catalog used when
// an instance profile does not declare its own.
func DefaultDefinitions() []Definition {
	return []Definition{
		{
			Name:        contracts.OpWithdrawEth,
			Selectors:   []string{"withdrawEth(address,uint256)"},
			TimeLock:    24 * time.Hour,
			CancelGuard: time.Hour,
			OptionsSchema: `{
				"type": "object",
				"required": ["recipient", "amount"],
				"properties": {
					"recipient": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
					"amount": {"type": "integer", "minimum": 1}
				}
			}`,
		},
		{
			Name:        contracts.OpWithdrawToken,
			Selectors:   []string{"withdrawToken(address,address,uint256)"},
			TimeLock:    24 * time.Hour,
			CancelGuard: time.Hour,
			OptionsSchema: `{
				"type": "object",
				"required": ["token", "recipient", "amount"],
				"properties": {
					"token": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
					"recipient": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
					"amount": {"type": "integer", "minimum": 1}
				}
			}`,
		},
		{
			Name:      contracts.OpOwnershipTransfer,
			Selectors: []string{"transferOwnership(address)"},
			TimeLock:  48 * time.Hour,
			// Recovery opens and closes ownership transfers; the sitting
			// owner approves.
			Roles: map[contracts.Phase]contracts.Role{
				contracts.PhaseRequest: contracts.RoleRecovery,
				contracts.PhaseCancel:  contracts.RoleRecovery,
			},
		},
		{
			Name:      contracts.OpBroadcasterUpdate,
			Selectors: []string{"updateBroadcaster(address)"},
			TimeLock:  24 * time.Hour,
		},
		{
			Name:      contracts.OpRecoveryUpdate,
			Selectors: []string{"updateRecovery(address)"},
			TimeLock:  24 * time.Hour,
		},
		{
			Name:      contracts.OpGuardUpdate,
			Selectors: []string{"setGuard(address)"},
			TimeLock:  24 * time.Hour,
		},
		{
			Name:      contracts.OpDelegatedCallToggle,
			Selectors: []string{"setDelegatedCallEnabled(bool)"},
			TimeLock:  12 * time.Hour,
		},
	}
}
