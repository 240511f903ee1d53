package contracts

// Canonical operation type names of the vault and Safe wrapper families.
// The set supported by an instance is fixed at construction; these are the
// names the default catalog registers.
const (
	OpWithdrawEth         = "WITHDRAW_ETH"
	OpWithdrawToken       = "WITHDRAW_TOKEN"
	OpOwnershipTransfer   = "OWNERSHIP_TRANSFER"
	OpBroadcasterUpdate   = "BROADCASTER_UPDATE"
	OpRecoveryUpdate      = "RECOVERY_UPDATE"
	OpGuardUpdate         = "GUARD_UPDATE"
	OpDelegatedCallToggle = "DELEGATED_CALL_TOGGLE"
)
