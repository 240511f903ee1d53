package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guardline-labs/secureop/pkg/contracts"
	"github.com/guardline-labs/secureop/pkg/crypto"
)

func defaultCatalog(t *testing.T) *Registry {
	t.Helper()
	reg, err := New(24*time.Hour, DefaultDefinitions())
	require.NoError(t, err)
	return reg
}

func TestNewRejectsBadDefinitions(t *testing.T) {
	_, err := New(0, DefaultDefinitions())
	assert.Error(t, err)

	_, err = New(24*time.Hour, []Definition{{Name: ""}})
	assert.Error(t, err)

	_, err = New(24*time.Hour, []Definition{
		{Name: "WITHDRAW_ETH"},
		{Name: "WITHDRAW_ETH"},
	})
	assert.Error(t, err)

	_, err = New(24*time.Hour, []Definition{
		{Name: "BROKEN", OptionsSchema: `{"type": nope}`},
	})
	assert.Error(t, err)

	_, err = New(24*time.Hour, []Definition{
		{Name: "BROKEN", CancelPolicy: `elapsed_seconds >>> 1`},
	})
	assert.Error(t, err)
}

func TestLookupByNameAndID(t *testing.T) {
	reg := defaultCatalog(t)

	op, err := reg.LookupName(contracts.OpWithdrawEth)
	require.NoError(t, err)
	assert.Equal(t, crypto.OperationTypeID(contracts.OpWithdrawEth), op.ID)

	sameOp, err := reg.Lookup(op.ID)
	require.NoError(t, err)
	assert.Equal(t, op, sameOp)

	_, err = reg.LookupName("UNKNOWN")
	assert.ErrorIs(t, err, ErrUnknownOperationType)

	_, err = reg.Lookup("0xdeadbeef")
	assert.ErrorIs(t, err, ErrUnknownOperationType)
}

func TestSupportedOperationTypesKeepsOrder(t *testing.T) {
	reg := defaultCatalog(t)

	ops := reg.SupportedOperationTypes()
	require.Len(t, ops, 7)
	assert.Equal(t, contracts.OpWithdrawEth, ops[0].Name)
	assert.Equal(t, contracts.OpDelegatedCallToggle, ops[6].Name)
}

func TestTimeLockFallsBackToDefault(t *testing.T) {
	reg, err := New(6*time.Hour, []Definition{
		{Name: "FAST", TimeLock: time.Hour},
		{Name: "DEFAULTED"},
	})
	require.NoError(t, err)

	d, err := reg.TimeLock(crypto.OperationTypeID("FAST"))
	require.NoError(t, err)
	assert.Equal(t, time.Hour, d)

	d, err = reg.TimeLock(crypto.OperationTypeID("DEFAULTED"))
	require.NoError(t, err)
	assert.Equal(t, 6*time.Hour, d)
}

func TestRoleForPhaseDefaultsAndOverrides(t *testing.T) {
	reg := defaultCatalog(t)

	withdraw, err := reg.LookupName(contracts.OpWithdrawEth)
	require.NoError(t, err)
	transfer, err := reg.LookupName(contracts.OpOwnershipTransfer)
	require.NoError(t, err)

	role, err := reg.RoleForPhase(withdraw.ID, contracts.PhaseRequest)
	require.NoError(t, err)
	assert.Equal(t, contracts.RoleOwner, role)

	role, err = reg.RoleForPhase(withdraw.ID, contracts.PhaseMetaRequestApprove)
	require.NoError(t, err)
	assert.Equal(t, contracts.RoleBroadcaster, role)

	// Ownership transfers override request and cancel to recovery.
	role, err = reg.RoleForPhase(transfer.ID, contracts.PhaseRequest)
	require.NoError(t, err)
	assert.Equal(t, contracts.RoleRecovery, role)

	role, err = reg.RoleForPhase(transfer.ID, contracts.PhaseApprove)
	require.NoError(t, err)
	assert.Equal(t, contracts.RoleOwner, role)
}

func TestRoleForSelector(t *testing.T) {
	reg := defaultCatalog(t)

	sel := crypto.SelectorFor("withdrawEth(address,uint256)")
	role, ok := reg.RoleForSelector(sel)
	require.True(t, ok)
	assert.Equal(t, contracts.RoleOwner, role)

	sel = crypto.SelectorFor("transferOwnership(address)")
	role, ok = reg.RoleForSelector(sel)
	require.True(t, ok)
	assert.Equal(t, contracts.RoleRecovery, role)

	_, ok = reg.RoleForSelector("0x00000000")
	assert.False(t, ok)
}

func TestValidateOptions(t *testing.T) {
	reg := defaultCatalog(t)
	withdraw, err := reg.LookupName(contracts.OpWithdrawEth)
	require.NoError(t, err)

	cases := []struct {
		name    string
		options string
		wantErr bool
	}{
		{"valid", `{"recipient": "0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee", "amount": 500}`, false},
		{"zero amount", `{"recipient": "0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee", "amount": 0}`, true},
		{"bad recipient", `{"recipient": "bob", "amount": 500}`, true},
		{"missing amount", `{"recipient": "0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee"}`, true},
		{"not json", `nope`, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := reg.ValidateOptions(withdraw.ID, []byte(tc.options))
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateOptionsWithoutSchema(t *testing.T) {
	reg := defaultCatalog(t)
	op, err := reg.LookupName(contracts.OpGuardUpdate)
	require.NoError(t, err)

	// No schema configured: any payload passes.
	assert.NoError(t, reg.ValidateOptions(op.ID, []byte(`{"anything": true}`)))
}

func TestCancelAllowedFixedWindow(t *testing.T) {
	reg := defaultCatalog(t)
	withdraw, err := reg.LookupName(contracts.OpWithdrawEth)
	require.NoError(t, err)

	allowed, err := reg.CancelAllowed(withdraw.ID, 59*time.Minute)
	require.NoError(t, err)
	assert.False(t, allowed)

	allowed, err = reg.CancelAllowed(withdraw.ID, time.Hour)
	require.NoError(t, err)
	assert.True(t, allowed)

	guard, err := reg.CancelGuard(withdraw.ID)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, guard)
}

func TestCancelAllowedCELPolicy(t *testing.T) {
	reg, err := New(24*time.Hour, []Definition{{
		Name:         "LARGE_TRANSFER",
		CancelGuard:  2 * time.Hour,
		CancelPolicy: `elapsed_seconds >= guard_seconds || operation == "LARGE_TRANSFER" && elapsed_seconds >= 1800`,
	}})
	require.NoError(t, err)
	id := crypto.OperationTypeID("LARGE_TRANSFER")

	allowed, err := reg.CancelAllowed(id, 10*time.Minute)
	require.NoError(t, err)
	assert.False(t, allowed)

	// The policy carves out a shorter window for this operation.
	allowed, err = reg.CancelAllowed(id, 30*time.Minute)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestCancelAllowedUnknownType(t *testing.T) {
	reg := defaultCatalog(t)

	_, err := reg.CancelAllowed("0xdeadbeef", time.Hour)
	assert.ErrorIs(t, err, ErrUnknownOperationType)
}
