package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guardline-labs/secureop/pkg/contracts"
)

const validProfile = `
schema_version: "1.0.0"
instance_id: "vault-main"
chain_id: 1
roles:
  owner: "0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
  broadcaster: "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
  recovery: "0xcccccccccccccccccccccccccccccccccccccccc"
default_time_lock: 24h
operations:
  - name: WITHDRAW_ETH
    time_lock: 12h
    cancel_guard: 1h
  - name: OWNERSHIP_TRANSFER
    time_lock: 48h
    roles:
      REQUEST: RECOVERY
      CANCEL: RECOVERY
`

func writeProfile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "instance.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadProfile(t *testing.T) {
	p, err := LoadProfile(writeProfile(t, validProfile))
	require.NoError(t, err)

	assert.Equal(t, "vault-main", p.InstanceID)
	assert.Equal(t, uint64(1), p.ChainID)
	assert.Equal(t, 24*time.Hour, p.DefaultTimeLock)

	rs := p.RoleSet()
	assert.Equal(t, contracts.Address("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"), rs.Owner)

	defs, err := p.Definitions()
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, 12*time.Hour, defs[0].TimeLock)
	assert.Equal(t, time.Hour, defs[0].CancelGuard)
	assert.Equal(t, contracts.RoleRecovery, defs[1].Roles[contracts.PhaseRequest])
}

func TestLoadProfileMissingFile(t *testing.T) {
	_, err := LoadProfile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadProfileRejectsUnsupportedVersion(t *testing.T) {
	for _, version := range []string{"2.0.0", "0.9.0", "garbage"} {
		profile := `
schema_version: "` + version + `"
instance_id: "vault-main"
chain_id: 1
roles:
  owner: "0xaaaa"
  broadcaster: "0xbbbb"
  recovery: "0xcccc"
default_time_lock: 24h
`
		_, err := LoadProfile(writeProfile(t, profile))
		assert.Error(t, err, "version %s", version)
	}
}

func TestLoadProfileRejectsIncompleteRoles(t *testing.T) {
	profile := `
schema_version: "1.0.0"
instance_id: "vault-main"
chain_id: 1
roles:
  owner: "0xaaaa"
default_time_lock: 24h
`
	_, err := LoadProfile(writeProfile(t, profile))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "owner, broadcaster and recovery")
}

func TestLoadProfileRejectsZeroTimeLock(t *testing.T) {
	profile := `
schema_version: "1.0.0"
instance_id: "vault-main"
chain_id: 1
roles:
  owner: "0xaaaa"
  broadcaster: "0xbbbb"
  recovery: "0xcccc"
`
	_, err := LoadProfile(writeProfile(t, profile))
	assert.Error(t, err)
}

func TestDefinitionsFallBackToDefaultCatalog(t *testing.T) {
	profile := `
schema_version: "1.0.5"
instance_id: "vault-main"
chain_id: 1
roles:
  owner: "0xaaaa"
  broadcaster: "0xbbbb"
  recovery: "0xcccc"
default_time_lock: 24h
`
	p, err := LoadProfile(writeProfile(t, profile))
	require.NoError(t, err)

	defs, err := p.Definitions()
	require.NoError(t, err)
	assert.Len(t, defs, 7)
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("STORE", "")
	cfg := Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "memory", cfg.Store)
	assert.Equal(t, 600, cfg.RateLimitRPM)
}
