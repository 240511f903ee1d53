package config

import (
	"fmt"
	"os"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/guardline-labs/secureop/pkg/contracts"
	"github.com/guardline-labs/secureop/pkg/registry"
)

// supportedProfileVersions gates which profile schema versions this build
// accepts.
const supportedProfileVersions = "^1.0"

// InstanceProfile is the YAML configuration of one protected instance:
// role addresses, guard, and the operation catalog with its time-lock and
// cancellation policy per type.
type InstanceProfile struct {
	SchemaVersion string `yaml:"schema_version"`
	InstanceID    string `yaml:"instance_id"`
	ChainID       uint64 `yaml:"chain_id"`

	Roles struct {
		Owner       string `yaml:"owner"`
		Broadcaster string `yaml:"broadcaster"`
		Recovery    string `yaml:"recovery"`
	} `yaml:"roles"`

	GuardAddress string `yaml:"guard_address,omitempty"`

	DefaultTimeLock time.Duration `yaml:"default_time_lock"`

	Operations []OperationProfile `yaml:"operations,omitempty"`
}

// OperationProfile declares one operation type in the profile.
type OperationProfile struct {
	Name          string            `yaml:"name"`
	Selectors     []string          `yaml:"selectors,omitempty"`
	TimeLock      time.Duration     `yaml:"time_lock,omitempty"`
	CancelGuard   time.Duration     `yaml:"cancel_guard,omitempty"`
	Roles         map[string]string `yaml:"roles,omitempty"`
	OptionsSchema string            `yaml:"options_schema,omitempty"`
	CancelPolicy  string            `yaml:"cancel_policy,omitempty"`
}

// LoadProfile reads and validates an instance profile.
func LoadProfile(path string) (*InstanceProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}

	var p InstanceProfile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}

	if err := p.validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *InstanceProfile) validate() error {
	if p.SchemaVersion == "" {
		return fmt.Errorf("profile missing schema_version")
	}
	v, err := semver.NewVersion(p.SchemaVersion)
	if err != nil {
		return fmt.Errorf("invalid schema_version %q: %w", p.SchemaVersion, err)
	}
	constraint, err := semver.NewConstraint(supportedProfileVersions)
	if err != nil {
		return fmt.Errorf("version constraint: %w", err)
	}
	if !constraint.Check(v) {
		return fmt.Errorf("profile schema_version %s outside supported range %s", p.SchemaVersion, supportedProfileVersions)
	}

	if p.InstanceID == "" {
		return fmt.Errorf("profile missing instance_id")
	}
	if p.Roles.Owner == "" || p.Roles.Broadcaster == "" || p.Roles.Recovery == "" {
		return fmt.Errorf("profile must assign owner, broadcaster and recovery")
	}
	if p.DefaultTimeLock <= 0 {
		return fmt.Errorf("default_time_lock must be positive")
	}
	return nil
}

// RoleSet returns the profile's role assignment.
func (p *InstanceProfile) RoleSet() contracts.RoleSet {
	return contracts.RoleSet{
		Owner:       contracts.Address(p.Roles.Owner).Normalize(),
		Broadcaster: contracts.Address(p.Roles.Broadcaster).Normalize(),
		Recovery:    contracts.Address(p.Roles.Recovery).Normalize(),
	}
}

// Definitions converts the profile's operation list to registry definitions,
// falling back to the default catalog when none are declared.
func (p *InstanceProfile) Definitions() ([]registry.Definition, error) {
	if len(p.Operations) == 0 {
		return registry.DefaultDefinitions(), nil
	}

	defs := make([]registry.Definition, 0, len(p.Operations))
	for _, op := range p.Operations {
		def := registry.Definition{
			Name:          op.Name,
			Selectors:     op.Selectors,
			TimeLock:      op.TimeLock,
			CancelGuard:   op.CancelGuard,
			OptionsSchema: op.OptionsSchema,
			CancelPolicy:  op.CancelPolicy,
		}
		if len(op.Roles) > 0 {
			def.Roles = make(map[contracts.Phase]contracts.Role, len(op.Roles))
			for phase, role := range op.Roles {
				def.Roles[contracts.Phase(phase)] = contracts.Role(role)
			}
		}
		defs = append(defs, def)
	}
	return defs, nil
}
