package domain

import "fmt"

// NamingPolicy selects how entity id suffixes are derived from circuit
// metadata.
type NamingPolicy string

const (
	// PolicyLegacyNoPrefix is the pre-migration behavior: friendly name
	// slugs with no device prefix. New installs never start here.
	PolicyLegacyNoPrefix NamingPolicy = "legacy_no_prefix"
	// PolicyFriendlyNames derives suffixes from the user-visible circuit name.
	PolicyFriendlyNames NamingPolicy = "friendly_names"
	// PolicyCircuitNumbers derives suffixes from physical breaker positions.
	PolicyCircuitNumbers NamingPolicy = "circuit_numbers"
)

// IsValid reports whether the policy is a known value.
func (p NamingPolicy) IsValid() bool {
	switch p {
	case PolicyLegacyNoPrefix, PolicyFriendlyNames, PolicyCircuitNumbers:
		return true
	}
	return false
}

// ParseNamingPolicy parses a configured policy name.
func ParseNamingPolicy(value string) (NamingPolicy, error) {
	p := NamingPolicy(value)
	if !p.IsValid() {
		return "", fmt.Errorf("identity: unknown naming policy %q", value)
	}
	return p, nil
}

// PolicyConfig is a fully resolved naming configuration: the base policy
// crossed with the device prefix toggle.
type PolicyConfig struct {
	Policy       NamingPolicy
	DevicePrefix bool
}

// WithPrefix returns a copy of the config with the device prefix enabled.
// The legacy upgrade migration targets exactly this.
func (c PolicyConfig) WithPrefix() PolicyConfig {
	c.DevicePrefix = true
	return c
}
