package domain

import (
	"fmt"
	"strconv"
	"strings"

	panel "panelbridge/internal/panel/domain"
)

// maxDisambiguation bounds how many ordinal suffixes are tried before a
// colliding identifier is reported unresolved instead of renamed.
const maxDisambiguation = 10

// CircuitSuffix computes the entity id fragment for one circuit under a base
// policy, before sibling disambiguation and device prefixing. Pure and
// deterministic: migration correctness depends on recomputing the desired
// identity set repeatedly with no side effects.
func CircuitSuffix(circuit panel.Circuit, policy NamingPolicy) string {
	switch policy {
	case PolicyCircuitNumbers:
		return tabSuffix(circuit)
	case PolicyFriendlyNames, PolicyLegacyNoPrefix:
		slug := Slugify(circuit.Name)
		if slug == "" {
			// Whitespace-only names fall back to the positional form.
			return tabSuffix(circuit)
		}
		return slug
	default:
		return tabSuffix(circuit)
	}
}

func tabSuffix(circuit panel.Circuit) string {
	tabs := circuit.SortedTabs()
	switch len(tabs) {
	case 0:
		return "circuit_" + Slugify(circuit.ID)
	case 1:
		return "circuit_" + strconv.Itoa(tabs[0])
	default:
		return fmt.Sprintf("circuit_%d_%d", tabs[0], tabs[len(tabs)-1])
	}
}

// SuffixSet computes the suffix for every circuit in the snapshot, resolving
// collisions among siblings deterministically: ties are broken in ascending
// circuit id order, with later circuits receiving _2, _3, ... ordinals.
// Recomputation with identical input never reorders existing suffixes.
func SuffixSet(snap *panel.Snapshot, policy NamingPolicy) map[string]string {
	result := make(map[string]string)
	if snap == nil {
		return result
	}
	claimed := make(map[string]string) // suffix -> circuit id
	for _, circuit := range snap.Siblings() {
		base := CircuitSuffix(circuit, policy)
		suffix := base
		for ordinal := 2; ; ordinal++ {
			owner, taken := claimed[suffix]
			if !taken || owner == circuit.ID {
				break
			}
			suffix = base + "_" + strconv.Itoa(ordinal)
		}
		claimed[suffix] = circuit.ID
		result[circuit.ID] = suffix
	}
	return result
}

// Disambiguate appends the next free ordinal to a base identifier, probing
// taken() for at most maxDisambiguation candidates. Returns false when no
// candidate converges, in which case the caller records the entry as
// unresolved rather than failing the batch.
func Disambiguate(base string, taken func(candidate string) bool) (string, bool) {
	if !taken(base) {
		return base, true
	}
	for ordinal := 2; ordinal <= maxDisambiguation; ordinal++ {
		candidate := base + "_" + strconv.Itoa(ordinal)
		if !taken(candidate) {
			return candidate, true
		}
	}
	return "", false
}

// EntityDomain is the host platform namespace all circuit measurements
// register under.
const EntityDomain = "sensor"

// BuildEntityID assembles the full mutable entity id from its parts.
func BuildEntityID(deviceSlug string, prefix bool, circuitSuffix, measurement string) string {
	parts := make([]string, 0, 3)
	if prefix && deviceSlug != "" {
		parts = append(parts, deviceSlug)
	}
	parts = append(parts, circuitSuffix, measurement)
	return EntityDomain + "." + strings.Join(parts, "_")
}
