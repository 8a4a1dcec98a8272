package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	panel "panelbridge/internal/panel/domain"
)

func TestCircuitSuffix_FriendlyNames(t *testing.T) {
	circuit := panel.Circuit{ID: "c1", Name: "Kitchen Outlets", Tabs: []int{4}}
	require.Equal(t, "kitchen_outlets", CircuitSuffix(circuit, PolicyFriendlyNames))
}

func TestCircuitSuffix_CircuitNumbers(t *testing.T) {
	circuit := panel.Circuit{ID: "c1", Name: "Kitchen Outlets", Tabs: []int{4}}
	require.Equal(t, "circuit_4", CircuitSuffix(circuit, PolicyCircuitNumbers))
}

func TestCircuitSuffix_DualTab(t *testing.T) {
	circuit := panel.Circuit{ID: "c9", Name: "Dryer", Tabs: panel.TabsForSpace(29, true)}
	require.Equal(t, []int{29, 31}, circuit.SortedTabs())
	require.Equal(t, "circuit_29_31", CircuitSuffix(circuit, PolicyCircuitNumbers))
}

func TestCircuitSuffix_EmptyNameFallsBackToPosition(t *testing.T) {
	circuit := panel.Circuit{ID: "c2", Name: "   ", Tabs: []int{12}}
	require.Equal(t, "circuit_12", CircuitSuffix(circuit, PolicyFriendlyNames))
	require.Equal(t, "circuit_12", CircuitSuffix(circuit, PolicyLegacyNoPrefix))
}

func TestCircuitSuffix_NoTabsFallsBackToID(t *testing.T) {
	circuit := panel.Circuit{ID: "abc9", Name: ""}
	require.Equal(t, "circuit_abc9", CircuitSuffix(circuit, PolicyFriendlyNames))
}

func TestSuffixSet_DisambiguatesInCircuitIDOrder(t *testing.T) {
	snap := panel.NewSnapshot("panel1", time.Now())
	snap.Circuits["c1"] = panel.Circuit{ID: "c1", Name: "Lights", Tabs: []int{1}}
	snap.Circuits["c2"] = panel.Circuit{ID: "c2", Name: "Lights", Tabs: []int{3}}
	snap.Circuits["c3"] = panel.Circuit{ID: "c3", Name: "Lights", Tabs: []int{5}}

	set := SuffixSet(snap, PolicyFriendlyNames)
	require.Equal(t, "lights", set["c1"])
	require.Equal(t, "lights_2", set["c2"])
	require.Equal(t, "lights_3", set["c3"])

	// Recomputing from the same snapshot never reorders the assignment.
	again := SuffixSet(snap, PolicyFriendlyNames)
	require.Equal(t, set, again)
}

func TestDisambiguate_Bounded(t *testing.T) {
	suffix, ok := Disambiguate("dryer", func(string) bool { return false })
	require.True(t, ok)
	require.Equal(t, "dryer", suffix)

	suffix, ok = Disambiguate("dryer", func(candidate string) bool { return candidate == "dryer" })
	require.True(t, ok)
	require.Equal(t, "dryer_2", suffix)

	_, ok = Disambiguate("dryer", func(string) bool { return true })
	require.False(t, ok)
}

func TestBuildEntityID(t *testing.T) {
	require.Equal(t, "sensor.span1_circuit_4_power", BuildEntityID("span1", true, "circuit_4", "power"))
	require.Equal(t, "sensor.kitchen_power", BuildEntityID("span1", false, "kitchen", "power"))
	require.Equal(t, "sensor.kitchen_power", BuildEntityID("", true, "kitchen", "power"))
}

// A rename from the friendly default to the positional policy with the device
// prefix enabled must land on the documented shape.
func TestPolicySwitchScenario(t *testing.T) {
	circuit := panel.Circuit{ID: "c4", Name: "Kitchen", Tabs: []int{4}}

	before := BuildEntityID("span1", false, CircuitSuffix(circuit, PolicyFriendlyNames), "power")
	require.Equal(t, "sensor.kitchen_power", before)

	after := BuildEntityID("span1", true, CircuitSuffix(circuit, PolicyCircuitNumbers), "power")
	require.Equal(t, "sensor.span1_circuit_4_power", after)
}
