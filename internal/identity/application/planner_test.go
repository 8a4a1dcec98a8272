package application

import (
	"context"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"

	identity "panelbridge/internal/identity/domain"
	memdir "panelbridge/internal/identity/infrastructure/memory"
	panel "panelbridge/internal/panel/domain"
)

const testSerial = "panel1"

func testSnapshot() *panel.Snapshot {
	snap := panel.NewSnapshot(testSerial, time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	snap.Circuits["c1"] = panel.Circuit{ID: "c1", Name: "Kitchen", Tabs: []int{4}}
	snap.Circuits["c2"] = panel.Circuit{ID: "c2", Name: "Dryer", Tabs: panel.TabsForSpace(29, true)}
	return snap
}

func register(t *testing.T, dir identity.Directory, circuitID, entityID string) {
	t.Helper()
	require.NoError(t, dir.Register(context.Background(), identity.Record{
		UniqueID: identity.BuildUniqueID(testSerial, circuitID, identity.MeasurementPower),
		EntityID: entityID,
	}))
}

func registerAll(t *testing.T, dir identity.Directory, snap *panel.Snapshot, target identity.PolicyConfig, deviceSlug string) {
	t.Helper()
	suffixes := identity.SuffixSet(snap, target.Policy)
	for _, circuit := range snap.Siblings() {
		for _, measurement := range identity.Measurements() {
			require.NoError(t, dir.Register(context.Background(), identity.Record{
				UniqueID: identity.BuildUniqueID(testSerial, circuit.ID, measurement),
				EntityID: identity.BuildEntityID(deviceSlug, target.DevicePrefix, suffixes[circuit.ID], string(measurement)),
			}))
		}
	}
}

func TestPlan_PolicySwitchGolden(t *testing.T) {
	dir := memdir.NewDirectory(nil, nil)
	snap := testSnapshot()
	registerAll(t, dir, snap, identity.PolicyConfig{Policy: identity.PolicyFriendlyNames}, "span1")

	planner, err := NewPlanner(dir, nil)
	require.NoError(t, err)

	target := identity.PolicyConfig{Policy: identity.PolicyCircuitNumbers, DevicePrefix: true}
	plan, err := planner.Plan(context.Background(), snap, target, "span1")
	require.NoError(t, err)
	require.Equal(t, 6, plan.Len())

	g := goldie.New(t, goldie.WithNameSuffix(".golden"))
	g.Assert(t, "policy_switch", []byte(plan.Render()))
}

func TestPlan_IdempotentAfterExecution(t *testing.T) {
	dir := memdir.NewDirectory(nil, nil)
	snap := testSnapshot()
	registerAll(t, dir, snap, identity.PolicyConfig{Policy: identity.PolicyFriendlyNames}, "span1")

	planner, err := NewPlanner(dir, nil)
	require.NoError(t, err)
	target := identity.PolicyConfig{Policy: identity.PolicyCircuitNumbers, DevicePrefix: true}

	plan, err := planner.Plan(context.Background(), snap, target, "span1")
	require.NoError(t, err)
	for _, entry := range plan.Entries() {
		require.NoError(t, dir.Rename(context.Background(), entry.UniqueID, entry.OldEntityID, entry.NewEntityID))
	}

	again, err := planner.Plan(context.Background(), snap, target, "span1")
	require.NoError(t, err)
	require.True(t, again.Empty(), "second pass must plan nothing: %s", again.Render())
}

func TestPlan_UserOverrideExempt(t *testing.T) {
	dir := memdir.NewDirectory(nil, nil)
	snap := testSnapshot()
	register(t, dir, "c1", "sensor.my_special_kitchen")
	register(t, dir, "c2", "sensor.dryer_power")
	require.NoError(t, dir.SetUserOverride(context.Background(), identity.BuildUniqueID(testSerial, "c1", identity.MeasurementPower), true))

	planner, err := NewPlanner(dir, nil)
	require.NoError(t, err)
	target := identity.PolicyConfig{Policy: identity.PolicyCircuitNumbers, DevicePrefix: true}
	plan, err := planner.Plan(context.Background(), snap, target, "span1")
	require.NoError(t, err)

	for _, entry := range plan.Entries() {
		require.NotEqual(t, identity.BuildUniqueID(testSerial, "c1", identity.MeasurementPower), entry.UniqueID,
			"overridden identity must not be planned")
	}
	require.Equal(t, 1, plan.Len())
}

func TestPlan_VacatesBeforeClaiming(t *testing.T) {
	dir := memdir.NewDirectory(nil, nil)
	snap := panel.NewSnapshot(testSerial, time.Now())
	// c1 was renamed on the panel to the name c2 used to carry.
	snap.Circuits["c1"] = panel.Circuit{ID: "c1", Name: "Garage", Tabs: []int{1}}
	snap.Circuits["c2"] = panel.Circuit{ID: "c2", Name: "Workshop", Tabs: []int{3}}
	register(t, dir, "c1", "sensor.laundry_power")
	register(t, dir, "c2", "sensor.garage_power")

	planner, err := NewPlanner(dir, nil)
	require.NoError(t, err)
	plan, err := planner.Plan(context.Background(), snap, identity.PolicyConfig{Policy: identity.PolicyFriendlyNames}, "")
	require.NoError(t, err)

	entries := plan.Entries()
	require.Len(t, entries, 2)
	require.Equal(t, "sensor.workshop_power", entries[0].NewEntityID, "the vacating rename must run first")
	require.Equal(t, "sensor.garage_power", entries[1].NewEntityID)
	require.Empty(t, plan.Unresolved())
}

func TestPlan_BlockedHeadDisambiguated(t *testing.T) {
	dir := memdir.NewDirectory(nil, nil)
	snap := panel.NewSnapshot(testSerial, time.Now())
	snap.Circuits["c1"] = panel.Circuit{ID: "c1", Name: "Lights", Tabs: []int{1}}
	snap.Circuits["c2"] = panel.Circuit{ID: "c2", Name: "Old Lights", Tabs: []int{3}}
	register(t, dir, "c1", "sensor.hallway_power")
	// The user pinned c2 onto the identifier c1's name derives to.
	register(t, dir, "c2", "sensor.lights_power")
	require.NoError(t, dir.SetUserOverride(context.Background(), identity.BuildUniqueID(testSerial, "c2", identity.MeasurementPower), true))

	planner, err := NewPlanner(dir, nil)
	require.NoError(t, err)
	plan, err := planner.Plan(context.Background(), snap, identity.PolicyConfig{Policy: identity.PolicyFriendlyNames}, "")
	require.NoError(t, err)

	entries := plan.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, "sensor.lights_power_2", entries[0].NewEntityID)
	require.Empty(t, plan.Unresolved())
}

func TestPlan_StaleRecordNeverDonatesItsIdentifier(t *testing.T) {
	dir := memdir.NewDirectory(nil, nil)
	snap := panel.NewSnapshot(testSerial, time.Now())
	snap.Circuits["c2"] = panel.Circuit{ID: "c2", Name: "Freezer", Tabs: []int{8}}
	// c1 disappeared from the panel but its record remains.
	register(t, dir, "c1", "sensor.freezer_power")
	register(t, dir, "c2", "sensor.circuit_8_power")

	planner, err := NewPlanner(dir, nil)
	require.NoError(t, err)
	plan, err := planner.Plan(context.Background(), snap, identity.PolicyConfig{Policy: identity.PolicyFriendlyNames}, "")
	require.NoError(t, err)

	entries := plan.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, identity.BuildUniqueID(testSerial, "c2", identity.MeasurementPower), entries[0].UniqueID)
	// The live circuit cannot take the stale record's identifier.
	require.Equal(t, "sensor.freezer_power_2", entries[0].NewEntityID)
}
