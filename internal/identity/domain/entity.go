package domain

import (
	"fmt"
	"strings"
	"time"
)

// Measurement names one physical quantity recorded per circuit. The set is
// fixed: each circuit carries one entity per measurement.
type Measurement string

const (
	MeasurementPower          Measurement = "power"
	MeasurementEnergyProduced Measurement = "energy_produced"
	MeasurementEnergyConsumed Measurement = "energy_consumed"
)

// Measurements lists every per-circuit measurement in registration order.
func Measurements() []Measurement {
	return []Measurement{MeasurementPower, MeasurementEnergyProduced, MeasurementEnergyConsumed}
}

// UniqueIDPrefix returns the namespace fragment all unique ids of one panel
// share. The engine's writing discipline is scoped to this namespace; entries
// outside it are never touched.
func UniqueIDPrefix(serial string) string {
	return "span_" + serial + "_"
}

// BuildUniqueID computes the immutable primary key for one circuit
// measurement. Called exactly once, at first discovery; the result is never
// recomputed afterwards.
func BuildUniqueID(serial, circuitID string, measurement Measurement) string {
	return fmt.Sprintf("span_%s_%s_%s", serial, circuitID, measurement)
}

// SplitUniqueID recovers the circuit id and measurement from a unique id in
// the panel's namespace. Returns false for ids outside the namespace.
func SplitUniqueID(serial, uniqueID string) (circuitID string, measurement Measurement, ok bool) {
	prefix := UniqueIDPrefix(serial)
	rest, found := strings.CutPrefix(uniqueID, prefix)
	if !found {
		return "", "", false
	}
	for _, m := range Measurements() {
		if tail, has := strings.CutSuffix(rest, "_"+string(m)); has && tail != "" {
			return tail, m, true
		}
	}
	return "", "", false
}

// Record is one persisted entity identity as the directory stores it.
// UniqueID never changes; EntityID is mutated only through Rename or by the
// user out-of-band, in which case UserOverride latches true and suppresses
// automatic re-derivation until explicitly reset.
type Record struct {
	UniqueID     string
	EntityID     string
	UserOverride bool
	UpdatedAt    time.Time
}

// LegacySolarUniqueID is the unique id legacy installs used for the virtual
// solar inverter sensor, before PV circuits were first-class.
func LegacySolarUniqueID(serial string, measurement Measurement) string {
	return fmt.Sprintf("span_%s_inverter_%s", serial, measurement)
}

// IsLegacySolarUniqueID reports whether a unique id belongs to the legacy
// virtual solar sensor set.
func IsLegacySolarUniqueID(serial, uniqueID string) bool {
	for _, m := range Measurements() {
		if uniqueID == LegacySolarUniqueID(serial, m) {
			return true
		}
	}
	return false
}
