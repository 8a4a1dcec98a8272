package domain

import (
	"errors"
	"sort"
	"time"
)

// DeviceType classifies what a circuit feeds.
type DeviceType string

const (
	DeviceTypeCircuit DeviceType = "circuit"
	DeviceTypePV      DeviceType = "pv"
	DeviceTypeEVSE    DeviceType = "evse"
)

// IsValid reports whether the device type is a known value.
func (t DeviceType) IsValid() bool {
	switch t {
	case DeviceTypeCircuit, DeviceTypePV, DeviceTypeEVSE:
		return true
	}
	return false
}

// ErrNoTabs indicates a circuit without any breaker position.
var ErrNoTabs = errors.New("panel: circuit has no tabs")

// Circuit is the ephemeral identity of one panel circuit, rebuilt on every
// snapshot. ID is panel-assigned and stable across reboots, but a hardware
// reconfiguration may hand the same tab position to a different ID.
type Circuit struct {
	ID         string
	Name       string
	Tabs       []int
	DeviceType DeviceType
}

// TabsForSpace derives the physical tab list from a breaker space. Dual-pole
// (240V) circuits occupy the space and the next position on the same bus-bar
// side, which is space+2.
func TabsForSpace(space int, dipole bool) []int {
	if dipole {
		return []int{space, space + 2}
	}
	return []int{space}
}

// SortedTabs returns the circuit's tabs in ascending order so derived
// identifiers do not depend on discovery order.
func (c Circuit) SortedTabs() []int {
	tabs := append([]int(nil), c.Tabs...)
	sort.Ints(tabs)
	return tabs
}

// Snapshot is a point-in-time view of all circuits on one panel.
type Snapshot struct {
	Serial    string
	FetchedAt time.Time
	Circuits  map[string]Circuit
}

// NewSnapshot constructs an empty snapshot for a panel serial.
func NewSnapshot(serial string, at time.Time) *Snapshot {
	return &Snapshot{Serial: serial, FetchedAt: at.UTC(), Circuits: make(map[string]Circuit)}
}

// Circuit returns the circuit with the given id, if present.
func (s *Snapshot) Circuit(id string) (Circuit, bool) {
	if s == nil {
		return Circuit{}, false
	}
	c, ok := s.Circuits[id]
	return c, ok
}

// CircuitIDs returns all circuit ids in ascending order.
func (s *Snapshot) CircuitIDs() []string {
	if s == nil {
		return nil
	}
	ids := make([]string, 0, len(s.Circuits))
	for id := range s.Circuits {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PVCircuits returns the subset of circuits feeding PV hardware, ordered by id.
func (s *Snapshot) PVCircuits() []Circuit {
	if s == nil {
		return nil
	}
	var result []Circuit
	for _, id := range s.CircuitIDs() {
		c := s.Circuits[id]
		if c.DeviceType == DeviceTypePV {
			result = append(result, c)
		}
	}
	return result
}

// Siblings returns every circuit ordered by ascending id. Disambiguation of
// colliding names depends on this order being stable across snapshots.
func (s *Snapshot) Siblings() []Circuit {
	if s == nil {
		return nil
	}
	result := make([]Circuit, 0, len(s.Circuits))
	for _, id := range s.CircuitIDs() {
		result = append(result, s.Circuits[id])
	}
	return result
}
