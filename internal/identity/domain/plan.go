package domain

import (
	"fmt"
	"strings"
)

// PlanEntry is one intended rename. Entries are value types; a plan is never
// mutated after construction.
type PlanEntry struct {
	UniqueID    string
	OldEntityID string
	NewEntityID string
}

// UnresolvedEntry records a desired rename that could not be disambiguated
// within the bounded attempt budget. It is reported, not applied.
type UnresolvedEntry struct {
	UniqueID       string
	OldEntityID    string
	WantedEntityID string
	Reason         string
}

// Plan is an ordered, immutable set of renames computed for one migration
// pass. Planning is a pure function over its inputs: identical inputs yield
// an identical plan, which is what makes re-running a migration after a
// partial failure safe.
type Plan struct {
	entries    []PlanEntry
	unresolved []UnresolvedEntry
}

// NewPlan constructs a plan from its entries. The slices are copied.
func NewPlan(entries []PlanEntry, unresolved []UnresolvedEntry) *Plan {
	return &Plan{
		entries:    append([]PlanEntry(nil), entries...),
		unresolved: append([]UnresolvedEntry(nil), unresolved...),
	}
}

// Entries returns the ordered renames.
func (p *Plan) Entries() []PlanEntry {
	if p == nil {
		return nil
	}
	return append([]PlanEntry(nil), p.entries...)
}

// Unresolved returns entries skipped during planning.
func (p *Plan) Unresolved() []UnresolvedEntry {
	if p == nil {
		return nil
	}
	return append([]UnresolvedEntry(nil), p.unresolved...)
}

// Empty reports whether the plan contains no renames and no unresolved
// entries.
func (p *Plan) Empty() bool {
	return p == nil || (len(p.entries) == 0 && len(p.unresolved) == 0)
}

// Len returns the number of renames in the plan.
func (p *Plan) Len() int {
	if p == nil {
		return 0
	}
	return len(p.entries)
}

// Render returns a stable human-readable listing, one line per entry.
func (p *Plan) Render() string {
	if p == nil {
		return "plan: empty\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "plan: %d rename(s), %d unresolved\n", len(p.entries), len(p.unresolved))
	for _, e := range p.entries {
		fmt.Fprintf(&b, "rename %s: %s -> %s\n", e.UniqueID, e.OldEntityID, e.NewEntityID)
	}
	for _, u := range p.unresolved {
		fmt.Fprintf(&b, "unresolved %s: %s -> %s (%s)\n", u.UniqueID, u.OldEntityID, u.WantedEntityID, u.Reason)
	}
	return b.String()
}
