package application

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	identity "panelbridge/internal/identity/domain"
	panel "panelbridge/internal/panel/domain"
)

// Planner diffs the desired identity set against the directory into an
// ordered rename plan. Planning performs no mutation: invoked repeatedly
// with identical inputs it produces an identical plan, which is the basis
// for the engine's idempotence.
type Planner struct {
	dir identity.Directory
	log *zap.Logger
}

// NewPlanner constructs a planner.
func NewPlanner(dir identity.Directory, log *zap.Logger) (*Planner, error) {
	if dir == nil {
		return nil, errors.New("planner: nil directory")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Planner{dir: dir, log: log}, nil
}

// Plan computes the renames needed to move every non-overridden live entity
// to the identifier the target policy derives for it.
func (p *Planner) Plan(ctx context.Context, snap *panel.Snapshot, target identity.PolicyConfig, deviceSlug string) (*identity.Plan, error) {
	if p == nil || p.dir == nil {
		return nil, errors.New("planner: nil directory")
	}
	if snap == nil {
		return nil, errors.New("planner: nil snapshot")
	}
	if !target.Policy.IsValid() {
		return nil, fmt.Errorf("planner: invalid policy %q", target.Policy)
	}

	records, err := p.dir.List(ctx, identity.UniqueIDPrefix(snap.Serial))
	if err != nil {
		return nil, fmt.Errorf("planner: list directory: %w", err)
	}

	suffixes := identity.SuffixSet(snap, target.Policy)

	// Current claims over entity ids, updated as the simulated plan applies.
	claims := make(map[string]string, len(records))
	for _, record := range records {
		claims[record.EntityID] = record.UniqueID
	}

	type pendingRename struct {
		uniqueID string
		old      string
		want     string
	}
	var pending []pendingRename
	for _, record := range records {
		if record.UserOverride {
			// Human-renamed identities are exempt until reset out-of-band.
			continue
		}
		if identity.IsLegacySolarUniqueID(snap.Serial, record.UniqueID) {
			// Owned by the solar migration step, not policy planning.
			continue
		}
		circuitID, measurement, ok := identity.SplitUniqueID(snap.Serial, record.UniqueID)
		if !ok {
			continue
		}
		if _, live := snap.Circuit(circuitID); !live {
			// Decommissioning is an external decision; a stale record keeps
			// its identifier and never donates it to a tab reuser.
			continue
		}
		desired := identity.BuildEntityID(deviceSlug, target.DevicePrefix, suffixes[circuitID], string(measurement))
		if desired == record.EntityID {
			continue
		}
		pending = append(pending, pendingRename{uniqueID: record.UniqueID, old: record.EntityID, want: desired})
	}

	// Order entries so renames that vacate an identifier run before renames
	// that claim it. When no entry can proceed the head entry is
	// disambiguated against the simulated state, or reported unresolved.
	var entries []identity.PlanEntry
	var unresolved []identity.UnresolvedEntry
	apply := func(r pendingRename, target string) {
		delete(claims, r.old)
		claims[target] = r.uniqueID
		entries = append(entries, identity.PlanEntry{
			UniqueID:    r.uniqueID,
			OldEntityID: r.old,
			NewEntityID: target,
		})
	}
	for len(pending) > 0 {
		progressed := false
		for i, r := range pending {
			owner, taken := claims[r.want]
			if taken && owner != r.uniqueID {
				continue
			}
			apply(r, r.want)
			pending = append(pending[:i], pending[i+1:]...)
			progressed = true
			break
		}
		if progressed {
			continue
		}
		head := pending[0]
		pending = pending[1:]
		candidate, ok := identity.Disambiguate(head.want, func(c string) bool {
			owner, taken := claims[c]
			return taken && owner != head.uniqueID
		})
		if !ok {
			p.log.Warn("plan entry unresolved",
				zap.String("unique_id", head.uniqueID),
				zap.String("wanted", head.want))
			unresolved = append(unresolved, identity.UnresolvedEntry{
				UniqueID:       head.uniqueID,
				OldEntityID:    head.old,
				WantedEntityID: head.want,
				Reason:         "no free identifier within disambiguation budget",
			})
			continue
		}
		apply(head, candidate)
	}

	return identity.NewPlan(entries, unresolved), nil
}
