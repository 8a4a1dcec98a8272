package application

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"panelbridge/internal/audit"
	identity "panelbridge/internal/identity/domain"
	"panelbridge/internal/notify"
	"panelbridge/internal/observability/metrics"
)

// Result summarizes one executed plan.
type Result struct {
	Attempted  int
	Renamed    int
	Conflicts  int
	IOErrors   int
	Unresolved int
}

// Changed reports whether at least one structural identity changed, which is
// what earns the cycle a coalesced reload.
func (r Result) Changed() bool {
	return r.Renamed > 0
}

// Clean reports whether the pass applied fully: no conflicts, no transport
// failures, nothing left unresolved. Only a clean pass may clear a pending
// migration flag.
func (r Result) Clean() bool {
	return r.Conflicts == 0 && r.IOErrors == 0 && r.Unresolved == 0
}

// Executor applies a migration plan against the directory under storm
// suppression. The suppression set is installed from the intended plan
// before the first rename and rebuilt from the actual post-execution
// registry state afterwards, so entries that failed or were skipped never
// leave a stale suppressed marker behind.
type Executor struct {
	dir      identity.Directory
	filter   *notify.Filter
	recorder audit.Recorder
	log      *zap.Logger
}

// NewExecutor constructs an executor. recorder may be nil.
func NewExecutor(dir identity.Directory, filter *notify.Filter, recorder audit.Recorder, log *zap.Logger) (*Executor, error) {
	if dir == nil {
		return nil, errors.New("executor: nil directory")
	}
	if filter == nil {
		return nil, errors.New("executor: nil suppression filter")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{dir: dir, filter: filter, recorder: recorder, log: log}, nil
}

// Execute applies the plan sequentially. A Conflict or transport failure on
// one entry is logged and the remaining entries proceed; prior successful
// renames are never rolled back, since a partial migration is a valid state
// as long as unique id linkage is untouched.
func (e *Executor) Execute(ctx context.Context, plan *identity.Plan, cycleID string) Result {
	result := Result{Unresolved: len(plan.Unresolved())}
	entries := plan.Entries()
	if len(entries) == 0 {
		e.recordUnresolved(ctx, plan, cycleID)
		return result
	}

	suppression := make([]string, 0, len(entries)*2)
	for _, entry := range entries {
		suppression = append(suppression, entry.NewEntityID, entry.UniqueID)
	}
	e.filter.BeginWindow(suppression)

	touched := make([]string, 0, len(entries))
	for _, entry := range entries {
		result.Attempted++
		touched = append(touched, entry.UniqueID)

		err := e.dir.Rename(ctx, entry.UniqueID, entry.OldEntityID, entry.NewEntityID)
		switch {
		case err == nil:
			result.Renamed++
			metrics.RenameResult("ok")
			e.record(ctx, cycleID, entry, audit.OutcomeRenamed, "")
		case errors.Is(err, identity.ErrConflict), errors.Is(err, identity.ErrStaleRename):
			result.Conflicts++
			metrics.RenameResult("conflict")
			e.log.Warn("rename conflict",
				zap.String("unique_id", entry.UniqueID),
				zap.String("old", entry.OldEntityID),
				zap.String("new", entry.NewEntityID),
				zap.Error(err))
			e.record(ctx, cycleID, entry, audit.OutcomeConflict, err.Error())
		default:
			result.IOErrors++
			metrics.RenameResult("io_error")
			e.log.Warn("rename failed",
				zap.String("unique_id", entry.UniqueID),
				zap.String("old", entry.OldEntityID),
				zap.String("new", entry.NewEntityID),
				zap.Error(err))
			e.record(ctx, cycleID, entry, audit.OutcomeIOError, err.Error())
		}
	}

	// Reconcile suppression from what the registry actually holds now, not
	// from what the plan intended.
	expected := make(map[string]string, len(touched))
	for _, uniqueID := range touched {
		record, err := e.dir.Lookup(ctx, uniqueID)
		if err != nil {
			continue
		}
		expected[uniqueID] = record.EntityID
	}
	e.filter.EndWindow(expected)

	e.recordUnresolved(ctx, plan, cycleID)
	return result
}

func (e *Executor) record(ctx context.Context, cycleID string, entry identity.PlanEntry, outcome audit.Outcome, detail string) {
	if e.recorder == nil {
		return
	}
	err := e.recorder.Record(ctx, audit.Entry{
		ID:          audit.NewID(),
		CycleID:     cycleID,
		UniqueID:    entry.UniqueID,
		OldEntityID: entry.OldEntityID,
		NewEntityID: entry.NewEntityID,
		Outcome:     outcome,
		Detail:      detail,
	})
	if err != nil {
		e.log.Warn("audit record failed", zap.Error(err))
	}
}

func (e *Executor) recordUnresolved(ctx context.Context, plan *identity.Plan, cycleID string) {
	if e.recorder == nil {
		return
	}
	for _, u := range plan.Unresolved() {
		err := e.recorder.Record(ctx, audit.Entry{
			ID:          audit.NewID(),
			CycleID:     cycleID,
			UniqueID:    u.UniqueID,
			OldEntityID: u.OldEntityID,
			NewEntityID: u.WantedEntityID,
			Outcome:     audit.OutcomeSkipped,
			Detail:      u.Reason,
		})
		if err != nil {
			e.log.Warn("audit record failed", zap.Error(err))
		}
	}
}
