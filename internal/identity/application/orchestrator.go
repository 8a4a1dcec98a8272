package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"panelbridge/internal/config"
	identity "panelbridge/internal/identity/domain"
	"panelbridge/internal/notify"
	"panelbridge/internal/observability/metrics"
	panel "panelbridge/internal/panel/domain"
)

// SnapshotSource produces circuit snapshots; it is the transport
// collaborator's narrow interface.
type SnapshotSource interface {
	Fetch(ctx context.Context) (*panel.Snapshot, error)
}

// ReloadFunc asks the host platform for one full reconfiguration. The
// orchestrator invokes it at most once per cycle.
type ReloadFunc func(ctx context.Context) error

// Orchestrator drives the update state machine:
//
//	Idle -> Fetching -> Applying -> PostUpdateTasks -> Idle
//
// Push notifications and the poll timer funnel into the same serialized
// applying step; a trigger arriving while a cycle is in flight is coalesced
// rather than queued.
type Orchestrator struct {
	source     SnapshotSource
	dir        identity.Directory
	planner    *Planner
	executor   *Executor
	cfg        *config.Store
	reload     ReloadFunc
	log        *zap.Logger
	deviceSlug string

	interval time.Duration
	trigger  chan struct{}
	inFlight atomic.Bool

	mu        sync.Mutex
	lastGood  *panel.Snapshot
	lastFresh bool
}

// NewOrchestrator constructs an orchestrator.
func NewOrchestrator(
	source SnapshotSource,
	dir identity.Directory,
	planner *Planner,
	executor *Executor,
	cfg *config.Store,
	reload ReloadFunc,
	deviceSlug string,
	interval time.Duration,
	log *zap.Logger,
) (*Orchestrator, error) {
	if source == nil {
		return nil, errors.New("orchestrator: nil snapshot source")
	}
	if dir == nil {
		return nil, errors.New("orchestrator: nil directory")
	}
	if planner == nil || executor == nil {
		return nil, errors.New("orchestrator: nil planner or executor")
	}
	if cfg == nil {
		return nil, errors.New("orchestrator: nil config store")
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		source:     source,
		dir:        dir,
		planner:    planner,
		executor:   executor,
		cfg:        cfg,
		reload:     reload,
		log:        log,
		deviceSlug: deviceSlug,
		interval:   interval,
		trigger:    make(chan struct{}, 1),
	}, nil
}

// Run executes update cycles until ctx ends, on the poll timer and on push
// triggers.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.RunCycle(ctx)
		case <-o.trigger:
			o.RunCycle(ctx)
		}
	}
}

// Trigger requests an update cycle. Non-blocking: while a cycle is pending
// or applying, additional triggers coalesce.
func (o *Orchestrator) Trigger() {
	select {
	case o.trigger <- struct{}{}:
	default:
	}
}

// HandleRegistryChange reacts to a non-suppressed identity change from the
// shared directory by scheduling a cycle. The suppression filter guarantees
// this never fires for the engine's own writes.
func (o *Orchestrator) HandleRegistryChange(ctx context.Context, event notify.Event) {
	_ = ctx
	o.log.Info("registry changed externally",
		zap.String("unique_id", event.UniqueID),
		zap.String("entity_id", event.EntityID),
		zap.String("source", string(event.Source)))
	o.Trigger()
}

// RunCycle performs one full update cycle. A second caller while one cycle
// is applying is coalesced and returns immediately.
func (o *Orchestrator) RunCycle(ctx context.Context) {
	if !o.inFlight.CompareAndSwap(false, true) {
		metrics.ObserveCycle("coalesced", 0)
		return
	}
	defer func() {
		// A trigger that arrived while this cycle was applying is dropped;
		// the next natural trigger covers it.
		select {
		case <-o.trigger:
		default:
		}
		o.inFlight.Store(false)
	}()

	started := time.Now()
	cycleID := uuid.NewString()
	log := o.log.With(zap.String("cycle_id", cycleID))

	// Fetching.
	snap, fresh := o.fetch(ctx, log)
	if snap == nil {
		// Nothing known yet; every post-update task needs at least a stale
		// snapshot, so the whole cycle defers.
		metrics.ObserveCycle("no_snapshot", time.Since(started))
		return
	}

	// Applying.
	if fresh {
		if err := o.admit(ctx, snap); err != nil {
			log.Warn("entity admission incomplete", zap.Error(err))
		}
	}

	// PostUpdateTasks.
	o.postUpdateTasks(ctx, log, snap, fresh, cycleID)
	metrics.ObserveCycle("ok", time.Since(started))
}

// fetch pulls a snapshot, falling back to the last known-good one so pending
// migrations that do not need fresh discovery are not starved while the
// panel is offline.
func (o *Orchestrator) fetch(ctx context.Context, log *zap.Logger) (*panel.Snapshot, bool) {
	snap, err := o.source.Fetch(ctx)
	if err != nil || snap == nil {
		metrics.SnapshotFetch("error")
		log.Warn("snapshot fetch failed, using last known-good", zap.Error(err))
		o.mu.Lock()
		defer o.mu.Unlock()
		o.lastFresh = false
		return o.lastGood, false
	}
	metrics.SnapshotFetch("ok")
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lastGood = snap
	o.lastFresh = true
	return snap, true
}

// SeedSnapshot installs a last known-good snapshot (from a cache) without
// marking it fresh.
func (o *Orchestrator) SeedSnapshot(snap *panel.Snapshot) {
	if snap == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lastGood == nil {
		o.lastGood = snap
		o.lastFresh = false
	}
}

// LastSnapshot returns the retained snapshot and whether it is fresh.
func (o *Orchestrator) LastSnapshot() (*panel.Snapshot, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastGood, o.lastFresh
}

// admit registers an EntityIdentity for every newly observed
// (circuit, measurement) pair. The unique id is computed here, exactly once;
// it is never recomputed for a known record.
func (o *Orchestrator) admit(ctx context.Context, snap *panel.Snapshot) error {
	opts := o.cfg.Options()
	policy, err := identity.ParseNamingPolicy(opts.Naming.Policy)
	if err != nil {
		return err
	}
	suffixes := identity.SuffixSet(snap, policy)

	records, err := o.dir.List(ctx, identity.UniqueIDPrefix(snap.Serial))
	if err != nil {
		return fmt.Errorf("orchestrator: list directory: %w", err)
	}
	known := make(map[string]struct{}, len(records))
	claims := make(map[string]struct{}, len(records))
	for _, record := range records {
		known[record.UniqueID] = struct{}{}
		claims[record.EntityID] = struct{}{}
	}
	legacySolar := o.legacySolarMeasurements(records, snap.Serial)

	var firstErr error
	for _, circuit := range snap.Siblings() {
		for _, measurement := range identity.Measurements() {
			uniqueID := identity.BuildUniqueID(snap.Serial, circuit.ID, measurement)
			if _, exists := known[uniqueID]; exists {
				continue
			}
			if circuit.DeviceType == panel.DeviceTypePV {
				if _, covered := legacySolar[measurement]; covered {
					// The legacy virtual solar record is the identity for this
					// measurement, before and after the solar migration moves
					// its entity id; admitting the circuit would fork the
					// series history.
					continue
				}
			}
			desired := identity.BuildEntityID(o.deviceSlug, opts.Naming.DevicePrefix, suffixes[circuit.ID], string(measurement))
			entityID, ok := identity.Disambiguate(desired, func(candidate string) bool {
				_, taken := claims[candidate]
				return taken
			})
			if !ok {
				o.log.Warn("admission skipped, no free identifier",
					zap.String("unique_id", uniqueID),
					zap.String("wanted", desired))
				continue
			}
			err := o.dir.Register(ctx, identity.Record{UniqueID: uniqueID, EntityID: entityID})
			if err != nil && !errors.Is(err, identity.ErrAlreadyRegistered) {
				if firstErr == nil {
					firstErr = err
				}
				o.log.Warn("admission failed",
					zap.String("unique_id", uniqueID),
					zap.String("entity_id", entityID),
					zap.Error(err))
				continue
			}
			known[uniqueID] = struct{}{}
			claims[entityID] = struct{}{}
		}
	}
	return firstErr
}

func (o *Orchestrator) legacySolarMeasurements(records []identity.Record, serial string) map[identity.Measurement]identity.Record {
	result := make(map[identity.Measurement]identity.Record)
	for _, record := range records {
		for _, measurement := range identity.Measurements() {
			if record.UniqueID == identity.LegacySolarUniqueID(serial, measurement) {
				result[measurement] = record
			}
		}
	}
	return result
}

// postUpdateTasks runs the fixed task order: reload coalescing, legacy
// prefix migration, naming migration, solar migration. A task failure keeps
// its flag set for retry next cycle; every task is idempotent.
func (o *Orchestrator) postUpdateTasks(ctx context.Context, log *zap.Logger, snap *panel.Snapshot, fresh bool, cycleID string) {
	reloadRequested := false

	// LegacyMigrationCheck: one-time upgrade adding the device prefix.
	if o.cfg.Flag(config.FlagLegacyMigration) {
		opts := o.cfg.Options()
		policy, err := identity.ParseNamingPolicy(opts.Naming.Policy)
		if err != nil {
			log.Error("legacy migration misconfigured", zap.Error(err))
		} else {
			target := identity.PolicyConfig{Policy: policy}.WithPrefix()
			result, err := o.runMigration(ctx, log, snap, target, cycleID)
			if err != nil {
				log.Warn("legacy migration pass failed", zap.Error(err))
			} else {
				reloadRequested = reloadRequested || result.Changed()
				if result.Clean() {
					if err := o.cfg.SetDevicePrefix(true); err != nil {
						log.Warn("persisting device prefix failed", zap.Error(err))
					} else if err := o.cfg.ClearFlag(config.FlagLegacyMigration); err != nil {
						log.Warn("clearing legacy flag failed", zap.Error(err))
					} else {
						log.Info("legacy migration complete",
							zap.Int("renamed", result.Renamed))
					}
				} else {
					log.Info("legacy migration incomplete, will retry",
						zap.Int("renamed", result.Renamed),
						zap.Int("conflicts", result.Conflicts),
						zap.Int("io_errors", result.IOErrors),
						zap.Int("unresolved", result.Unresolved))
				}
			}
		}
	}

	// NamingMigrationCheck: runs after the legacy step because the selected
	// policy assumes a prefixed baseline.
	if o.cfg.Flag(config.FlagNamingMigration) {
		opts := o.cfg.Options()
		policy, err := identity.ParseNamingPolicy(opts.Naming.Policy)
		if err != nil {
			log.Error("naming migration misconfigured", zap.Error(err))
		} else {
			target := identity.PolicyConfig{Policy: policy, DevicePrefix: opts.Naming.DevicePrefix}
			result, err := o.runMigration(ctx, log, snap, target, cycleID)
			if err != nil {
				log.Warn("naming migration pass failed", zap.Error(err))
			} else {
				reloadRequested = reloadRequested || result.Changed()
				if result.Clean() {
					if err := o.cfg.ClearFlag(config.FlagNamingMigration); err != nil {
						log.Warn("clearing naming flag failed", zap.Error(err))
					} else {
						log.Info("naming migration complete",
							zap.Int("renamed", result.Renamed))
					}
				} else {
					log.Info("naming migration incomplete, will retry",
						zap.Int("renamed", result.Renamed),
						zap.Int("conflicts", result.Conflicts),
						zap.Int("io_errors", result.IOErrors),
						zap.Int("unresolved", result.Unresolved))
				}
			}
		}
	}

	// SolarMigrationCheck: needs fresh PV discovery; deferred on stale data.
	if o.cfg.Flag(config.FlagSolarMigration) {
		if !fresh {
			log.Info("solar migration deferred, snapshot stale")
		} else {
			result, err := o.runSolarMigration(ctx, log, snap, cycleID)
			if err != nil {
				log.Warn("solar migration pass failed", zap.Error(err))
			} else {
				reloadRequested = reloadRequested || result.Changed()
				if result.Clean() {
					if err := o.cfg.ClearFlag(config.FlagSolarMigration); err != nil {
						log.Warn("clearing solar flag failed", zap.Error(err))
					} else {
						log.Info("solar migration complete",
							zap.Int("renamed", result.Renamed))
					}
				} else {
					log.Info("solar migration incomplete, will retry")
				}
			}
		}
	}

	o.publishFlagGauges()

	// ReloadCheck: however many tasks asked, at most one reload per cycle.
	if reloadRequested && o.reload != nil {
		metrics.ReloadRequested()
		log.Info("requesting host reload")
		if err := o.reload(ctx); err != nil {
			log.Warn("host reload failed", zap.Error(err))
		}
	}
}

func (o *Orchestrator) runMigration(ctx context.Context, log *zap.Logger, snap *panel.Snapshot, target identity.PolicyConfig, cycleID string) (Result, error) {
	plan, err := o.planner.Plan(ctx, snap, target, o.deviceSlug)
	if err != nil {
		return Result{}, err
	}
	metrics.PlanObserved(plan.Len(), len(plan.Unresolved()))
	if plan.Empty() {
		return Result{}, nil
	}
	log.Info("executing migration plan",
		zap.String("policy", string(target.Policy)),
		zap.Bool("device_prefix", target.DevicePrefix),
		zap.Int("entries", plan.Len()),
		zap.Int("unresolved", len(plan.Unresolved())))
	return o.executor.Execute(ctx, plan, cycleID), nil
}

// runSolarMigration rewrites the legacy virtual solar identifiers to
// circuit-backed ones. The legacy unique ids survive (the unique id set is
// append-only); only their entity ids move to the names the first PV
// circuit derives under the current policy.
func (o *Orchestrator) runSolarMigration(ctx context.Context, log *zap.Logger, snap *panel.Snapshot, cycleID string) (Result, error) {
	pv := snap.PVCircuits()
	if len(pv) == 0 {
		// Fresh snapshot, no PV hardware: nothing to migrate.
		return Result{}, nil
	}
	opts := o.cfg.Options()
	policy, err := identity.ParseNamingPolicy(opts.Naming.Policy)
	if err != nil {
		return Result{}, err
	}
	suffixes := identity.SuffixSet(snap, policy)
	records, err := o.dir.List(ctx, identity.UniqueIDPrefix(snap.Serial))
	if err != nil {
		return Result{}, err
	}
	claims := make(map[string]string, len(records))
	byUnique := make(map[string]identity.Record, len(records))
	for _, record := range records {
		claims[record.EntityID] = record.UniqueID
		byUnique[record.UniqueID] = record
	}

	target := pv[0]
	var entries []identity.PlanEntry
	var unresolved []identity.UnresolvedEntry
	for _, measurement := range identity.Measurements() {
		legacyID := identity.LegacySolarUniqueID(snap.Serial, measurement)
		record, ok := byUnique[legacyID]
		if !ok {
			continue
		}
		if record.UserOverride {
			continue
		}
		desired := identity.BuildEntityID(o.deviceSlug, opts.Naming.DevicePrefix, suffixes[target.ID], string(measurement))
		if desired == record.EntityID {
			continue
		}
		candidate, ok := identity.Disambiguate(desired, func(c string) bool {
			owner, taken := claims[c]
			return taken && owner != legacyID
		})
		if !ok {
			unresolved = append(unresolved, identity.UnresolvedEntry{
				UniqueID:       legacyID,
				OldEntityID:    record.EntityID,
				WantedEntityID: desired,
				Reason:         "no free identifier within disambiguation budget",
			})
			continue
		}
		delete(claims, record.EntityID)
		claims[candidate] = legacyID
		entries = append(entries, identity.PlanEntry{
			UniqueID:    legacyID,
			OldEntityID: record.EntityID,
			NewEntityID: candidate,
		})
	}

	plan := identity.NewPlan(entries, unresolved)
	metrics.PlanObserved(plan.Len(), len(plan.Unresolved()))
	if plan.Empty() {
		return Result{}, nil
	}
	log.Info("executing solar migration plan",
		zap.String("pv_circuit", target.ID),
		zap.Int("entries", plan.Len()))
	return o.executor.Execute(ctx, plan, cycleID), nil
}

func (o *Orchestrator) publishFlagGauges() {
	metrics.FlagPending(string(config.FlagLegacyMigration), o.cfg.Flag(config.FlagLegacyMigration))
	metrics.FlagPending(string(config.FlagNamingMigration), o.cfg.Flag(config.FlagNamingMigration))
	metrics.FlagPending(string(config.FlagSolarMigration), o.cfg.Flag(config.FlagSolarMigration))
}
