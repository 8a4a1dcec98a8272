// Package memory holds an in-process identity directory used by tests and
// single-binary demo runs. It mirrors the host directory's contract exactly:
// atomic rename with statistics move, conflict detection, change
// notifications for every mutation including the engine's own.
package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	identity "panelbridge/internal/identity/domain"
	"panelbridge/internal/notify"
	"panelbridge/internal/statistics"
)

// Directory is an in-memory identity directory.
type Directory struct {
	mu       sync.Mutex
	records  map[string]identity.Record
	byEntity map[string]string
	stats    statistics.Store
	bus      *notify.Bus
}

// NewDirectory constructs an empty directory. stats and bus may be nil.
func NewDirectory(stats statistics.Store, bus *notify.Bus) *Directory {
	return &Directory{
		records:  make(map[string]identity.Record),
		byEntity: make(map[string]string),
		stats:    stats,
		bus:      bus,
	}
}

// Lookup returns the record for a unique id.
func (d *Directory) Lookup(ctx context.Context, uniqueID string) (identity.Record, error) {
	_ = ctx
	if uniqueID == "" {
		return identity.Record{}, errors.New("memory directory: empty unique id")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	record, ok := d.records[uniqueID]
	if !ok {
		return identity.Record{}, identity.ErrNotFound
	}
	return record, nil
}

// List returns records in the namespace, sorted by unique id.
func (d *Directory) List(ctx context.Context, prefix string) ([]identity.Record, error) {
	_ = ctx
	d.mu.Lock()
	defer d.mu.Unlock()
	result := make([]identity.Record, 0, len(d.records))
	for uniqueID, record := range d.records {
		if prefix != "" && !strings.HasPrefix(uniqueID, prefix) {
			continue
		}
		result = append(result, record)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UniqueID < result[j].UniqueID })
	return result, nil
}

// Register creates a record at first discovery.
func (d *Directory) Register(ctx context.Context, record identity.Record) error {
	if record.UniqueID == "" || record.EntityID == "" {
		return errors.New("memory directory: empty record keys")
	}
	d.mu.Lock()
	if _, exists := d.records[record.UniqueID]; exists {
		d.mu.Unlock()
		return identity.ErrAlreadyRegistered
	}
	if owner, claimed := d.byEntity[record.EntityID]; claimed && owner != record.UniqueID {
		d.mu.Unlock()
		return identity.ErrConflict
	}
	record.UpdatedAt = time.Now().UTC()
	d.records[record.UniqueID] = record
	d.byEntity[record.EntityID] = record.UniqueID
	d.mu.Unlock()

	d.publish(ctx, notify.Event{
		UniqueID: record.UniqueID,
		EntityID: record.EntityID,
		Source:   notify.SourceEngine,
	})
	return nil
}

// Rename atomically moves a unique id to a new entity id and re-keys its
// statistics series.
func (d *Directory) Rename(ctx context.Context, uniqueID, oldEntityID, newEntityID string) error {
	if uniqueID == "" || newEntityID == "" {
		return errors.New("memory directory: empty rename keys")
	}
	d.mu.Lock()
	record, ok := d.records[uniqueID]
	if !ok {
		d.mu.Unlock()
		return identity.ErrNotFound
	}
	if record.EntityID != oldEntityID {
		d.mu.Unlock()
		return identity.ErrStaleRename
	}
	if owner, claimed := d.byEntity[newEntityID]; claimed && owner != uniqueID {
		d.mu.Unlock()
		return identity.ErrConflict
	}

	if d.stats != nil {
		if err := d.stats.MoveSeries(ctx, oldEntityID, newEntityID); err != nil {
			d.mu.Unlock()
			return err
		}
	}
	delete(d.byEntity, record.EntityID)
	record.EntityID = newEntityID
	record.UpdatedAt = time.Now().UTC()
	d.records[uniqueID] = record
	d.byEntity[newEntityID] = uniqueID
	d.mu.Unlock()

	d.publish(ctx, notify.Event{
		UniqueID:    uniqueID,
		OldEntityID: oldEntityID,
		EntityID:    newEntityID,
		Source:      notify.SourceEngine,
	})
	return nil
}

// IsUserOverridden reports the override latch.
func (d *Directory) IsUserOverridden(ctx context.Context, uniqueID string) (bool, error) {
	record, err := d.Lookup(ctx, uniqueID)
	if err != nil {
		return false, err
	}
	return record.UserOverride, nil
}

// SetUserOverride sets or clears the override latch out-of-band.
func (d *Directory) SetUserOverride(ctx context.Context, uniqueID string, overridden bool) error {
	_ = ctx
	d.mu.Lock()
	defer d.mu.Unlock()
	record, ok := d.records[uniqueID]
	if !ok {
		return identity.ErrNotFound
	}
	record.UserOverride = overridden
	record.UpdatedAt = time.Now().UTC()
	d.records[uniqueID] = record
	return nil
}

// ApplyExternalRename simulates a human rename through the host UI: the
// entity id moves, the override latch sets, and an external-source event is
// broadcast.
func (d *Directory) ApplyExternalRename(ctx context.Context, uniqueID, newEntityID string) error {
	d.mu.Lock()
	record, ok := d.records[uniqueID]
	if !ok {
		d.mu.Unlock()
		return identity.ErrNotFound
	}
	if owner, claimed := d.byEntity[newEntityID]; claimed && owner != uniqueID {
		d.mu.Unlock()
		return identity.ErrConflict
	}
	oldEntityID := record.EntityID
	if d.stats != nil {
		if err := d.stats.MoveSeries(ctx, oldEntityID, newEntityID); err != nil {
			d.mu.Unlock()
			return err
		}
	}
	delete(d.byEntity, oldEntityID)
	record.EntityID = newEntityID
	record.UserOverride = true
	record.UpdatedAt = time.Now().UTC()
	d.records[uniqueID] = record
	d.byEntity[newEntityID] = uniqueID
	d.mu.Unlock()

	d.publish(ctx, notify.Event{
		UniqueID:    uniqueID,
		OldEntityID: oldEntityID,
		EntityID:    newEntityID,
		Source:      notify.SourceExternal,
	})
	return nil
}

func (d *Directory) publish(ctx context.Context, event notify.Event) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(ctx, event)
}
