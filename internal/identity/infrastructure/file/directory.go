// Package file persists the identity directory as a single JSON document,
// the way the host platform keeps its entity registry on disk. The document
// is watched with fsnotify: edits arriving from outside the process are
// reloaded, diffed, latched as user overrides, and broadcast on the change
// bus. Those broadcasts are the notification storm the executor's suppression
// filter exists for.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	identity "panelbridge/internal/identity/domain"
	"panelbridge/internal/notify"
	"panelbridge/internal/statistics"
)

const documentVersion = 1

type document struct {
	Version  int        `json:"version"`
	Entities []docEntry `json:"entities"`
}

type docEntry struct {
	UniqueID     string    `json:"unique_id"`
	EntityID     string    `json:"entity_id"`
	UserOverride bool      `json:"user_override"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Directory is a JSON-file identity directory.
type Directory struct {
	path  string
	stats statistics.Store
	bus   *notify.Bus
	log   *zap.Logger

	mu         sync.Mutex
	records    map[string]identity.Record
	byEntity   map[string]string
	selfWrites int

	watcher *fsnotify.Watcher
}

// Open loads (or creates) the directory document at path. stats and bus may
// be nil.
func Open(path string, stats statistics.Store, bus *notify.Bus, log *zap.Logger) (*Directory, error) {
	if path == "" {
		return nil, errors.New("file directory: empty path")
	}
	if log == nil {
		log = zap.NewNop()
	}
	d := &Directory{
		path:     path,
		stats:    stats,
		bus:      bus,
		log:      log,
		records:  make(map[string]identity.Record),
		byEntity: make(map[string]string),
	}
	if err := d.load(); err != nil {
		return nil, err
	}
	return d, nil
}

// Watch begins reacting to external edits of the document until ctx ends.
func (d *Directory) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("file directory: watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(d.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("file directory: watch %s: %w", d.path, err)
	}
	d.watcher = watcher

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != d.path {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if d.consumeSelfWrite() {
					continue
				}
				if err := d.ReloadExternal(ctx); err != nil {
					d.log.Warn("registry file reload failed", zap.Error(err))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				d.log.Warn("registry file watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

// Lookup returns the record for a unique id.
func (d *Directory) Lookup(ctx context.Context, uniqueID string) (identity.Record, error) {
	_ = ctx
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

// Register creates a record at first discovery and persists the document.
func (d *Directory) Register(ctx context.Context, record identity.Record) error {
	if record.UniqueID == "" || record.EntityID == "" {
		return errors.New("file directory: empty record keys")
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
	err := d.saveLocked()
	if err != nil {
		delete(d.records, record.UniqueID)
		delete(d.byEntity, record.EntityID)
		d.mu.Unlock()
		return err
	}
	d.mu.Unlock()

	d.publish(ctx, notify.Event{
		UniqueID: record.UniqueID,
		EntityID: record.EntityID,
		Source:   notify.SourceEngine,
	})
	return nil
}

// Rename atomically moves a unique id to a new entity id, re-keys its
// statistics series, and persists the document.
func (d *Directory) Rename(ctx context.Context, uniqueID, oldEntityID, newEntityID string) error {
	if uniqueID == "" || newEntityID == "" {
		return errors.New("file directory: empty rename keys")
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
	delete(d.byEntity, oldEntityID)
	record.EntityID = newEntityID
	record.UpdatedAt = time.Now().UTC()
	d.records[uniqueID] = record
	d.byEntity[newEntityID] = uniqueID
	if err := d.saveLocked(); err != nil {
		// Roll the pair back so registration and statistics stay linked.
		delete(d.byEntity, newEntityID)
		record.EntityID = oldEntityID
		d.records[uniqueID] = record
		d.byEntity[oldEntityID] = uniqueID
		if d.stats != nil {
			_ = d.stats.MoveSeries(ctx, newEntityID, oldEntityID)
		}
		d.mu.Unlock()
		return err
	}
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

// SetUserOverride sets or clears the override latch and persists.
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
	return d.saveLocked()
}

// ReloadExternal re-reads the document and reconciles it against memory.
// Entries whose entity id changed on disk were renamed by something other
// than this process: the override latch is set, the statistics series moves,
// and an external-source event is broadcast per changed entry.
func (d *Directory) ReloadExternal(ctx context.Context) error {
	doc, err := readDocument(d.path)
	if err != nil {
		return err
	}

	var changed []notify.Event
	d.mu.Lock()
	incoming := make(map[string]identity.Record, len(doc.Entities))
	for _, entry := range doc.Entities {
		incoming[entry.UniqueID] = identity.Record{
			UniqueID:     entry.UniqueID,
			EntityID:     entry.EntityID,
			UserOverride: entry.UserOverride,
			UpdatedAt:    entry.UpdatedAt,
		}
	}
	for uniqueID, current := range d.records {
		next, ok := incoming[uniqueID]
		if !ok || next.EntityID == current.EntityID {
			continue
		}
		if d.stats != nil {
			if err := d.stats.MoveSeries(ctx, current.EntityID, next.EntityID); err != nil {
				d.log.Warn("statistics move on external rename failed",
					zap.String("unique_id", uniqueID), zap.Error(err))
			}
		}
		next.UserOverride = true
		incoming[uniqueID] = next
		changed = append(changed, notify.Event{
			UniqueID:    uniqueID,
			OldEntityID: current.EntityID,
			EntityID:    next.EntityID,
			Source:      notify.SourceExternal,
		})
	}
	d.records = incoming
	d.byEntity = make(map[string]string, len(incoming))
	for uniqueID, record := range incoming {
		d.byEntity[record.EntityID] = uniqueID
	}
	var saveErr error
	if len(changed) > 0 {
		saveErr = d.saveLocked()
	}
	d.mu.Unlock()

	sort.Slice(changed, func(i, j int) bool { return changed[i].UniqueID < changed[j].UniqueID })
	for _, event := range changed {
		d.publish(ctx, event)
	}
	return saveErr
}

func (d *Directory) load() error {
	doc, err := readDocument(d.path)
	if errors.Is(err, os.ErrNotExist) {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.saveLocked()
	}
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records = make(map[string]identity.Record, len(doc.Entities))
	d.byEntity = make(map[string]string, len(doc.Entities))
	for _, entry := range doc.Entities {
		record := identity.Record{
			UniqueID:     entry.UniqueID,
			EntityID:     entry.EntityID,
			UserOverride: entry.UserOverride,
			UpdatedAt:    entry.UpdatedAt,
		}
		d.records[record.UniqueID] = record
		d.byEntity[record.EntityID] = record.UniqueID
	}
	return nil
}

// saveLocked writes the document atomically: temp file in the same
// directory, then rename over the target. Callers hold d.mu.
func (d *Directory) saveLocked() error {
	doc := document{Version: documentVersion}
	for _, uniqueID := range sortedKeys(d.records) {
		record := d.records[uniqueID]
		doc.Entities = append(doc.Entities, docEntry{
			UniqueID:     record.UniqueID,
			EntityID:     record.EntityID,
			UserOverride: record.UserOverride,
			UpdatedAt:    record.UpdatedAt,
		})
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp := d.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("file directory: write %s: %w", tmp, err)
	}
	// Only the rename lands an event on d.path; the temp-file events are
	// filtered by name in the watch loop and must not be credited here.
	d.selfWrites++
	if err := os.Rename(tmp, d.path); err != nil {
		d.selfWrites = 0
		return fmt.Errorf("file directory: rename %s: %w", tmp, err)
	}
	return nil
}

func (d *Directory) consumeSelfWrite() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.selfWrites > 0 {
		d.selfWrites--
		return true
	}
	return false
}

func (d *Directory) publish(ctx context.Context, event notify.Event) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(ctx, event)
}

func readDocument(path string) (document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return document{}, err
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return document{}, fmt.Errorf("file directory: parse %s: %w", path, err)
	}
	return doc, nil
}

func sortedKeys(records map[string]identity.Record) []string {
	keys := make([]string, 0, len(records))
	for key := range records {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
