package file

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	identity "panelbridge/internal/identity/domain"
	"panelbridge/internal/notify"
	"panelbridge/internal/statistics"
	memstats "panelbridge/internal/statistics/memory"
)

func openTestDirectory(t *testing.T, bus *notify.Bus, stats statistics.Store) (*Directory, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "entity_registry.json")
	dir, err := Open(path, stats, bus, nil)
	require.NoError(t, err)
	return dir, path
}

func TestOpen_CreatesEmptyDocument(t *testing.T) {
	_, path := openTestDirectory(t, nil, nil)
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc document
	require.NoError(t, json.Unmarshal(data, &doc))
	require.Equal(t, documentVersion, doc.Version)
	require.Empty(t, doc.Entities)
}

func TestRegisterAndRename_PersistAcrossReopen(t *testing.T) {
	dir, path := openTestDirectory(t, nil, nil)
	ctx := context.Background()

	require.NoError(t, dir.Register(ctx, identity.Record{UniqueID: "span_p1_c1_power", EntityID: "sensor.kitchen_power"}))
	require.ErrorIs(t, dir.Register(ctx, identity.Record{UniqueID: "span_p1_c1_power", EntityID: "sensor.other"}), identity.ErrAlreadyRegistered)
	require.ErrorIs(t, dir.Register(ctx, identity.Record{UniqueID: "span_p1_c2_power", EntityID: "sensor.kitchen_power"}), identity.ErrConflict)

	require.NoError(t, dir.Rename(ctx, "span_p1_c1_power", "sensor.kitchen_power", "sensor.circuit_4_power"))
	require.ErrorIs(t, dir.Rename(ctx, "span_p1_c1_power", "sensor.kitchen_power", "sensor.x"), identity.ErrStaleRename)
	require.ErrorIs(t, dir.Rename(ctx, "span_p1_missing", "sensor.a", "sensor.b"), identity.ErrNotFound)

	reopened, err := Open(path, nil, nil, nil)
	require.NoError(t, err)
	record, err := reopened.Lookup(ctx, "span_p1_c1_power")
	require.NoError(t, err)
	require.Equal(t, "sensor.circuit_4_power", record.EntityID)
	require.False(t, record.UserOverride)
}

func TestRename_MovesStatistics(t *testing.T) {
	stats := memstats.NewStore()
	dir, _ := openTestDirectory(t, nil, stats)
	ctx := context.Background()

	require.NoError(t, dir.Register(ctx, identity.Record{UniqueID: "span_p1_c1_power", EntityID: "sensor.kitchen_power"}))
	require.NoError(t, stats.Record(ctx, statistics.Sample{StatisticID: "sensor.kitchen_power", Start: time.Now(), Value: 42}))

	require.NoError(t, dir.Rename(ctx, "span_p1_c1_power", "sensor.kitchen_power", "sensor.circuit_4_power"))

	moved, err := stats.SumSeries(ctx, "sensor.circuit_4_power")
	require.NoError(t, err)
	require.Equal(t, 42.0, moved)
}

func TestReloadExternal_LatchesOverrideAndBroadcasts(t *testing.T) {
	bus := notify.NewBus(nil)
	var events []notify.Event
	bus.Subscribe(func(_ context.Context, event notify.Event) {
		events = append(events, event)
	})

	stats := memstats.NewStore()
	dir, path := openTestDirectory(t, bus, stats)
	ctx := context.Background()

	require.NoError(t, dir.Register(ctx, identity.Record{UniqueID: "span_p1_c1_power", EntityID: "sensor.kitchen_power"}))
	require.NoError(t, stats.Record(ctx, statistics.Sample{StatisticID: "sensor.kitchen_power", Start: time.Now(), Value: 7}))
	events = nil

	// Another process edits the document directly.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc document
	require.NoError(t, json.Unmarshal(data, &doc))
	doc.Entities[0].EntityID = "sensor.my_kitchen"
	edited, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, edited, 0o644))

	require.NoError(t, dir.ReloadExternal(ctx))

	record, err := dir.Lookup(ctx, "span_p1_c1_power")
	require.NoError(t, err)
	require.Equal(t, "sensor.my_kitchen", record.EntityID)
	require.True(t, record.UserOverride, "an external rename latches the override")

	moved, err := stats.SumSeries(ctx, "sensor.my_kitchen")
	require.NoError(t, err)
	require.Equal(t, 7.0, moved)

	require.Len(t, events, 1)
	require.Equal(t, notify.SourceExternal, events[0].Source)
	require.Equal(t, "sensor.kitchen_power", events[0].OldEntityID)
	require.Equal(t, "sensor.my_kitchen", events[0].EntityID)
}

func TestWatch_ExternalEditDetectedAfterEngineWrites(t *testing.T) {
	bus := notify.NewBus(nil)
	external := make(chan notify.Event, 4)
	bus.Subscribe(func(_ context.Context, event notify.Event) {
		if event.Source == notify.SourceExternal {
			external <- event
		}
	})

	dir, path := openTestDirectory(t, bus, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, dir.Watch(ctx))

	// Engine writes land filesystem events of their own; each save must
	// consume exactly its own event, or a leaked credit swallows the next
	// genuine external edit.
	require.NoError(t, dir.Register(ctx, identity.Record{UniqueID: "span_p1_c1_power", EntityID: "sensor.kitchen_power"}))
	require.NoError(t, dir.Rename(ctx, "span_p1_c1_power", "sensor.kitchen_power", "sensor.circuit_4_power"))
	time.Sleep(100 * time.Millisecond)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc document
	require.NoError(t, json.Unmarshal(data, &doc))
	doc.Entities[0].EntityID = "sensor.my_kitchen"
	edited, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, edited, 0o644))

	select {
	case event := <-external:
		require.Equal(t, "span_p1_c1_power", event.UniqueID)
		require.Equal(t, "sensor.circuit_4_power", event.OldEntityID)
		require.Equal(t, "sensor.my_kitchen", event.EntityID)
	case <-time.After(2 * time.Second):
		t.Fatal("external rename was not detected by the watcher")
	}

	require.Eventually(t, func() bool {
		record, err := dir.Lookup(ctx, "span_p1_c1_power")
		return err == nil && record.EntityID == "sensor.my_kitchen" && record.UserOverride
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReloadExternal_UnchangedDocumentIsQuiet(t *testing.T) {
	bus := notify.NewBus(nil)
	var events []notify.Event
	bus.Subscribe(func(_ context.Context, event notify.Event) {
		events = append(events, event)
	})

	dir, _ := openTestDirectory(t, bus, nil)
	ctx := context.Background()
	require.NoError(t, dir.Register(ctx, identity.Record{UniqueID: "span_p1_c1_power", EntityID: "sensor.kitchen_power"}))
	events = nil

	require.NoError(t, dir.ReloadExternal(ctx))
	require.Empty(t, events)
}

func TestSetUserOverride_Persists(t *testing.T) {
	dir, path := openTestDirectory(t, nil, nil)
	ctx := context.Background()
	require.NoError(t, dir.Register(ctx, identity.Record{UniqueID: "span_p1_c1_power", EntityID: "sensor.kitchen_power"}))
	require.NoError(t, dir.SetUserOverride(ctx, "span_p1_c1_power", true))

	reopened, err := Open(path, nil, nil, nil)
	require.NoError(t, err)
	overridden, err := reopened.IsUserOverridden(ctx, "span_p1_c1_power")
	require.NoError(t, err)
	require.True(t, overridden)
}
