package notify

import (
	"context"
	"testing"
)

func TestFilter_WindowSuppressesTouchedKeys(t *testing.T) {
	f := NewFilter()
	f.BeginWindow([]string{"sensor.circuit_4_power", "span_p1_c1_power"})

	if !f.Suppress(Event{UniqueID: "span_p1_c1_power", EntityID: "sensor.other"}) {
		t.Fatal("touched unique id must be suppressed in window")
	}
	if !f.Suppress(Event{UniqueID: "span_p1_c9_power", EntityID: "sensor.circuit_4_power"}) {
		t.Fatal("target entity id must be suppressed in window")
	}
	if !f.Suppress(Event{UniqueID: "span_p1_c9_power", OldEntityID: "sensor.circuit_4_power", EntityID: "sensor.x"}) {
		t.Fatal("vacated entity id must be suppressed in window")
	}
	if f.Suppress(Event{UniqueID: "span_p1_c7_power", EntityID: "sensor.unrelated"}) {
		t.Fatal("unrelated event must pass")
	}
}

func TestFilter_ExpectedStateDropsSelfEcho(t *testing.T) {
	f := NewFilter()
	f.BeginWindow([]string{"span_p1_c1_power"})
	f.EndWindow(map[string]string{"span_p1_c1_power": "sensor.circuit_4_power"})

	// The window is gone.
	if f.Suppress(Event{UniqueID: "span_p1_c9_power", EntityID: "sensor.anything"}) {
		t.Fatal("window must be closed after EndWindow")
	}

	echo := Event{UniqueID: "span_p1_c1_power", EntityID: "sensor.circuit_4_power"}
	if !f.Suppress(echo) {
		t.Fatal("self-echo of the executed rename must be dropped")
	}
	// The expectation is durable until contradicted.
	if !f.Suppress(echo) {
		t.Fatal("repeated self-echo must still be dropped")
	}
}

func TestFilter_ExternalMoveClearsExpectation(t *testing.T) {
	f := NewFilter()
	f.EndWindow(map[string]string{"span_p1_c1_power": "sensor.circuit_4_power"})

	external := Event{UniqueID: "span_p1_c1_power", EntityID: "sensor.renamed_by_user"}
	if f.Suppress(external) {
		t.Fatal("an external move must pass through")
	}
	if _, ok := f.Expected("span_p1_c1_power"); ok {
		t.Fatal("contradicted expectation must be cleared")
	}
	// Even a later event matching the old expectation now passes.
	if f.Suppress(Event{UniqueID: "span_p1_c1_power", EntityID: "sensor.circuit_4_power"}) {
		t.Fatal("cleared expectation must not mask further events")
	}
}

func TestBus_PublishConsultsFilter(t *testing.T) {
	f := NewFilter()
	f.BeginWindow([]string{"span_p1_c1_power"})

	bus := NewBus(f)
	var seen []Event
	bus.Subscribe(func(_ context.Context, event Event) {
		seen = append(seen, event)
	})

	bus.Publish(context.Background(), Event{UniqueID: "span_p1_c1_power", EntityID: "sensor.a", Source: SourceEngine})
	bus.Publish(context.Background(), Event{UniqueID: "span_p1_c2_power", EntityID: "sensor.b", Source: SourceExternal})

	if len(seen) != 1 {
		t.Fatalf("expected 1 delivered event, got %d", len(seen))
	}
	if seen[0].UniqueID != "span_p1_c2_power" {
		t.Fatalf("wrong event delivered: %+v", seen[0])
	}
}
