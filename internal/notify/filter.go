package notify

import "sync"

// Filter implements storm suppression for the change bus.
//
// It has two regimes. While a migration plan executes, a raw suppression
// window is active: any event naming a touched unique id or a target entity
// id is dropped outright, because mid-plan registry state is transient. After
// execution the window is replaced with the reconciled expected state, built
// from what the registry actually holds rather than what the plan intended:
// an event that reports exactly the expected (unique id, entity id) pair is a
// self-echo and is dropped; anything else is a genuine external change, which
// passes and clears the expectation for that unique id.
type Filter struct {
	mu       sync.Mutex
	window   map[string]struct{}
	expected map[string]string
}

// NewFilter constructs an empty filter.
func NewFilter() *Filter {
	return &Filter{
		window:   make(map[string]struct{}),
		expected: make(map[string]string),
	}
}

// BeginWindow installs the execution-window suppression set. Keys are the
// plan's target entity ids plus every touched unique id. Must be called
// before the first rename of a pass.
func (f *Filter) BeginWindow(keys []string) {
	if f == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.window = make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if key == "" {
			continue
		}
		f.window[key] = struct{}{}
	}
}

// EndWindow closes the execution window and replaces it with the reconciled
// expected state, keyed by unique id.
func (f *Filter) EndWindow(expected map[string]string) {
	if f == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.window = make(map[string]struct{})
	for uniqueID, entityID := range expected {
		if uniqueID == "" || entityID == "" {
			continue
		}
		f.expected[uniqueID] = entityID
	}
}

// Suppress reports whether an event should be dropped at the observer
// boundary.
func (f *Filter) Suppress(event Event) bool {
	if f == nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.window) > 0 {
		if _, ok := f.window[event.UniqueID]; ok {
			return true
		}
		if _, ok := f.window[event.EntityID]; ok {
			return true
		}
		if _, ok := f.window[event.OldEntityID]; ok {
			return true
		}
	}

	want, ok := f.expected[event.UniqueID]
	if !ok {
		return false
	}
	if want == event.EntityID {
		return true
	}
	// The identity moved away from what the engine last wrote; the change is
	// external and the stale expectation must not mask further events.
	delete(f.expected, event.UniqueID)
	return false
}

// Expected returns the current expectation for a unique id, for tests and
// diagnostics.
func (f *Filter) Expected(uniqueID string) (string, bool) {
	if f == nil {
		return "", false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	entityID, ok := f.expected[uniqueID]
	return entityID, ok
}
