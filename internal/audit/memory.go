package audit

import (
	"context"
	"sync"
)

// MemoryRecorder keeps audit entries in memory for tests and demo runs.
type MemoryRecorder struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemoryRecorder constructs an empty recorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

// Record appends an entry.
func (r *MemoryRecorder) Record(ctx context.Context, entry Entry) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return nil
}

// Recent returns up to limit entries, newest first.
func (r *MemoryRecorder) Recent(ctx context.Context, limit int) ([]Entry, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 || limit > len(r.entries) {
		limit = len(r.entries)
	}
	result := make([]Entry, 0, limit)
	for i := len(r.entries) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, r.entries[i])
	}
	return result, nil
}
