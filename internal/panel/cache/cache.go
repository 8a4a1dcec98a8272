// Package cache keeps the last known-good snapshot in Redis so a restart
// while the panel is offline does not starve pending migrations of their
// stale-but-usable circuit metadata.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	panel "panelbridge/internal/panel/domain"
)

// ErrMiss indicates no cached snapshot exists.
var ErrMiss = errors.New("cache: snapshot miss")

// SnapshotCache stores one snapshot per panel serial.
type SnapshotCache struct {
	client *redis.Client
	ttl    time.Duration
}

// New constructs a cache around an existing Redis client.
func New(client *redis.Client, ttl time.Duration) (*SnapshotCache, error) {
	if client == nil {
		return nil, errors.New("cache: nil redis client")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &SnapshotCache{client: client, ttl: ttl}, nil
}

func key(serial string) string {
	return "panelbridge:snapshot:" + serial
}

type cachedSnapshot struct {
	Serial    string                   `json:"serial"`
	FetchedAt time.Time                `json:"fetched_at"`
	Circuits  map[string]panel.Circuit `json:"circuits"`
}

// Save stores a snapshot.
func (c *SnapshotCache) Save(ctx context.Context, snap *panel.Snapshot) error {
	if snap == nil || snap.Serial == "" {
		return errors.New("cache: nil or unkeyed snapshot")
	}
	data, err := json.Marshal(cachedSnapshot{
		Serial:    snap.Serial,
		FetchedAt: snap.FetchedAt,
		Circuits:  snap.Circuits,
	})
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, key(snap.Serial), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache: save snapshot: %w", err)
	}
	return nil
}

// Load returns the cached snapshot for a serial, or ErrMiss.
func (c *SnapshotCache) Load(ctx context.Context, serial string) (*panel.Snapshot, error) {
	data, err := c.client.Get(ctx, key(serial)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache: load snapshot: %w", err)
	}
	var cached cachedSnapshot
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil, fmt.Errorf("cache: decode snapshot: %w", err)
	}
	snap := panel.NewSnapshot(cached.Serial, cached.FetchedAt)
	snap.FetchedAt = cached.FetchedAt
	snap.Circuits = cached.Circuits
	if snap.Circuits == nil {
		snap.Circuits = make(map[string]panel.Circuit)
	}
	return snap, nil
}
