package redisclient

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"checkout-service/internal/models"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/track_hold.lua
var trackHoldScript string

//go:embed scripts/release_hold.lua
var releaseHoldScript string

type Client struct {
	rdb           *redis.Client
	instanceID    string
	trackScript   *redis.Script
	releaseScript *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded. Holds are
// namespaced by instanceID so a restarting instance only sweeps its own.
func NewClient(addr, password string, db int, instanceID string) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return newClient(rdb, instanceID), nil
}

func newClient(rdb *redis.Client, instanceID string) *Client {
	return &Client{
		rdb:           rdb,
		instanceID:    instanceID,
		trackScript:   redis.NewScript(trackHoldScript),
		releaseScript: redis.NewScript(releaseHoldScript),
	}
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func catalogKey(eventID string) string {
	return fmt.Sprintf("catalog:%s", eventID)
}

func (c *Client) holdKeyPrefix() string {
	return fmt.Sprintf("hold:%s:", c.instanceID)
}

func (c *Client) holdKey(reservationID string) string {
	return c.holdKeyPrefix() + reservationID
}

// GetTicketTypes returns the cached catalog of an event. The boolean is
// false on a cache miss.
func (c *Client) GetTicketTypes(ctx context.Context, eventID string) ([]models.TicketType, bool, error) {
	raw, err := c.rdb.Get(ctx, catalogKey(eventID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read catalog cache: %w", err)
	}

	var types []models.TicketType
	if err := json.Unmarshal(raw, &types); err != nil {
		return nil, false, fmt.Errorf("failed to decode cached catalog: %w", err)
	}
	return types, true, nil
}

// CacheTicketTypes stores the catalog of an event for ttl
func (c *Client) CacheTicketTypes(ctx context.Context, eventID string, types []models.TicketType, ttl time.Duration) error {
	raw, err := json.Marshal(types)
	if err != nil {
		return fmt.Errorf("failed to encode catalog: %w", err)
	}
	return c.rdb.Set(ctx, catalogKey(eventID), raw, ttl).Err()
}

// TrackHold registers a live reservation owned by sessionID. The entry
// disappears on its own when the hold lapses.
func (c *Client) TrackHold(ctx context.Context, reservationID, sessionID string, expiresAt time.Time) error {
	_, err := c.trackScript.Run(ctx, c.rdb, []string{c.holdKey(reservationID)}, sessionID, expiresAt.UnixMilli()).Result()
	if err != nil {
		return fmt.Errorf("track hold script failed: %w", err)
	}
	return nil
}

// ReleaseHold removes the entry for reservationID if sessionID still owns it
func (c *Client) ReleaseHold(ctx context.Context, reservationID, sessionID string) (bool, error) {
	result, err := c.releaseScript.Run(ctx, c.rdb, []string{c.holdKey(reservationID)}, sessionID).Result()
	if err != nil {
		return false, fmt.Errorf("release hold script failed: %w", err)
	}

	deleted, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected script result type")
	}
	return deleted == 1, nil
}

// ListHolds returns every hold registered by this instance
func (c *Client) ListHolds(ctx context.Context) ([]models.HoldRecord, error) {
	prefix := c.holdKeyPrefix()
	var holds []models.HoldRecord

	iter := c.rdb.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		sessionID, err := c.rdb.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read hold %s: %w", key, err)
		}
		holds = append(holds, models.HoldRecord{
			ReservationID: strings.TrimPrefix(key, prefix),
			SessionID:     sessionID,
		})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan holds: %w", err)
	}

	return holds, nil
}
