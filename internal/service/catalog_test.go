package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"checkout-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCatalogSource struct {
	types []models.TicketType
	err   error
	calls int
}

func (s *fakeCatalogSource) ListTicketTypes(ctx context.Context, eventID string) ([]models.TicketType, error) {
	s.calls++
	return s.types, s.err
}

type fakeCatalogCache struct {
	entries map[string][]models.TicketType
	getErr  error
	ttl     time.Duration
}

func (c *fakeCatalogCache) GetTicketTypes(ctx context.Context, eventID string) ([]models.TicketType, bool, error) {
	if c.getErr != nil {
		return nil, false, c.getErr
	}
	types, ok := c.entries[eventID]
	return types, ok, nil
}

func (c *fakeCatalogCache) CacheTicketTypes(ctx context.Context, eventID string, types []models.TicketType, ttl time.Duration) error {
	c.entries[eventID] = types
	c.ttl = ttl
	return nil
}

func TestCatalogServiceCacheAside(t *testing.T) {
	source := &fakeCatalogSource{types: testCatalog}
	cache := &fakeCatalogCache{entries: map[string][]models.TicketType{}}
	cs := NewCatalogService(source, cache, 30*time.Second)

	types, err := cs.TicketTypes(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.Equal(t, testCatalog, types)
	assert.Equal(t, 1, source.calls)
	assert.Equal(t, 30*time.Second, cache.ttl)

	types, err = cs.TicketTypes(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.Equal(t, testCatalog, types)
	assert.Equal(t, 1, source.calls, "second read is served from cache")
}

func TestCatalogServiceCacheFailureFallsBack(t *testing.T) {
	source := &fakeCatalogSource{types: testCatalog}
	cache := &fakeCatalogCache{entries: map[string][]models.TicketType{}, getErr: errors.New("redis down")}
	cs := NewCatalogService(source, cache, time.Minute)

	types, err := cs.TicketTypes(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.Len(t, types, len(testCatalog))
	assert.Equal(t, 1, source.calls)
}

func TestCatalogServiceWithoutCache(t *testing.T) {
	source := &fakeCatalogSource{types: testCatalog}
	cs := NewCatalogService(source, nil, time.Minute)

	_, err := cs.TicketTypes(context.Background(), "evt-1")
	require.NoError(t, err)
	_, err = cs.TicketTypes(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.Equal(t, 2, source.calls)
}

func TestCatalogServiceErrors(t *testing.T) {
	t.Run("empty catalog", func(t *testing.T) {
		cs := NewCatalogService(&fakeCatalogSource{}, nil, time.Minute)
		_, err := cs.TicketTypes(context.Background(), "evt-1")
		assert.Equal(t, models.ErrorKindValidation, models.KindOf(err))
	})

	t.Run("source failure", func(t *testing.T) {
		want := models.NewCheckoutError(models.ErrorKindNetwork, "Unable to reach the events service. Please try again.")
		cache := &fakeCatalogCache{entries: map[string][]models.TicketType{}}
		cs := NewCatalogService(&fakeCatalogSource{err: want}, cache, time.Minute)

		_, err := cs.TicketTypes(context.Background(), "evt-1")
		assert.ErrorIs(t, err, want)
		assert.Empty(t, cache.entries, "failures are not cached")
	})
}
