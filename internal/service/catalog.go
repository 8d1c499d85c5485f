package service

import (
	"context"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// TicketCatalogSource loads the ticket catalog of an event from the events service
type TicketCatalogSource interface {
	ListTicketTypes(ctx context.Context, eventID string) ([]models.TicketType, error)
}

// TicketCatalogCache is a short-lived cache of event catalogs
type TicketCatalogCache interface {
	GetTicketTypes(ctx context.Context, eventID string) ([]models.TicketType, bool, error)
	CacheTicketTypes(ctx context.Context, eventID string, types []models.TicketType, ttl time.Duration) error
}

// CatalogService serves ticket type snapshots (fast path via Redis)
type CatalogService struct {
	source TicketCatalogSource
	cache  TicketCatalogCache
	ttl    time.Duration
	logger *zap.Logger
}

// NewCatalogService creates a catalog service. cache may be nil.
func NewCatalogService(source TicketCatalogSource, cache TicketCatalogCache, ttl time.Duration) *CatalogService {
	return &CatalogService{
		source: source,
		cache:  cache,
		ttl:    ttl,
		logger: util.GetLogger(),
	}
}

// TicketTypes returns the current ticket types of an event
func (cs *CatalogService) TicketTypes(ctx context.Context, eventID string) (types []models.TicketType, err error) {
	ctx, span := util.StartSpan(ctx, "CatalogService.TicketTypes", attribute.String("event_id", eventID))
	defer func() { util.EndSpan(span, err) }()

	if cs.cache != nil {
		cached, hit, err := cs.cache.GetTicketTypes(ctx, eventID)
		if err != nil {
			cs.logger.Warn("Catalog cache read failed, falling back to events service",
				zap.String("event_id", eventID),
				zap.Error(err))
			util.CatalogCacheTotal.WithLabelValues("error").Inc()
		} else if hit {
			util.CatalogCacheTotal.WithLabelValues("hit").Inc()
			return cached, nil
		} else {
			util.CatalogCacheTotal.WithLabelValues("miss").Inc()
		}
	}

	types, err = cs.source.ListTicketTypes(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if len(types) == 0 {
		return nil, models.NewCheckoutError(models.ErrorKindValidation, "This event has no tickets on sale.")
	}

	if cs.cache != nil {
		if err := cs.cache.CacheTicketTypes(ctx, eventID, types, cs.ttl); err != nil {
			cs.logger.Error("Failed to cache catalog",
				zap.String("event_id", eventID),
				zap.Error(err))
		}
	}

	return types, nil
}
