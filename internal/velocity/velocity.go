// Package velocity enriches transaction fields with entity activity counts.
package velocity

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/shrike/internal/domain"
)

// Service computes per-entity transaction velocity for rule fields.
type Service struct {
	repo   domain.Repository
	cache  domain.Cache
	config domain.VelocityConfig
}

// NewService creates a new velocity service.
func NewService(repo domain.Repository, cache domain.Cache, cfg domain.VelocityConfig) *Service {
	if cfg.Field == "" {
		cfg.Field = "transaction_velocity_24h"
	}
	if cfg.WindowSecs <= 0 {
		cfg.WindowSecs = 86400
	}
	return &Service{
		repo:   repo,
		cache:  cache,
		config: cfg,
	}
}

// Annotate fills the configured velocity field on a transaction if the
// caller did not provide it. Transactions without an entity ID are left
// untouched. The caller's value always wins.
func (s *Service) Annotate(ctx context.Context, tenantID string, tx *domain.Transaction) error {
	if !s.config.Enabled {
		return nil
	}
	if tx.EntityID == "" {
		return nil
	}
	if _, ok := tx.Fields[s.config.Field]; ok {
		return nil
	}

	count, err := s.GetTransactionCount(ctx, tenantID, tx.EntityID, s.config.WindowSecs)
	if err != nil {
		return err
	}

	if tx.Fields == nil {
		tx.Fields = make(map[string]any)
	}
	tx.Fields[s.config.Field] = count
	return nil
}

// GetTransactionCount returns the number of transactions for an entity
// within a time window.
func (s *Service) GetTransactionCount(ctx context.Context, tenantID, entityID string, windowSecs int) (int64, error) {
	if tenantID == "" || entityID == "" {
		return 0, fmt.Errorf("tenantID and entityID are required")
	}

	since := time.Now().Add(-time.Duration(windowSecs) * time.Second)

	if s.repo != nil {
		return s.repo.CountTransactionsSince(ctx, tenantID, entityID, since)
	}

	return 0, fmt.Errorf("no data source available")
}

// RecordObservation bumps the rolling counter for an entity. Used by the
// async pipeline so velocity reads stay cheap under load.
func (s *Service) RecordObservation(ctx context.Context, tenantID, entityID string) (int64, error) {
	if s.cache == nil {
		return 0, nil
	}
	window := time.Duration(s.config.WindowSecs) * time.Second
	return s.cache.IncrementCounter(ctx, tenantID, "velocity:"+entityID, window)
}

// Field returns the transaction field name this service populates.
func (s *Service) Field() string {
	return s.config.Field
}
