package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"receipt-validator/internal/models"
)

// StateStore persists engine state (history marker and last known purchase
// records) in a Cache, under keys namespaced by prefix.
type StateStore struct {
	cache  Cache
	prefix string
	mu     sync.Mutex // serialises read-modify-write of the records key
}

// NewStateStore wraps c. Keys are written as "<prefix>:history" and "<prefix>:purchases".
func NewStateStore(c Cache, prefix string) *StateStore {
	if prefix == "" {
		prefix = "receipt-validator"
	}
	return &StateStore{cache: c, prefix: prefix}
}

func (s *StateStore) historyKey() string  { return s.prefix + ":history" }
func (s *StateStore) purchasesKey() string { return s.prefix + ":purchases" }

func (s *StateStore) HistoryMarker(ctx context.Context) (time.Time, bool, error) {
	var unix int64
	err := GetJSON(ctx, s.cache, s.historyKey(), &unix)
	if errors.Is(err, ErrNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read history marker: %w", err)
	}
	return time.Unix(unix, 0).UTC(), true, nil
}

func (s *StateStore) SetHistoryMarker(ctx context.Context, at time.Time) error {
	if err := SetJSON(ctx, s.cache, s.historyKey(), at.Unix(), 0); err != nil {
		return fmt.Errorf("failed to set history marker: %w", err)
	}
	return nil
}

func (s *StateStore) ClearHistoryMarker(ctx context.Context) error {
	if err := s.cache.Delete(ctx, s.historyKey()); err != nil {
		return fmt.Errorf("failed to clear history marker: %w", err)
	}
	return nil
}

func (s *StateStore) UpsertPurchase(ctx context.Context, rec models.PurchaseRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.load(ctx)
	if err != nil {
		return err
	}
	recs[rec.ProductID] = rec
	return s.save(ctx, recs)
}

func (s *StateStore) ReplacePurchases(ctx context.Context, list []models.PurchaseRecord) error {
	recs := make(map[string]models.PurchaseRecord, len(list))
	for _, rec := range list {
		recs[rec.ProductID] = rec
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(ctx, recs)
}

func (s *StateStore) LoadPurchases(ctx context.Context) ([]models.PurchaseRecord, error) {
	s.mu.Lock()
	recs, err := s.load(ctx)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out := make([]models.PurchaseRecord, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec)
	}
	return out, nil
}

func (s *StateStore) load(ctx context.Context) (map[string]models.PurchaseRecord, error) {
	recs := make(map[string]models.PurchaseRecord)
	err := GetJSON(ctx, s.cache, s.purchasesKey(), &recs)
	if errors.Is(err, ErrNotFound) {
		return recs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read purchases: %w", err)
	}
	return recs, nil
}

func (s *StateStore) save(ctx context.Context, recs map[string]models.PurchaseRecord) error {
	if err := SetJSON(ctx, s.cache, s.purchasesKey(), recs, 0); err != nil {
		return fmt.Errorf("failed to write purchases: %w", err)
	}
	return nil
}
