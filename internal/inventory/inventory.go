// Package inventory keeps the last known server purchase record per product.
package inventory

import (
	"sync"

	"receipt-validator/internal/models"
)

// Store is the in-memory inventory snapshot. It is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	records map[string]models.PurchaseRecord
}

// New returns an empty inventory.
func New() *Store {
	return &Store{records: make(map[string]models.PurchaseRecord)}
}

// Upsert stores rec under its product id, replacing any previous record.
func (s *Store) Upsert(rec models.PurchaseRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ProductID] = rec
}

// Replace clears the inventory and repopulates it from recs.
func (s *Store) Replace(recs []models.PurchaseRecord) {
	next := make(map[string]models.PurchaseRecord, len(recs))
	for _, rec := range recs {
		next[rec.ProductID] = rec
	}

	s.mu.Lock()
	s.records = next
	s.mu.Unlock()
}

// Get returns the record for productID.
func (s *Store) Get(productID string) (models.PurchaseRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[productID]
	return rec, ok
}

// Contains reports whether productID has a record.
func (s *Store) Contains(productID string) bool {
	_, ok := s.Get(productID)
	return ok
}

// IsActive reports whether productID has a record with an active status.
func (s *Store) IsActive(productID string) bool {
	rec, ok := s.Get(productID)
	return ok && rec.Status.IsActive()
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Snapshot returns a copy of the current records.
func (s *Store) Snapshot() models.InventorySnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(models.InventorySnapshot, len(s.records))
	for id, rec := range s.records {
		out[id] = rec
	}
	return out
}
