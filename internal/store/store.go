// Package store is an in-memory stand-in for the platform purchasing SDK: it
// tracks orders the store reported and which of them were confirmed.
package store

import (
	"errors"
	"sort"
	"sync"
	"time"

	"receipt-validator/internal/models"
)

var ErrUnknownTransaction = errors.New("store: unknown transaction")

// Entry is an order plus its store-side state.
type Entry struct {
	Order       models.Order `json:"order"`
	Confirmed   bool         `json:"confirmed"`
	AddedAt     time.Time    `json:"added_at"`
	ConfirmedAt *time.Time   `json:"confirmed_at,omitempty"`

	seq uint64
}

// MemoryStore is safe for concurrent use.
type MemoryStore struct {
	mu        sync.RWMutex
	connected bool
	entries   map[string]*Entry // by transaction id
	seq       uint64
	now       func() time.Time
}

// NewMemoryStore returns a connected, empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		connected: true,
		entries:   make(map[string]*Entry),
		now:       time.Now,
	}
}

// SetConnected toggles whether the store is initialized.
func (s *MemoryStore) SetConnected(connected bool) {
	s.mu.Lock()
	s.connected = connected
	s.mu.Unlock()
}

func (s *MemoryStore) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// Record registers order as a pending store transaction. Orders without a
// transaction id are not tracked. A confirmed transaction stays confirmed.
func (s *MemoryStore) Record(order models.Order) {
	if order.TransactionID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[order.TransactionID]; ok {
		e.Order = order
		return
	}
	s.seq++
	s.entries[order.TransactionID] = &Entry{Order: order, AddedAt: s.now(), seq: s.seq}
}

// Orders returns every known order, oldest first.
func (s *MemoryStore) Orders() []models.Order {
	entries := s.Entries()
	out := make([]models.Order, len(entries))
	for i, e := range entries {
		out[i] = e.Order
	}
	return out
}

// Entries returns a copy of every entry, oldest first.
func (s *MemoryStore) Entries() []Entry {
	s.mu.RLock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// PendingOrder returns the most recent unconfirmed order for productID.
func (s *MemoryStore) PendingOrder(productID string) (models.Order, bool) {
	return s.PendingOrderFor(productID, "")
}

// PendingOrderFor returns the unconfirmed order of transactionID when the
// store still holds it open, and the most recent unconfirmed order for
// productID otherwise.
func (s *MemoryStore) PendingOrderFor(productID, transactionID string) (models.Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if e, ok := s.entries[transactionID]; ok && !e.Confirmed && e.Order.ProductID == productID {
		return e.Order, true
	}

	var found *Entry
	for _, e := range s.entries {
		if e.Confirmed || e.Order.ProductID != productID {
			continue
		}
		if found == nil || e.seq > found.seq {
			found = e
		}
	}
	if found == nil {
		return models.Order{}, false
	}
	return found.Order, true
}

// Confirm closes the transaction of order.
func (s *MemoryStore) Confirm(order models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[order.TransactionID]
	if !ok {
		return ErrUnknownTransaction
	}
	now := s.now()
	e.Confirmed = true
	e.ConfirmedAt = &now
	return nil
}

// IsConfirmed reports whether the transaction was closed.
func (s *MemoryStore) IsConfirmed(transactionID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[transactionID]
	return ok && e.Confirmed
}

// HasReceipt reports whether a local receipt exists for productID. Consumed
// (confirmed) consumables no longer carry one.
func (s *MemoryStore) HasReceipt(productID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.entries {
		if e.Order.ProductID != productID {
			continue
		}
		if e.Order.Type == models.Consumable && e.Confirmed {
			continue
		}
		return true
	}
	return false
}
