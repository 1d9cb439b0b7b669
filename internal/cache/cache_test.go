package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"receipt-validator/internal/models"
)

func TestInMemoryCache_Expiry(t *testing.T) {
	c := NewInMemoryCache()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	if err := c.Set(ctx, "short", []byte("x"), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := c.Set(ctx, "forever", []byte("y"), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	now = now.Add(2 * time.Minute)

	if _, err := c.Get(ctx, "short"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected expired key, got %v", err)
	}
	if v, err := c.Get(ctx, "forever"); err != nil || string(v) != "y" {
		t.Errorf("Expected persistent key, got %q / %v", v, err)
	}

	if n := c.Len(); n != 1 {
		t.Errorf("Expected 1 live entry, got %d", n)
	}

	if err := c.Delete(ctx, "forever"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := c.Get(ctx, "forever"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected deleted key, got %v", err)
	}
}

func TestInMemoryCache_CopiesValues(t *testing.T) {
	c := NewInMemoryCache()
	ctx := context.Background()

	buf := []byte("abc")
	c.Set(ctx, "k", buf, 0)
	buf[0] = 'x'

	got, _ := c.Get(ctx, "k")
	got[1] = 'y'

	again, _ := c.Get(ctx, "k")
	if string(again) != "abc" {
		t.Errorf("Expected stored value to be isolated, got %q", again)
	}
}

func TestStateStore_History(t *testing.T) {
	s := NewStateStore(NewInMemoryCache(), "test")
	ctx := context.Background()

	if _, ok, err := s.HistoryMarker(ctx); ok || err != nil {
		t.Fatalf("Expected no marker, got ok=%v err=%v", ok, err)
	}

	at := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	if err := s.SetHistoryMarker(ctx, at); err != nil {
		t.Fatalf("SetHistoryMarker failed: %v", err)
	}
	got, ok, err := s.HistoryMarker(ctx)
	if err != nil || !ok || !got.Equal(at) {
		t.Errorf("Expected %v, got %v ok=%v err=%v", at, got, ok, err)
	}

	if err := s.ClearHistoryMarker(ctx); err != nil {
		t.Fatalf("ClearHistoryMarker failed: %v", err)
	}
	if _, ok, _ := s.HistoryMarker(ctx); ok {
		t.Error("Expected marker to be cleared")
	}
}

func TestStateStore_Purchases(t *testing.T) {
	s := NewStateStore(NewInMemoryCache(), "")
	ctx := context.Background()

	if err := s.UpsertPurchase(ctx, models.PurchaseRecord{ProductID: "a", Status: models.StatusActive}); err != nil {
		t.Fatalf("UpsertPurchase failed: %v", err)
	}
	if err := s.UpsertPurchase(ctx, models.PurchaseRecord{ProductID: "b", Status: models.StatusExpired}); err != nil {
		t.Fatalf("UpsertPurchase failed: %v", err)
	}

	recs, err := s.LoadPurchases(ctx)
	if err != nil || len(recs) != 2 {
		t.Fatalf("Expected 2 records, got %d / %v", len(recs), err)
	}

	if err := s.ReplacePurchases(ctx, []models.PurchaseRecord{{ProductID: "c"}}); err != nil {
		t.Fatalf("ReplacePurchases failed: %v", err)
	}
	recs, _ = s.LoadPurchases(ctx)
	if len(recs) != 1 || recs[0].ProductID != "c" {
		t.Errorf("Expected only c, got %+v", recs)
	}
}
