package service

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"receipt-validator/internal/features"
)

// RequestInventory starts an inventory sync in the background if the sync
// policy and preconditions allow it, and reports whether one was started.
// The result is published as an inventory.ready event.
func (s *Service) RequestInventory(ctx context.Context) bool {
	userID, ok := s.beginSync()
	if !ok {
		return false
	}

	if !s.worthSyncing(ctx) {
		s.logger.Debug("skipping inventory sync, no purchase history")
		s.metrics.InventorySyncs.WithLabelValues("skipped").Inc()
		s.mu.Lock()
		s.syncing = false
		s.mu.Unlock()
		return false
	}

	bg, cancel := s.detach(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.runSync(bg, userID)
	}()
	return true
}

// beginSync checks the single-flight guard, the policy, the user id and the
// platform, and takes the guard if they all pass.
func (s *Service) beginSync() (string, bool) {
	if !s.remoteSupported() || !s.features.IsEnabled(features.InventorySync) {
		return "", false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.syncing {
		return "", false
	}

	switch s.policy.Mode {
	case SyncDisabled:
		return "", false
	case SyncOnce:
		if !s.lastSync.IsZero() {
			return "", false
		}
	case SyncDelay:
		if !s.lastSync.IsZero() && s.now().Sub(s.lastSync) <= s.policy.Delay {
			return "", false
		}
	}

	if s.userID == "" {
		return "", false
	}

	s.syncing = true
	return s.userID, true
}

// worthSyncing skips users that have neither a local receipt for a
// restorable product nor a recent persisted purchase history.
func (s *Service) worthSyncing(ctx context.Context) bool {
	if s.store != nil {
		for _, order := range s.store.Orders() {
			if order.Type.Restorable() && s.store.HasReceipt(order.ProductID) {
				return true
			}
		}
	}

	if s.state == nil {
		return false
	}
	marker, ok, err := s.state.HistoryMarker(ctx)
	if err != nil {
		s.logger.Warn("failed to read purchase history marker", "error", err)
		return false
	}
	return ok && s.now().Sub(marker) < s.historyWindow
}

func (s *Service) runSync(ctx context.Context, userID string) {
	ctx, span := s.tracer.Start(ctx, "service.runSync")
	defer span.End()

	recs, err := s.remote.FetchInventory(ctx, userID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.metrics.InventorySyncs.WithLabelValues("failed").Inc()
		s.logger.Warn("inventory sync failed", "user_id", userID, "error", err)
		s.finishSync()
		return
	}

	s.inventory.Replace(recs)
	s.metrics.InventorySize.Set(float64(len(recs)))
	span.SetAttributes(attribute.Int("iap.purchases", len(recs)))

	if s.state != nil {
		if err := s.state.ReplacePurchases(ctx, recs); err != nil {
			s.logger.Error("failed to persist inventory", "error", err)
		}
		s.updateHistoryMarker(ctx, len(recs) > 0)
	}

	s.finishSync()
	s.metrics.InventorySyncs.WithLabelValues("success").Inc()
	s.logger.Info("inventory synced", "user_id", userID, "count", len(recs))
	s.events.PublishInventoryReady(ctx, s.inventory.Snapshot())
}

func (s *Service) updateHistoryMarker(ctx context.Context, hasPurchases bool) {
	if !hasPurchases {
		if err := s.state.ClearHistoryMarker(ctx); err != nil {
			s.logger.Error("failed to clear purchase history marker", "error", err)
		}
		return
	}

	_, exists, err := s.state.HistoryMarker(ctx)
	if err != nil {
		s.logger.Error("failed to read purchase history marker", "error", err)
		return
	}
	if !exists {
		if err := s.state.SetHistoryMarker(ctx, s.now()); err != nil {
			s.logger.Error("failed to set purchase history marker", "error", err)
		}
	}
}

// finishSync records the sync time and releases the single-flight guard.
func (s *Service) finishSync() {
	s.mu.Lock()
	s.lastSync = s.now()
	s.syncing = false
	s.mu.Unlock()
}
