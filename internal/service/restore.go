package service

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"receipt-validator/internal/features"
	"receipt-validator/internal/models"
)

// RequestRestore resubmits every restorable store purchase the inventory does
// not know about yet. Submissions are spaced by the restore jitter so the
// validation service is not hit in a burst. It returns the number of
// submissions scheduled.
func (s *Service) RequestRestore(ctx context.Context) int {
	if s.store == nil || !s.store.Connected() || !s.remoteSupported() ||
		!s.features.IsEnabled(features.RemoteValidation) {
		return 0
	}

	bg, cancel := s.detach(ctx)
	var g errgroup.Group
	var offset time.Duration
	scheduled := 0

	for _, order := range s.store.Orders() {
		if !s.restorable(order) {
			continue
		}
		if !s.claim(order.TransactionID) {
			continue
		}

		if scheduled > 0 {
			offset += s.jitter()
		}
		scheduled++

		o, delay := order, offset
		g.Go(func() error {
			if err := sleepContext(bg, delay); err != nil {
				s.inFlight.Remove(o.TransactionID)
				return err
			}
			s.metrics.RestoreSubmits.Inc()
			s.validateRemote(bg, o)
			return nil
		})
	}

	s.logger.Info("restore scheduled", "count", scheduled)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("restore interrupted", "error", err)
		}
	}()
	return scheduled
}

func (s *Service) restorable(order models.Order) bool {
	if !order.Type.Restorable() || order.TransactionID == "" {
		return false
	}
	return !s.inventory.Contains(order.ProductID) && !s.inventory.Contains(order.StoreID())
}
