package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"receipt-validator/internal/client"
	"receipt-validator/internal/events"
	"receipt-validator/internal/features"
	"receipt-validator/internal/models"
	"receipt-validator/internal/receipt"
)

// RequestPurchase validates order and tells the caller what to do with the
// store transaction. Pending means the transaction must stay open: either the
// payment is deferred or a remote validation was started, whose result is
// published as a validation.completed event.
func (s *Service) RequestPurchase(ctx context.Context, order models.Order) models.Outcome {
	outcome := s.requestPurchase(ctx, order)
	s.metrics.Outcomes.WithLabelValues(outcome.String()).Inc()
	return outcome
}

func (s *Service) requestPurchase(ctx context.Context, order models.Order) models.Outcome {
	log := s.logger.With("product_id", order.ProductID, "transaction_id", order.TransactionID)

	if s.store == nil || !s.store.Connected() {
		log.Debug("store not connected, nothing to validate against")
		return models.Purchased
	}

	if order.TransactionID == "" {
		log.Warn("rejecting purchase", "error", ErrMissingTransaction)
		return models.Failed
	}

	outcome := models.Purchased
	if s.local != nil && s.features.IsEnabled(features.LocalValidation) {
		result, err := receipt.Evaluate(s.local, order)
		if err != nil {
			log.Warn("local receipt validation failed", "error", err)
			return models.Failed
		}
		if result != models.Purchased {
			log.Info("local receipt validation deferred the purchase", "outcome", result)
			return result
		}
		outcome = result
	}

	if s.remoteSupported() && s.features.IsEnabled(features.RemoteValidation) {
		if s.submit(ctx, order) {
			log.Debug("remote validation submitted")
		}
		return models.Pending
	}

	return outcome
}

// claim marks a transaction as in flight. It returns false when it already is.
func (s *Service) claim(transactionID string) bool {
	if found, _ := s.inFlight.ContainsOrAdd(transactionID, s.now()); found {
		s.metrics.DuplicateSkips.Inc()
		return false
	}
	return true
}

// submit starts the remote validation of order in the background.
func (s *Service) submit(ctx context.Context, order models.Order) bool {
	if !s.claim(order.TransactionID) {
		s.logger.Debug("validation already in flight", "transaction_id", order.TransactionID)
		return false
	}

	bg, cancel := s.detach(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.validateRemote(bg, order)
	}()
	return true
}

func (s *Service) buildRequest(order models.Order) models.ValidationRequest {
	return models.ValidationRequest{
		Store:   string(s.storefront),
		Bid:     s.bundleID,
		Pid:     order.StoreID(),
		Type:    order.Type.WireName(),
		User:    s.UserID(),
		Receipt: order.TransactionID,
	}
}

// validateRemote sends order to the validation service and resolves it. The
// transaction stays open when no response arrived or the service rate limited
// the request; every other result closes it.
func (s *Service) validateRemote(ctx context.Context, order models.Order) {
	defer s.inFlight.Remove(order.TransactionID)

	ctx, span := s.tracer.Start(ctx, "service.validateRemote")
	defer span.End()
	span.SetAttributes(
		attribute.String("iap.product_id", order.ProductID),
		attribute.String("iap.transaction_id", order.TransactionID),
	)

	log := s.logger.With("product_id", order.ProductID, "transaction_id", order.TransactionID)

	start := time.Now()
	resp, raw, err := s.remote.Validate(ctx, s.buildRequest(order))
	s.metrics.RemoteLatency.Observe(time.Since(start).Seconds())
	if err == nil && (resp == nil || resp.Data == nil) {
		err = client.ErrMalformedResponse
	}

	if err == nil {
		rec := *resp.Data
		if rec.ProductID == "" {
			rec.ProductID = order.StoreID()
		}
		s.adoptUser(resp.User)
		s.inventory.Upsert(rec)
		s.metrics.InventorySize.Set(float64(s.inventory.Len()))
		if s.state != nil {
			if perr := s.state.UpsertPurchase(ctx, rec); perr != nil {
				log.Error("failed to persist purchase", "error", perr)
			}
		}

		s.metrics.RemoteResults.WithLabelValues("success").Inc()
		log.Info("receipt validated", "status", rec.Status.String())
		s.publish(ctx, true, order, raw, nil)
		s.confirm(ctx, order)
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	switch {
	case client.IsTransport(err):
		s.metrics.RemoteResults.WithLabelValues("transport_error").Inc()
		log.Warn("validation request failed, transaction left open", "error", err)
		s.publish(ctx, false, order, nil, err)

	case client.IsRateLimited(err):
		s.metrics.RemoteResults.WithLabelValues("rate_limited").Inc()
		log.Warn("validation rate limited, transaction left open", "error", err)
		s.publish(ctx, false, order, raw, err)

	case errors.Is(err, client.ErrMalformedResponse):
		s.metrics.RemoteResults.WithLabelValues("malformed").Inc()
		log.Error("unparseable validation response", "error", err)
		s.publish(ctx, false, order, raw, err)
		s.confirm(ctx, order)

	default:
		s.metrics.RemoteResults.WithLabelValues("rejected").Inc()
		log.Warn("receipt rejected by validation service", "error", err)
		s.publish(ctx, false, order, raw, err)
		s.confirm(ctx, order)
	}
}

func (s *Service) publish(ctx context.Context, success bool, order models.Order, raw []byte, err error) {
	data := events.ValidationCompletedData{Success: success, Order: order, Err: err}
	if raw != nil && json.Valid(raw) {
		data.Raw = json.RawMessage(raw)
	} else if raw != nil {
		data.Raw, _ = json.Marshal(string(raw))
	}
	s.events.PublishValidationCompleted(ctx, data)
}

// confirm closes the live store transaction of order. The captured order may
// be stale by now, so the store is asked again: the same transaction when it is
// still open, else the latest one pending for the product.
func (s *Service) confirm(ctx context.Context, order models.Order) {
	current, ok := s.store.PendingOrderFor(order.ProductID, order.TransactionID)
	if !ok {
		s.logger.Debug("no pending transaction to confirm", "product_id", order.ProductID)
		return
	}
	if err := s.store.Confirm(current); err != nil {
		s.logger.Error("failed to confirm transaction",
			"product_id", current.ProductID,
			"transaction_id", current.TransactionID,
			"error", err,
		)
	}
}
