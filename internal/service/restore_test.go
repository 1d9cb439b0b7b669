package service

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"receipt-validator/internal/features"
	"receipt-validator/internal/models"
	"receipt-validator/internal/receipt"
)

func TestRequestRestore_SkipsConsumablesAndKnownProducts(t *testing.T) {
	var mu sync.Mutex
	var submitted []string
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		var req models.ValidationRequest
		json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		submitted = append(submitted, req.Pid)
		mu.Unlock()
		w.Write([]byte(`{"data":{"productId":"` + req.Pid + `","status":0}}`))
	}, nil, nil)

	var jitterCalls atomic.Int32
	h.svc.jitter = func() time.Duration {
		jitterCalls.Add(1)
		return time.Millisecond
	}

	ctx := context.Background()
	require.NoError(t, h.state.ReplacePurchases(ctx, []models.PurchaseRecord{{ProductID: "known"}}))
	require.NoError(t, h.svc.LoadPersisted(ctx))

	h.store.Record(models.Order{ProductID: "coins", TransactionID: "C1", Type: models.Consumable})
	h.store.Record(models.Order{ProductID: "known", TransactionID: "K1", Type: models.NonConsumable})
	h.store.Record(models.Order{ProductID: "no_ads", TransactionID: "N1", Type: models.NonConsumable})
	h.store.Record(models.Order{ProductID: "vip", TransactionID: "V1", Type: models.Subscription})
	h.store.Record(models.Order{ProductID: "gold", StoreProductID: "com.example.gold", TransactionID: "G1", Type: models.NonConsumable})

	assert.Equal(t, 3, h.svc.RequestRestore(ctx))
	h.svc.Wait()

	mu.Lock()
	sort.Strings(submitted)
	assert.Equal(t, []string{"com.example.gold", "no_ads", "vip"}, submitted)
	mu.Unlock()

	assert.Equal(t, int32(2), jitterCalls.Load(), "every submission after the first is spaced")
	assert.True(t, h.svc.IsOwned("no_ads"))
	assert.True(t, h.svc.IsOwned("vip"))
	assert.True(t, h.svc.IsOwned("gold"))
}

func TestRequestRestore_Preconditions(t *testing.T) {
	ctx := context.Background()

	h := newHarness(t, nil, nil, nil)
	h.store.Record(models.Order{ProductID: "no_ads", TransactionID: "N1", Type: models.NonConsumable})
	h.store.SetConnected(false)
	assert.Zero(t, h.svc.RequestRestore(ctx))

	off := newHarness(t, nil, nil, func(o *Options) { o.Features = features.Defaults(true, false, true) })
	off.store.Record(models.Order{ProductID: "no_ads", TransactionID: "N1", Type: models.NonConsumable})
	assert.Zero(t, off.svc.RequestRestore(ctx))

	off.svc.Wait()
	assert.Zero(t, off.validateCalls.Load())
}

func TestRequestRestore_CloseCancelsPendingSubmissions(t *testing.T) {
	h := newHarness(t, nil, nil, nil)
	h.svc.jitter = func() time.Duration { return time.Hour }

	h.store.Record(models.Order{ProductID: "a", TransactionID: "A1", Type: models.NonConsumable})
	h.store.Record(models.Order{ProductID: "b", TransactionID: "B1", Type: models.NonConsumable})

	require.Equal(t, 2, h.svc.RequestRestore(context.Background()))

	done := make(chan struct{})
	go func() {
		h.svc.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not cancel the delayed restore")
	}
	assert.LessOrEqual(t, h.validateCalls.Load(), int32(1))
}

type stubValidator struct {
	decoded []receipt.DecodedReceipt
	err     error
}

func (v stubValidator) Validate([]byte) ([]receipt.DecodedReceipt, error) {
	return v.decoded, v.err
}

func TestRequestPurchase_LocalValidation(t *testing.T) {
	order := models.Order{ProductID: "no_ads", TransactionID: "T1", Type: models.NonConsumable, Receipt: "{}"}

	t.Run("deferred payment stays pending without a request", func(t *testing.T) {
		h := newHarness(t, nil, nil, func(o *Options) {
			o.LocalValidator = stubValidator{decoded: []receipt.DecodedReceipt{
				{ProductID: "no_ads", TransactionID: "T1", PurchaseState: receipt.StateDeferred},
			}}
		})
		assert.Equal(t, models.Pending, h.purchase(order))
		h.svc.Wait()
		assert.Zero(t, h.validateCalls.Load())
		assert.False(t, h.store.IsConfirmed("T1"))
	})

	t.Run("bad signature fails", func(t *testing.T) {
		h := newHarness(t, nil, nil, func(o *Options) {
			o.LocalValidator = stubValidator{err: receipt.ErrInvalidSignature}
		})
		assert.Equal(t, models.Failed, h.purchase(order))
		h.svc.Wait()
		assert.Zero(t, h.validateCalls.Load())
	})

	t.Run("valid receipt continues remotely", func(t *testing.T) {
		h := newHarness(t, nil, nil, func(o *Options) {
			o.LocalValidator = stubValidator{decoded: []receipt.DecodedReceipt{
				{ProductID: "no_ads", TransactionID: "T1", PurchaseState: receipt.StatePurchased},
			}}
		})
		assert.Equal(t, models.Pending, h.purchase(order))
		h.svc.Wait()
		assert.Equal(t, int32(1), h.validateCalls.Load())
	})

	t.Run("valid receipt without remote validation", func(t *testing.T) {
		h := newHarness(t, nil, nil, func(o *Options) {
			o.Features = features.Defaults(true, false, true)
			o.LocalValidator = stubValidator{}
		})
		assert.Equal(t, models.Purchased, h.purchase(order))
	})
}

func TestNewService_RejectsNonPositiveDelay(t *testing.T) {
	_, err := NewService(Options{Policy: SyncPolicy{Mode: SyncDelay}})
	assert.Error(t, err)
}

func TestParseSyncMode(t *testing.T) {
	for in, want := range map[string]SyncMode{"": SyncDisabled, "once": SyncOnce, "DELAY": SyncDelay} {
		got, err := ParseSyncMode(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseSyncMode("sometimes")
	assert.Error(t, err)
}
