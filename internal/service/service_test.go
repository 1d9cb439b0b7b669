package service

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"receipt-validator/internal/cache"
	"receipt-validator/internal/client"
	"receipt-validator/internal/events"
	"receipt-validator/internal/features"
	"receipt-validator/internal/models"
	"receipt-validator/internal/platform"
	"receipt-validator/internal/store"
)

type harness struct {
	svc   *Service
	store *store.MemoryStore
	state *cache.StateStore
	srv   *httptest.Server

	validateCalls  atomic.Int32
	inventoryCalls atomic.Int32

	mu        sync.Mutex
	completed []events.ValidationCompletedData
	ready     []models.InventorySnapshot
}

func newHarness(t *testing.T, validate, inventory http.HandlerFunc, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{
		store: store.NewMemoryStore(),
		state: cache.NewStateStore(cache.NewInMemoryCache(), "test"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/receipt/", func(w http.ResponseWriter, r *http.Request) {
		h.validateCalls.Add(1)
		if validate == nil {
			w.Write([]byte(`{"data":{"productId":"coins","status":0}}`))
			return
		}
		validate(w, r)
	})
	mux.HandleFunc("/user/", func(w http.ResponseWriter, r *http.Request) {
		h.inventoryCalls.Add(1)
		if inventory == nil {
			w.Write([]byte(`{"purchases":[]}`))
			return
		}
		inventory(w, r)
	})
	h.srv = httptest.NewServer(mux)
	t.Cleanup(h.srv.Close)

	opts := Options{
		Platform:   platform.Android,
		Storefront: platform.GooglePlay,
		BundleID:   "com.example.game",
		Store:      h.store,
		State:      h.state,
		Remote: client.New(client.Options{
			HTTPClient:         h.srv.Client(),
			ValidationEndpoint: h.srv.URL + "/receipt",
			InventoryEndpoint:  h.srv.URL + "/user",
			AppID:              "app-1",
		}),
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		Policy:        SyncPolicy{Mode: SyncOnce},
		RestoreJitter: func() time.Duration { return time.Millisecond },
	}
	if mutate != nil {
		mutate(&opts)
	}

	svc, err := NewService(opts)
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	h.svc = svc

	svc.Events().Subscribe(events.EventValidationCompleted, func(ctx context.Context, e events.Event) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.completed = append(h.completed, e.Data.(events.ValidationCompletedData))
	})
	svc.Events().Subscribe(events.EventInventoryReady, func(ctx context.Context, e events.Event) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.ready = append(h.ready, e.Data.(events.InventoryReadyData).Snapshot)
	})
	return h
}

func (h *harness) purchase(order models.Order) models.Outcome {
	h.store.Record(order)
	return h.svc.RequestPurchase(context.Background(), order)
}

func (h *harness) completions() []events.ValidationCompletedData {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]events.ValidationCompletedData(nil), h.completed...)
}

func TestRequestPurchase_EmptyTransactionFails(t *testing.T) {
	h := newHarness(t, nil, nil, nil)

	outcome := h.svc.RequestPurchase(context.Background(), models.Order{ProductID: "coins", Type: models.Consumable})
	h.svc.Wait()

	assert.Equal(t, models.Failed, outcome)
	assert.Zero(t, h.validateCalls.Load())
}

func TestRequestPurchase_UnsupportedPlatformFailsOpen(t *testing.T) {
	cases := []struct {
		platform   platform.Platform
		storefront platform.Storefront
	}{
		{platform.Editor, platform.FakeStore},
		{platform.Windows, platform.WindowsStore},
		{platform.Android, platform.AmazonAppStore},
	}

	for _, tc := range cases {
		h := newHarness(t, nil, nil, func(o *Options) {
			o.Platform = tc.platform
			o.Storefront = tc.storefront
		})
		outcome := h.purchase(models.Order{ProductID: "coins", TransactionID: "T1", Type: models.Consumable})
		h.svc.Wait()

		assert.Equal(t, models.Purchased, outcome, "%s/%s", tc.platform, tc.storefront)
		assert.Zero(t, h.validateCalls.Load())
	}
}

func TestRequestPurchase_StoreNotConnected(t *testing.T) {
	h := newHarness(t, nil, nil, nil)
	h.store.SetConnected(false)

	outcome := h.purchase(models.Order{ProductID: "coins", TransactionID: "T1"})
	h.svc.Wait()

	assert.Equal(t, models.Purchased, outcome)
	assert.Zero(t, h.validateCalls.Load())
}

func TestRequestPurchase_RemoteSuccess(t *testing.T) {
	var body string
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		w.Write([]byte(`{"data":{"productId":"coins","status":0,"type":"Consumable"}}`))
	}, nil, nil)

	var confirmedAtCallback bool
	h.svc.Events().Subscribe(events.EventValidationCompleted, func(ctx context.Context, e events.Event) {
		confirmedAtCallback = h.store.IsConfirmed("TXN1")
	})

	outcome := h.purchase(models.Order{ProductID: "coins", TransactionID: "TXN1", Type: models.Consumable})
	assert.Equal(t, models.Pending, outcome)
	h.svc.Wait()

	assert.Equal(t, int32(1), h.validateCalls.Load())
	assert.Contains(t, body, `"store":"GooglePlay"`)
	assert.Contains(t, body, `"type":"Consumable"`)
	assert.Contains(t, body, `"receipt":"TXN1"`)

	assert.True(t, h.store.IsConfirmed("TXN1"))
	assert.False(t, confirmedAtCallback, "validation.completed must fire before confirmation")

	done := h.completions()
	require.Len(t, done, 1)
	assert.True(t, done[0].Success)
	assert.Equal(t, "coins", done[0].Order.ProductID)
	assert.Contains(t, string(done[0].Raw), `"productId":"coins"`)

	rec, ok := h.svc.Inventory()["coins"]
	require.True(t, ok)
	assert.Equal(t, models.StatusActive, rec.Status)

	persisted, err := h.state.LoadPurchases(context.Background())
	require.NoError(t, err)
	assert.Len(t, persisted, 1)
}

func TestRequestPurchase_RateLimitedLeavesTransactionOpen(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":"rate limited","code":10130}`))
	}, nil, nil)

	outcome := h.purchase(models.Order{ProductID: "coins", TransactionID: "TXN1", Type: models.Consumable})
	h.svc.Wait()

	assert.Equal(t, models.Pending, outcome)
	assert.False(t, h.store.IsConfirmed("TXN1"))

	done := h.completions()
	require.Len(t, done, 1)
	assert.False(t, done[0].Success)
	assert.True(t, client.IsRateLimited(done[0].Err))
	assert.Empty(t, h.svc.Inventory())
}

func TestRequestPurchase_TransportFailureLeavesTransactionOpen(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}, nil, nil)

	h.purchase(models.Order{ProductID: "no_ads", TransactionID: "TXN1", Type: models.NonConsumable})
	h.svc.Wait()

	assert.False(t, h.store.IsConfirmed("TXN1"))
	done := h.completions()
	require.Len(t, done, 1)
	assert.False(t, done[0].Success)
	assert.Nil(t, done[0].Raw)
	assert.True(t, client.IsTransport(done[0].Err))
}

func TestRequestPurchase_GatewayOutageLeavesTransactionOpen(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`<html>upstream unavailable</html>`))
	}, nil, nil)

	h.purchase(models.Order{ProductID: "no_ads", TransactionID: "TXN1", Type: models.NonConsumable})
	h.svc.Wait()

	assert.False(t, h.store.IsConfirmed("TXN1"))
	done := h.completions()
	require.Len(t, done, 1)
	assert.False(t, done[0].Success)
	assert.True(t, client.IsTransport(done[0].Err))
}

func TestRequestPurchase_RejectedClosesTransaction(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"receipt invalid","code":10100}`))
	}, nil, nil)

	h.purchase(models.Order{ProductID: "no_ads", TransactionID: "TXN1", Type: models.NonConsumable})
	h.svc.Wait()

	assert.True(t, h.store.IsConfirmed("TXN1"))
	done := h.completions()
	require.Len(t, done, 1)
	assert.False(t, done[0].Success)
	assert.Contains(t, string(done[0].Raw), "receipt invalid")
	assert.False(t, h.svc.IsOwned("no_ads"))
}

func TestRequestPurchase_MalformedResponseClosesTransaction(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}, nil, nil)

	h.purchase(models.Order{ProductID: "no_ads", TransactionID: "TXN1", Type: models.NonConsumable})
	h.svc.Wait()

	assert.True(t, h.store.IsConfirmed("TXN1"))
	done := h.completions()
	require.Len(t, done, 1)
	assert.False(t, done[0].Success)
	assert.Equal(t, `"not json"`, string(done[0].Raw))
}

func TestRequestPurchase_ConfirmsLivePendingOrder(t *testing.T) {
	var h *harness
	h = newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		// The store closes the transaction on its own and issues a new one
		// while validation is in flight.
		h.store.Confirm(models.Order{TransactionID: "TXN1"})
		h.store.Record(models.Order{ProductID: "no_ads", TransactionID: "TXN2", Type: models.NonConsumable})
		w.Write([]byte(`{"data":{"productId":"no_ads","status":0}}`))
	}, nil, nil)

	h.purchase(models.Order{ProductID: "no_ads", TransactionID: "TXN1", Type: models.NonConsumable})
	h.svc.Wait()

	assert.True(t, h.store.IsConfirmed("TXN2"), "expected the live pending order to be confirmed")
}

func TestRequestPurchase_ConfirmsOwnTransactionAmongSameProduct(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		var req models.ValidationRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Receipt == "TXN2" {
			w.Write([]byte(`{"error":"rate limited","code":10130}`))
			return
		}
		w.Write([]byte(`{"data":{"productId":"coins","status":0}}`))
	}, nil, nil)

	h.store.Record(models.Order{ProductID: "coins", TransactionID: "TXN1", Type: models.Consumable})
	h.store.Record(models.Order{ProductID: "coins", TransactionID: "TXN2", Type: models.Consumable})

	ctx := context.Background()
	assert.Equal(t, models.Pending, h.svc.RequestPurchase(ctx, models.Order{ProductID: "coins", TransactionID: "TXN1", Type: models.Consumable}))
	h.svc.Wait()
	assert.Equal(t, models.Pending, h.svc.RequestPurchase(ctx, models.Order{ProductID: "coins", TransactionID: "TXN2", Type: models.Consumable}))
	h.svc.Wait()

	assert.True(t, h.store.IsConfirmed("TXN1"), "validated transaction should be closed")
	assert.False(t, h.store.IsConfirmed("TXN2"), "rate limited transaction must stay open")
}

func TestRequestPurchase_DuplicateInFlightSubmittedOnce(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write([]byte(`{"data":{"productId":"coins","status":0}}`))
	}, nil, nil)

	order := models.Order{ProductID: "coins", TransactionID: "TXN1", Type: models.Consumable}
	assert.Equal(t, models.Pending, h.purchase(order))
	assert.Equal(t, models.Pending, h.purchase(order))

	close(release)
	h.svc.Wait()
	assert.Equal(t, int32(1), h.validateCalls.Load())
}

func TestRequestPurchase_AdoptsServerUser(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"productId":"coins","status":0},"user":"server-user"}`))
	}, nil, nil)

	h.purchase(models.Order{ProductID: "coins", TransactionID: "T1", Type: models.Consumable})
	h.svc.Wait()
	assert.Equal(t, "server-user", h.svc.UserID())

	h2 := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"productId":"coins","status":0},"user":"server-user"}`))
	}, nil, func(o *Options) { o.UserID = "local-user" })

	h2.purchase(models.Order{ProductID: "coins", TransactionID: "T1", Type: models.Consumable})
	h2.svc.Wait()
	assert.Equal(t, "local-user", h2.svc.UserID())
}

func TestIsOwned(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(readAll(r), "no_ads"):
			w.Write([]byte(`{"data":{"productId":"no_ads","status":4}}`))
		default:
			w.Write([]byte(`{"data":{"productId":"vip","status":2}}`))
		}
	}, nil, nil)

	h.purchase(models.Order{ProductID: "no_ads", TransactionID: "A", Type: models.NonConsumable})
	h.purchase(models.Order{ProductID: "vip", TransactionID: "B", Type: models.Subscription})
	h.svc.Wait()

	assert.True(t, h.svc.IsOwned("no_ads"))
	assert.False(t, h.svc.IsOwned("vip"))
	assert.False(t, h.svc.IsOwned("unknown"))

	// The runtime kill switch falls back to local receipts too.
	h.svc.features.Set(features.InventorySync, false)
	assert.True(t, h.svc.IsOwned("vip"), "vip still has a local receipt")
	h.svc.features.Set(features.InventorySync, true)
	assert.False(t, h.svc.IsOwned("vip"))

	// With syncing disabled only the local receipt counts.
	d := newHarness(t, nil, nil, func(o *Options) { o.Policy = SyncPolicy{Mode: SyncDisabled} })
	d.store.Record(models.Order{ProductID: "no_ads", TransactionID: "A", Type: models.NonConsumable})
	assert.True(t, d.svc.IsOwned("no_ads"))
	assert.False(t, d.svc.IsOwned("vip"))
}

func TestIsOwned_ResolvesStoreProductID(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"productId":"com.example.gold","status":0}}`))
	}, nil, nil)

	h.purchase(models.Order{ProductID: "gold", StoreProductID: "com.example.gold", TransactionID: "G1", Type: models.NonConsumable})
	h.svc.Wait()

	assert.True(t, h.svc.IsOwned("gold"))
	assert.True(t, h.svc.IsOwned("com.example.gold"))
	assert.False(t, h.svc.IsOwned("silver"))
}

func TestLoadPersisted(t *testing.T) {
	h := newHarness(t, nil, nil, nil)
	ctx := context.Background()
	require.NoError(t, h.state.ReplacePurchases(ctx, []models.PurchaseRecord{{ProductID: "no_ads", Status: models.StatusActive}}))

	require.NoError(t, h.svc.LoadPersisted(ctx))
	assert.True(t, h.svc.IsOwned("no_ads"))
}

func readAll(r *http.Request) string {
	b, _ := io.ReadAll(r.Body)
	return string(b)
}
