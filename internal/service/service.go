package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/exp/rand"

	"receipt-validator/internal/events"
	"receipt-validator/internal/features"
	"receipt-validator/internal/inventory"
	"receipt-validator/internal/metrics"
	"receipt-validator/internal/models"
	"receipt-validator/internal/platform"
	"receipt-validator/internal/receipt"
)

// DefaultHistoryWindow is how long a persisted purchase history marker keeps
// inventory syncs alive for a client without local receipts (about a month).
const DefaultHistoryWindow = 2628000 * time.Second

// ErrMissingTransaction is reported for orders without a transaction id.
var ErrMissingTransaction = errors.New("order has no transaction id")

// Store is the platform purchasing collaborator.
type Store interface {
	Connected() bool
	Orders() []models.Order
	PendingOrderFor(productID, transactionID string) (models.Order, bool)
	Confirm(order models.Order) error
	HasReceipt(productID string) bool
}

// Remote submits receipts to and reads inventories from the validation service.
type Remote interface {
	Validate(ctx context.Context, req models.ValidationRequest) (*models.ValidationResponse, []byte, error)
	FetchInventory(ctx context.Context, userID string) ([]models.PurchaseRecord, error)
}

// StateStore persists the history marker and the last known records.
type StateStore interface {
	HistoryMarker(ctx context.Context) (time.Time, bool, error)
	SetHistoryMarker(ctx context.Context, at time.Time) error
	ClearHistoryMarker(ctx context.Context) error
	UpsertPurchase(ctx context.Context, rec models.PurchaseRecord) error
	ReplacePurchases(ctx context.Context, recs []models.PurchaseRecord) error
	LoadPurchases(ctx context.Context) ([]models.PurchaseRecord, error)
}

// SyncMode selects when inventory syncs may run.
type SyncMode int

const (
	SyncDisabled SyncMode = iota
	SyncOnce
	SyncDelay
)

// SyncPolicy gates RequestInventory. Delay is only used with SyncDelay.
type SyncPolicy struct {
	Mode  SyncMode
	Delay time.Duration
}

// ParseSyncMode accepts "disabled", "once" and "delay".
func ParseSyncMode(s string) (SyncMode, error) {
	switch strings.ToLower(s) {
	case "", "disabled", "off":
		return SyncDisabled, nil
	case "once":
		return SyncOnce, nil
	case "delay":
		return SyncDelay, nil
	}
	return SyncDisabled, fmt.Errorf("unknown sync policy %q", s)
}

// Options holds the collaborators and settings of a Service.
type Options struct {
	Platform   platform.Platform
	Storefront platform.Storefront
	BundleID   string
	UserID     string

	Store  Store
	Remote Remote
	State  StateStore

	// LocalOptions configures the storefront's local validator. LocalValidator
	// overrides the factory; either is only used where the platform supports
	// local validation.
	LocalOptions   receipt.Options
	LocalValidator receipt.Validator

	Events   *events.Manager
	Features *features.Manager
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	Policy        SyncPolicy
	HistoryWindow time.Duration
	// RestoreJitter returns the spacing before each restore submission after
	// the first. Defaults to a uniform 2-5s.
	RestoreJitter func() time.Duration
	// InFlightCapacity bounds the set of transactions currently being validated.
	InFlightCapacity int
	Now              func() time.Time
}

// Service is the purchase validation engine.
type Service struct {
	platform   platform.Platform
	storefront platform.Storefront
	bundleID   string
	gate       platform.Gate

	store  Store
	remote Remote
	state  StateStore
	local  receipt.Validator

	inventory *inventory.Store
	events    *events.Manager
	features  *features.Manager
	metrics   *metrics.Metrics
	logger    *slog.Logger
	tracer    trace.Tracer

	policy        SyncPolicy
	historyWindow time.Duration
	jitter        func() time.Duration
	now           func() time.Time

	inFlight *lru.Cache[string, time.Time]

	mu       sync.Mutex
	userID   string
	syncing  bool
	lastSync time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates a new engine. It performs no I/O.
func NewService(opts Options) (*Service, error) {
	if opts.Events == nil {
		opts.Events = events.NewManager()
	}
	if opts.Features == nil {
		opts.Features = features.Defaults(true, true, true)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = DefaultHistoryWindow
	}
	if opts.RestoreJitter == nil {
		opts.RestoreJitter = defaultJitter
	}
	if opts.InFlightCapacity <= 0 {
		opts.InFlightCapacity = 256
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Policy.Mode == SyncDelay && opts.Policy.Delay <= 0 {
		return nil, fmt.Errorf("sync policy delay must be positive")
	}

	inFlight, err := lru.New[string, time.Time](opts.InFlightCapacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create in-flight cache: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		platform:      opts.Platform,
		storefront:    opts.Storefront,
		bundleID:      opts.BundleID,
		store:         opts.Store,
		remote:        opts.Remote,
		state:         opts.State,
		inventory:     inventory.New(),
		events:        opts.Events,
		features:      opts.Features,
		metrics:       opts.Metrics,
		logger:        opts.Logger.With("component", "service"),
		tracer:        otel.Tracer("receipt-validator/service"),
		policy:        opts.Policy,
		historyWindow: opts.HistoryWindow,
		jitter:        opts.RestoreJitter,
		now:           opts.Now,
		inFlight:      inFlight,
		userID:        opts.UserID,
		ctx:           ctx,
		cancel:        cancel,
	}

	if s.gate.SupportsLocalValidation(s.platform, s.storefront) {
		if opts.LocalValidator != nil {
			s.local = opts.LocalValidator
		} else if v, ok := receipt.ForStorefront(s.storefront, opts.LocalOptions); ok {
			s.local = v
		}
	}

	return s, nil
}

func defaultJitter() time.Duration {
	return 2*time.Second + time.Duration(rand.Int63n(int64(3*time.Second)))
}

// Events returns the manager validation and inventory events are published on.
func (s *Service) Events() *events.Manager { return s.events }

// SetUserID sets the opaque user id sent with validation and inventory requests.
func (s *Service) SetUserID(id string) {
	s.mu.Lock()
	s.userID = id
	s.mu.Unlock()
}

// UserID returns the current user id, possibly assigned by the server.
func (s *Service) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// adoptUser keeps a server assigned user id unless one is already set.
func (s *Service) adoptUser(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.userID == "" {
		s.userID = id
		s.logger.Info("adopted server user id", "user_id", id)
	}
}

// IsOwned reports whether productID is owned. While inventory syncing is
// enabled this requires an active inventory record under the app or store
// product id; otherwise only the presence of a local store receipt is checked.
func (s *Service) IsOwned(productID string) bool {
	if s.syncEnabled() {
		if s.inventory.IsActive(productID) {
			return true
		}
		storeID, ok := s.storeIDFor(productID)
		return ok && s.inventory.IsActive(storeID)
	}
	return s.store != nil && s.store.HasReceipt(productID)
}

func (s *Service) syncEnabled() bool {
	return s.policy.Mode != SyncDisabled && s.features.IsEnabled(features.InventorySync)
}

// storeIDFor maps an app product id to the store product id of its orders.
func (s *Service) storeIDFor(productID string) (string, bool) {
	if s.store == nil {
		return "", false
	}
	for _, o := range s.store.Orders() {
		if o.ProductID == productID && o.StoreID() != productID {
			return o.StoreID(), true
		}
	}
	return "", false
}

// Inventory returns a copy of the current inventory snapshot.
func (s *Service) Inventory() models.InventorySnapshot {
	return s.inventory.Snapshot()
}

// LoadPersisted seeds the inventory with the records of earlier sessions.
func (s *Service) LoadPersisted(ctx context.Context) error {
	if s.state == nil {
		return nil
	}
	recs, err := s.state.LoadPurchases(ctx)
	if err != nil {
		return fmt.Errorf("failed to load persisted purchases: %w", err)
	}
	for _, rec := range recs {
		s.inventory.Upsert(rec)
	}
	s.metrics.InventorySize.Set(float64(s.inventory.Len()))
	s.logger.Info("loaded persisted purchases", "count", len(recs))
	return nil
}

// Wait blocks until every background validation, sync and restore task is done.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Close cancels background work and waits for it to stop.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}

// remoteSupported reports whether receipts may be sent to the service at all.
func (s *Service) remoteSupported() bool {
	return s.remote != nil && s.gate.SupportsRemoteValidation(s.platform, s.storefront)
}

// detach derives a context for background work that outlives the caller's
// request but stops when the service is closed.
func (s *Service) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	bg, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(s.ctx, cancel)
	return bg, func() {
		stop()
		cancel()
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
