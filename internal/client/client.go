// Package client talks to the remote receipt validation and inventory service.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"receipt-validator/internal/models"
)

// RateLimitedCode is the error code the validation service returns when the
// caller sends too many requests.
const RateLimitedCode = 10130

const defaultMaxResponseSize = 1 << 20

var (
	// ErrMalformedResponse is returned when a response body is not the expected JSON.
	ErrMalformedResponse = errors.New("client: malformed response")
)

// TransportError means no usable response was received.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("client: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ServerError is a parsed response that rejects the request.
type ServerError struct {
	Status  int
	Code    int
	Message string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("client: server returned status %d without data", e.Status)
	}
	return fmt.Sprintf("client: server rejected request (status %d, code %d): %s", e.Status, e.Code, e.Message)
}

// RateLimited reports whether the server asked the caller to slow down.
func (e *ServerError) RateLimited() bool {
	return e.Code == RateLimitedCode || e.Status == http.StatusTooManyRequests
}

// IsTransport reports whether err is a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsRateLimited reports whether err is a rate limited ServerError.
func IsRateLimited(err error) bool {
	var se *ServerError
	return errors.As(err, &se) && se.RateLimited()
}

// Options configures a Client.
type Options struct {
	HTTPClient         *http.Client
	ValidationEndpoint string
	InventoryEndpoint  string
	AppID              string
	// Method is POST or PUT; defaults to POST.
	Method          string
	MaxResponseSize int64
	// InventoryRetries bounds the retries of a failed inventory fetch.
	InventoryRetries int
	// BackOff builds the retry schedule; defaults to exponential backoff.
	BackOff func() backoff.BackOff
}

// Client is a minimal validation service client.
type Client struct {
	httpClient    *http.Client
	validationURL string
	inventoryURL  string
	appID         string
	method        string
	maxBody       int64
	retries       uint64
	newBackOff    func() backoff.BackOff
	tracer        trace.Tracer
}

// New constructs a new client.
func New(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	method := strings.ToUpper(opts.Method)
	if method != http.MethodPut {
		method = http.MethodPost
	}
	maxBody := opts.MaxResponseSize
	if maxBody <= 0 {
		maxBody = defaultMaxResponseSize
	}
	retries := opts.InventoryRetries
	if retries < 0 {
		retries = 0
	}
	newBackOff := opts.BackOff
	if newBackOff == nil {
		newBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxElapsedTime = 30 * time.Second
			return b
		}
	}

	return &Client{
		httpClient:    httpClient,
		validationURL: strings.TrimRight(opts.ValidationEndpoint, "/"),
		inventoryURL:  strings.TrimRight(opts.InventoryEndpoint, "/"),
		appID:         opts.AppID,
		method:        method,
		maxBody:       maxBody,
		retries:       uint64(retries),
		newBackOff:    newBackOff,
		tracer:        otel.Tracer("receipt-validator/client"),
	}
}

// Validate submits a receipt. The raw body is returned whenever one was read,
// also alongside ErrMalformedResponse and *ServerError. A *TransportError
// comes with a nil body; a 5xx whose body is not JSON is one too.
func (c *Client) Validate(ctx context.Context, req models.ValidationRequest) (*models.ValidationResponse, []byte, error) {
	ctx, span := c.tracer.Start(ctx, "client.Validate", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("iap.store", req.Store),
		attribute.String("iap.product_id", req.Pid),
		attribute.String("iap.type", req.Type),
	)

	body, err := json.Marshal(req)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode validation request: %w", err)
	}

	endpoint := c.validationURL + "/" + url.PathEscape(c.appID)
	status, raw, err := c.do(ctx, c.method, endpoint, body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport")
		return nil, nil, err
	}
	span.SetAttributes(attribute.Int("http.status_code", status))

	var resp models.ValidationResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		if status == http.StatusTooManyRequests {
			return nil, raw, &ServerError{Status: status}
		}
		// A gateway error page never reached the service.
		if status >= 500 {
			span.SetStatus(codes.Error, "transport")
			return nil, nil, &TransportError{Op: "validate", Err: fmt.Errorf("status %d without a service response", status)}
		}
		span.SetStatus(codes.Error, "malformed")
		return nil, raw, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	if !resp.Succeeded() {
		serr := &ServerError{Status: status, Code: resp.Code, Message: resp.Error}
		span.SetStatus(codes.Error, serr.Error())
		return &resp, raw, serr
	}
	return &resp, raw, nil
}

// FetchInventory returns every purchase record the service holds for userID.
// Transport failures and 5xx responses are retried.
func (c *Client) FetchInventory(ctx context.Context, userID string) ([]models.PurchaseRecord, error) {
	ctx, span := c.tracer.Start(ctx, "client.FetchInventory", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	endpoint := c.inventoryURL + "/" + url.PathEscape(c.appID) + "/" + url.PathEscape(userID)

	var records []models.PurchaseRecord
	operation := func() error {
		status, raw, err := c.do(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		if status >= 500 {
			return &ServerError{Status: status}
		}
		if status >= 300 {
			return backoff.Permanent(&ServerError{Status: status, Message: strings.TrimSpace(string(raw))})
		}

		var resp models.InventoryResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return backoff.Permanent(fmt.Errorf("%w: %v", ErrMalformedResponse, err))
		}

		records = make([]models.PurchaseRecord, 0, len(resp.Purchases))
		for _, p := range resp.Purchases {
			records = append(records, p.Data)
		}
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), c.retries), ctx)
	if err := backoff.Retry(operation, b); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "inventory fetch failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int("iap.purchases", len(records)))
	return records, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, nil, &TransportError{Op: "build request", Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, &TransportError{Op: method + " " + endpoint, Err: err}
	}
	defer resp.Body.Close()

	raw, err := readAllWithLimit(resp.Body, c.maxBody)
	if err != nil {
		return resp.StatusCode, nil, &TransportError{Op: "read body", Err: err}
	}
	return resp.StatusCode, raw, nil
}

// readAllWithLimit reads r up to limit bytes and fails if there is more.
func readAllWithLimit(r io.Reader, limit int64) ([]byte, error) {
	lr := &io.LimitedReader{R: r, N: limit + 1}
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("response body exceeded limit of %d bytes", limit)
	}
	return data, nil
}
