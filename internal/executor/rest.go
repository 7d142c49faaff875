package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/allocbot/internal/crypto"
	"github.com/alanyoungcy/allocbot/internal/domain"
)

const ordersPath = "/api/v1/orders"

// RESTConfig configures RESTVenue.
type RESTConfig struct {
	BaseURL string
	Timeout time.Duration
	Buffer  int
	Auth    crypto.HMACAuth
}

// RESTVenue submits market orders as HMAC-signed JSON over HTTP and cancels
// them with DELETE. The venue answers each order with its terminal status,
// which is forwarded as an execution report. 4xx answers are reports
// (rejections); transport errors and 5xx answers are returned as errors.
type RESTVenue struct {
	baseURL    string
	auth       crypto.HMACAuth
	httpClient *http.Client
	reports    chan domain.ExecutionReport
	logger     *slog.Logger

	mu     sync.RWMutex
	closed bool
}

type restOrder struct {
	ClientOrderID  string  `json:"client_order_id"`
	Instrument     string  `json:"instrument"`
	Side           string  `json:"side"`
	Type           string  `json:"type"`
	Quantity       float64 `json:"quantity"`
	ReferencePrice float64 `json:"reference_price"`
}

type restOrderResponse struct {
	OrderID  string    `json:"order_id"`
	Status   string    `json:"status"`
	Price    float64   `json:"price"`
	Quantity float64   `json:"quantity"`
	Message  string    `json:"message"`
	FilledAt time.Time `json:"filled_at"`
}

// NewRESTVenue creates a RESTVenue.
func NewRESTVenue(cfg RESTConfig, logger *slog.Logger) *RESTVenue {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	buf := cfg.Buffer
	if buf < 1 {
		buf = 256
	}
	return &RESTVenue{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		auth:       cfg.Auth,
		httpClient: &http.Client{Timeout: timeout},
		reports:    make(chan domain.ExecutionReport, buf),
		logger:     logger.With(slog.String("component", "rest_venue")),
	}
}

// Submit implements OrderPlacer. It blocks for the HTTP round trip, so it is
// called from the GuardedPlacer worker rather than from a controller loop.
func (v *RESTVenue) Submit(ctx context.Context, req domain.OrderRequest) error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.closed {
		return fmt.Errorf("rest: submit %s: %w", req.ID, domain.ErrVenueUnavailable)
	}
	if req.Purpose == domain.PurposeCancel {
		return v.cancel(ctx, req)
	}

	body, err := json.Marshal(restOrder{
		ClientOrderID:  req.ID,
		Instrument:     req.Instrument,
		Side:           string(req.Side),
		Type:           string(req.Type),
		Quantity:       req.Quantity,
		ReferencePrice: req.ReferencePrice,
	})
	if err != nil {
		return fmt.Errorf("rest: marshal order: %w", err)
	}

	status, respBody, err := v.do(ctx, http.MethodPost, ordersPath, body)
	if err != nil {
		return err
	}

	rep := domain.ExecutionReport{
		OrderID:    req.ID,
		PositionID: req.PositionID,
		Instrument: req.Instrument,
		Purpose:    req.Purpose,
		Time:       time.Now().UTC(),
	}
	if status >= 400 {
		rep.Kind = domain.ReportRejected
		rep.Message = strings.TrimSpace(string(respBody))
	} else if err := decodeOrder(respBody, &rep); err != nil {
		return err
	}
	return v.emit(ctx, rep)
}

// cancel deletes the target order. The venue answers with the target's
// terminal status; an order it does not know was never live and is reported
// cancelled.
func (v *RESTVenue) cancel(ctx context.Context, req domain.OrderRequest) error {
	path := ordersPath + "/" + url.PathEscape(req.CancelOrderID)
	status, respBody, err := v.do(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}

	rep := domain.ExecutionReport{
		OrderID:    req.CancelOrderID,
		PositionID: req.PositionID,
		Instrument: req.Instrument,
		Purpose:    domain.PurposeEntry,
		Time:       time.Now().UTC(),
	}
	switch {
	case status == http.StatusNotFound:
		rep.Kind = domain.ReportCancelled
		rep.Message = "unknown at venue"
	case status >= 400:
		return fmt.Errorf("rest: cancel %s refused: status %d: %s", req.CancelOrderID, status, strings.TrimSpace(string(respBody)))
	default:
		if err := decodeOrder(respBody, &rep); err != nil {
			return err
		}
	}
	return v.emit(ctx, rep)
}

// do sends a signed request. 401/403, 429 and 5xx answers are errors; other
// statuses are returned with the body.
func (v *RESTVenue) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, method, v.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("rest: create request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	for k, val := range v.auth.Headers(method, path, string(body)) {
		httpReq.Header.Set(k, val)
	}

	resp, err := v.httpClient.Do(httpReq)
	if err != nil {
		return 0, nil, fmt.Errorf("rest: http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("rest: read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return 0, nil, fmt.Errorf("rest: status %d: %w", resp.StatusCode, domain.ErrUnauthorized)
	case resp.StatusCode == http.StatusTooManyRequests:
		return 0, nil, fmt.Errorf("rest: status %d: %w", resp.StatusCode, domain.ErrRateLimited)
	case resp.StatusCode >= 500:
		return 0, nil, fmt.Errorf("rest: status %d: %s: %w", resp.StatusCode, string(respBody), domain.ErrVenueUnavailable)
	}
	return resp.StatusCode, respBody, nil
}

func decodeOrder(body []byte, rep *domain.ExecutionReport) error {
	var or restOrderResponse
	if err := json.Unmarshal(body, &or); err != nil {
		return fmt.Errorf("rest: decode response: %w", err)
	}
	kind, err := reportKind(or.Status)
	if err != nil {
		return err
	}
	rep.Kind = kind
	rep.Price = or.Price
	rep.Quantity = or.Quantity
	rep.Message = or.Message
	if !or.FilledAt.IsZero() {
		rep.Time = or.FilledAt.UTC()
	}
	return nil
}

func (v *RESTVenue) emit(ctx context.Context, rep domain.ExecutionReport) error {
	select {
	case v.reports <- rep:
	case <-ctx.Done():
		return ctx.Err()
	}
	v.logger.InfoContext(ctx, "order reported",
		slog.String("order_id", rep.OrderID),
		slog.String("kind", string(rep.Kind)),
		slog.Float64("price", rep.Price),
	)
	return nil
}

func reportKind(status string) (domain.ReportKind, error) {
	switch strings.ToLower(status) {
	case "filled":
		return domain.ReportFilled, nil
	case "rejected":
		return domain.ReportRejected, nil
	case "cancelled", "canceled", "expired":
		return domain.ReportCancelled, nil
	}
	return "", fmt.Errorf("rest: non-terminal order status %q", status)
}

// Reports implements Venue.
func (v *RESTVenue) Reports() <-chan domain.ExecutionReport {
	return v.reports
}

// Close stops accepting orders and closes the report channel.
func (v *RESTVenue) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.closed {
		v.closed = true
		close(v.reports)
	}
	return nil
}
