package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	id "efiling/pkg/domain"
	"efiling/pkg/platform/circuit"
)

const (
	IdempotencyHeader = "Idempotency-Key"
	maxBodyBytes      = 1 << 20
)

// HTTPClient calls the authority's REST API:
//
//	POST /v1/returns                      submit, keyed by Idempotency-Key
//	GET  /v1/returns/{filingID}/status    processing stage, 404 when unknown
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	breaker *circuit.Breaker
	logger  *slog.Logger
	metrics *Metrics
}

type HTTPOption func(*HTTPClient)

func WithLogger(logger *slog.Logger) HTTPOption {
	return func(c *HTTPClient) { c.logger = logger }
}

func WithMetrics(m *Metrics) HTTPOption {
	return func(c *HTTPClient) { c.metrics = m }
}

func WithBreaker(b *circuit.Breaker) HTTPOption {
	return func(c *HTTPClient) { c.breaker = b }
}

// WithHTTPClient replaces the instrumented default client.
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(c *HTTPClient) { c.http = hc }
}

func NewHTTPClient(baseURL, apiKey string, timeout time.Duration, opts ...HTTPOption) *HTTPClient {
	c := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		breaker: circuit.New("authority"),
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type errorBody struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Reasons []string `json:"reasons"`
}

func (c *HTTPClient) Submit(ctx context.Context, req SubmitRequest) (*Ack, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, NewError(ErrorInternal, "submit", "encode request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/returns", bytes.NewReader(body))
	if err != nil {
		return nil, NewError(ErrorInternal, "submit", "build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(IdempotencyHeader, req.IdempotencyKey)

	var ack Ack
	err = c.do(httpReq, "submit", func(status int, raw []byte) error {
		switch {
		case status == http.StatusOK || status == http.StatusCreated:
			if err := json.Unmarshal(raw, &ack); err != nil || ack.AckNumber == "" {
				return NewError(ErrorContractMismatch, "submit", "acknowledgment without ack number", err)
			}
			return nil
		case status == http.StatusUnprocessableEntity:
			var eb errorBody
			_ = json.Unmarshal(raw, &eb)
			reasons := eb.Reasons
			if len(reasons) == 0 && eb.Message != "" {
				reasons = []string{eb.Message}
			}
			return Rejected(reasons...)
		}
		return statusError("submit", status, raw)
	})
	if err != nil {
		return nil, err
	}
	return &ack, nil
}

func (c *HTTPClient) Status(ctx context.Context, filingID id.FilingID) (*Status, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/returns/"+filingID.String()+"/status", nil)
	if err != nil {
		return nil, NewError(ErrorInternal, "status", "build request", err)
	}
	var st Status
	err = c.do(httpReq, "status", func(status int, raw []byte) error {
		switch status {
		case http.StatusOK:
			if err := json.Unmarshal(raw, &st); err != nil {
				return NewError(ErrorContractMismatch, "status", "malformed status body", err)
			}
			st.Found = true
			return nil
		case http.StatusNotFound:
			st = Status{Found: false}
			return nil
		}
		return statusError("status", status, raw)
	})
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// do runs one request through the breaker and classifies transport failures.
// decode classifies the response by status code.
func (c *HTTPClient) do(req *http.Request, op string, decode func(status int, body []byte) error) error {
	start := time.Now()
	if !c.breaker.Allow() {
		err := NewError(ErrorUnreachable, op, "circuit breaker open", nil)
		c.metrics.observe(op, err, 0)
		return err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	err := c.roundTrip(req, op, decode)
	c.metrics.observe(op, err, time.Since(start).Seconds())
	c.record(req.Context(), err)
	return err
}

func (c *HTTPClient) roundTrip(req *http.Request, op string, decode func(int, []byte) error) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(op, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return transportError(op, err)
	}
	return decode(resp.StatusCode, raw)
}

// record feeds the breaker. Only failures that say something about the
// authority's health count against it.
func (c *HTTPClient) record(ctx context.Context, err error) {
	var change circuit.Change
	switch CategoryOf(err) {
	case ErrorTimeout, ErrorOutage, ErrorUnreachable:
		_, change = c.breaker.RecordFailure()
	default:
		_, change = c.breaker.RecordSuccess()
	}
	if change.Opened {
		c.metrics.breaker(true)
		c.logger.WarnContext(ctx, "authority circuit breaker opened", "error", err)
	}
	if change.Closed {
		c.metrics.breaker(false)
		c.logger.InfoContext(ctx, "authority circuit breaker closed")
	}
}

func transportError(op string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NewError(ErrorTimeout, op, "request timed out", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewError(ErrorTimeout, op, "request timed out", err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return NewError(ErrorUnreachable, op, "connection failed", err)
	}
	return NewError(ErrorOutage, op, "transport error", err)
}

func statusError(op string, status int, raw []byte) *Error {
	var eb errorBody
	_ = json.Unmarshal(raw, &eb)
	msg := fmt.Sprintf("unexpected status %d", status)
	if eb.Message != "" {
		msg += ": " + eb.Message
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return NewError(ErrorAuthentication, op, msg, nil)
	case status == http.StatusTooManyRequests:
		return NewError(ErrorRateLimited, op, msg, nil)
	case status == http.StatusGatewayTimeout || status == http.StatusRequestTimeout:
		return NewError(ErrorTimeout, op, msg, nil)
	case status >= 500:
		return NewError(ErrorOutage, op, msg, nil)
	}
	return NewError(ErrorContractMismatch, op, msg, nil)
}
