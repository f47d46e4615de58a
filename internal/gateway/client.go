// Package gateway implements payment.Gateway over the provider's REST API.
package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/pos-checkout/internal/domain/payment"
)

// Config configures the gateway client.
type Config struct {
	URL                string
	APIKey             string
	Timeout            time.Duration
	BreakerFailures    uint32
	BreakerOpenTimeout time.Duration
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway responded %d: %s", e.Code, e.Body)
}

// Client talks to the payment provider. Every call goes through a circuit
// breaker; client errors (4xx) do not count as breaker failures.
type Client struct {
	base   string
	apiKey string
	http   *http.Client
	cb     *gobreaker.CircuitBreaker
}

var _ payment.Gateway = (*Client)(nil)

// NewClient creates a Client. tp may be nil.
func NewClient(cfg Config, tp trace.TracerProvider, lg *zap.Logger) (*Client, error) {
	if _, err := url.ParseRequestURI(cfg.URL); err != nil {
		return nil, errors.Wrap(err, "parse gateway url")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerOpenTimeout <= 0 {
		cfg.BreakerOpenTimeout = 30 * time.Second
	}
	if lg == nil {
		lg = zap.NewNop()
	}

	var opts []otelhttp.Option
	if tp != nil {
		opts = append(opts, otelhttp.WithTracerProvider(tp))
	}

	settings := gobreaker.Settings{
		Name:        "PaymentGateway",
		MaxRequests: 1,
		Timeout:     cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			var se *StatusError
			if errors.As(err, &se) {
				return se.Code < http.StatusInternalServerError
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			lg.Warn("Circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}

	return &Client{
		base:   strings.TrimRight(cfg.URL, "/"),
		apiKey: cfg.APIKey,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport, opts...),
		},
		cb: gobreaker.NewCircuitBreaker(settings),
	}, nil
}

// SettleSync implements payment.Gateway.
func (c *Client) SettleSync(ctx context.Context, orderID string, amount decimal.Decimal, method payment.Method) (payment.SyncResult, error) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	e.Obj(func(e *jx.Encoder) {
		e.Field("order_id", func(e *jx.Encoder) { e.Str(orderID) })
		e.Field("amount", func(e *jx.Encoder) { e.Num(jx.Num(amount.StringFixed(2))) })
		e.Field("method", func(e *jx.Encoder) { e.Str(string(method)) })
	})

	var (
		status string
		reason string
	)
	err := c.do(ctx, http.MethodPost, "/v1/payments/offline", e.Bytes(), func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "status":
			status, err = d.Str()
		case "reason":
			reason, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		return payment.SyncResult{}, errors.Wrap(err, "settle offline")
	}

	switch payment.GatewayStatus(status) {
	case payment.GatewayCompleted:
		return payment.SyncResult{Status: payment.StatusCompleted}, nil
	case payment.GatewayFailed, payment.GatewayCanceled:
		if reason == "" {
			reason = payment.ReasonDeclined
		}
		return payment.SyncResult{Status: payment.StatusFailed, Reason: reason}, nil
	default:
		return payment.SyncResult{}, errors.Errorf("unexpected offline status %q", status)
	}
}

// InitiateAsync implements payment.Gateway.
func (c *Client) InitiateAsync(ctx context.Context, orderID string, amount decimal.Decimal) (*payment.Session, error) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	e.Obj(func(e *jx.Encoder) {
		e.Field("order_id", func(e *jx.Encoder) { e.Str(orderID) })
		e.Field("amount", func(e *jx.Encoder) { e.Num(jx.Num(amount.StringFixed(2))) })
	})

	var s payment.Session
	err := c.do(ctx, http.MethodPost, "/v1/payments", e.Bytes(), func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "reference":
			s.Reference, err = d.Str()
		case "url":
			s.URL, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "initiate payment")
	}
	if s.URL == "" {
		return nil, errors.New("initiate payment: empty url")
	}
	return &s, nil
}

// PollStatus implements payment.Gateway.
func (c *Client) PollStatus(ctx context.Context, orderID string) (payment.GatewayStatus, error) {
	var status string
	err := c.do(ctx, http.MethodGet, "/v1/payments/"+url.PathEscape(orderID), nil, func(d *jx.Decoder, key string) error {
		if key != "status" {
			return d.Skip()
		}
		var err error
		status, err = d.Str()
		return err
	})
	if err != nil {
		return "", errors.Wrap(err, "poll payment")
	}

	switch s := payment.GatewayStatus(status); s {
	case payment.GatewayPending, payment.GatewayCompleted, payment.GatewayFailed, payment.GatewayCanceled:
		return s, nil
	default:
		return "", errors.Errorf("unknown payment status %q", status)
	}
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, field func(d *jx.Decoder, key string) error) error {
	_, err := c.cb.Execute(func() (interface{}, error) {
		var r io.Reader
		if body != nil {
			r = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, errors.Wrap(err, "read body")
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
		}

		if err := jx.DecodeBytes(data).Obj(field); err != nil {
			return nil, errors.Wrap(err, "decode response")
		}
		return nil, nil
	})
	return err
}
