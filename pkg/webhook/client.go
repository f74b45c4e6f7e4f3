// Package webhook posts form-encoded callbacks to the external store and keeps
// them in a durable outbox until they are accepted.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/sipeed/wagate/pkg/logger"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderTimestamp      = "X-Wagate-Timestamp"
	HeaderSignature      = "X-Wagate-Signature"
)

// Endpoints called on the external store.
const (
	EndpointUpdateDevice        = "update_device"
	EndpointStoreMessage        = "store_message"
	EndpointUpdateMessageStatus = "update_message_status"
)

var tracer = otel.Tracer("github.com/sipeed/wagate/pkg/webhook")

// Options configures a Client. Zero values fall back to the defaults used by
// DefaultOptions.
type Options struct {
	BaseURL       string
	Secret        string
	Timeout       time.Duration
	Retries       int
	RetryWait     time.Duration
	RetryMaxWait  time.Duration
	RatePerSecond float64
	Burst         int
	MaxInFlight   int64
	Now           func() time.Time
}

func DefaultOptions(baseURL string) Options {
	return Options{
		BaseURL:       baseURL,
		Timeout:       10 * time.Second,
		Retries:       2,
		RetryWait:     500 * time.Millisecond,
		RetryMaxWait:  5 * time.Second,
		RatePerSecond: 20,
		Burst:         10,
		MaxInFlight:   16,
	}
}

// Request is one callback. ID is sent as the idempotency key.
type Request struct {
	ID       string
	Tenant   string
	Endpoint string
	Fields   map[string]string
}

// Response is the receiver's answer. Status mirrors the `status` flag of the
// JSON body and is false when the body is not JSON.
type Response struct {
	StatusCode int
	Status     bool
	Body       []byte
}

// DeliveryError reports a callback that failed after all retries.
type DeliveryError struct {
	Endpoint   string
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("webhook %s: %v", e.Endpoint, e.Err)
	}
	return fmt.Sprintf("webhook %s: unexpected status %d", e.Endpoint, e.StatusCode)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// IsDeliveryError reports whether err is a *DeliveryError.
func IsDeliveryError(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de)
}

// Client posts callbacks with bounded concurrency and pacing.
type Client struct {
	http    *resty.Client
	secret  string
	limiter *rate.Limiter
	sem     *semaphore.Weighted
	now     func() time.Time
}

func NewClient(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("webhook base URL is required")
	}
	if _, err := url.ParseRequestURI(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid webhook base URL: %w", err)
	}
	def := DefaultOptions(opts.BaseURL)
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.RetryWait <= 0 {
		opts.RetryWait = def.RetryWait
	}
	if opts.RetryMaxWait <= 0 {
		opts.RetryMaxWait = def.RetryMaxWait
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = def.MaxInFlight
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}

	rc := resty.New().
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetTimeout(opts.Timeout).
		SetRetryCount(opts.Retries).
		SetRetryWaitTime(opts.RetryWait).
		SetRetryMaxWaitTime(opts.RetryMaxWait).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})

	return &Client{
		http:    rc,
		secret:  opts.Secret,
		limiter: rate.NewLimiter(limit, burst),
		sem:     semaphore.NewWeighted(opts.MaxInFlight),
		now:     opts.Now,
	}, nil
}

// Sign returns the signature header value for body, or "" without a secret.
func Sign(secret string, body []byte) string {
	if secret == "" {
		return ""
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature header produced by Sign.
func Verify(secret string, body []byte, header string) bool {
	if !strings.HasPrefix(header, "sha256=") {
		return false
	}
	return hmac.Equal([]byte(header), []byte(Sign(secret, body)))
}

// Post sends req and returns the parsed response. A non-2xx answer after
// retries is a *DeliveryError.
func (c *Client) Post(ctx context.Context, req Request) (*Response, error) {
	ctx, span := tracer.Start(ctx, "webhook.post")
	defer span.End()
	span.SetAttributes(
		attribute.String("webhook.endpoint", req.Endpoint),
		attribute.String("webhook.tenant", req.Tenant),
		attribute.String("webhook.id", req.ID),
	)

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, &DeliveryError{Endpoint: req.Endpoint, Err: err}
	}
	defer c.sem.Release(1)

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &DeliveryError{Endpoint: req.Endpoint, Err: err}
	}

	body := encodeFields(req.Fields)
	r := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetHeader("Accept", "application/json").
		SetHeader(HeaderTimestamp, c.now().UTC().Format(time.RFC3339)).
		SetBody(body)
	if req.ID != "" {
		r.SetHeader(HeaderIdempotencyKey, req.ID)
	}
	if sig := Sign(c.secret, []byte(body)); sig != "" {
		r.SetHeader(HeaderSignature, sig)
	}

	resp, err := r.Post("/" + strings.TrimLeft(req.Endpoint, "/"))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, &DeliveryError{Endpoint: req.Endpoint, Err: err}
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode()))
	if !resp.IsSuccess() {
		derr := &DeliveryError{Endpoint: req.Endpoint, StatusCode: resp.StatusCode()}
		span.SetStatus(codes.Error, derr.Error())
		return nil, derr
	}

	out := &Response{StatusCode: resp.StatusCode(), Body: resp.Body()}
	var parsed struct {
		Status bool `json:"status"`
	}
	if err := json.Unmarshal(out.Body, &parsed); err == nil {
		out.Status = parsed.Status
	} else {
		logger.DebugCF("webhook", "Non-JSON webhook response", map[string]interface{}{
			"endpoint": req.Endpoint,
			"status":   resp.StatusCode(),
		})
	}
	return out, nil
}

func encodeFields(fields map[string]string) string {
	v := make(url.Values, len(fields))
	for k, val := range fields {
		v.Set(k, val)
	}
	return v.Encode()
}
