package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// WebhookRequest is one outbound webhook call.
type WebhookRequest struct {
	URL     string
	Method  string
	Headers map[string]string
	Body    map[string]interface{}
}

// HTTPConfig configures HTTPWebhookCaller.
type HTTPConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
	// RatePerSecond limits calls per host; 0 disables limiting.
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	Burst         int     `mapstructure:"burst"`
	// FailureThreshold consecutive failures open a host's breaker.
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`
}

// HTTPWebhookCaller posts JSON to webhook URLs. Each host gets its own
// circuit breaker and rate limiter.
type HTTPWebhookCaller struct {
	client   *http.Client
	cfg      HTTPConfig
	logger   *zap.Logger
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	limiters map[string]*rate.Limiter
}

// NewHTTPWebhookCaller creates a caller. Zero config fields take defaults.
func NewHTTPWebhookCaller(cfg HTTPConfig, logger *zap.Logger) *HTTPWebhookCaller {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPWebhookCaller{
		client:   &http.Client{Timeout: cfg.Timeout},
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		limiters: make(map[string]*rate.Limiter),
	}
}

func (c *HTTPWebhookCaller) forHost(host string) (*gobreaker.CircuitBreaker, *rate.Limiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cb, ok := c.breakers[host]
	if !ok {
		threshold := c.cfg.FailureThreshold
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        host,
			MaxRequests: 1,
			Timeout:     c.cfg.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				c.logger.Info("webhook breaker state changed",
					zap.String("host", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		})
		c.breakers[host] = cb
	}
	var lim *rate.Limiter
	if c.cfg.RatePerSecond > 0 {
		lim, ok = c.limiters[host]
		if !ok {
			lim = rate.NewLimiter(rate.Limit(c.cfg.RatePerSecond), c.cfg.Burst)
			c.limiters[host] = lim
		}
	}
	return cb, lim
}

// Call sends the request and returns the response status. Non-2xx
// responses are errors and count against the host's breaker.
func (c *HTTPWebhookCaller) Call(ctx context.Context, req WebhookRequest) (int, error) {
	u, err := url.Parse(req.URL)
	if err != nil || u.Host == "" {
		return 0, fmt.Errorf("invalid webhook url %q", req.URL)
	}
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}
	payload, err := json.Marshal(req.Body)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal webhook body: %w", err)
	}

	cb, lim := c.forHost(u.Host)
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return 0, err
		}
	}

	out, err := cb.Execute(func() (interface{}, error) {
		httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, bytes.NewReader(payload))
		if err != nil {
			return 0, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		for k, v := range req.Headers {
			httpReq.Header.Set(k, v)
		}
		resp, err := c.client.Do(httpReq)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return resp.StatusCode, fmt.Errorf("webhook %s returned %d", u.Host, resp.StatusCode)
		}
		return resp.StatusCode, nil
	})
	status, _ := out.(int)
	return status, err
}

// HTTPConnectorRuntime runs connector actions by posting to a configured
// base URL per connector, at {base}/{actionId}.
type HTTPConnectorRuntime struct {
	caller    WebhookCaller
	endpoints map[string]string
}

// NewHTTPConnectorRuntime creates a runtime over caller.
func NewHTTPConnectorRuntime(caller WebhookCaller, endpoints map[string]string) *HTTPConnectorRuntime {
	return &HTTPConnectorRuntime{caller: caller, endpoints: endpoints}
}

// Execute implements ConnectorRuntime.
func (r *HTTPConnectorRuntime) Execute(ctx context.Context, connectorID, actionID string, input map[string]interface{}) (map[string]interface{}, error) {
	base, ok := r.endpoints[connectorID]
	if !ok {
		return nil, fmt.Errorf("unknown connector %q", connectorID)
	}
	status, err := r.caller.Call(ctx, WebhookRequest{
		URL:  strings.TrimSuffix(base, "/") + "/" + url.PathEscape(actionID),
		Body: input,
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": status}, nil
}
