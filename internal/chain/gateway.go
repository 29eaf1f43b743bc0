package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Gateway client — HTTP to the external decrypt/sign/submit capability
// ---------------------------------------------------------------------------

// GatewayConfig configures the signer gateway client.
type GatewayConfig struct {
	BaseURL      string
	AuthToken    string
	Timeout      time.Duration
	RateLimitRPS float64
	// ReadRetries applies to balance and gas quotes only. Transfer is
	// never retried here; idempotency is the caller's concern.
	ReadRetries int
	// FailureThreshold consecutive transport failures open the breaker.
	FailureThreshold int64
	BreakerCooldown  time.Duration
}

// GatewayClient implements Client against the signer gateway. The gateway
// holds the keys; this process only ever sees addresses and receipts.
type GatewayClient struct {
	config     GatewayConfig
	httpClient *http.Client

	// Rate limiter (token bucket).
	limiter       chan struct{}
	limiterCancel context.CancelFunc

	// Circuit breaker.
	consecutiveErrors atomic.Int64
	circuitOpen       atomic.Bool

	// Stats.
	requestCount  atomic.Int64
	errorCount    atomic.Int64
	latencySum    atomic.Int64 // cumulative microseconds
	lastRequestAt atomic.Int64
}

// NewGatewayClient creates a signer gateway client.
func NewGatewayClient(config GatewayConfig) *GatewayClient {
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.RateLimitRPS == 0 {
		config.RateLimitRPS = 10
	}
	if config.ReadRetries == 0 {
		config.ReadRetries = 2
	}
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 10
	}
	if config.BreakerCooldown == 0 {
		config.BreakerCooldown = 30 * time.Second
	}

	// Token bucket rate limiter.
	bucketSize := int(config.RateLimitRPS)
	if bucketSize < 1 {
		bucketSize = 1
	}
	limiter := make(chan struct{}, bucketSize)
	for i := 0; i < bucketSize; i++ {
		limiter <- struct{}{}
	}

	limiterCtx, limiterCancel := context.WithCancel(context.Background())

	client := &GatewayClient{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		limiter:       limiter,
		limiterCancel: limiterCancel,
	}

	// Refill tokens at configured RPS.
	go func() {
		interval := time.Duration(float64(time.Second) / config.RateLimitRPS)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-limiterCtx.Done():
				return
			case <-ticker.C:
				select {
				case client.limiter <- struct{}{}:
				default: // bucket full
				}
			}
		}
	}()

	log.Info().
		Str("base_url", config.BaseURL).
		Float64("rate_limit_rps", config.RateLimitRPS).
		Msg("gateway client created")

	return client
}

// Close shuts down the gateway client.
func (c *GatewayClient) Close() {
	c.limiterCancel()
}

// Transfer submits one signed transfer through the gateway. A 200 with
// success=false is a per-wallet business failure carried in the receipt;
// everything else (transport, auth, 5xx, garbled body) wraps
// ErrSigningUnavailable so the executor treats it as plan-level.
func (c *GatewayClient) Transfer(ctx context.Context, req TransferRequest) (TransferReceipt, error) {
	var receipt TransferReceipt
	if err := c.post(ctx, "/v1/transfer", req, &receipt, 0); err != nil {
		return TransferReceipt{}, err
	}
	return receipt, nil
}

// BalanceOf fetches the native balance of an address, in BNB.
func (c *GatewayClient) BalanceOf(ctx context.Context, address string) (decimal.Decimal, error) {
	var resp struct {
		Balance decimal.Decimal `json:"balance"`
	}
	err := c.post(ctx, "/v1/balance", map[string]string{"address": address}, &resp, c.config.ReadRetries)
	if err != nil {
		return decimal.Zero, err
	}
	return resp.Balance, nil
}

// SuggestGasPrice fetches the gateway node's current gas quote, in gwei.
func (c *GatewayClient) SuggestGasPrice(ctx context.Context) (decimal.Decimal, error) {
	var resp struct {
		GasPriceGwei decimal.Decimal `json:"gas_price_gwei"`
	}
	err := c.post(ctx, "/v1/gas-price", struct{}{}, &resp, c.config.ReadRetries)
	if err != nil {
		return decimal.Zero, err
	}
	return resp.GasPriceGwei, nil
}

// post makes one rate-limited JSON call, retried up to retries times for
// read endpoints. Every failure path wraps ErrSigningUnavailable: if the
// gateway cannot answer, nothing can be signed.
func (c *GatewayClient) post(ctx context.Context, path string, payload, out any, retries int) error {
	if c.circuitOpen.Load() {
		return fmt.Errorf("%w: circuit breaker open for %s", ErrSigningUnavailable, path)
	}

	// Acquire rate limit token.
	select {
	case <-c.limiter:
	case <-ctx.Done():
		return ctx.Err()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("gateway: marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * 500 * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		start := time.Now()

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("gateway: create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if c.config.AuthToken != "" {
			httpReq.Header.Set("Authorization", "Bearer "+c.config.AuthToken)
		}

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			lastErr = fmt.Errorf("%w: %s: %v", ErrSigningUnavailable, path, err)
			c.errorCount.Add(1)
			c.recordError()
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("%w: %s: read response: %v", ErrSigningUnavailable, path, err)
			c.errorCount.Add(1)
			c.recordError()
			continue
		}

		latency := time.Since(start)
		c.requestCount.Add(1)
		c.latencySum.Add(latency.Microseconds())
		c.lastRequestAt.Store(time.Now().UnixMilli())

		switch {
		case resp.StatusCode == http.StatusOK:
			c.resetErrors()
			if err := json.Unmarshal(respBody, out); err != nil {
				// Outcome unknown: the call may have landed.
				return fmt.Errorf("%w: %s: unmarshal response: %v", ErrSigningUnavailable, path, err)
			}
			return nil

		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			// Auth problems don't heal with retries.
			c.resetErrors()
			return fmt.Errorf("%w: %s: HTTP %d", ErrSigningUnavailable, path, resp.StatusCode)

		case resp.StatusCode == http.StatusTooManyRequests:
			lastErr = fmt.Errorf("%w: %s: rate limited (429)", ErrSigningUnavailable, path)
			c.errorCount.Add(1)
			// Not a gateway fault; don't count against the breaker.
			continue

		default:
			lastErr = fmt.Errorf("%w: %s: HTTP %d: %s", ErrSigningUnavailable, path, resp.StatusCode, string(respBody))
			c.errorCount.Add(1)
			c.recordError()
		}
	}

	return lastErr
}

// recordError increments consecutive errors and opens the breaker if needed.
func (c *GatewayClient) recordError() {
	count := c.consecutiveErrors.Add(1)
	if count >= c.config.FailureThreshold {
		if c.circuitOpen.CompareAndSwap(false, true) {
			log.Error().Int64("errors", count).Msg("gateway: CIRCUIT BREAKER OPEN - too many consecutive errors")
			go func() {
				time.Sleep(c.config.BreakerCooldown)
				c.circuitOpen.Store(false)
				c.consecutiveErrors.Store(0)
				log.Info().Msg("gateway: circuit breaker reset")
			}()
		}
	}
}

func (c *GatewayClient) resetErrors() {
	c.consecutiveErrors.Store(0)
}

// GatewayStats is a point-in-time snapshot of client health.
type GatewayStats struct {
	RequestCount int64 `json:"request_count"`
	ErrorCount   int64 `json:"error_count"`
	AvgLatencyUs int64 `json:"avg_latency_us"`
	CircuitOpen  bool  `json:"circuit_open"`
}

// Stats returns gateway client statistics.
func (c *GatewayClient) Stats() GatewayStats {
	requests := c.requestCount.Load()
	var avg int64
	if requests > 0 {
		avg = c.latencySum.Load() / requests
	}
	return GatewayStats{
		RequestCount: requests,
		ErrorCount:   c.errorCount.Load(),
		AvgLatencyUs: avg,
		CircuitOpen:  c.circuitOpen.Load(),
	}
}
