package chain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGateway(t *testing.T, handler http.HandlerFunc) *GatewayClient {
	t.Helper()
	server := httptest.NewServer(handler)
	client := NewGatewayClient(GatewayConfig{
		BaseURL:          server.URL,
		AuthToken:        "test-token",
		Timeout:          5 * time.Second,
		RateLimitRPS:     1000,
		ReadRetries:      1,
		FailureThreshold: 3,
		BreakerCooldown:  time.Hour, // never resets within a test
	})
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client
}

func TestGateway_TransferSuccess(t *testing.T) {
	var gotReq TransferRequest
	client := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/transfer", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		json.NewEncoder(w).Encode(TransferReceipt{
			Success: true,
			TxHash:  "0xdeadbeef",
			GasUsed: decimal.NewFromFloat(0.000021),
		})
	})

	receipt, err := client.Transfer(context.Background(), TransferRequest{
		FromWalletID: "treasury",
		FromAddress:  "0x0000000000000000000000000000000000000001",
		ToAddress:    "0x0000000000000000000000000000000000000002",
		Amount:       decimal.NewFromFloat(0.5),
		GasPrice:     decimal.NewFromInt(3),
		Ref:          "tx-1",
	})
	require.NoError(t, err)
	assert.True(t, receipt.Success)
	assert.Equal(t, "0xdeadbeef", receipt.TxHash)

	// The wire request carries the full transfer.
	assert.Equal(t, "treasury", gotReq.FromWalletID)
	assert.True(t, gotReq.Amount.Equal(decimal.NewFromFloat(0.5)))

	stats := client.Stats()
	assert.Equal(t, int64(1), stats.RequestCount)
	assert.False(t, stats.CircuitOpen)
}

func TestGateway_TransferBusinessFailure(t *testing.T) {
	client := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(TransferReceipt{
			Success: false,
			Error:   "insufficient funds for gas",
		})
	})

	receipt, err := client.Transfer(context.Background(), TransferRequest{Ref: "tx-1"})
	require.NoError(t, err, "a clean refusal is a receipt, not a client error")
	assert.False(t, receipt.Success)
	assert.Equal(t, "insufficient funds for gas", receipt.Error)
}

func TestGateway_TransferServerErrorIsPlanLevel(t *testing.T) {
	var calls atomic.Int64
	client := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	_, err := client.Transfer(context.Background(), TransferRequest{Ref: "tx-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSigningUnavailable)
	assert.Equal(t, int64(1), calls.Load(), "transfers must not be retried")
}

func TestGateway_TransferUnauthorized(t *testing.T) {
	client := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad token", http.StatusUnauthorized)
	})

	_, err := client.Transfer(context.Background(), TransferRequest{Ref: "tx-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSigningUnavailable)
}

func TestGateway_CircuitBreakerOpens(t *testing.T) {
	var calls atomic.Int64
	client := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusInternalServerError)
	})

	// FailureThreshold=3 consecutive failures open the breaker.
	for i := 0; i < 3; i++ {
		_, err := client.Transfer(context.Background(), TransferRequest{Ref: "tx"})
		require.Error(t, err)
	}
	assert.True(t, client.Stats().CircuitOpen)

	served := calls.Load()
	_, err := client.Transfer(context.Background(), TransferRequest{Ref: "tx"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSigningUnavailable)
	assert.Contains(t, err.Error(), "circuit breaker open")
	assert.Equal(t, served, calls.Load(), "open breaker fails fast without hitting the gateway")
}

func TestGateway_BalanceOfRetriesReads(t *testing.T) {
	var calls atomic.Int64
	client := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/balance", r.URL.Path)
		if calls.Add(1) == 1 {
			http.Error(w, "flaky", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"balance": "1.25"})
	})

	balance, err := client.BalanceOf(context.Background(), "0x0000000000000000000000000000000000000001")
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromFloat(1.25)))
	assert.Equal(t, int64(2), calls.Load(), "read calls retry once")
}

func TestGateway_SuggestGasPrice(t *testing.T) {
	client := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/gas-price", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{"gas_price_gwei": "3.5"})
	})

	price, err := client.SuggestGasPrice(context.Background())
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.NewFromFloat(3.5)))
}

func TestGateway_GarbledBodyIsPlanLevel(t *testing.T) {
	client := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("{not json"))
	})

	_, err := client.Transfer(context.Background(), TransferRequest{Ref: "tx-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSigningUnavailable)
}

func TestGateway_ContextCancelled(t *testing.T) {
	client := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		json.NewEncoder(w).Encode(TransferReceipt{Success: true})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.Transfer(ctx, TransferRequest{Ref: "tx-1"})
	require.Error(t, err)
}
