// Package chain is the BSC boundary: transfer submission through the
// external signing capability, gas price estimation, and network congestion
// monitoring. The coordinator only ever sees the Client interface; the real
// signer/submitter lives outside this process.
package chain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ErrSigningUnavailable indicates the signing capability itself failed.
// This is a plan-level error: the executor aborts remaining phases instead
// of recording a per-wallet failure.
var ErrSigningUnavailable = errors.New("chain: signing capability unavailable")

// TransferRequest asks the external capability to sign and submit one
// native transfer.
type TransferRequest struct {
	FromWalletID string          `json:"from_wallet_id"`
	FromAddress  string          `json:"from_address"`
	ToAddress    string          `json:"to_address"`
	Amount       decimal.Decimal `json:"amount"`    // BNB
	GasPrice     decimal.Decimal `json:"gas_price"` // gwei
	Ref          string          `json:"ref"`       // transaction record id
}

// TransferReceipt is the outcome of one submission. Success=false with an
// Error string is a per-wallet business failure; transport/signing problems
// surface as an error return from Transfer instead.
type TransferReceipt struct {
	Success bool            `json:"success"`
	TxHash  string          `json:"tx_hash,omitempty"`
	GasUsed decimal.Decimal `json:"gas_used,omitempty"` // BNB spent on gas
	Error   string          `json:"error,omitempty"`
}

// GasPriceInfo is the three-band gas quote, in gwei.
type GasPriceInfo struct {
	Slow     decimal.Decimal `json:"slow"`
	Standard decimal.Decimal `json:"standard"`
	Fast     decimal.Decimal `json:"fast"`
}

// Client is the chain boundary consumed by the coordinator.
// Implementations: StubClient (testing/dry-run); a production submitter
// wraps the vault signer and a BSC RPC endpoint behind the same interface.
type Client interface {
	// Transfer signs and submits one native transfer. Must not be retried
	// here; idempotency is the caller's concern.
	Transfer(ctx context.Context, req TransferRequest) (TransferReceipt, error)

	// BalanceOf returns the native balance of an address, in BNB.
	BalanceOf(ctx context.Context, address string) (decimal.Decimal, error)

	// SuggestGasPrice returns the node's current gas price quote, in gwei.
	SuggestGasPrice(ctx context.Context) (decimal.Decimal, error)
}

// ---------------------------------------------------------------------------
// Stub client (for testing and dry runs)
// ---------------------------------------------------------------------------

// StubClient simulates the submission capability: scriptable failures,
// adjustable latency, and an in-memory balance book.
type StubClient struct {
	mu            sync.Mutex
	balances      map[string]decimal.Decimal
	submitted     []TransferRequest
	failWallets   map[string]string // sender wallet id -> business error
	failAddresses map[string]string // destination address -> business error
	planErr       error             // next Transfer returns this, once
	latency       time.Duration
	gasPrice      decimal.Decimal
	gasUsed       decimal.Decimal
	txCounter     int
}

// NewStubClient creates a stub with a 3 gwei quote and no latency.
func NewStubClient() *StubClient {
	return &StubClient{
		balances:      make(map[string]decimal.Decimal),
		failWallets:   make(map[string]string),
		failAddresses: make(map[string]string),
		gasPrice:      decimal.NewFromInt(3),
		gasUsed:       decimal.NewFromFloat(0.000021),
	}
}

// SetBalance seeds an address balance.
func (s *StubClient) SetBalance(address string, balance decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[address] = balance
}

// FailWallet makes every transfer from the given wallet id fail with msg.
func (s *StubClient) FailWallet(walletID, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWallets[walletID] = msg
}

// FailAddress makes every transfer to the given address fail with msg.
func (s *StubClient) FailAddress(address, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAddresses[address] = msg
}

// FailNextWith makes the next Transfer return err (a plan-level failure).
func (s *StubClient) FailNextWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.planErr = err
}

// SetLatency adds a fixed delay to every Transfer.
func (s *StubClient) SetLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = d
}

// SetGasPrice changes the quote returned by SuggestGasPrice.
func (s *StubClient) SetGasPrice(gwei decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gasPrice = gwei
}

// Submitted returns a copy of every request seen so far, in arrival order.
func (s *StubClient) Submitted() []TransferRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TransferRequest, len(s.submitted))
	copy(out, s.submitted)
	return out
}

// Transfer implements Client.
func (s *StubClient) Transfer(ctx context.Context, req TransferRequest) (TransferReceipt, error) {
	s.mu.Lock()
	latency := s.latency
	s.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return TransferReceipt{}, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.planErr != nil {
		err := s.planErr
		s.planErr = nil
		return TransferReceipt{}, err
	}

	s.submitted = append(s.submitted, req)

	if msg, fail := s.failWallets[req.FromWalletID]; fail {
		return TransferReceipt{Success: false, Error: msg}, nil
	}
	if msg, fail := s.failAddresses[req.ToAddress]; fail {
		return TransferReceipt{Success: false, Error: msg}, nil
	}

	s.txCounter++
	s.balances[req.FromAddress] = s.balances[req.FromAddress].Sub(req.Amount)
	s.balances[req.ToAddress] = s.balances[req.ToAddress].Add(req.Amount)

	return TransferReceipt{
		Success: true,
		TxHash:  fmt.Sprintf("0x%064x", s.txCounter),
		GasUsed: s.gasUsed,
	}, nil
}

// BalanceOf implements Client.
func (s *StubClient) BalanceOf(_ context.Context, address string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[address], nil
}

// SuggestGasPrice implements Client.
func (s *StubClient) SuggestGasPrice(_ context.Context) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gasPrice, nil
}
