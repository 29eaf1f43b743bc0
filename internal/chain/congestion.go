package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Congestion Monitor — real-time block utilization via newHeads subscription
// utilization = gasUsed/gasLimit per block, smoothed with an EMA
// ---------------------------------------------------------------------------

// CongestionLevel buckets block-space utilization.
type CongestionLevel string

const (
	CongestionLow     CongestionLevel = "low"
	CongestionMedium  CongestionLevel = "medium"
	CongestionHigh    CongestionLevel = "high"
	CongestionExtreme CongestionLevel = "extreme"
)

// ClassifyCongestion maps a utilization ratio onto a level.
func ClassifyCongestion(utilization float64) CongestionLevel {
	switch {
	case utilization >= 0.95:
		return CongestionExtreme
	case utilization >= 0.80:
		return CongestionHigh
	case utilization >= 0.50:
		return CongestionMedium
	default:
		return CongestionLow
	}
}

// emaAlpha weights the newest block in the smoothed utilization.
const emaAlpha = 0.2

// MonitorConfig configures the congestion monitor.
type MonitorConfig struct {
	WSEndpoint   string        `yaml:"ws_endpoint"`
	PingInterval time.Duration `yaml:"ping_interval"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	ReconnectMin time.Duration `yaml:"reconnect_min"`
	ReconnectMax time.Duration `yaml:"reconnect_max"`
}

// DefaultMonitorConfig returns mainnet defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		WSEndpoint:   "wss://bsc-rpc.publicnode.com",
		PingInterval: 30 * time.Second,
		ReadTimeout:  60 * time.Second,
		ReconnectMin: time.Second,
		ReconnectMax: 30 * time.Second,
	}
}

// BlockSample is one observed block.
type BlockSample struct {
	Block       uint64    `json:"block"`
	GasUsed     uint64    `json:"gas_used"`
	GasLimit    uint64    `json:"gas_limit"`
	Utilization float64   `json:"utilization"`
	ObservedAt  time.Time `json:"observed_at"`
}

// Monitor watches block headers and tracks network congestion.
type Monitor struct {
	config MonitorConfig

	mu       sync.RWMutex
	conn     *websocket.Conn
	ema      float64
	last     BlockSample
	onUpdate func(BlockSample)

	blocksSeen atomic.Int64
	reconnects atomic.Int64
	connected  atomic.Bool
}

// NewMonitor creates a congestion monitor.
func NewMonitor(config MonitorConfig) *Monitor {
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 60 * time.Second
	}
	if config.ReconnectMin <= 0 {
		config.ReconnectMin = time.Second
	}
	if config.ReconnectMax <= 0 {
		config.ReconnectMax = 30 * time.Second
	}
	return &Monitor{config: config}
}

// SetOnUpdate registers a callback invoked for every observed block.
func (m *Monitor) SetOnUpdate(fn func(BlockSample)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onUpdate = fn
}

// Start runs the subscription loop until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	go m.runLoop(ctx)
}

// Utilization returns the smoothed utilization in [0, 1].
func (m *Monitor) Utilization() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ema
}

// Level returns the current congestion bucket.
func (m *Monitor) Level() CongestionLevel {
	return ClassifyCongestion(m.Utilization())
}

// Record feeds one block observation directly (tests, polling fallback).
func (m *Monitor) Record(block, gasUsed, gasLimit uint64) {
	if gasLimit == 0 {
		return
	}
	util := float64(gasUsed) / float64(gasLimit)
	sample := BlockSample{
		Block:       block,
		GasUsed:     gasUsed,
		GasLimit:    gasLimit,
		Utilization: util,
		ObservedAt:  time.Now(),
	}

	m.mu.Lock()
	if m.blocksSeen.Load() == 0 {
		m.ema = util
	} else {
		m.ema = emaAlpha*util + (1-emaAlpha)*m.ema
	}
	m.last = sample
	fn := m.onUpdate
	m.mu.Unlock()

	m.blocksSeen.Add(1)
	if fn != nil {
		fn(sample)
	}
}

// MonitorStats reports monitor state.
type MonitorStats struct {
	Connected   bool            `json:"connected"`
	BlocksSeen  int64           `json:"blocks_seen"`
	Reconnects  int64           `json:"reconnects"`
	Utilization float64         `json:"utilization"`
	Level       CongestionLevel `json:"level"`
	LastBlock   uint64          `json:"last_block"`
}

// Stats returns monitor statistics.
func (m *Monitor) Stats() MonitorStats {
	m.mu.RLock()
	last := m.last.Block
	ema := m.ema
	m.mu.RUnlock()
	return MonitorStats{
		Connected:   m.connected.Load(),
		BlocksSeen:  m.blocksSeen.Load(),
		Reconnects:  m.reconnects.Load(),
		Utilization: ema,
		Level:       ClassifyCongestion(ema),
		LastBlock:   last,
	}
}

func (m *Monitor) runLoop(ctx context.Context) {
	retry := &backoff.Backoff{
		Min:    m.config.ReconnectMin,
		Max:    m.config.ReconnectMax,
		Factor: 2,
		Jitter: true,
	}

	for {
		select {
		case <-ctx.Done():
			m.disconnect()
			return
		default:
		}

		if err := m.connect(ctx); err != nil {
			m.reconnects.Add(1)
			delay := retry.Duration()
			log.Warn().Err(err).Dur("retry_in", delay).Msg("congestion: connection failed")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			continue
		}
		retry.Reset()

		if err := m.subscribe(); err != nil {
			log.Warn().Err(err).Msg("congestion: subscribe failed")
			m.disconnect()
			continue
		}

		m.readLoop(ctx)
		m.disconnect()
	}
}

func (m *Monitor) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, m.config.WSEndpoint, nil)
	if err != nil {
		return fmt.Errorf("congestion: dial: %w", err)
	}

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
	m.connected.Store(true)

	log.Info().Str("endpoint", m.config.WSEndpoint).Msg("congestion: connected")
	return nil
}

func (m *Monitor) disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.connected.Store(false)
}

func (m *Monitor) subscribe() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return fmt.Errorf("congestion: not connected")
	}
	req := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "eth_subscribe",
		"params":  []any{"newHeads"},
	}
	if err := m.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("congestion: write subscribe: %w", err)
	}
	return nil
}

func (m *Monitor) readLoop(ctx context.Context) {
	pingTicker := time.NewTicker(m.config.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pingTicker.C:
			m.mu.RLock()
			conn := m.conn
			m.mu.RUnlock()
			if conn != nil {
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					log.Debug().Err(err).Msg("congestion: ping failed")
					return
				}
			}
		default:
		}

		m.mu.RLock()
		conn := m.conn
		m.mu.RUnlock()
		if conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(m.config.ReadTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.Info().Msg("congestion: connection closed normally")
			} else {
				log.Warn().Err(err).Msg("congestion: read error, reconnecting")
			}
			m.connected.Store(false)
			m.reconnects.Add(1)
			return
		}

		m.handleMessage(message)
	}
}

func (m *Monitor) handleMessage(data []byte) {
	var notification struct {
		Method string `json:"method"`
		Params struct {
			Result struct {
				Number   string `json:"number"`
				GasUsed  string `json:"gasUsed"`
				GasLimit string `json:"gasLimit"`
			} `json:"result"`
		} `json:"params"`
	}
	if err := json.Unmarshal(data, &notification); err != nil {
		return
	}
	if notification.Method != "eth_subscription" {
		return
	}

	block, err1 := parseHexUint(notification.Params.Result.Number)
	gasUsed, err2 := parseHexUint(notification.Params.Result.GasUsed)
	gasLimit, err3 := parseHexUint(notification.Params.Result.GasLimit)
	if err1 != nil || err2 != nil || err3 != nil || gasLimit == 0 {
		return
	}

	m.Record(block, gasUsed, gasLimit)

	log.Debug().
		Uint64("block", block).
		Float64("utilization", float64(gasUsed)/float64(gasLimit)).
		Msg("congestion: block observed")
}

// parseHexUint decodes a 0x-prefixed quantity.
func parseHexUint(s string) (uint64, error) {
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return 0, fmt.Errorf("congestion: empty quantity")
	}
	return strconv.ParseUint(s, 16, 64)
}
