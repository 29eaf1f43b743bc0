package observability

import (
	"context"
	"sync"
	"time"
)

// ComponentStatus grades a single dependency of the coordinator.
type ComponentStatus string

const (
	StatusHealthy   ComponentStatus = "healthy"
	StatusDegraded  ComponentStatus = "degraded"
	StatusUnhealthy ComponentStatus = "unhealthy"
)

// defaultProbeTimeout bounds a single probe. A hung signer gateway must
// not stall the whole check cycle or the /health endpoint.
const defaultProbeTimeout = 5 * time.Second

// HealthCheck probes one component. Probes receive a deadline-bound
// context and should report StatusUnhealthy rather than block past it.
type HealthCheck func(ctx context.Context) ComponentHealth

// ComponentHealth is the probe result for a single component.
type ComponentHealth struct {
	Name        string          `json:"name"`
	Status      ComponentStatus `json:"status"`
	Message     string          `json:"message,omitempty"`
	LastChecked time.Time       `json:"last_checked"`
	LatencyMS   float64         `json:"latency_ms"`
	Details     map[string]any  `json:"details,omitempty"`
}

// SystemHealth aggregates every component; Status carries the worst grade.
type SystemHealth struct {
	Status     ComponentStatus            `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  time.Time                  `json:"ts"`
	Uptime     time.Duration              `json:"uptime"`
}

// Alert is emitted when a component changes status. Alerts are forwarded
// to the ops bus, so they carry the probe details alongside the message.
type Alert struct {
	Level     string         `json:"level"` // info|warn|critical
	Component string         `json:"component"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"ts"`
}

// HealthMonitor runs registered probes on an interval and reports
// aggregate health to the /health endpoint and the ops alert feed.
type HealthMonitor struct {
	mu           sync.RWMutex
	checks       map[string]HealthCheck
	results      map[string]ComponentHealth
	startTime    time.Time
	interval     time.Duration
	probeTimeout time.Duration
	alertCh      chan Alert
	stopCh       chan struct{}
	stopped      sync.Once
}

// NewHealthMonitor creates a HealthMonitor that probes components at the
// given interval.
func NewHealthMonitor(interval time.Duration) *HealthMonitor {
	return &HealthMonitor{
		checks:       make(map[string]HealthCheck),
		results:      make(map[string]ComponentHealth),
		startTime:    time.Now(),
		interval:     interval,
		probeTimeout: defaultProbeTimeout,
		alertCh:      make(chan Alert, 256),
		stopCh:       make(chan struct{}),
	}
}

// SetProbeTimeout overrides the per-probe deadline. Must be called before
// Start.
func (m *HealthMonitor) SetProbeTimeout(d time.Duration) {
	if d > 0 {
		m.probeTimeout = d
	}
}

// Register adds a named probe. Must be called before Start.
func (m *HealthMonitor) Register(name string, check HealthCheck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// Start begins the periodic probe loop. It blocks until the context is
// cancelled or Stop is called.
func (m *HealthMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	// Run an initial round immediately.
	m.runChecks(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.runChecks(ctx)
		}
	}
}

// Stop signals the monitor to cease periodic checks.
func (m *HealthMonitor) Stop() {
	m.stopped.Do(func() {
		close(m.stopCh)
	})
}

// Check runs every probe synchronously and returns the aggregate. The
// /health endpoint calls this so a probe failure shows up on the very
// request that asked, independent of the periodic loop.
func (m *HealthMonitor) Check(ctx context.Context) SystemHealth {
	m.runChecks(ctx)
	return m.Snapshot()
}

// Snapshot aggregates the most recent probe results without re-probing.
// Cheap enough for heartbeat payloads.
func (m *HealthMonitor) Snapshot() SystemHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	components := make(map[string]ComponentHealth, len(m.results))
	worst := StatusHealthy

	for name, h := range m.results {
		components[name] = h
		if statusSeverity(h.Status) > statusSeverity(worst) {
			worst = h.Status
		}
	}

	return SystemHealth{
		Status:     worst,
		Components: components,
		Timestamp:  time.Now(),
		Uptime:     time.Since(m.startTime),
	}
}

// Alerts returns a read-only channel of status-transition alerts.
func (m *HealthMonitor) Alerts() <-chan Alert {
	return m.alertCh
}

// ComponentStatus returns the most recent probe result for a named component.
func (m *HealthMonitor) ComponentStatus(name string) (ComponentHealth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.results[name]
	return h, ok
}

// -----------------------------------------------------------------------
// Internal
// -----------------------------------------------------------------------

// runChecks executes every registered probe under the probe deadline and
// stores the results, emitting alerts for status transitions.
func (m *HealthMonitor) runChecks(ctx context.Context) {
	m.mu.RLock()
	checks := make(map[string]HealthCheck, len(m.checks))
	for name, fn := range m.checks {
		checks[name] = fn
	}
	m.mu.RUnlock()

	newResults := make(map[string]ComponentHealth, len(checks))

	for name, fn := range checks {
		probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
		start := time.Now()
		result := fn(probeCtx)
		cancel()

		result.Name = name
		result.LastChecked = time.Now()
		result.LatencyMS = float64(time.Since(start).Microseconds()) / 1000.0
		newResults[name] = result
	}

	m.mu.Lock()
	oldResults := m.results
	m.results = newResults
	m.mu.Unlock()

	for name, cur := range newResults {
		prev, existed := oldResults[name]
		m.emitTransition(name, prev, existed, cur)
	}
}

// emitTransition turns a status change into an alert. A component seen
// for the first time alerts only when it is already in trouble, so a
// clean boot stays quiet; settling back emits a recovery notice.
func (m *HealthMonitor) emitTransition(name string, prev ComponentHealth, existed bool, cur ComponentHealth) {
	if existed && prev.Status == cur.Status {
		return
	}
	if !existed && cur.Status == StatusHealthy {
		return
	}

	var level string
	switch cur.Status {
	case StatusUnhealthy:
		level = "critical"
	case StatusDegraded:
		level = "warn"
	default:
		level = "info"
	}

	msg := cur.Message
	if msg == "" {
		if existed && cur.Status == StatusHealthy {
			msg = "recovered from " + string(prev.Status)
		} else {
			msg = "status changed to " + string(cur.Status)
		}
	}

	alert := Alert{
		Level:     level,
		Component: name,
		Message:   msg,
		Details:   cur.Details,
		Timestamp: time.Now(),
	}

	// Non-blocking send; drop if the channel is full.
	select {
	case m.alertCh <- alert:
	default:
	}
}

// statusSeverity returns a numeric severity for comparison.
func statusSeverity(s ComponentStatus) int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	case StatusUnhealthy:
		return 2
	default:
		return -1
	}
}
