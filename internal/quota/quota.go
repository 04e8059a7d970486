// Package quota enforces rolling-window rate and token limits for
// external AI services. Managers are process-global and shared by every
// worker through the Registry.
package quota

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Kind identifies one quota window.
type Kind string

const (
	TokensPerMinute   Kind = "tokens_per_minute"
	TokensPerDay      Kind = "tokens_per_day"
	RequestsPerMinute Kind = "requests_per_minute"
	RequestsPerDay    Kind = "requests_per_day"
)

// Gemini free-tier cost rates, USD.
const (
	inputCostPer1K  = 0.00001875
	outputCostPer1K = 0.0000375
	imageCost       = 0.0001315
)

// Limit is one rolling window: how much is allowed per window duration.
type Limit struct {
	Max    int64
	Window time.Duration
}

// DefaultLimits mirror the Gemini free tier.
func DefaultLimits() map[Kind]Limit {
	return map[Kind]Limit{
		TokensPerMinute:   {Max: 4_000_000, Window: time.Minute},
		TokensPerDay:      {Max: 1_000_000_000, Window: 24 * time.Hour},
		RequestsPerMinute: {Max: 15, Window: time.Minute},
		RequestsPerDay:    {Max: 1500, Window: 24 * time.Hour},
	}
}

// Rejection is returned when a quota check denies a request. It carries
// the soonest-resetting exhausted window and how long until it resets.
type Rejection struct {
	Service     string
	Kind        Kind
	WaitSeconds int64
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("quota exceeded for %s (%s), retry in %ds", r.Service, r.Kind, r.WaitSeconds)
}

// Decision is the outcome of a Check.
type Decision struct {
	Allowed     bool               `json:"allowed"`
	Reason      string             `json:"reason,omitempty"`
	Kind        Kind               `json:"kind,omitempty"`
	WaitSeconds int64              `json:"wait_seconds,omitempty"`
	Status      map[Kind]WindowUse `json:"status,omitempty"`
}

// WindowUse is a point-in-time snapshot of one window.
type WindowUse struct {
	Used      int64     `json:"used"`
	Limit     int64     `json:"limit"`
	ResetsAt  time.Time `json:"resets_at"`
	Remaining int64     `json:"remaining"`
}

// Usage is the cumulative cost ledger for one service.
type Usage struct {
	Requests     int64   `json:"requests"`
	TotalTokens  int64   `json:"total_tokens"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Images       int64   `json:"images"`
	CostUSD      float64 `json:"cost_usd"`
}

type window struct {
	limit   Limit
	used    int64
	resetAt time.Time
}

// Manager tracks rolling-window usage for one service. Safe for
// concurrent use.
type Manager struct {
	mu      sync.Mutex
	service string
	windows map[Kind]*window
	usage   Usage
	now     func() time.Time
}

// NewManager builds a manager with the given limits; nil limits use the
// Gemini free-tier defaults.
func NewManager(service string, limits map[Kind]Limit) *Manager {
	if limits == nil {
		limits = DefaultLimits()
	}
	m := &Manager{
		service: service,
		windows: make(map[Kind]*window, len(limits)),
		now:     time.Now,
	}
	for kind, lim := range limits {
		m.windows[kind] = &window{limit: lim}
	}
	return m
}

// Check reports whether a request estimated at estimatedTokens may
// proceed. It never consumes quota; call Record after the real usage is
// known.
func (m *Manager) Check(estimatedTokens int64) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.rollWindows(now)

	// Scan every window; when several are exhausted, report the one
	// that resets soonest.
	var denied *Decision
	for _, kind := range []Kind{TokensPerMinute, TokensPerDay, RequestsPerMinute, RequestsPerDay} {
		w, ok := m.windows[kind]
		if !ok {
			continue
		}
		cost := int64(1)
		if kind == TokensPerMinute || kind == TokensPerDay {
			cost = estimatedTokens
		}
		if w.used+cost >= w.limit.Max {
			wait := int64(w.resetAt.Sub(now).Seconds())
			if wait < 1 {
				wait = 1
			}
			if denied == nil || wait < denied.WaitSeconds {
				denied = &Decision{
					Allowed:     false,
					Reason:      fmt.Sprintf("%s limit reached (%d/%d)", kind, w.used, w.limit.Max),
					Kind:        kind,
					WaitSeconds: wait,
				}
			}
		}
	}
	if denied != nil {
		denied.Status = m.statusLocked(now)
		return *denied
	}
	return Decision{Allowed: true, Status: m.statusLocked(now)}
}

// Record consumes quota after a completed request and accumulates the
// cost ledger.
func (m *Manager) Record(totalTokens, inputTokens, outputTokens, images int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.rollWindows(now)

	for kind, w := range m.windows {
		switch kind {
		case TokensPerMinute, TokensPerDay:
			w.used += totalTokens
		case RequestsPerMinute, RequestsPerDay:
			w.used++
		}
	}

	m.usage.Requests++
	m.usage.TotalTokens += totalTokens
	m.usage.InputTokens += inputTokens
	m.usage.OutputTokens += outputTokens
	m.usage.Images += images
	m.usage.CostUSD += float64(inputTokens)/1000*inputCostPer1K +
		float64(outputTokens)/1000*outputCostPer1K +
		float64(images)*imageCost
}

// Status snapshots every window.
func (m *Manager) Status() map[Kind]WindowUse {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.rollWindows(now)
	return m.statusLocked(now)
}

// Usage snapshots the cumulative cost ledger.
func (m *Manager) Usage() Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage
}

// WaitTime returns how long until the most constrained window resets, or
// zero when a request of the estimated size would be admitted now.
func (m *Manager) WaitTime(estimatedTokens int64) time.Duration {
	d := m.Check(estimatedTokens)
	if d.Allowed {
		return 0
	}
	return time.Duration(d.WaitSeconds) * time.Second
}

func (m *Manager) rollWindows(now time.Time) {
	for kind, w := range m.windows {
		if w.resetAt.IsZero() {
			w.resetAt = now.Add(w.limit.Window)
			continue
		}
		if !now.Before(w.resetAt) {
			log.Debug().
				Str("service", m.service).
				Str("window", string(kind)).
				Int64("used", w.used).
				Msg("quota window reset")
			w.used = 0
			w.resetAt = now.Add(w.limit.Window)
		}
	}
}

func (m *Manager) statusLocked(now time.Time) map[Kind]WindowUse {
	out := make(map[Kind]WindowUse, len(m.windows))
	for kind, w := range m.windows {
		resetAt := w.resetAt
		if resetAt.IsZero() {
			resetAt = now.Add(w.limit.Window)
		}
		out[kind] = WindowUse{
			Used:      w.used,
			Limit:     w.limit.Max,
			ResetsAt:  resetAt,
			Remaining: w.limit.Max - w.used,
		}
	}
	return out
}

// ── Registry ────────────────────────────────────────────────────────────

// Registry hands out one Manager per service name, process-wide.
type Registry struct {
	mu       sync.Mutex
	managers map[string]*Manager
	limits   map[Kind]Limit
}

// NewRegistry builds a registry; nil limits mean defaults for every
// service it creates.
func NewRegistry(limits map[Kind]Limit) *Registry {
	return &Registry{
		managers: make(map[string]*Manager),
		limits:   limits,
	}
}

// For returns the shared manager for a service, creating it on first use.
func (r *Registry) For(service string) *Manager {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.managers[service]; ok {
		return m
	}
	m := NewManager(service, r.limits)
	r.managers[service] = m
	return m
}

// Services lists the service names seen so far.
func (r *Registry) Services() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.managers))
	for name := range r.managers {
		out = append(out, name)
	}
	return out
}
