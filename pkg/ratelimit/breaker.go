package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"tickrelay.com/pkg/metrics"
	"tickrelay.com/pkg/xerr"
)

type Rule struct {
	// probes let through while half-open (0 means 1)
	MaxRequests uint32

	// closed-state counting window
	Interval time.Duration

	// >0 enables the rolling window
	BucketPeriod time.Duration

	// how long the breaker stays open before half-open
	Timeout time.Duration

	// trip on either condition
	TripConsecutiveFailures uint32
	TripFailureRate         float64 // 0..1
	TripMinRequests         uint32
}

// Manager lazily creates one breaker per name.
type Manager struct {
	mu sync.RWMutex
	m  map[string]*gobreaker.CircuitBreaker[struct{}]

	defaultRule Rule
	rules       map[string]Rule
}

func NewManager(defaultRule Rule, perName map[string]Rule) *Manager {
	if defaultRule.MaxRequests == 0 {
		defaultRule.MaxRequests = 1
	}
	if defaultRule.Timeout <= 0 {
		defaultRule.Timeout = 30 * time.Second
	}
	if defaultRule.Interval <= 0 {
		defaultRule.Interval = time.Minute
	}
	if defaultRule.TripConsecutiveFailures == 0 && defaultRule.TripFailureRate == 0 {
		defaultRule.TripConsecutiveFailures = 5
	}
	if defaultRule.TripMinRequests == 0 {
		defaultRule.TripMinRequests = 20
	}

	return &Manager{
		m:           make(map[string]*gobreaker.CircuitBreaker[struct{}], 8),
		defaultRule: defaultRule,
		rules:       perName,
	}
}

func (m *Manager) Get(name string) *gobreaker.CircuitBreaker[struct{}] {
	m.mu.RLock()
	cb := m.m[name]
	m.mu.RUnlock()
	if cb != nil {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cb = m.m[name]; cb != nil {
		return cb
	}

	rule, ok := m.rules[name]
	if !ok {
		rule = m.defaultRule
	}
	st := gobreaker.Settings{
		Name:         name,
		MaxRequests:  rule.MaxRequests,
		Interval:     rule.Interval,
		BucketPeriod: rule.BucketPeriod,
		Timeout:      rule.Timeout,

		ReadyToTrip: func(c gobreaker.Counts) bool {
			if rule.TripConsecutiveFailures > 0 && c.ConsecutiveFailures >= rule.TripConsecutiveFailures {
				return true
			}
			if rule.TripFailureRate > 0 && c.Requests >= rule.TripMinRequests {
				failRate := float64(c.TotalFailures) / float64(c.Requests)
				return failRate >= rule.TripFailureRate
			}
			return false
		},
		IsSuccessful: IsSuccessfulForBreaker,
		OnStateChange: func(name string, _, to gobreaker.State) {
			metrics.SetBreakerState(name, stateLabel(to))
		},
	}

	cb = gobreaker.NewCircuitBreaker[struct{}](st)
	metrics.SetBreakerState(name, "closed")
	m.m[name] = cb
	return cb
}

// Do runs fn through the named breaker. ErrOpenState/ErrTooManyRequests are
// counted as rejections and returned as is.
func (m *Manager) Do(name string, fn func() error) error {
	_, err := m.Get(name).Execute(func() (struct{}, error) {
		return struct{}{}, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		metrics.CBRejectTotal.WithLabelValues(name, stateLabel(m.Get(name).State())).Inc()
	}
	return err
}

// IsSuccessfulForBreaker treats caller-side outcomes as healthy: they say
// nothing about the dependency.
func IsSuccessfulForBreaker(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return true
	}

	switch xerr.CodeOf(err) {
	case xerr.InvalidSymbol,
		xerr.AlreadyActive,
		xerr.NoActiveStream,
		xerr.Throttled:
		return true
	default:
		return false
	}
}

func stateLabel(s gobreaker.State) string {
	switch s {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}
