package scheduler

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"

	"github.com/charla-io/charla/observability"
)

// ErrCircuitOpen marks a job attempt refused without calling the backend.
// It still consumes a retry so a persistently broken tenant drains to DLQ.
var ErrCircuitOpen = errors.New("circuit_breaker_open")

// BreakerRegistry keeps one circuit breaker per workspace so one tenant's
// embedder outage does not starve the others.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[any]

	fails    uint32
	window   time.Duration
	cooldown time.Duration
}

func NewBreakerRegistry(fails uint32, window, cooldown time.Duration) *BreakerRegistry {
	if fails == 0 {
		fails = 5
	}
	if window <= 0 {
		window = 60 * time.Second
	}
	if cooldown <= 0 {
		cooldown = 45 * time.Second
	}
	return &BreakerRegistry{
		breakers: make(map[string]*gobreaker.CircuitBreaker[any]),
		fails:    fails,
		window:   window,
		cooldown: cooldown,
	}
}

func (r *BreakerRegistry) forWorkspace(workspaceID string) *gobreaker.CircuitBreaker[any] {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[workspaceID]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:     "embed:" + workspaceID,
		Interval: r.window,
		Timeout:  r.cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.TotalFailures >= r.fails
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				observability.CircuitBreakerOpens.WithLabelValues(observability.WorkspaceHash(workspaceID)).Inc()
			}
			logrus.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("[Scheduler] Circuit breaker state change")
		},
	})
	r.breakers[workspaceID] = cb
	return cb
}

// Execute runs fn under the workspace's breaker. An open breaker returns
// ErrCircuitOpen immediately.
func (r *BreakerRegistry) Execute(workspaceID string, fn func() error) error {
	_, err := r.forWorkspace(workspaceID).Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}
