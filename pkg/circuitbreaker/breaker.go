package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/sony/gobreaker"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/rosac/pkg/routeros"
	"git.srvlab.io/whiskey/rosac/pkg/security"
	"git.srvlab.io/whiskey/rosac/pkg/utils"
)

const (
	// DefaultConsecutiveFailures is the number of transport failures before circuit opens
	DefaultConsecutiveFailures = 3

	// DefaultTimeout is how long circuit stays open before allowing a probe.
	// Longer than any realistic collection run, so an open session stays open.
	DefaultTimeout = 10 * time.Minute
)

// ErrSessionUnavailable is returned without running the operation while the circuit is open
var ErrSessionUnavailable = errors.New("device session unavailable")

// SessionBreaker short-circuits remote operations once the SSH session to a
// device has failed repeatedly at the transport level. Device-side command
// failures (*routeros.CommandError) and plain command timeouts never trip it.
type SessionBreaker struct {
	breakers map[string]*gobreaker.CircuitBreaker
	audit    *security.Logger
	mu       sync.RWMutex
}

// NewSessionBreaker creates a new per-device session breaker. Opening a circuit
// is reported to audit, or to security.GetLogger() when audit is nil.
func NewSessionBreaker(audit *security.Logger) *SessionBreaker {
	if audit == nil {
		audit = security.GetLogger()
	}
	return &SessionBreaker{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		audit:    audit,
	}
}

// getBreaker returns or creates a circuit breaker for the given device
func (sb *SessionBreaker) getBreaker(host string) *gobreaker.CircuitBreaker {
	sb.mu.RLock()
	cb, exists := sb.breakers[host]
	sb.mu.RUnlock()

	if exists {
		return cb
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()

	// Double-check after acquiring write lock
	if cb, exists := sb.breakers[host]; exists {
		return cb
	}

	settings := gobreaker.Settings{
		Name:        host,
		MaxRequests: 1, // Only 1 request allowed in half-open state
		Timeout:     DefaultTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= DefaultConsecutiveFailures
		},
		IsSuccessful: isSessionHealthy,
		OnStateChange: func(name string, from, to gobreaker.State) {
			klog.Warningf("Session circuit breaker for %s: %s -> %s", name, from, to)
			if to == gobreaker.StateOpen {
				sb.audit.LogCircuitBreakerOpen(name)
			}
		},
	}

	cb = gobreaker.NewCircuitBreaker(settings)
	sb.breakers[host] = cb
	klog.V(4).Infof("Created session circuit breaker for %s", host)
	return cb
}

// isSessionHealthy reports whether err leaves the session usable: device-side
// command failures, missing or unreadable files and local write errors all
// prove the transport still works. A timeout only counts against the session
// when the caller marked it with utils.ErrSessionLost.
func isSessionHealthy(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, utils.ErrSessionLost) {
		return false
	}

	var pathErr *fs.PathError
	var statusErr *sftp.StatusError
	switch {
	case routeros.IsCommandError(err),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, fs.ErrNotExist),
		errors.Is(err, fs.ErrPermission),
		errors.Is(err, utils.ErrInvalidParameter),
		errors.As(err, &pathErr),
		errors.As(err, &statusErr):
		return true
	}
	return false
}

// Execute runs fn with circuit breaker protection.
// Returns an error wrapping ErrSessionUnavailable if the circuit is open.
func (sb *SessionBreaker) Execute(ctx context.Context, host string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cb := sb.getBreaker(host)

	_, err := cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s failed %d times in a row, skipping remote operation",
			ErrSessionUnavailable, host, DefaultConsecutiveFailures)
	}

	return err
}

// State returns the current state of the circuit breaker for a device.
// Returns "closed" if no breaker exists (default safe state).
func (sb *SessionBreaker) State(host string) string {
	sb.mu.RLock()
	cb, exists := sb.breakers[host]
	sb.mu.RUnlock()

	if !exists {
		return "closed"
	}

	return cb.State().String()
}
