// Package health tracks the health of the components the attachment service depends on
// and derives the state reported by the health endpoint.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/service-tip-git/attachments/pkg/errors"
)

// Component names registered by the service.
const (
	ComponentObjectStore    = "object_store"
	ComponentMetadata       = "metadata"
	ComponentServiceManager = "service_manager"
)

// HealthState represents the health state of a component or of the service
type HealthState int

const (
	// StateHealthy indicates the component is fully operational
	StateHealthy HealthState = iota

	// StateDegraded indicates requests are failing but below the unavailable threshold
	StateDegraded

	// StateReadOnly indicates reads work but writes keep failing
	StateReadOnly

	// StateUnavailable indicates the component is not operational
	StateUnavailable
)

// String returns the string representation of a health state
func (s HealthState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateReadOnly:
		return "read-only"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s HealthState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CheckFunc checks one component.
type CheckFunc func(ctx context.Context) error

// ComponentHealth is a snapshot of one component
type ComponentHealth struct {
	Name              string      `json:"name"`
	State             HealthState `json:"state"`
	LastStateChange   time.Time   `json:"last_state_change"`
	LastHealthCheck   time.Time   `json:"last_health_check"`
	ConsecutiveErrors int         `json:"consecutive_errors"`
	LastErrorMessage  string      `json:"last_error_message,omitempty"`
	LastErrorCode     string      `json:"last_error_code,omitempty"`
}

type component struct {
	ComponentHealth
	check CheckFunc
}

// TrackerConfig configures health tracking behavior
type TrackerConfig struct {
	// ErrorThreshold is the number of consecutive errors before a component is degraded
	ErrorThreshold int `yaml:"error_threshold"`

	// UnavailableThreshold is the number of consecutive errors before it is unavailable
	UnavailableThreshold int `yaml:"unavailable_threshold"`

	// CheckInterval is the period of the background checks
	CheckInterval time.Duration `yaml:"check_interval"`

	// CheckTimeout bounds one check
	CheckTimeout time.Duration `yaml:"check_timeout"`
}

// DefaultConfig returns a default tracker configuration
func DefaultConfig() TrackerConfig {
	return TrackerConfig{
		ErrorThreshold:       3,
		UnavailableThreshold: 10,
		CheckInterval:        30 * time.Second,
		CheckTimeout:         5 * time.Second,
	}
}

// Tracker tracks the health of the registered components
type Tracker struct {
	mu         sync.RWMutex
	components map[string]*component
	config     TrackerConfig
	clock      clock.Clock
}

// NewTracker creates a tracker. A nil clock uses the wall clock.
func NewTracker(config TrackerConfig, clk clock.Clock) *Tracker {
	def := DefaultConfig()
	if config.ErrorThreshold <= 0 {
		config.ErrorThreshold = def.ErrorThreshold
	}
	if config.UnavailableThreshold < config.ErrorThreshold {
		config.UnavailableThreshold = max(def.UnavailableThreshold, config.ErrorThreshold)
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = def.CheckInterval
	}
	if config.CheckTimeout <= 0 {
		config.CheckTimeout = def.CheckTimeout
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &Tracker{
		components: make(map[string]*component),
		config:     config,
		clock:      clk,
	}
}

// RegisterComponent registers a component. check may be nil for components that are
// only reported on through RecordSuccess and RecordError.
func (t *Tracker) RegisterComponent(name string, check CheckFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c, exists := t.components[name]; exists {
		c.check = check
		return
	}
	now := t.clock.Now()
	t.components[name] = &component{
		ComponentHealth: ComponentHealth{
			Name:            name,
			State:           StateHealthy,
			LastStateChange: now,
			LastHealthCheck: now,
		},
		check: check,
	}
}

// RecordSuccess records a successful operation. One success restores a component.
func (t *Tracker) RecordSuccess(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, exists := t.components[name]
	if !exists {
		return
	}
	c.LastHealthCheck = t.clock.Now()
	c.ConsecutiveErrors = 0
	c.LastErrorMessage = ""
	c.LastErrorCode = ""
	t.transition(c, StateHealthy)
}

// RecordError records a failed operation
func (t *Tracker) RecordError(name string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, exists := t.components[name]
	if !exists {
		return
	}
	c.LastHealthCheck = t.clock.Now()
	c.ConsecutiveErrors++
	if err != nil {
		c.LastErrorMessage = err.Error()
		if e, ok := errors.As(err); ok {
			c.LastErrorCode = string(e.Code)
		}
	}

	switch {
	case c.ConsecutiveErrors >= t.config.UnavailableThreshold:
		t.transition(c, StateUnavailable)
	case c.ConsecutiveErrors >= t.config.ErrorThreshold:
		if isWriteError(err) {
			t.transition(c, StateReadOnly)
		} else {
			t.transition(c, StateDegraded)
		}
	}
}

// transition must be called with the lock held.
func (t *Tracker) transition(c *component, state HealthState) {
	if c.State != state {
		c.State = state
		c.LastStateChange = t.clock.Now()
	}
}

// GetState returns the state of a component. Unknown components are unavailable.
func (t *Tracker) GetState(name string) HealthState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if c, exists := t.components[name]; exists {
		return c.State
	}
	return StateUnavailable
}

// GetComponentHealth returns a snapshot of one component
func (t *Tracker) GetComponentHealth(name string) (ComponentHealth, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	c, exists := t.components[name]
	if !exists {
		return ComponentHealth{}, false
	}
	return c.ComponentHealth, true
}

// GetAllComponents returns snapshots of every component ordered by name
func (t *Tracker) GetAllComponents() []ComponentHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]ComponentHealth, 0, len(t.components))
	for _, c := range t.components {
		out = append(out, c.ComponentHealth)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetOverallHealth returns the worst component state
func (t *Tracker) GetOverallHealth() HealthState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	overall := StateHealthy
	for _, c := range t.components {
		if c.State > overall {
			overall = c.State
		}
	}
	return overall
}

// CanRead reports whether reads are expected to succeed
func (t *Tracker) CanRead(name string) bool {
	return t.GetState(name) != StateUnavailable
}

// CanWrite reports whether writes are expected to succeed
func (t *Tracker) CanWrite(name string) bool {
	state := t.GetState(name)
	return state == StateHealthy || state == StateDegraded
}

// isWriteError reports whether err is a write failure that leaves reads working.
func isWriteError(err error) bool {
	return errors.HasCode(err, errors.ErrCodeStorageWriteFailed) ||
		errors.HasCode(err, errors.ErrCodeMetadataWriteFailed) ||
		errors.HasCode(err, errors.ErrCodeUploadFailed)
}

// CheckNow runs every registered check once and records the outcomes.
func (t *Tracker) CheckNow(ctx context.Context) {
	t.mu.RLock()
	checks := make(map[string]CheckFunc, len(t.components))
	for name, c := range t.components {
		if c.check != nil {
			checks[name] = c.check
		}
	}
	t.mu.RUnlock()

	for name, check := range checks {
		cctx, cancel := context.WithTimeout(ctx, t.config.CheckTimeout)
		err := check(cctx)
		cancel()
		if err != nil {
			t.RecordError(name, err)
		} else {
			t.RecordSuccess(name)
		}
	}
}

// StartHealthChecks checks every component each CheckInterval until ctx is done.
func (t *Tracker) StartHealthChecks(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.clock.After(t.config.CheckInterval):
			t.CheckNow(ctx)
		}
	}
}
