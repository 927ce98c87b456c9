package servicemanager

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/juju/clock"

	"github.com/service-tip-git/attachments/internal/metrics"
	"github.com/service-tip-git/attachments/pkg/errors"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultPollTimeout  = 5 * time.Minute
)

// PollConfig controls how an asynchronous broker operation is awaited.
type PollConfig struct {
	// Interval is multiplied by the attempt number to get the wait before each check.
	Interval time.Duration `yaml:"poll_interval"`
	// Timeout is the ceiling on total elapsed time.
	Timeout time.Duration `yaml:"poll_timeout"`
}

// OperationGetter fetches the current status of an operation resource.
type OperationGetter interface {
	GetOperation(ctx context.Context, token, path string) (*OperationStatus, error)
}

// Poller waits for broker operations to reach a terminal state.
type Poller struct {
	getter  OperationGetter
	config  PollConfig
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Collector
}

// NewPoller creates a poller. Zero config values take the defaults.
func NewPoller(getter OperationGetter, config PollConfig, clk clock.Clock, logger *slog.Logger, m *metrics.Collector) *Poller {
	if config.Interval <= 0 {
		config.Interval = DefaultPollInterval
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultPollTimeout
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &Poller{
		getter:  getter,
		config:  config,
		clock:   clk,
		logger:  logger.With("component", "poller"),
		metrics: m,
	}
}

// PollUntilDone checks op until its state is succeeded or failed.
//
// A failed operation is returned with a nil error; callers must inspect State. Exceeding
// the timeout returns the last status observed with an OPERATION_TIMEOUT error. A
// transport or broker error stops polling and is returned as is.
func (p *Poller) PollUntilDone(ctx context.Context, token string, op *Operation) (*OperationStatus, error) {
	start := op.StartedAt
	if start.IsZero() {
		start = p.clock.Now()
	}

	var last *OperationStatus
	for attempt := 1; ; attempt++ {
		wait := p.config.Interval * time.Duration(attempt)
		select {
		case <-ctx.Done():
			p.metrics.RecordPollAttempts(attempt - 1)
			return last, errors.Wrap(errors.ErrCodeOperationTimeout, "polling canceled", ctx.Err()).
				WithComponent("poller").
				WithTarget(op.Path)
		case <-p.clock.After(wait):
		}

		status, err := p.getter.GetOperation(ctx, token, op.Path)
		if err != nil {
			p.logger.Error("Error polling broker operation", "operation", op.Path, "attempt", attempt, "error", err)
			p.metrics.RecordPollAttempts(attempt)
			return nil, err
		}
		last = status
		p.logger.Debug("Polled broker operation", "operation", op.Path, "attempt", attempt, "state", status.State)

		switch status.State {
		case StateSucceeded:
			p.metrics.RecordPollAttempts(attempt)
			return status, nil
		case StateFailed:
			p.logger.Error("Broker operation failed", "operation", op.Path, "description", status.Description)
			p.metrics.RecordPollAttempts(attempt)
			return status, nil
		}

		if elapsed := p.clock.Now().Sub(start); elapsed > p.config.Timeout {
			p.logger.Error("Timed out waiting for broker operation", "operation", op.Path, "elapsed", elapsed)
			p.metrics.RecordPollAttempts(attempt)
			return status, errors.NewError(errors.ErrCodeOperationTimeout,
				fmt.Sprintf("operation did not finish within %s", p.config.Timeout)).
				WithComponent("poller").
				WithTarget(op.Path).
				WithDetail("attempts", attempt).
				WithDetail("state", status.State)
		}
	}
}
