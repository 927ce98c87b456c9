package servicemanager_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/service-tip-git/attachments/internal/servicemanager"
	"github.com/service-tip-git/attachments/internal/servicemanager/smtest"
	"github.com/service-tip-git/attachments/pkg/errors"
	"github.com/service-tip-git/attachments/pkg/utils"
)

// advanceScaled moves clk forward by interval*attempt each time the poller waits,
// until done is closed.
func advanceScaled(clk *testclock.Clock, interval time.Duration, done <-chan struct{}) {
	attempt := 1
	for {
		select {
		case <-done:
			return
		default:
		}
		if err := clk.WaitAdvance(interval*time.Duration(attempt), 50*time.Millisecond, 1); err != nil {
			continue
		}
		attempt++
	}
}

func sumScaled(interval time.Duration, n int) time.Duration {
	return interval * time.Duration(n*(n+1)/2)
}

func startOperation(t *testing.T, broker *smtest.Broker, client *servicemanager.Client) *servicemanager.Operation {
	t.Helper()
	result, err := client.Create(context.Background(), servicemanager.ServiceInstances, smtest.Token, map[string]string{"name": "x"})
	require.NoError(t, err)
	require.NotNil(t, result.Operation)
	return result.Operation
}

func poll(t *testing.T, poller *servicemanager.Poller, clk *testclock.Clock, interval time.Duration, op *servicemanager.Operation) (*servicemanager.OperationStatus, error) {
	t.Helper()
	done := make(chan struct{})
	go advanceScaled(clk, interval, done)
	defer close(done)
	return poller.PollUntilDone(context.Background(), smtest.Token, op)
}

func TestPoller_SucceedsAfterKChecks(t *testing.T) {
	const k = 4
	broker := smtest.NewBroker()
	defer broker.Close()
	broker.PendingPolls = k - 1

	clk := testclock.NewClock(time.Now())
	client := newClient(broker.Server.URL, servicemanager.WithClock(clk))
	op := startOperation(t, broker, client)
	start := clk.Now()

	interval := 5 * time.Second
	poller := servicemanager.NewPoller(client, servicemanager.PollConfig{Interval: interval, Timeout: 5 * time.Minute}, clk, utils.DiscardLogger(), nil)
	status, err := poll(t, poller, clk, interval, op)

	require.NoError(t, err)
	assert.Equal(t, servicemanager.StateSucceeded, status.State)
	assert.Equal(t, k, broker.Count(http.MethodGet, "v1/service_instances/"))
	assert.GreaterOrEqual(t, clk.Now().Sub(start), sumScaled(interval, k))
}

func TestPoller_FailedStateIsReturnedNotRaised(t *testing.T) {
	broker := smtest.NewBroker()
	defer broker.Close()
	broker.PendingPolls = 1
	broker.FailOperations = true

	clk := testclock.NewClock(time.Now())
	client := newClient(broker.Server.URL, servicemanager.WithClock(clk))
	op := startOperation(t, broker, client)

	poller := servicemanager.NewPoller(client, servicemanager.PollConfig{Interval: time.Second}, clk, utils.DiscardLogger(), nil)
	status, err := poll(t, poller, clk, time.Second, op)

	require.NoError(t, err)
	assert.Equal(t, servicemanager.StateFailed, status.State)
	assert.Equal(t, 2, broker.Count(http.MethodGet, "v1/service_instances/"))
}

func TestPoller_TimesOut(t *testing.T) {
	broker := smtest.NewBroker()
	defer broker.Close()
	broker.PendingPolls = 1000

	clk := testclock.NewClock(time.Now())
	client := newClient(broker.Server.URL, servicemanager.WithClock(clk))
	op := startOperation(t, broker, client)

	interval := 5 * time.Second
	poller := servicemanager.NewPoller(client, servicemanager.PollConfig{Interval: interval, Timeout: 5 * time.Minute}, clk, utils.DiscardLogger(), nil)
	status, err := poll(t, poller, clk, interval, op)

	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeOperationTimeout), "got %v", err)
	require.NotNil(t, status)
	assert.Equal(t, servicemanager.StateInProgress, status.State)

	// 5s*(1+...+10) = 275s is within the ceiling; the 11th check brings elapsed to 330s.
	assert.Equal(t, 11, broker.Count(http.MethodGet, "v1/service_instances/"))
}

func TestPoller_TransportErrorStopsPolling(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	clk := testclock.NewClock(time.Now())
	client := newClient(srv.URL)
	poller := servicemanager.NewPoller(client, servicemanager.PollConfig{Interval: time.Second}, clk, utils.DiscardLogger(), nil)

	status, err := poll(t, poller, clk, time.Second, &servicemanager.Operation{Path: "v1/service_instances/i/operations/o", StartedAt: clk.Now()})

	assert.Nil(t, status)
	assert.True(t, errors.HasCode(err, errors.ErrCodeBrokerRequestFailed), "got %v", err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPoller_ContextCanceled(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	poller := servicemanager.NewPoller(newClient("http://unused.invalid"), servicemanager.PollConfig{}, clk, utils.DiscardLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := poller.PollUntilDone(ctx, "t", &servicemanager.Operation{Path: "x"})
	assert.Error(t, err)
}
