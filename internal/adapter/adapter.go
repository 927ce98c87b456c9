package adapter

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/juju/clock"

	"github.com/service-tip-git/attachments/internal/attachments"
	"github.com/service-tip-git/attachments/internal/circuit"
	"github.com/service-tip-git/attachments/internal/config"
	"github.com/service-tip-git/attachments/internal/hooks"
	"github.com/service-tip-git/attachments/internal/metadata"
	"github.com/service-tip-git/attachments/internal/metrics"
	"github.com/service-tip-git/attachments/internal/provisioner"
	"github.com/service-tip-git/attachments/internal/scanner"
	"github.com/service-tip-git/attachments/internal/servicemanager"
	"github.com/service-tip-git/attachments/internal/storage/s3"
	"github.com/service-tip-git/attachments/internal/teardown"
	"github.com/service-tip-git/attachments/internal/tenant"
	"github.com/service-tip-git/attachments/pkg/errors"
	"github.com/service-tip-git/attachments/pkg/health"
	"github.com/service-tip-git/attachments/pkg/retry"
	"github.com/service-tip-git/attachments/pkg/types"
	"github.com/service-tip-git/attachments/pkg/utils"
)

// metadataStore is what the adapter needs from a metadata backend beyond the
// attachment operations.
type metadataStore interface {
	types.MetadataStore
	Entities() []string
}

// Adapter owns every component of a running attachment service
type Adapter struct {
	config  *config.Configuration
	logger  *slog.Logger
	metrics *metrics.Collector
	health  *health.Tracker

	meta        metadataStore
	store       types.ObjectStore
	cache       *tenant.Cache
	provisioner *provisioner.Provisioner
	service     *attachments.Service
	dispatcher  *hooks.Dispatcher
	sweeper     *teardown.Sweeper

	closers   []io.Closer
	stopCheck context.CancelFunc
	closeOnce sync.Once
}

// Option customizes New.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	metrics    *metrics.Collector
	httpClient *http.Client
	clock      clock.Clock
}

// WithLogger replaces the logger built from the configuration.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics replaces the collector built from the configuration.
func WithMetrics(m *metrics.Collector) Option {
	return func(o *options) { o.metrics = m }
}

// WithHTTPClient sets the client used for broker, token and scanner calls.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) { o.httpClient = client }
}

// WithClock sets the clock used by the poller, breaker and health checks.
func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clock = clk }
}

// New validates cfg and builds every component it describes. In single and shared mode
// the static bucket is checked before New returns.
func New(ctx context.Context, cfg *config.Configuration, opts ...Option) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{clock: clock.WallClock}
	for _, opt := range opts {
		opt(&o)
	}

	a := &Adapter{config: cfg}
	if err := a.initObservability(o); err != nil {
		return nil, err
	}
	if err := a.build(ctx, o); err != nil {
		a.closeResources()
		return nil, err
	}

	a.logger.Info("Attachment service ready",
		"kind", cfg.ObjectStore.Kind,
		"multitenancy", cfg.Multitenancy,
		"metadata", cfg.Metadata.Driver,
		"entities", a.meta.Entities(),
		"scanner", cfg.Scanner.Enabled)
	return a, nil
}

func (a *Adapter) initObservability(o options) error {
	a.logger = o.logger
	if a.logger == nil {
		logger, closer, err := utils.NewLogger(a.config.Global.Log)
		if err != nil {
			return errors.Wrap(errors.ErrCodeInvalidConfig, "failed to create logger", err).
				WithComponent("adapter")
		}
		a.logger = logger
		a.closers = append(a.closers, closer)
	}

	a.metrics = o.metrics
	if a.metrics == nil {
		m, err := metrics.NewCollector(&a.config.Monitoring.Metrics)
		if err != nil {
			return errors.Wrap(errors.ErrCodeInvalidConfig, "failed to create metrics collector", err).
				WithComponent("adapter")
		}
		a.metrics = m
	}

	a.health = health.NewTracker(health.DefaultConfig(), o.clock)
	return nil
}

func (a *Adapter) build(ctx context.Context, o options) error {
	cfg := a.config

	meta, err := a.openMetadata(ctx)
	if err != nil {
		return err
	}
	a.meta = meta
	a.health.RegisterComponent(health.ComponentMetadata, a.metadataCheck())

	base, err := s3Config(cfg.ObjectStore)
	if err != nil {
		return err
	}

	switch cfg.ObjectStore.Kind {
	case config.KindSingle, config.KindShared:
		store, err := s3.New(ctx, base.WithCredentials(cfg.ObjectStore.Credentials), a.logger, a.metrics)
		if err != nil {
			return err
		}
		a.store = store
		a.cache = tenant.NewStatic(store)
		a.health.RegisterComponent(health.ComponentObjectStore, store.HealthCheck)
		if cfg.ObjectStore.Kind == config.KindShared {
			a.sweeper = teardown.NewShared(store, a.logger, a.metrics)
		} else {
			a.sweeper = teardown.NewNoop(a.logger)
		}

	case config.KindSeparate:
		a.provisioner = a.newProvisioner(o)
		a.provisioner.Observe(func(_ string, err error) { a.recordBroker(err) })
		a.cache = tenant.NewSeparate(a.provisioner, s3.NewFactory(base, a.logger, a.metrics), a.logger, a.metrics)
		a.sweeper = teardown.NewSeparate(a.provisioner, a.cache, a.logger, a.metrics)
		a.health.RegisterComponent(health.ComponentServiceManager, nil)
	}

	a.service = attachments.New(a.meta, a.cache, a.newScanner(o), attachments.Config{
		BatchConcurrency: cfg.ObjectStore.Concurrency,
		ScanTimeout:      cfg.Scanner.Timeout,
		TenantScopedKeys: cfg.ObjectStore.Kind == config.KindShared,
	}, a.logger, a.metrics)

	a.dispatcher = hooks.NewDispatcher(a.logger)
	for _, entity := range cfg.Attachments.Entities {
		record := attachments.ParentOf(entity)
		if record == "" {
			record = entity
		}
		a.service.RegisterUpdateHandlers(a.dispatcher, record, entity)
	}
	return nil
}

func (a *Adapter) openMetadata(ctx context.Context) (metadataStore, error) {
	entities := a.config.Attachments.Entities
	switch a.config.Metadata.Driver {
	case config.DriverMemory:
		return metadata.NewMemoryStore(entities...), nil
	case config.DriverSQLite:
		store, err := metadata.OpenSQLite(ctx, a.config.Metadata.DSN, entities...)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store)
		return store, nil
	default:
		return nil, errors.NewError(errors.ErrCodeInvalidConfig,
			fmt.Sprintf("unsupported metadata driver: %s", a.config.Metadata.Driver)).
			WithComponent("adapter")
	}
}

func (a *Adapter) metadataCheck() health.CheckFunc {
	if p, ok := a.meta.(interface{ Ping(context.Context) error }); ok {
		return p.Ping
	}
	return nil
}

func s3Config(o config.ObjectStoreConfig) (s3.Config, error) {
	partSize, err := o.PartSizeBytes()
	if err != nil {
		return s3.Config{}, err
	}
	base := s3.NewDefaultConfig()
	base.Endpoint = o.Credentials.Endpoint
	base.ForcePathStyle = o.ForcePathStyle
	base.PartSize = partSize
	base.Concurrency = o.Concurrency
	base.ListPageSize = o.ListPageSize
	base.MaxRetries = o.MaxRetries
	return *base, nil
}

func (a *Adapter) newProvisioner(o options) *provisioner.Provisioner {
	sm := a.config.ServiceManager

	breakerConfig := a.config.Network.CircuitBreaker
	breakerConfig.Clock = o.clock
	breaker := circuit.NewCircuitBreaker("service-manager", breakerConfig)

	httpClient := o.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: sm.RequestTimeout}
	}

	client := servicemanager.NewClient(sm.Credentials.SMURL, a.logger,
		servicemanager.WithHTTPClient(httpClient),
		servicemanager.WithBreaker(breaker),
		servicemanager.WithRetryer(retry.New(a.config.Network.Retry)),
		servicemanager.WithClock(o.clock))

	var tokenOpts []servicemanager.TokenOption
	if o.httpClient != nil {
		tokenOpts = append(tokenOpts, servicemanager.WithTokenHTTPClient(o.httpClient))
	}
	tokens := servicemanager.NewTokenProvider(a.logger, tokenOpts...)
	poller := servicemanager.NewPoller(client, sm.Poll, o.clock, a.logger, a.metrics)

	return provisioner.New(sm.Credentials, tokens, client, poller, sm.Provisioning, a.logger, a.metrics)
}

func (a *Adapter) newScanner(o options) types.Scanner {
	sc := a.config.Scanner
	if !sc.Enabled {
		return scanner.Noop{}
	}
	return scanner.NewHTTPScanner(scanner.Config{
		URL:     sc.URL,
		Timeout: sc.Timeout,
		Retry:   a.config.Network.Retry,
	}, a.logger)
}

// Start runs an initial round of health checks and keeps checking in the background
// until Close.
func (a *Adapter) Start(ctx context.Context) {
	a.health.CheckNow(ctx)
	checkCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.stopCheck = cancel
	go a.health.StartHealthChecks(checkCtx)
	a.logger.Info("Health checks started", "state", a.health.GetOverallHealth().String())
}

// Provision creates the dedicated object store of tenant. It is only available in
// separate mode.
func (a *Adapter) Provision(ctx context.Context, tenantID string) (*provisioner.Result, error) {
	if a.provisioner == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig,
			fmt.Sprintf("provisioning is not available for object_store.kind=%s", a.config.ObjectStore.Kind)).
			WithComponent("adapter").
			WithContext("tenant", tenantID)
	}
	return a.provisioner.Provision(ctx, tenantID)
}

// Deprovision removes the storage of tenant and returns how many objects were deleted.
func (a *Adapter) Deprovision(ctx context.Context, tenantID string) (int, error) {
	return a.sweeper.Sweep(ctx, tenantID)
}

// Subscribe handles a tenant subscription. Only separate mode has work to do. Failures
// are logged and yield a nil result.
func (a *Adapter) Subscribe(ctx context.Context, tenantID string) *provisioner.Result {
	if a.provisioner == nil {
		a.logger.Debug("No provisioning needed for tenant", "tenant", tenantID, "kind", a.config.ObjectStore.Kind)
		return nil
	}
	return a.provisioner.OnSubscribe(ctx, tenantID)
}

// Unsubscribe removes the storage of tenant and returns how many objects were deleted.
// Failures are logged.
func (a *Adapter) Unsubscribe(ctx context.Context, tenantID string) int {
	return a.sweeper.OnUnsubscribe(ctx, tenantID)
}

func (a *Adapter) recordBroker(err error) {
	switch {
	case err == nil:
		a.health.RecordSuccess(health.ComponentServiceManager)
	case errors.HasCode(err, errors.ErrCodeNetworkError),
		errors.HasCode(err, errors.ErrCodeBrokerRequestFailed),
		errors.HasCode(err, errors.ErrCodeCircuitOpen),
		errors.HasCode(err, errors.ErrCodeOperationTimeout):
		a.health.RecordError(health.ComponentServiceManager, err)
	}
}

// Service returns the attachment backend.
func (a *Adapter) Service() *attachments.Service { return a.service }

// Dispatcher returns the lifecycle hook dispatcher with the attachment handlers registered.
func (a *Adapter) Dispatcher() *hooks.Dispatcher { return a.dispatcher }

// Health returns the component health tracker.
func (a *Adapter) Health() *health.Tracker { return a.health }

// Metrics returns the metrics collector.
func (a *Adapter) Metrics() *metrics.Collector { return a.metrics }

// Logger returns the service logger.
func (a *Adapter) Logger() *slog.Logger { return a.logger }

// Config returns the configuration the adapter was built from.
func (a *Adapter) Config() *config.Configuration { return a.config }

// Close stops background work, waits for pending scan requests and releases resources.
func (a *Adapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		if a.stopCheck != nil {
			a.stopCheck()
		}
		if a.service != nil {
			a.service.Wait()
		}
		a.logger.Info("Attachment service stopped")
		err = a.closeResources()
	})
	return err
}

func (a *Adapter) closeResources() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}
