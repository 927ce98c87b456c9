// Package provisioner creates and removes a tenant's dedicated object-store instance and
// binding through the service-manager broker.
package provisioner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/service-tip-git/attachments/internal/metrics"
	"github.com/service-tip-git/attachments/internal/servicemanager"
	"github.com/service-tip-git/attachments/pkg/errors"
	"github.com/service-tip-git/attachments/pkg/types"
)

const (
	DefaultOffering = "objectstore"
	ServiceLabel    = "OBJECT_STORE"
)

// DefaultPlans are tried in order; the first plan that exists is used.
var DefaultPlans = []string{"standard", "s3-standard"}

// TokenFetcher obtains a broker bearer token.
type TokenFetcher interface {
	FetchToken(ctx context.Context, creds servicemanager.Credentials) (string, error)
}

// Broker is the subset of the broker client used for provisioning.
type Broker interface {
	ListFirst(ctx context.Context, collection servicemanager.Collection, token string, q servicemanager.Query) (*servicemanager.Resource, error)
	Create(ctx context.Context, collection servicemanager.Collection, token string, body interface{}) (*servicemanager.CreateResult, error)
	Delete(ctx context.Context, collection servicemanager.Collection, token, id string) (*servicemanager.Operation, error)
}

// OperationPoller awaits asynchronous broker operations.
type OperationPoller interface {
	PollUntilDone(ctx context.Context, token string, op *servicemanager.Operation) (*servicemanager.OperationStatus, error)
}

// Config selects the catalog entries used for new instances.
type Config struct {
	Offering string   `yaml:"offering"`
	Plans    []string `yaml:"plans"`
}

// Result records the resources created for a tenant.
type Result struct {
	TenantID   string
	OfferingID string
	PlanID     string
	InstanceID string
	BindingID  string
}

// Provisioner drives the offering, plan, instance and binding pipeline for one tenant
// at a time.
//
// Provision, Deprovision and BindingCredentials return their errors. OnSubscribe is the
// subscription entry point: it logs failures with the tenant id and never returns them.
type Provisioner struct {
	creds   servicemanager.Credentials
	tokens  TokenFetcher
	broker  Broker
	poller  OperationPoller
	config  Config
	logger  *slog.Logger
	metrics *metrics.Collector

	newName  func(tenant string) string
	observer func(operation string, err error)
}

// New creates a provisioner.
func New(creds servicemanager.Credentials, tokens TokenFetcher, broker Broker, poller OperationPoller,
	config Config, logger *slog.Logger, m *metrics.Collector) *Provisioner {
	if config.Offering == "" {
		config.Offering = DefaultOffering
	}
	if len(config.Plans) == 0 {
		config.Plans = DefaultPlans
	}
	return &Provisioner{
		creds:   creds,
		tokens:  tokens,
		broker:  broker,
		poller:  poller,
		config:  config,
		logger:  logger.With("component", "provisioner"),
		metrics: m,
		newName: func(tenant string) string {
			return fmt.Sprintf("object-store-%s-%s", tenant, uuid.NewString())
		},
	}
}

func tenantLabelQuery(tenant string) string {
	return fmt.Sprintf("service eq '%s' and tenant_id eq '%s'", ServiceLabel, quote(tenant))
}

func quote(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

func (p *Provisioner) createBody(tenant string, ref map[string]string) map[string]interface{} {
	body := map[string]interface{}{
		"name":       p.newName(tenant),
		"parameters": map[string]interface{}{},
		"labels": map[string][]string{
			"tenant_id": {tenant},
			"service":   {ServiceLabel},
		},
	}
	for k, v := range ref {
		body[k] = v
	}
	return body
}

func (p *Provisioner) token(ctx context.Context) (string, error) {
	if err := p.creds.Validate(); err != nil {
		return "", err
	}
	return p.tokens.FetchToken(ctx, p.creds)
}

// Observe registers fn to receive the outcome of every Provision ("provision") and
// Deprovision ("deprovision") call.
func (p *Provisioner) Observe(fn func(operation string, err error)) { p.observer = fn }

func (p *Provisioner) notify(operation string, err error) {
	if p.observer != nil {
		p.observer(operation, err)
	}
}

// Provision creates and binds an object-store instance for tenant.
func (p *Provisioner) Provision(ctx context.Context, tenant string) (result *Result, err error) {
	defer func() { p.notify("provision", err) }()

	token, err := p.token(ctx)
	if err != nil {
		return nil, err
	}
	result = &Result{TenantID: tenant}

	if result.OfferingID, err = p.offeringID(ctx, token); err != nil {
		return nil, err
	}
	if result.PlanID, err = p.planID(ctx, token, result.OfferingID); err != nil {
		return nil, err
	}
	if result.InstanceID, err = p.createInstance(ctx, token, tenant, result.PlanID); err != nil {
		return nil, err
	}
	p.logger.Info("Object store instance created", "tenant", tenant, "instance", result.InstanceID)

	if result.BindingID, err = p.bindInstance(ctx, token, tenant, result.InstanceID); err != nil {
		return nil, err
	}
	p.logger.Info("Object store instance bound", "tenant", tenant, "binding", result.BindingID)
	return result, nil
}

func (p *Provisioner) offeringID(ctx context.Context, token string) (string, error) {
	offering, err := p.broker.ListFirst(ctx, servicemanager.ServiceOfferings, token,
		servicemanager.Query{FieldQuery: fmt.Sprintf("name eq '%s'", quote(p.config.Offering))})
	if err != nil {
		return "", errors.Wrap(errors.ErrCodeProvisioningFailed, "failed to look up object store offering", err).
			WithComponent("provisioner").
			WithOperation("offering")
	}
	if offering == nil || offering.ID == "" {
		return "", errors.NewError(errors.ErrCodeProvisioningFailed, "object store service offering not found").
			WithComponent("provisioner").
			WithOperation("offering").
			WithTarget(p.config.Offering)
	}
	return offering.ID, nil
}

func (p *Provisioner) planID(ctx context.Context, token, offeringID string) (string, error) {
	for _, name := range p.config.Plans {
		plan, err := p.broker.ListFirst(ctx, servicemanager.ServicePlans, token, servicemanager.Query{
			FieldQuery: fmt.Sprintf("service_offering_id eq '%s' and catalog_name eq '%s'", quote(offeringID), quote(name)),
		})
		if err != nil {
			p.logger.Debug("Failed to fetch plan", "plan", name, "error", err)
			continue
		}
		if plan != nil && plan.ID != "" {
			p.logger.Debug("Using object store plan", "plan", name, "plan_id", plan.ID)
			return plan.ID, nil
		}
	}
	return "", errors.NewError(errors.ErrCodeNoSupportedPlan, "no supported object store service plan found").
		WithComponent("provisioner").
		WithOperation("plan").
		WithDetail("attempted", strings.Join(p.config.Plans, ", "))
}

func (p *Provisioner) createInstance(ctx context.Context, token, tenant, planID string) (string, error) {
	created, err := p.broker.Create(ctx, servicemanager.ServiceInstances, token,
		p.createBody(tenant, map[string]string{"service_plan_id": planID}))
	if err != nil {
		return "", errors.Wrap(errors.ErrCodeProvisioningFailed, "failed to create object store instance", err).
			WithComponent("provisioner").
			WithOperation("create_instance").
			WithContext("tenant", tenant)
	}
	return p.await(ctx, token, tenant, created, "create_instance")
}

func (p *Provisioner) bindInstance(ctx context.Context, token, tenant, instanceID string) (string, error) {
	created, err := p.broker.Create(ctx, servicemanager.ServiceBindings, token,
		p.createBody(tenant, map[string]string{"service_instance_id": instanceID}))
	if err != nil {
		return "", errors.Wrap(errors.ErrCodeProvisioningFailed, "failed to bind object store instance", err).
			WithComponent("provisioner").
			WithOperation("bind_instance").
			WithContext("tenant", tenant)
	}
	return p.await(ctx, token, tenant, created, "bind_instance")
}

// await resolves a create result to a resource id, polling when the broker accepted the
// request asynchronously.
func (p *Provisioner) await(ctx context.Context, token, tenant string, created *servicemanager.CreateResult, op string) (string, error) {
	if created.Operation == nil {
		return created.ID, nil
	}
	status, err := p.poller.PollUntilDone(ctx, token, created.Operation)
	if err != nil {
		return "", errors.Wrap(errors.ErrCodeProvisioningFailed, "broker operation did not complete", err).
			WithComponent("provisioner").
			WithOperation(op).
			WithContext("tenant", tenant)
	}
	if status.State != servicemanager.StateSucceeded {
		return "", errors.NewError(errors.ErrCodeProvisioningFailed, "broker operation failed").
			WithComponent("provisioner").
			WithOperation(op).
			WithContext("tenant", tenant).
			WithDetail("state", status.State).
			WithDetail("description", status.Description)
	}
	if status.ResourceID != "" {
		return status.ResourceID, nil
	}
	return created.ID, nil
}

// Deprovision deletes the tenant's binding and instance. A missing binding is logged and
// skipped; a missing instance ends deprovisioning without error.
func (p *Provisioner) Deprovision(ctx context.Context, tenant string) (err error) {
	defer func() { p.notify("deprovision", err) }()

	token, err := p.token(ctx)
	if err != nil {
		return err
	}
	q := servicemanager.Query{LabelQuery: tenantLabelQuery(tenant)}

	binding, err := p.broker.ListFirst(ctx, servicemanager.ServiceBindings, token, q)
	if err != nil {
		return p.deprovisionError("lookup_binding", tenant, err)
	}
	if binding == nil {
		p.logger.Info("No binding found for tenant", "tenant", tenant)
	} else if err := p.remove(ctx, token, tenant, servicemanager.ServiceBindings, binding.ID); err != nil {
		return err
	}

	instance, err := p.broker.ListFirst(ctx, servicemanager.ServiceInstances, token, q)
	if err != nil {
		return p.deprovisionError("lookup_instance", tenant, err)
	}
	if instance == nil {
		p.logger.Info("No object store instance found for tenant", "tenant", tenant)
		return nil
	}
	if err := p.remove(ctx, token, tenant, servicemanager.ServiceInstances, instance.ID); err != nil {
		return err
	}
	p.logger.Info("Object store instance deleted", "tenant", tenant, "instance", instance.ID)
	return nil
}

func (p *Provisioner) remove(ctx context.Context, token, tenant string, collection servicemanager.Collection, id string) error {
	op, err := p.broker.Delete(ctx, collection, token, id)
	if err != nil {
		return p.deprovisionError("delete", tenant, err).WithTarget(string(collection) + "/" + id)
	}
	if op == nil {
		return nil
	}
	status, err := p.poller.PollUntilDone(ctx, token, op)
	if err != nil {
		return p.deprovisionError("delete", tenant, err).WithTarget(string(collection) + "/" + id)
	}
	if status.State != servicemanager.StateSucceeded {
		return errors.NewError(errors.ErrCodeDeprovisioningFailed, "broker delete operation failed").
			WithComponent("provisioner").
			WithOperation("delete").
			WithTarget(string(collection)+"/"+id).
			WithContext("tenant", tenant).
			WithDetail("state", status.State)
	}
	return nil
}

func (p *Provisioner) deprovisionError(op, tenant string, cause error) *errors.AttachmentError {
	return errors.Wrap(errors.ErrCodeDeprovisioningFailed, "failed to deprovision object store", cause).
		WithComponent("provisioner").
		WithOperation(op).
		WithContext("tenant", tenant)
}

// BindingCredentials returns the object-store credentials of the tenant's binding.
// A tenant without a binding fails with CREDENTIALS_MISSING.
func (p *Provisioner) BindingCredentials(ctx context.Context, tenant string) (*types.ObjectStoreCredentials, error) {
	token, err := p.token(ctx)
	if err != nil {
		return nil, err
	}
	binding, err := p.broker.ListFirst(ctx, servicemanager.ServiceBindings, token,
		servicemanager.Query{LabelQuery: tenantLabelQuery(tenant)})
	if err != nil {
		return nil, err
	}
	if binding == nil || binding.Credentials == nil {
		return nil, errors.NewError(errors.ErrCodeCredentialsMissing,
			fmt.Sprintf("object store instance not bound for tenant %s", tenant)).
			WithComponent("provisioner").
			WithContext("tenant", tenant)
	}
	c := binding.Credentials
	return &types.ObjectStoreCredentials{
		Region:          c.Region,
		Bucket:          c.Bucket,
		AccessKeyID:     c.AccessKeyID,
		SecretAccessKey: c.SecretAccessKey,
		Endpoint:        endpointURL(c.Host),
	}, nil
}

// endpointURL turns a binding host into an endpoint URL. Hosts without a scheme are
// served over https.
func endpointURL(host string) string {
	if host == "" || strings.Contains(host, "://") {
		return host
	}
	return "https://" + host
}

// OnSubscribe provisions tenant, logging instead of returning any failure. It returns
// nil when provisioning failed.
func (p *Provisioner) OnSubscribe(ctx context.Context, tenant string) *Result {
	result, err := p.Provision(ctx, tenant)
	p.metrics.RecordProvisioning("subscribe", err)
	if err != nil {
		p.logger.Error("Error setting up object store for tenant", "tenant", tenant, "error", err)
		return nil
	}
	return result
}
