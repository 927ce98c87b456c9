package servicemanager

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/juju/clock"

	"github.com/service-tip-git/attachments/internal/circuit"
	"github.com/service-tip-git/attachments/pkg/errors"
	"github.com/service-tip-git/attachments/pkg/retry"
)

// Collection is one of the fixed broker resource collections.
type Collection string

const (
	ServiceOfferings Collection = "v1/service_offerings"
	ServicePlans     Collection = "v1/service_plans"
	ServiceInstances Collection = "v1/service_instances"
	ServiceBindings  Collection = "v1/service_bindings"
)

// Operation states reported by the broker.
const (
	StateSucceeded  = "succeeded"
	StateFailed     = "failed"
	StateInProgress = "in progress"
)

const maxResponseBytes = 4 << 20

// Query filters a list request. Either or both may be set.
type Query struct {
	FieldQuery string
	LabelQuery string
}

func (q Query) values() url.Values {
	v := url.Values{}
	if q.FieldQuery != "" {
		v.Set("fieldQuery", q.FieldQuery)
	}
	if q.LabelQuery != "" {
		v.Set("labelQuery", q.LabelQuery)
	}
	return v
}

// Resource is a broker catalog item, instance or binding. Only the fields used by
// provisioning are decoded.
type Resource struct {
	ID                string              `json:"id"`
	Name              string              `json:"name,omitempty"`
	CatalogName       string              `json:"catalog_name,omitempty"`
	ServiceOfferingID string              `json:"service_offering_id,omitempty"`
	ServiceInstanceID string              `json:"service_instance_id,omitempty"`
	Ready             bool                `json:"ready,omitempty"`
	Labels            map[string][]string `json:"labels,omitempty"`
	Credentials       *BindingCredentials `json:"credentials,omitempty"`
}

// BindingCredentials are the object-store credentials carried by a binding.
type BindingCredentials struct {
	Region          string `json:"region"`
	Bucket          string `json:"bucket"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	Host            string `json:"host,omitempty"`
	URI             string `json:"uri,omitempty"`
}

// Operation is a handle to an accepted but unfinished broker call.
type Operation struct {
	Path      string
	StartedAt time.Time
}

// OperationStatus is the body of an operation resource.
type OperationStatus struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	State       string `json:"state"`
	ResourceID  string `json:"resource_id"`
	Description string `json:"description,omitempty"`
}

// CreateResult is the outcome of a create call. Operation is set when the broker
// accepted the request asynchronously; ID is then usually empty.
type CreateResult struct {
	ID        string
	Operation *Operation
}

// Client is an authenticated REST client for the service-manager broker.
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *circuit.CircuitBreaker
	retryer    *retry.Retryer
	clock      clock.Clock
	logger     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the HTTP client used for broker calls.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithBreaker guards every broker call with cb.
func WithBreaker(cb *circuit.CircuitBreaker) ClientOption {
	return func(c *Client) { c.breaker = cb }
}

// WithRetryer sets the retry policy for read calls.
func WithRetryer(r *retry.Retryer) ClientOption {
	return func(c *Client) { c.retryer = r }
}

// WithClock sets the clock used to stamp operation handles.
func WithClock(clk clock.Clock) ClientOption {
	return func(c *Client) { c.clock = clk }
}

// NewClient creates a broker client for baseURL (the sm_url credential).
func NewClient(baseURL string, logger *slog.Logger, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retryer:    retry.New(retry.DefaultConfig()),
		clock:      clock.WallClock,
		logger:     logger.With("component", "servicemanager"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListFirst returns the first item of collection matching q, or nil when nothing matches.
func (c *Client) ListFirst(ctx context.Context, collection Collection, token string, q Query) (*Resource, error) {
	var list struct {
		NumItems int        `json:"num_items"`
		Items    []Resource `json:"items"`
	}

	err := c.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		_, body, err := c.do(ctx, http.MethodGet, string(collection), token, q.values(), nil)
		if err != nil {
			return err
		}
		list.Items = nil
		if err := json.Unmarshal(body, &list); err != nil {
			return errors.Wrap(errors.ErrCodeBrokerRequestFailed, "malformed list response", err).
				WithComponent("servicemanager").
				WithTarget(string(collection))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(list.Items) == 0 {
		c.logger.Debug("No matching broker resource", "collection", collection,
			"field_query", q.FieldQuery, "label_query", q.LabelQuery)
		return nil, nil
	}
	return &list.Items[0], nil
}

// Create posts body to collection.
func (c *Client) Create(ctx context.Context, collection Collection, token string, body interface{}) (*CreateResult, error) {
	resp, data, err := c.do(ctx, http.MethodPost, string(collection), token, nil, body)
	if err != nil {
		return nil, err
	}

	result := &CreateResult{Operation: c.operationFrom(resp)}
	if len(bytes.TrimSpace(data)) > 0 {
		var created Resource
		if err := json.Unmarshal(data, &created); err == nil {
			result.ID = created.ID
		}
	}
	if result.ID == "" && result.Operation == nil {
		return nil, errors.NewError(errors.ErrCodeBrokerRequestFailed, "create response carried neither id nor location").
			WithComponent("servicemanager").
			WithOperation("create").
			WithTarget(string(collection))
	}
	return result, nil
}

// Delete removes collection/id. A resource that is already gone is not an error.
func (c *Client) Delete(ctx context.Context, collection Collection, token, id string) (*Operation, error) {
	path := string(collection) + "/" + url.PathEscape(id)
	resp, _, err := c.do(ctx, http.MethodDelete, path, token, nil, nil)
	if err != nil {
		if ae, ok := errors.As(err); ok && ae.Details["status"] == http.StatusNotFound {
			c.logger.Info("Broker resource already deleted", "collection", collection, "id", id)
			return nil, nil
		}
		return nil, err
	}
	return c.operationFrom(resp), nil
}

// GetOperation fetches the status of an operation resource at path.
func (c *Client) GetOperation(ctx context.Context, token, path string) (*OperationStatus, error) {
	var status OperationStatus
	err := c.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		_, body, err := c.do(ctx, http.MethodGet, path, token, nil, nil)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(body, &status); err != nil {
			return errors.Wrap(errors.ErrCodeBrokerRequestFailed, "malformed operation response", err).
				WithComponent("servicemanager").
				WithTarget(path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *Client) operationFrom(resp *http.Response) *Operation {
	location := resp.Header.Get("Location")
	if location == "" || resp.StatusCode != http.StatusAccepted {
		return nil
	}
	if u, err := url.Parse(location); err == nil && u.IsAbs() {
		location = u.RequestURI()
	}
	return &Operation{
		Path:      strings.TrimPrefix(location, "/"),
		StartedAt: c.clock.Now(),
	}
}

func (c *Client) do(ctx context.Context, method, path, token string, query url.Values, body interface{}) (*http.Response, []byte, error) {
	var (
		resp *http.Response
		data []byte
	)
	call := func(ctx context.Context) error {
		var err error
		resp, data, err = c.roundTrip(ctx, method, path, token, query, body)
		return err
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Execute(ctx, call)
	} else {
		err = call(ctx)
	}
	return resp, data, err
}

func (c *Client) roundTrip(ctx context.Context, method, path, token string, query url.Values, body interface{}) (*http.Response, []byte, error) {
	endpoint := c.baseURL + "/" + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, nil, errors.Wrap(errors.ErrCodeInternalError, "failed to encode request body", err).
				WithComponent("servicemanager")
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, nil, errors.Wrap(errors.ErrCodeInternalError, "failed to build broker request", err).
			WithComponent("servicemanager")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, errors.Wrap(errors.ErrCodeNetworkError, "broker request failed", err).
			WithComponent("servicemanager").
			WithOperation(method).
			WithTarget(path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, nil, errors.Wrap(errors.ErrCodeNetworkError, "failed to read broker response", err).
			WithComponent("servicemanager").
			WithOperation(method).
			WithTarget(path)
	}

	if resp.StatusCode >= http.StatusMultipleChoices {
		return resp, data, statusError(method, path, resp.StatusCode, data)
	}
	return resp, data, nil
}

func statusError(method, path string, status int, body []byte) error {
	snippet := string(body)
	if len(snippet) > 256 {
		snippet = snippet[:256]
	}
	err := errors.NewError(errors.ErrCodeBrokerRequestFailed,
		fmt.Sprintf("%s %s returned %d", method, path, status)).
		WithComponent("servicemanager").
		WithOperation(method).
		WithTarget(path).
		WithDetail("status", status).
		WithDetail("body", snippet)
	err.Retryable = status >= http.StatusInternalServerError || status == http.StatusTooManyRequests
	return err
}
