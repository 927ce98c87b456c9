// Package smtest provides an in-process fake of the service-manager broker and its
// token endpoint for tests.
package smtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"

	"github.com/service-tip-git/attachments/internal/servicemanager"
)

const (
	ClientID     = "sm-client"
	ClientSecret = "sm-secret"
	Token        = "sm-token"
)

// Request is a broker call recorded by the fake.
type Request struct {
	Method string
	Path   string
	Query  url.Values
}

type operation struct {
	resourceID string
	remaining  int
	fail       bool
}

// Broker is a fake broker. Its exported fields may be changed between calls while
// holding no lock; tests drive it from a single goroutine.
type Broker struct {
	Server *httptest.Server

	// PendingPolls is the number of "in progress" responses an operation returns
	// before reaching its terminal state.
	PendingPolls int
	// FailOperations makes new asynchronous operations end in the failed state.
	FailOperations bool
	// BindingCredentials are returned on bindings created through the API.
	BindingCredentials servicemanager.BindingCredentials

	mu         sync.Mutex
	seq        int
	resources  map[servicemanager.Collection][]servicemanager.Resource
	operations map[string]*operation
	requests   []Request
}

// NewBroker starts a fake broker. Close it when done.
func NewBroker() *Broker {
	b := &Broker{
		resources:  make(map[servicemanager.Collection][]servicemanager.Resource),
		operations: make(map[string]*operation),
		BindingCredentials: servicemanager.BindingCredentials{
			Region:          "us-east-1",
			Bucket:          "tenant-bucket",
			AccessKeyID:     "AKIDTENANT",
			SecretAccessKey: "tenant-secret",
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth/token", b.handleToken)
	mux.HandleFunc("GET /v1/{collection}", b.authorized(b.handleList))
	mux.HandleFunc("POST /v1/{collection}", b.authorized(b.handleCreate))
	mux.HandleFunc("DELETE /v1/{collection}/{id}", b.authorized(b.handleDelete))
	mux.HandleFunc("GET /v1/{collection}/{id}/operations/{op}", b.authorized(b.handleOperation))
	b.Server = httptest.NewServer(mux)
	return b
}

// Close stops the server.
func (b *Broker) Close() { b.Server.Close() }

// Credentials returns service-manager credentials pointing at the fake for both the
// broker and the token endpoint.
func (b *Broker) Credentials() servicemanager.Credentials {
	return servicemanager.Credentials{
		SMURL:        b.Server.URL,
		URL:          b.Server.URL,
		ClientID:     ClientID,
		ClientSecret: ClientSecret,
	}
}

// AddOffering registers a service offering and returns its id.
func (b *Broker) AddOffering(name string) string {
	return b.add(servicemanager.ServiceOfferings, servicemanager.Resource{Name: name})
}

// AddPlan registers a plan under offeringID and returns its id.
func (b *Broker) AddPlan(offeringID, catalogName string) string {
	return b.add(servicemanager.ServicePlans, servicemanager.Resource{
		Name:              catalogName,
		CatalogName:       catalogName,
		ServiceOfferingID: offeringID,
	})
}

// AddInstance registers an existing instance labeled for tenant.
func (b *Broker) AddInstance(tenant string) string {
	return b.add(servicemanager.ServiceInstances, servicemanager.Resource{
		Name:   "object-store-" + tenant,
		Labels: labels(tenant),
	})
}

// AddBinding registers an existing binding for tenant carrying creds.
func (b *Broker) AddBinding(tenant, instanceID string, creds servicemanager.BindingCredentials) string {
	return b.add(servicemanager.ServiceBindings, servicemanager.Resource{
		Name:              "object-store-" + tenant,
		ServiceInstanceID: instanceID,
		Labels:            labels(tenant),
		Credentials:       &creds,
	})
}

// Resources returns a copy of the resources in collection.
func (b *Broker) Resources(collection servicemanager.Collection) []servicemanager.Resource {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]servicemanager.Resource(nil), b.resources[collection]...)
}

// Requests returns the recorded broker calls, excluding token requests.
func (b *Broker) Requests() []Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Request(nil), b.requests...)
}

// Count returns how many calls with method were made to paths starting with prefix.
func (b *Broker) Count(method, prefix string) int {
	n := 0
	for _, r := range b.Requests() {
		if r.Method == method && strings.HasPrefix(r.Path, prefix) {
			n++
		}
	}
	return n
}

func (b *Broker) add(collection servicemanager.Collection, r servicemanager.Resource) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	r.ID = b.nextID(string(collection))
	b.resources[collection] = append(b.resources[collection], r)
	return r.ID
}

func (b *Broker) nextID(collection string) string {
	b.seq++
	kind := strings.TrimPrefix(collection, "v1/service_")
	return fmt.Sprintf("%s-%d", strings.TrimSuffix(kind, "s"), b.seq)
}

func labels(tenant string) map[string][]string {
	return map[string][]string{"tenant_id": {tenant}, "service": {"OBJECT_STORE"}}
}

func (b *Broker) handleToken(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	if r.PostForm.Get("client_id") != ClientID || r.PostForm.Get("client_secret") != ClientSecret {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"access_token": Token,
		"token_type":   "bearer",
		"expires_in":   3600,
	})
}

func (b *Broker) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.requests = append(b.requests, Request{Method: r.Method, Path: strings.TrimPrefix(r.URL.Path, "/"), Query: r.URL.Query()})
		b.mu.Unlock()

		if r.Header.Get("Authorization") != "Bearer "+Token {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

func collectionOf(r *http.Request) servicemanager.Collection {
	return servicemanager.Collection("v1/" + r.PathValue("collection"))
}

func (b *Broker) handleList(w http.ResponseWriter, r *http.Request) {
	fields := parseQuery(r.URL.Query().Get("fieldQuery"))
	labelQuery := parseQuery(r.URL.Query().Get("labelQuery"))

	b.mu.Lock()
	var items []servicemanager.Resource
	for _, res := range b.resources[collectionOf(r)] {
		if matchFields(res, fields) && matchLabels(res, labelQuery) {
			items = append(items, res)
		}
	}
	b.mu.Unlock()

	if items == nil {
		items = []servicemanager.Resource{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"num_items": len(items), "items": items})
}

func (b *Broker) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name              string              `json:"name"`
		ServicePlanID     string              `json:"service_plan_id"`
		ServiceInstanceID string              `json:"service_instance_id"`
		Labels            map[string][]string `json:"labels"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	collection := collectionOf(r)

	b.mu.Lock()
	defer b.mu.Unlock()

	res := servicemanager.Resource{
		ID:                b.nextID(string(collection)),
		Name:              body.Name,
		ServiceInstanceID: body.ServiceInstanceID,
		Labels:            body.Labels,
	}

	switch collection {
	case servicemanager.ServiceInstances:
		b.resources[collection] = append(b.resources[collection], res)
		w.Header().Set("Location", "/"+b.newOperation(collection, res.ID))
		w.WriteHeader(http.StatusAccepted)
	case servicemanager.ServiceBindings:
		creds := b.BindingCredentials
		res.Credentials = &creds
		b.resources[collection] = append(b.resources[collection], res)
		writeJSON(w, http.StatusCreated, res)
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "read only"})
	}
}

func (b *Broker) handleDelete(w http.ResponseWriter, r *http.Request) {
	collection := collectionOf(r)
	id := r.PathValue("id")

	b.mu.Lock()
	defer b.mu.Unlock()

	items := b.resources[collection]
	for i, res := range items {
		if res.ID != id {
			continue
		}
		b.resources[collection] = append(items[:i:i], items[i+1:]...)
		if collection == servicemanager.ServiceInstances {
			w.Header().Set("Location", "/"+b.newOperation(collection, id))
			w.WriteHeader(http.StatusAccepted)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{})
		return
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
}

func (b *Broker) newOperation(collection servicemanager.Collection, resourceID string) string {
	b.seq++
	opID := fmt.Sprintf("op-%d", b.seq)
	b.operations[opID] = &operation{resourceID: resourceID, remaining: b.PendingPolls, fail: b.FailOperations}
	return fmt.Sprintf("%s/%s/operations/%s", collection, resourceID, opID)
}

func (b *Broker) handleOperation(w http.ResponseWriter, r *http.Request) {
	opID := r.PathValue("op")

	b.mu.Lock()
	op, ok := b.operations[opID]
	if !ok {
		b.mu.Unlock()
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such operation"})
		return
	}
	state := servicemanager.StateInProgress
	switch {
	case op.remaining > 0:
		op.remaining--
	case op.fail:
		state = servicemanager.StateFailed
	default:
		state = servicemanager.StateSucceeded
	}
	resourceID := op.resourceID
	b.mu.Unlock()

	writeJSON(w, http.StatusOK, servicemanager.OperationStatus{
		ID:         opID,
		State:      state,
		ResourceID: resourceID,
	})
}

// parseQuery parses "a eq 'x' and b eq 'y'" into a map.
func parseQuery(q string) map[string]string {
	out := make(map[string]string)
	if q == "" {
		return out
	}
	for _, clause := range strings.Split(q, " and ") {
		parts := strings.SplitN(strings.TrimSpace(clause), " eq ", 2)
		if len(parts) != 2 {
			continue
		}
		out[parts[0]] = strings.Trim(parts[1], "'")
	}
	return out
}

func matchFields(r servicemanager.Resource, fields map[string]string) bool {
	for k, v := range fields {
		var got string
		switch k {
		case "id":
			got = r.ID
		case "name":
			got = r.Name
		case "catalog_name":
			got = r.CatalogName
		case "service_offering_id":
			got = r.ServiceOfferingID
		}
		if got != v {
			return false
		}
	}
	return true
}

func matchLabels(r servicemanager.Resource, query map[string]string) bool {
	for k, v := range query {
		found := false
		for _, lv := range r.Labels[k] {
			if lv == v {
				found = true
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
