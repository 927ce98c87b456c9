// Package hooks registers handlers for record lifecycle events and dispatches requests
// through them.
//
// A request for an event on an entity runs every Before handler, then the chain of On
// handlers ending in the core operation, then every After handler. Before and On errors
// abort the request. After handlers run once the operation has completed; their
// failures are logged and do not fail the request.
package hooks

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/service-tip-git/attachments/pkg/types"
)

// Event is a record lifecycle event.
type Event string

const (
	EventCreate Event = "CREATE"
	EventUpdate Event = "UPDATE"
	EventDelete Event = "DELETE"
	EventCancel Event = "CANCEL"
	EventPut    Event = "PUT"
)

// Child-collection operations reported by a Diff.
const (
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Key identifies a record along the request path.
type Key struct {
	ID string
}

// Data is the request payload.
type Data struct {
	ID      string
	Note    *string
	Content io.Reader
}

// ChildChange is one change to a child row.
type ChildChange struct {
	Op string
	ID string
}

// Diff describes the changes a request makes to its target record.
type Diff struct {
	Op          string
	ID          string
	Attachments []ChildChange
}

// DiffFunc computes the diff of a request against the stored record.
type DiffFunc func(ctx context.Context) (*Diff, error)

// Request carries the tenant, target entity and payload of one lifecycle event.
type Request struct {
	Tenant string
	Target string
	Event  Event
	Data   Data

	// Params are the keys along the request path, outermost first. The last one
	// addresses the target record.
	Params []Key

	DiffFunc DiffFunc

	// AttachmentsToDelete is filled by Before handlers and consumed by After handlers.
	AttachmentsToDelete []types.URLRef
}

// Diff returns the request's record diff. Requests without a diff facility report an
// empty diff.
func (r *Request) Diff(ctx context.Context) (*Diff, error) {
	if r.DiffFunc == nil {
		return &Diff{}, nil
	}
	return r.DiffFunc(ctx)
}

// TargetID returns the id of the addressed record: the last path key, else Data.ID.
func (r *Request) TargetID() string {
	if n := len(r.Params); n > 0 && r.Params[n-1].ID != "" {
		return r.Params[n-1].ID
	}
	return r.Data.ID
}

// Handler runs before or after an event.
type Handler func(ctx context.Context, req *Request) error

// OnHandler implements an event. It may handle the request itself or pass it on by
// calling next.
type OnHandler func(ctx context.Context, req *Request, next Handler) error

// Registrar accepts lifecycle handlers.
type Registrar interface {
	Before(event Event, entity string, h Handler)
	On(event Event, entity string, h OnHandler)
	After(event Event, entity string, h Handler)
}

type hookKey struct {
	event  Event
	entity string
}

// Dispatcher is an in-process Registrar that runs requests through their handlers.
type Dispatcher struct {
	mu     sync.RWMutex
	before map[hookKey][]Handler
	on     map[hookKey][]OnHandler
	after  map[hookKey][]Handler
	logger *slog.Logger
}

var _ Registrar = (*Dispatcher)(nil)

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		before: make(map[hookKey][]Handler),
		on:     make(map[hookKey][]OnHandler),
		after:  make(map[hookKey][]Handler),
		logger: logger.With("component", "hooks"),
	}
}

func (d *Dispatcher) Before(event Event, entity string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	k := hookKey{event, entity}
	d.before[k] = append(d.before[k], h)
}

// On registers h ahead of previously registered On handlers for the same event.
func (d *Dispatcher) On(event Event, entity string, h OnHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	k := hookKey{event, entity}
	d.on[k] = append([]OnHandler{h}, d.on[k]...)
}

func (d *Dispatcher) After(event Event, entity string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	k := hookKey{event, entity}
	d.after[k] = append(d.after[k], h)
}

// Handles reports whether any handler is registered for event on entity.
func (d *Dispatcher) Handles(event Event, entity string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	k := hookKey{event, entity}
	return len(d.before[k]) > 0 || len(d.on[k]) > 0 || len(d.after[k]) > 0
}

// Dispatch runs req through the handlers for event on req.Target. core is the default
// implementation of the event and may be nil.
func (d *Dispatcher) Dispatch(ctx context.Context, event Event, req *Request, core Handler) error {
	req.Event = event
	k := hookKey{event, req.Target}

	d.mu.RLock()
	before := append([]Handler(nil), d.before[k]...)
	on := append([]OnHandler(nil), d.on[k]...)
	after := append([]Handler(nil), d.after[k]...)
	d.mu.RUnlock()

	for _, h := range before {
		if err := h(ctx, req); err != nil {
			return err
		}
	}

	if err := chain(on, core)(ctx, req); err != nil {
		return err
	}

	for _, h := range after {
		if err := h(ctx, req); err != nil {
			d.logger.Warn("After handler failed", "event", event, "entity", req.Target, "tenant", req.Tenant, "error", err)
		}
	}
	return nil
}

func chain(on []OnHandler, core Handler) Handler {
	next := core
	if next == nil {
		next = func(context.Context, *Request) error { return nil }
	}
	for i := len(on) - 1; i >= 0; i-- {
		h, inner := on[i], next
		next = func(ctx context.Context, req *Request) error { return h(ctx, req, inner) }
	}
	return next
}
