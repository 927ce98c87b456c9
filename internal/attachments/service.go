// Package attachments writes, reads and deletes attachment content for tenants. Every
// write goes to two places: a metadata row and an object in the tenant's object store.
//
// Both writes of a put start together. If either fails, the one that succeeded is undone
// and the caller gets ATTACHMENT_UPLOAD_FAILED. Undoing restores the row the put replaced
// and never removes content a previous put stored: content for a key that already backs
// a record is uploaded under a staging key and copied into place once both writes
// succeeded. A batch put is all-or-nothing until its items are copied into place: when
// one item fails, the items that already completed are rolled back. Keys that could not
// be rolled back are logged and reported in the error details as orphaned.
package attachments

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/service-tip-git/attachments/internal/metrics"
	"github.com/service-tip-git/attachments/internal/tenant"
	"github.com/service-tip-git/attachments/pkg/errors"
	"github.com/service-tip-git/attachments/pkg/types"
	"github.com/service-tip-git/attachments/pkg/utils"
)

// ClientResolver returns the object store client of a tenant.
type ClientResolver interface {
	Resolve(ctx context.Context, tenant string) (*tenant.Entry, error)
}

// Config tunes the coordinator.
type Config struct {
	// BatchConcurrency bounds the items of one batch written at the same time.
	BatchConcurrency int
	// ScanTimeout bounds each background scan request.
	ScanTimeout time.Duration
	// TenantScopedKeys rejects keys outside the tenant's prefix. Tenants sharing one
	// bucket need it.
	TenantScopedKeys bool
}

// Service is the object-store attachment backend.
type Service struct {
	meta     types.MetadataStore
	resolver ClientResolver
	scanner  types.Scanner
	config   Config
	logger   *slog.Logger
	metrics  *metrics.Collector

	scans sync.WaitGroup
}

var _ types.Backend = (*Service)(nil)

// New creates a Service. A nil scanner disables scanning.
func New(meta types.MetadataStore, resolver ClientResolver, scanner types.Scanner, config Config,
	logger *slog.Logger, m *metrics.Collector) *Service {
	if config.BatchConcurrency <= 0 {
		config.BatchConcurrency = 4
	}
	if config.ScanTimeout <= 0 {
		config.ScanTimeout = 30 * time.Second
	}
	return &Service{
		meta:     meta,
		resolver: resolver,
		scanner:  scanner,
		config:   config,
		logger:   logger.With("component", "attachments"),
		metrics:  m,
	}
}

// ResolveClientForTenant returns the object store used for tenant.
func (s *Service) ResolveClientForTenant(ctx context.Context, tenant string) (types.ObjectStore, error) {
	entry, err := s.resolver.Resolve(ctx, tenant)
	if err != nil {
		return nil, err
	}
	return entry.Store, nil
}

// Wait blocks until every background scan request has finished.
func (s *Service) Wait() { s.scans.Wait() }

// item is a validated payload ready to write.
type item struct {
	row     types.Attachment
	content io.Reader
}

// write is an item whose row and object have been stored.
type write struct {
	item
	// prior is the row the put replaced, nil when the row is new.
	prior *types.Attachment
	// staged holds the uploaded content until it is copied to row.URL. It is empty
	// when the content was uploaded to row.URL directly.
	staged string
}

// uploadKey returns the key the content of w is uploaded to.
func (w *write) uploadKey() string {
	if w.staged != "" {
		return w.staged
	}
	return w.row.URL
}

// Put writes the metadata rows and objects of req. Every item is validated before any
// write starts.
func (s *Service) Put(ctx context.Context, req types.PutRequest) (err error) {
	start := time.Now()
	defer func() { s.metrics.RecordOperation("attachments.put", time.Since(start), 0, err) }()

	entity := req.Entity
	if req.IsDraft {
		entity = DraftsOf(entity)
	}

	items, err := s.validate(req.Tenant, entity, req)
	if err != nil {
		s.logger.Warn("Rejected attachment put", "tenant", req.Tenant, "entity", entity, "error", err)
		return err
	}

	entry, err := s.resolver.Resolve(ctx, req.Tenant)
	if err != nil {
		return s.uploadFailed(req.Tenant, items[0].row, err)
	}

	if len(items) == 1 {
		if err := s.putSingle(ctx, entry, req.Tenant, entity, items[0]); err != nil {
			return err
		}
	} else if err := s.putBatch(ctx, entry, req.Tenant, entity, items); err != nil {
		return err
	}

	for _, it := range items {
		s.scan(ctx, req.Tenant, entity, it.row.ID)
	}
	return nil
}

func (s *Service) validate(tenantID, entity string, req types.PutRequest) ([]item, error) {
	if len(req.Items) == 0 {
		return nil, validationError(entity, "no attachments to write")
	}
	if !s.meta.HasEntity(entity) {
		return nil, validationError(entity, fmt.Sprintf("unknown attachment entity %q", entity))
	}
	if s.config.TenantScopedKeys && tenantID == "" {
		return nil, validationError(entity, "tenant required")
	}

	items := make([]item, len(req.Items))
	for i, p := range req.Items {
		content := p.Content
		if content == nil && len(req.Items) == 1 {
			content = req.Content
		}
		if p.URL == "" || content == nil {
			return nil, validationError(entity,
				fmt.Sprintf("missing required fields: url=%s, content=%t", p.URL, content != nil)).
				WithContext("id", p.ID)
		}
		if err := utils.ValidateObjectKey(p.URL); err != nil {
			return nil, validationError(entity, err.Error()).WithContext("id", p.ID)
		}
		if err := s.checkKeyScope(tenantID, p.URL); err != nil {
			return nil, err.WithTarget(entity).WithContext("id", p.ID)
		}
		items[i] = item{row: p.Attachment, content: content}
	}
	return items, nil
}

// checkKeyScope rejects key when keys are tenant scoped and key lies outside the prefix
// of tenantID.
func (s *Service) checkKeyScope(tenantID, key string) *errors.AttachmentError {
	if !s.config.TenantScopedKeys {
		return nil
	}
	prefix := utils.TenantPrefix(tenantID)
	if tenantID == "" || !strings.HasPrefix(key, prefix) {
		return errors.NewError(errors.ErrCodeValidationFailed,
			fmt.Sprintf("key %q is outside the prefix %q of tenant %q", key, prefix, tenantID)).
			WithComponent("attachments").
			WithContext("tenant", tenantID).
			WithContext("key", key)
	}
	return nil
}

// putSingle writes one item and copies staged content into place.
func (s *Service) putSingle(ctx context.Context, entry *tenant.Entry, tenantID, entity string, it item) error {
	w, err := s.putOne(ctx, entry, tenantID, entity, it)
	if err != nil {
		return err
	}
	if err := s.commit(ctx, entry, tenantID, w); err != nil {
		orphaned := s.rollback(ctx, entry, tenantID, entity, w, true, true)
		e := s.uploadFailed(tenantID, it.row, err)
		if orphaned > 0 {
			e = e.WithDetail("orphaned", orphaned)
		}
		return e
	}
	return nil
}

// putOne writes one row and its object concurrently and undoes whichever write
// succeeded when the other failed. Content for a key that already backs a record is
// left staged for commit.
func (s *Service) putOne(ctx context.Context, entry *tenant.Entry, tenantID, entity string, it item) (*write, error) {
	w, err := s.prepare(ctx, tenantID, entity, it)
	if err != nil {
		return nil, s.uploadFailed(tenantID, it.row, err)
	}

	var rowWritten, objectWritten atomic.Bool
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.meta.Put(gctx, tenantID, entity, it.row); err != nil {
			s.logger.Error("Failed to store attachment metadata", "tenant", tenantID, "entity", entity, "id", it.row.ID, "error", err)
			return errors.Wrap(errors.ErrCodeMetadataWriteFailed, "failed to store attachment metadata", err)
		}
		rowWritten.Store(true)
		return nil
	})
	g.Go(func() error {
		key := w.uploadKey()
		if err := entry.Store.Upload(gctx, key, it.content); err != nil {
			s.logger.Error("Failed to upload file to object store", "tenant", tenantID, "bucket", entry.Bucket, "key", key, "error", err)
			return errors.Wrap(errors.ErrCodeStorageWriteFailed, "failed to upload file to object store", err)
		}
		objectWritten.Store(true)
		return nil
	})

	if err := g.Wait(); err != nil {
		orphaned := s.rollback(ctx, entry, tenantID, entity, w, rowWritten.Load(), objectWritten.Load())
		e := s.uploadFailed(tenantID, it.row, err)
		if orphaned > 0 {
			e = e.WithDetail("orphaned", orphaned)
		}
		return nil, e
	}
	return w, nil
}

// prepare snapshots the row it replaces and picks the key its content is uploaded to.
func (s *Service) prepare(ctx context.Context, tenantID, entity string, it item) (*write, error) {
	prior, err := s.meta.Get(ctx, tenantID, entity, it.row.ID)
	if err != nil {
		return nil, err
	}
	w := &write{item: it, prior: prior}

	inUse := prior != nil && prior.URL == it.row.URL
	if !inUse && IsDrafts(entity) && s.meta.HasEntity(ParentOf(entity)) {
		// A draft row shares its key with the active row it was edited from.
		active, err := s.meta.Get(ctx, tenantID, ParentOf(entity), it.row.ID)
		if err != nil {
			return nil, err
		}
		inUse = active != nil && active.URL == it.row.URL
	}
	if inUse {
		w.staged = it.row.URL + ".upload-" + uuid.NewString()
	}
	return w, nil
}

// commit copies the staged content of w to its key and removes the staging object.
func (s *Service) commit(ctx context.Context, entry *tenant.Entry, tenantID string, w *write) error {
	if w.staged == "" {
		return nil
	}
	if err := entry.Store.Copy(ctx, w.staged, w.row.URL); err != nil {
		s.logger.Error("Failed to copy staged attachment into place", "tenant", tenantID, "bucket", entry.Bucket,
			"staged", w.staged, "key", w.row.URL, "error", err)
		return errors.Wrap(errors.ErrCodeStorageWriteFailed, "failed to copy staged attachment into place", err)
	}
	if _, err := entry.Store.Delete(context.WithoutCancel(ctx), w.staged); err != nil {
		s.logger.Error("Orphaned staged attachment object", "tenant", tenantID, "bucket", entry.Bucket, "key", w.staged, "error", err)
	}
	w.staged = ""
	return nil
}

// putBatch writes items concurrently. The first failure cancels the rest and every
// item that completed is rolled back. Once every item is written, staged content is
// copied into place; a failed copy rolls back the items not yet copied.
func (s *Service) putBatch(ctx context.Context, entry *tenant.Entry, tenantID, entity string, items []item) error {
	var (
		mu   sync.Mutex
		done []*write
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.BatchConcurrency)
	for _, it := range items {
		it := it
		g.Go(func() error {
			w, err := s.putOne(gctx, entry, tenantID, entity, it)
			if err != nil {
				return err
			}
			mu.Lock()
			done = append(done, w)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return s.batchFailed(ctx, entry, tenantID, entity, items, done, 0, err)
	}

	for i, w := range done {
		if err := s.commit(ctx, entry, tenantID, w); err != nil {
			return s.batchFailed(ctx, entry, tenantID, entity, items, done, i,
				s.uploadFailed(tenantID, w.row, err))
		}
	}
	return nil
}

// batchFailed rolls back done[committed:] and builds the batch error.
func (s *Service) batchFailed(ctx context.Context, entry *tenant.Entry, tenantID, entity string,
	items []item, done []*write, committed int, err error) error {
	pending := done[committed:]
	orphaned := 0
	for _, w := range pending {
		orphaned += s.rollback(ctx, entry, tenantID, entity, w, true, true)
	}
	s.logger.Error("Attachment batch failed", "tenant", tenantID, "entity", entity,
		"items", len(items), "rolled_back", len(pending), "committed", committed, "orphaned", orphaned, "error", err)

	e, ok := errors.As(err)
	if !ok {
		e = s.uploadFailed(tenantID, items[0].row, err)
	}
	e = e.WithDetail("batch_size", len(items)).
		WithDetail("rolled_back", len(pending)).
		WithDetail("orphaned", orphaned)
	if committed > 0 {
		e = e.WithDetail("committed", committed)
	}
	return e
}

// rollback undoes the written halves of w and returns how many could not be undone. The
// replaced row is restored and only content uploaded by w is removed. It runs even when
// ctx has been canceled.
func (s *Service) rollback(ctx context.Context, entry *tenant.Entry, tenantID, entity string, w *write, rowWritten, objectWritten bool) int {
	ctx = context.WithoutCancel(ctx)
	orphaned := 0
	if rowWritten {
		var err error
		if w.prior != nil {
			err = s.meta.Put(ctx, tenantID, entity, *w.prior)
		} else {
			err = s.meta.Delete(ctx, tenantID, entity, w.row.ID)
		}
		if err != nil {
			orphaned++
			s.logger.Error("Orphaned attachment metadata", "tenant", tenantID, "entity", entity, "id", w.row.ID, "error", err)
		}
	}
	if objectWritten {
		key := w.uploadKey()
		if _, err := entry.Store.Delete(ctx, key); err != nil {
			orphaned++
			s.logger.Error("Orphaned attachment object", "tenant", tenantID, "bucket", entry.Bucket, "key", key, "error", err)
		}
	}
	return orphaned
}

func (s *Service) uploadFailed(tenantID string, row types.Attachment, cause error) *errors.AttachmentError {
	s.logger.Error("Upload failure", "tenant", tenantID, "id", row.ID, "url", row.URL, "error", cause)
	return errors.Wrap(errors.ErrCodeUploadFailed, "attachment upload failed", cause).
		WithComponent("attachments").
		WithTarget("attachments").
		WithContext("tenant", tenantID).
		WithContext("id", row.ID).
		WithContext("url", row.URL)
}

func validationError(entity, msg string) *errors.AttachmentError {
	return errors.NewError(errors.ErrCodeValidationFailed, msg).
		WithComponent("attachments").
		WithTarget(entity)
}

// Get returns the content of the attachment id. It returns nil and no error when the
// record has no stored key.
func (s *Service) Get(ctx context.Context, tenantID, entity, id string) (io.ReadCloser, error) {
	entry, err := s.resolver.Resolve(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	row, err := s.meta.Get(ctx, tenantID, entity, id)
	if err != nil {
		return nil, err
	}
	if row == nil || row.URL == "" {
		return nil, nil
	}
	return entry.Store.Download(ctx, row.URL)
}

// Delete removes the object stored under key and reports whether a delete marker was
// created. An empty key is a no-op.
func (s *Service) Delete(ctx context.Context, tenantID, key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	if err := s.checkKeyScope(tenantID, key); err != nil {
		return false, err.WithTarget("attachments")
	}
	entry, err := s.resolver.Resolve(ctx, tenantID)
	if err != nil {
		return false, err
	}
	marker, err := entry.Store.Delete(ctx, key)
	s.metrics.RecordOperation("attachments.delete", 0, 0, err)
	return marker, err
}

// NonDraftPut writes p to an entity without drafts, reusing the key already stored for
// the record when there is one.
func (s *Service) NonDraftPut(ctx context.Context, tenantID, entity string, p types.Payload) error {
	if p.ID != "" {
		row, err := s.meta.Get(ctx, tenantID, entity, p.ID)
		if err != nil {
			return err
		}
		if row != nil {
			if row.URL != "" {
				p.URL = row.URL
			}
			if p.UpID == "" {
				p.UpID = row.UpID
			}
			if p.Note == "" {
				p.Note = row.Note
			}
			if p.Fields == nil {
				p.Fields = row.Fields
			}
		}
	}
	return s.Put(ctx, types.PutRequest{Tenant: tenantID, Entity: entity, Items: []types.Payload{p}})
}

// UpdateNote changes only the note of an attachment row.
func (s *Service) UpdateNote(ctx context.Context, tenantID, entity, id, note string) error {
	return s.meta.UpdateNote(ctx, tenantID, entity, id, note)
}

// RemoveAttachment deletes the row of attachment id. The object of an active row is
// deleted with it; objects of draft rows are released by the draft deletion handlers,
// since the active row may still reference the same key.
func (s *Service) RemoveAttachment(ctx context.Context, tenantID, entity, id string) error {
	row, err := s.meta.Get(ctx, tenantID, entity, id)
	if err != nil {
		return err
	}
	if row == nil {
		return errors.NewError(errors.ErrCodeObjectNotFound, fmt.Sprintf("attachment %s not found", id)).
			WithComponent("attachments").
			WithTarget(entity).
			WithContext("tenant", tenantID)
	}
	if err := s.meta.Delete(ctx, tenantID, entity, id); err != nil {
		return err
	}
	if IsDrafts(entity) || row.URL == "" {
		return nil
	}
	_, err = s.Delete(ctx, tenantID, row.URL)
	return err
}

// DeleteRows removes the attachment rows ids of entity. Their objects are left to the
// deletion handlers.
func (s *Service) DeleteRows(ctx context.Context, tenantID, entity string, ids []string) error {
	for _, id := range ids {
		if err := s.meta.Delete(ctx, tenantID, entity, id); err != nil {
			return err
		}
	}
	return nil
}

// DeleteInfected removes the object of an attachment the scanner flagged.
func (s *Service) DeleteInfected(ctx context.Context, tenantID, entity, id string) (bool, error) {
	row, err := s.meta.Get(ctx, tenantID, entity, id)
	if err != nil {
		return false, err
	}
	if row == nil || row.URL == "" {
		return false, errors.NewError(errors.ErrCodeObjectNotFound, fmt.Sprintf("attachment %s has no stored content", id)).
			WithComponent("attachments").
			WithTarget(entity).
			WithContext("tenant", tenantID)
	}
	s.logger.Warn("Deleting infected attachment", "tenant", tenantID, "entity", entity, "id", id, "key", row.URL)
	return s.Delete(ctx, tenantID, row.URL)
}

// scan requests a malware scan in the background.
func (s *Service) scan(ctx context.Context, tenantID, entity, id string) {
	if s.scanner == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	s.scans.Add(1)
	go func() {
		defer s.scans.Done()
		ctx, cancel := context.WithTimeout(ctx, s.config.ScanTimeout)
		defer cancel()
		if err := s.scanner.ScanRequest(ctx, tenantID, entity, id); err != nil {
			s.logger.Error("Malware scan request failed", "tenant", tenantID, "entity", entity, "id", id, "error", err)
		}
	}()
}
