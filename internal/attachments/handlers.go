package attachments

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/service-tip-git/attachments/internal/hooks"
	"github.com/service-tip-git/attachments/pkg/errors"
	"github.com/service-tip-git/attachments/pkg/types"
)

// maxParallelDeletes bounds the object deletes issued by one request.
const maxParallelDeletes = 8

// RegisterUpdateHandlers wires the attachment handlers for a record entity and its
// attachments composition media into reg.
func (s *Service) RegisterUpdateHandlers(reg hooks.Registrar, entity, media string) {
	for _, event := range []hooks.Event{hooks.EventDelete, hooks.EventUpdate} {
		reg.Before(event, entity, s.AttachDeletionData)
		reg.After(event, entity, s.DeleteAttachmentsWithKeys)
	}

	// Attachments uploaded to a draft that is then discarded.
	reg.Before(hooks.EventCancel, DraftsOf(entity), s.AttachDraftDiscardDeletionData)
	reg.After(hooks.EventCancel, DraftsOf(entity), s.DeleteAttachmentsWithKeys)

	mediaDrafts := DraftsOf(media)
	reg.On(hooks.EventPut, mediaDrafts, s.UpdateContent)

	// Attachments uploaded to a draft and deleted before it was saved.
	reg.Before(hooks.EventDelete, mediaDrafts, s.AttachDraftDeletionData)
	reg.After(hooks.EventDelete, mediaDrafts, s.DeleteAttachmentsWithKeys)
}

// AttachDeletionData records the keys of the attachment rows a record update or delete
// removes.
func (s *Service) AttachDeletionData(ctx context.Context, req *hooks.Request) error {
	attachments := AttachmentsOf(req.Target)
	if !s.meta.HasEntity(attachments) {
		return nil
	}

	diff, err := req.Diff(ctx)
	if err != nil {
		return err
	}
	var deleted []string
	for _, change := range diff.Attachments {
		if change.Op == hooks.OpDelete {
			deleted = append(deleted, change.ID)
		}
	}
	if len(deleted) == 0 {
		return nil
	}

	refs, err := s.meta.URLs(ctx, req.Tenant, attachments, types.Filter{IDs: deleted})
	if err != nil {
		return err
	}
	if len(refs) > 0 {
		req.AttachmentsToDelete = refs
	}
	return nil
}

// AttachDraftDeletionData records the keys a draft attachment row holds that its active
// counterpart does not, when the draft row is deleted.
func (s *Service) AttachDraftDeletionData(ctx context.Context, req *hooks.Request) error {
	draftEntity, activeEntity := req.Target, ParentOf(req.Target)
	if !s.meta.HasEntity(draftEntity) || !s.meta.HasEntity(activeEntity) {
		return nil
	}

	diff, err := req.Diff(ctx)
	if err != nil {
		return err
	}
	if diff.Op != hooks.OpDelete || diff.ID == "" {
		return nil
	}

	refs, err := s.attachmentsToDelete(ctx, req.Tenant, draftEntity, activeEntity, types.Filter{IDs: []string{diff.ID}})
	if err != nil {
		return err
	}
	if len(refs) > 0 {
		req.AttachmentsToDelete = refs
	}
	return nil
}

// AttachDraftDiscardDeletionData records the keys only a discarded draft's attachments
// hold.
func (s *Service) AttachDraftDiscardDeletionData(ctx context.Context, req *hooks.Request) error {
	parent := ParentOf(req.Target)
	draftEntity := DraftsOf(AttachmentsOf(parent))
	activeEntity := AttachmentsOf(parent)
	if !s.meta.HasEntity(draftEntity) || !s.meta.HasEntity(activeEntity) {
		return nil
	}

	refs, err := s.attachmentsToDelete(ctx, req.Tenant, draftEntity, activeEntity, types.Filter{UpID: req.TargetID()})
	if err != nil {
		return err
	}
	if len(refs) > 0 {
		req.AttachmentsToDelete = refs
	}
	return nil
}

// DeleteAttachmentsWithKeys deletes the objects recorded on req and clears the list.
// Every key is attempted; failures are logged together and do not fail the request.
func (s *Service) DeleteAttachmentsWithKeys(ctx context.Context, req *hooks.Request) error {
	refs := req.AttachmentsToDelete
	req.AttachmentsToDelete = nil
	if len(refs) == 0 {
		return nil
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures []error
		sem      = make(chan struct{}, maxParallelDeletes)
	)
	for _, ref := range refs {
		key := ref.URL
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer func() {
				<-sem
				wg.Done()
			}()
			if _, err := s.Delete(ctx, req.Tenant, key); err != nil {
				mu.Lock()
				failures = append(failures, fmt.Errorf("%s: %w", key, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(failures) > 0 {
		s.logger.Error("Failed to delete attachment objects", "tenant", req.Tenant, "entity", req.Target,
			"failed", len(failures), "count", len(refs), "error", stderrors.Join(failures...))
		return nil
	}
	s.logger.Debug("Deleted attachment objects", "tenant", req.Tenant, "entity", req.Target, "count", len(refs))
	return nil
}

// UpdateContent replaces the content stored for an attachment, or updates only its note
// when the request carries no content. Other requests are passed to next.
func (s *Service) UpdateContent(ctx context.Context, req *hooks.Request, next hooks.Handler) error {
	switch {
	case req.Data.Content != nil:
		id := ""
		if n := len(req.Params); n > 0 {
			id = req.Params[n-1].ID
		}
		if id == "" {
			s.logger.Error("Missing attachment ID in request", "tenant", req.Tenant, "entity", req.Target)
			return idMissing(req.Target)
		}
		return s.replaceContent(ctx, req, id)

	case req.Data.Note != nil:
		id := req.TargetID()
		if id == "" {
			return idMissing(req.Target)
		}
		return s.meta.UpdateNote(ctx, req.Tenant, req.Target, id, *req.Data.Note)

	default:
		return next(ctx, req)
	}
}

func (s *Service) replaceContent(ctx context.Context, req *hooks.Request, id string) error {
	entry, err := s.resolver.Resolve(ctx, req.Tenant)
	if err != nil {
		return err
	}
	row, err := s.meta.Get(ctx, req.Tenant, req.Target, id)
	if err != nil {
		return err
	}
	if row == nil || row.URL == "" {
		s.logger.Warn("No stored key for attachment, content not replaced", "tenant", req.Tenant, "entity", req.Target, "id", id)
		return nil
	}

	if err := entry.Store.Upload(ctx, row.URL, req.Data.Content); err != nil {
		return s.uploadFailed(req.Tenant, *row, err)
	}
	s.scan(ctx, req.Tenant, req.Target, id)
	return nil
}

func idMissing(entity string) error {
	return errors.NewError(errors.ErrCodeAttachmentIDMissing, "attachment ID missing in request").
		WithComponent("attachments").
		WithTarget(entity)
}
