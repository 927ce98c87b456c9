package attachments

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/service-tip-git/attachments/internal/hooks"
	"github.com/service-tip-git/attachments/internal/tenant"
	"github.com/service-tip-git/attachments/pkg/errors"
	"github.com/service-tip-git/attachments/pkg/types"
	"github.com/service-tip-git/attachments/pkg/utils"
)

func newHookFixture(t *testing.T) (*fixture, *hooks.Dispatcher) {
	t.Helper()
	f := newFixture(t, Config{})
	d := hooks.NewDispatcher(utils.DiscardLogger())
	f.svc.RegisterUpdateHandlers(d, "Books", entity)
	return f, d
}

func (f *fixture) seed(t *testing.T, ent string, rows ...types.Attachment) {
	t.Helper()
	for _, row := range rows {
		require.NoError(t, f.meta.MemoryStore.Put(context.Background(), "t1", ent, row))
		if row.URL != "" {
			f.store.Seed(row.URL, []byte(row.ID))
		}
	}
}

func diffOf(d hooks.Diff) hooks.DiffFunc {
	return func(context.Context) (*hooks.Diff, error) { return &d, nil }
}

func TestRegisterUpdateHandlers(t *testing.T) {
	_, d := newHookFixture(t)

	assert.True(t, d.Handles(hooks.EventDelete, "Books"))
	assert.True(t, d.Handles(hooks.EventUpdate, "Books"))
	assert.True(t, d.Handles(hooks.EventCancel, "Books.drafts"))
	assert.True(t, d.Handles(hooks.EventPut, "Books.attachments.drafts"))
	assert.True(t, d.Handles(hooks.EventDelete, "Books.attachments.drafts"))
	assert.False(t, d.Handles(hooks.EventPut, "Books.attachments"))
}

func TestUpdateDeletesRemovedAttachments(t *testing.T) {
	f, d := newHookFixture(t)
	f.seed(t, entity,
		types.Attachment{ID: "a1", UpID: "b1", URL: "t1/a1"},
		types.Attachment{ID: "a2", UpID: "b1", URL: "t1/a2"},
	)

	req := &hooks.Request{
		Tenant: "t1",
		Target: "Books",
		DiffFunc: diffOf(hooks.Diff{Op: hooks.OpUpdate, ID: "b1", Attachments: []hooks.ChildChange{
			{Op: hooks.OpDelete, ID: "a1"},
			{Op: hooks.OpUpdate, ID: "a2"},
		}}),
	}
	require.NoError(t, d.Dispatch(context.Background(), hooks.EventUpdate, req, nil))

	assert.Equal(t, []string{"t1/a2"}, f.store.Keys())
	assert.Nil(t, req.AttachmentsToDelete, "the list is consumed")
}

func TestUpdateWithoutDeletedChildren(t *testing.T) {
	f, d := newHookFixture(t)
	f.seed(t, entity, types.Attachment{ID: "a1", UpID: "b1", URL: "t1/a1"})

	req := &hooks.Request{Tenant: "t1", Target: "Books",
		DiffFunc: diffOf(hooks.Diff{Op: hooks.OpUpdate, ID: "b1"})}
	require.NoError(t, d.Dispatch(context.Background(), hooks.EventUpdate, req, nil))

	assert.Equal(t, []string{"t1/a1"}, f.store.Keys())
	assert.Zero(t, f.store.Calls("delete"))
}

func TestAttachDeletionData_EntityWithoutAttachments(t *testing.T) {
	f := newFixture(t, Config{})
	req := &hooks.Request{Tenant: "t1", Target: "Authors",
		DiffFunc: func(context.Context) (*hooks.Diff, error) {
			t.Fatal("diff must not be computed")
			return nil, nil
		}}
	require.NoError(t, f.svc.AttachDeletionData(context.Background(), req))
	assert.Nil(t, req.AttachmentsToDelete)
}

func TestDiscardDraftDeletesDraftOnlyAttachments(t *testing.T) {
	f, d := newHookFixture(t)
	f.seed(t, DraftsOf(entity),
		types.Attachment{ID: "a1", UpID: "b1", URL: "t1/a1"},
		types.Attachment{ID: "a2", UpID: "b1", URL: "t1/a2"},
		types.Attachment{ID: "x1", UpID: "b2", URL: "t1/x1"},
	)
	f.seed(t, entity, types.Attachment{ID: "a1", UpID: "b1", URL: "t1/a1"})

	req := &hooks.Request{Tenant: "t1", Target: "Books.drafts", Data: hooks.Data{ID: "b1"}}
	require.NoError(t, d.Dispatch(context.Background(), hooks.EventCancel, req, nil))

	assert.Equal(t, []string{"t1/a1", "t1/x1"}, f.store.Keys())
}

func TestDeleteDraftAttachment(t *testing.T) {
	f, d := newHookFixture(t)
	f.seed(t, DraftsOf(entity),
		types.Attachment{ID: "a1", UpID: "b1", URL: "t1/a1"},
		types.Attachment{ID: "a2", UpID: "b1", URL: "t1/a2"},
	)
	f.seed(t, entity, types.Attachment{ID: "a1", UpID: "b1", URL: "t1/a1"})

	ctx := context.Background()

	// Deleting a draft row that is also active keeps the object.
	req := &hooks.Request{Tenant: "t1", Target: DraftsOf(entity),
		DiffFunc: diffOf(hooks.Diff{Op: hooks.OpDelete, ID: "a1"})}
	require.NoError(t, d.Dispatch(ctx, hooks.EventDelete, req, nil))
	assert.Equal(t, []string{"t1/a1", "t1/a2"}, f.store.Keys())

	req = &hooks.Request{Tenant: "t1", Target: DraftsOf(entity),
		DiffFunc: diffOf(hooks.Diff{Op: hooks.OpDelete, ID: "a2"})}
	require.NoError(t, d.Dispatch(ctx, hooks.EventDelete, req, nil))
	assert.Equal(t, []string{"t1/a1"}, f.store.Keys())

	// Diffs that are not deletes are ignored.
	req = &hooks.Request{Tenant: "t1", Target: DraftsOf(entity),
		DiffFunc: diffOf(hooks.Diff{Op: hooks.OpUpdate, ID: "a1"})}
	require.NoError(t, f.svc.AttachDraftDeletionData(ctx, req))
	assert.Nil(t, req.AttachmentsToDelete)
}

func TestDeleteAttachmentsWithKeys_ContinuesPastFailures(t *testing.T) {
	f := newFixture(t, Config{})
	f.store.Seed("t1/a1", []byte("1"))
	f.store.Seed("t1/a2", []byte("2"))
	f.store.FailOn("delete:t1/a1", errors.NewError(errors.ErrCodeStorageDeleteFailed, "denied"))

	req := &hooks.Request{Tenant: "t1", AttachmentsToDelete: []types.URLRef{{URL: "t1/a1"}, {URL: "t1/a2"}}}
	require.NoError(t, f.svc.DeleteAttachmentsWithKeys(context.Background(), req))

	assert.Equal(t, []string{"t1/a1"}, f.store.Keys())
	assert.Equal(t, 2, f.store.Calls("delete"))
}

func TestDeleteAttachmentsWithKeys_LogsFailuresOnce(t *testing.T) {
	f := newFixture(t, Config{})
	var logs bytes.Buffer
	f.svc = New(f.meta, tenant.NewStatic(f.store), nil, Config{}, utils.NewLoggerTo(&logs, "text", slog.LevelInfo), nil)
	for _, key := range []string{"t1/a1", "t1/a2", "t1/a3"} {
		f.store.Seed(key, []byte(key))
	}
	f.store.FailOn("delete:t1/a1", errors.NewError(errors.ErrCodeStorageDeleteFailed, "denied"))
	f.store.FailOn("delete:t1/a3", errors.NewError(errors.ErrCodeStorageDeleteFailed, "throttled"))

	req := &hooks.Request{Tenant: "t1", Target: "Books",
		AttachmentsToDelete: []types.URLRef{{URL: "t1/a1"}, {URL: "t1/a2"}, {URL: "t1/a3"}}}
	require.NoError(t, f.svc.DeleteAttachmentsWithKeys(context.Background(), req))

	assert.Equal(t, []string{"t1/a1", "t1/a3"}, f.store.Keys())
	out := logs.String()
	assert.Equal(t, 1, strings.Count(out, "Failed to delete attachment objects"), out)
	assert.Contains(t, out, "failed=2")
	assert.Contains(t, out, "t1/a1")
	assert.Contains(t, out, "t1/a3")
}

func TestUpdateContent(t *testing.T) {
	drafts := DraftsOf(entity)
	ctx := context.Background()

	t.Run("replaces content under the stored key", func(t *testing.T) {
		f, d := newHookFixture(t)
		f.seed(t, drafts, types.Attachment{ID: "a1", UpID: "b1", URL: "t1/a1"})

		req := &hooks.Request{
			Tenant: "t1",
			Target: drafts,
			Params: []hooks.Key{{ID: "b1"}, {ID: "a1"}},
			Data:   hooks.Data{Content: strings.NewReader("replacement")},
		}
		require.NoError(t, d.Dispatch(ctx, hooks.EventPut, req, nil))

		data, ok := f.store.Object("t1/a1")
		require.True(t, ok)
		assert.Equal(t, "replacement", string(data))

		f.svc.Wait()
		assert.Equal(t, []string{"t1/" + drafts + "/a1"}, f.scanner.IDs())
	})

	t.Run("content without id", func(t *testing.T) {
		f, d := newHookFixture(t)
		req := &hooks.Request{Tenant: "t1", Target: drafts, Data: hooks.Data{Content: strings.NewReader("x")}}
		err := d.Dispatch(ctx, hooks.EventPut, req, nil)
		assert.True(t, errors.HasCode(err, errors.ErrCodeAttachmentIDMissing), "got %v", err)
		assert.Zero(t, f.store.TotalCalls())
	})

	t.Run("record without stored key", func(t *testing.T) {
		f, d := newHookFixture(t)
		f.seed(t, drafts, types.Attachment{ID: "a1", UpID: "b1"})
		req := &hooks.Request{Tenant: "t1", Target: drafts, Params: []hooks.Key{{ID: "b1"}, {ID: "a1"}},
			Data: hooks.Data{Content: strings.NewReader("x")}}
		require.NoError(t, d.Dispatch(ctx, hooks.EventPut, req, nil))
		assert.Zero(t, f.store.Calls("upload"))
	})

	t.Run("upload failure", func(t *testing.T) {
		f, d := newHookFixture(t)
		f.seed(t, drafts, types.Attachment{ID: "a1", UpID: "b1", URL: "t1/a1"})
		f.store.FailOn("upload", errors.NewError(errors.ErrCodeStorageWriteFailed, "denied"))
		req := &hooks.Request{Tenant: "t1", Target: drafts, Params: []hooks.Key{{ID: "b1"}, {ID: "a1"}},
			Data: hooks.Data{Content: strings.NewReader("x")}}
		err := d.Dispatch(ctx, hooks.EventPut, req, nil)
		assert.True(t, errors.HasCode(err, errors.ErrCodeUploadFailed), "got %v", err)
	})

	t.Run("note only", func(t *testing.T) {
		f, d := newHookFixture(t)
		f.seed(t, drafts, types.Attachment{ID: "a1", UpID: "b1", URL: "t1/a1"})
		note := "checked"
		req := &hooks.Request{Tenant: "t1", Target: drafts, Data: hooks.Data{ID: "a1", Note: &note}}
		require.NoError(t, d.Dispatch(ctx, hooks.EventPut, req, nil))

		row, err := f.meta.MemoryStore.Get(ctx, "t1", drafts, "a1")
		require.NoError(t, err)
		assert.Equal(t, "checked", row.Note)
		assert.Zero(t, f.store.Calls("upload"))
	})

	t.Run("note without id", func(t *testing.T) {
		_, d := newHookFixture(t)
		note := "checked"
		req := &hooks.Request{Tenant: "t1", Target: drafts, Data: hooks.Data{Note: &note}}
		err := d.Dispatch(ctx, hooks.EventPut, req, nil)
		assert.True(t, errors.HasCode(err, errors.ErrCodeAttachmentIDMissing), "got %v", err)
	})

	t.Run("other requests reach the core handler", func(t *testing.T) {
		_, d := newHookFixture(t)
		called := false
		req := &hooks.Request{Tenant: "t1", Target: drafts, Data: hooks.Data{ID: "a1"}}
		require.NoError(t, d.Dispatch(ctx, hooks.EventPut, req, func(context.Context, *hooks.Request) error {
			called = true
			return nil
		}))
		assert.True(t, called)
	})
}
