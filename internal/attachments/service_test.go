package attachments

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/service-tip-git/attachments/internal/metadata"
	"github.com/service-tip-git/attachments/internal/storage/storetest"
	"github.com/service-tip-git/attachments/internal/tenant"
	"github.com/service-tip-git/attachments/pkg/errors"
	"github.com/service-tip-git/attachments/pkg/types"
	"github.com/service-tip-git/attachments/pkg/utils"
)

const entity = "Books.attachments"

// countingMeta counts metadata queries and can fail writes.
type countingMeta struct {
	*metadata.MemoryStore

	mu        sync.Mutex
	calls     int
	putErr    error
	deleteErr error
	// putErrAfter lets that many puts succeed before putErr applies.
	putErrAfter int
}

func newCountingMeta() *countingMeta {
	return &countingMeta{MemoryStore: metadata.NewMemoryStore("Books.attachments")}
}

func (m *countingMeta) count() {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
}

func (m *countingMeta) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *countingMeta) Get(ctx context.Context, tenant, entity, id string) (*types.Attachment, error) {
	m.count()
	return m.MemoryStore.Get(ctx, "t1", tenant, entity, id)
}

func (m *countingMeta) Put(ctx context.Context, tenant, entity string, a types.Attachment) error {
	m.count()
	m.mu.Lock()
	err := m.putErr
	if m.putErrAfter > 0 {
		m.putErrAfter--
		err = nil
	}
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return m.MemoryStore.Put(ctx, "t1", tenant, entity, a)
}

func (m *countingMeta) Delete(ctx context.Context, tenant, entity, id string) error {
	m.count()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	return m.MemoryStore.Delete(ctx, "t1", tenant, entity, id)
}

func (m *countingMeta) URLs(ctx context.Context, tenant, entity string, filter types.Filter) ([]types.URLRef, error) {
	m.count()
	return m.MemoryStore.URLs(ctx, "t1", tenant, entity, filter)
}

type recordingScanner struct {
	mu   sync.Mutex
	ids  []string
	fail error
}

func (s *recordingScanner) ScanRequest(_ context.Context, tenant, entity, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, tenant+"/"+entity+"/"+id)
	return s.fail
}

func (s *recordingScanner) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ids...)
}

type resolverFunc func(ctx context.Context, tenant string) (*tenant.Entry, error)

func (f resolverFunc) Resolve(ctx context.Context, t string) (*tenant.Entry, error) { return f(ctx, t) }

type fixture struct {
	svc     *Service
	meta    *countingMeta
	store   *storetest.Store
	scanner *recordingScanner
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		meta:    newCountingMeta(),
		store:   storetest.New("shared-bucket"),
		scanner: &recordingScanner{},
	}
	f.svc = New(f.meta, tenant.NewStatic(f.store), f.scanner, cfg, utils.DiscardLogger(), nil)
	return f
}

func payload(id, url, content string) types.Payload {
	return types.Payload{
		Attachment: types.Attachment{ID: id, UpID: "b1", URL: url},
		Content:    strings.NewReader(content),
	}
}

func readContent(t *testing.T, rc io.ReadCloser) string {
	t.Helper()
	require.NotNil(t, rc)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestPut_RoundTrip(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	content := []byte{0x25, 0x50, 0x44, 0x46, 0x00, 0xff, 0x10}
	err := f.svc.Put(ctx, types.PutRequest{
		Tenant: "t1",
		Entity: entity,
		Items: []types.Payload{{
			Attachment: types.Attachment{ID: "a1", URL: "t1/a1.pdf", Fields: map[string]string{"filename": "a1.pdf"}},
			Content:    bytes.NewReader(content),
		}},
	})
	require.NoError(t, err)

	rc, err := f.svc.Get(ctx, "t1", entity, "a1")
	require.NoError(t, err)
	assert.Equal(t, string(content), readContent(t, rc))

	row, err := f.meta.MemoryStore.Get(ctx, "t1", entity, "a1")
	require.NoError(t, err)
	assert.Equal(t, "t1/a1.pdf", row.URL)
	assert.Equal(t, "a1.pdf", row.Fields["filename"])

	f.svc.Wait()
	assert.Equal(t, []string{"t1/Books.attachments/a1"}, f.scanner.IDs())
}

func TestPut_UsesRequestContent(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	err := f.svc.Put(ctx, types.PutRequest{
		Tenant:  "t1",
		Entity:  entity,
		Items:   []types.Payload{{Attachment: types.Attachment{ID: "a1", URL: "t1/a1"}}},
		Content: strings.NewReader("inline"),
	})
	require.NoError(t, err)

	data, ok := f.store.Object("t1/a1")
	require.True(t, ok)
	assert.Equal(t, "inline", string(data))
}

func TestPut_Draft(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	require.NoError(t, f.svc.Put(ctx, types.PutRequest{
		Tenant: "t1", Entity: entity, IsDraft: true,
		Items: []types.Payload{payload("a1", "t1/a1", "draft")},
	}))

	draft, err := f.meta.MemoryStore.Get(ctx, "t1", DraftsOf(entity), "a1")
	require.NoError(t, err)
	require.NotNil(t, draft)
	active, err := f.meta.MemoryStore.Get(ctx, "t1", entity, "a1")
	require.NoError(t, err)
	assert.Nil(t, active)

	f.svc.Wait()
	assert.Equal(t, []string{"t1/Books.attachments.drafts/a1"}, f.scanner.IDs())
}

func TestPut_ValidationWritesNothing(t *testing.T) {
	tests := []struct {
		name string
		req  types.PutRequest
	}{
		{"no items", types.PutRequest{Tenant: "t1", Entity: entity}},
		{"missing url", types.PutRequest{Tenant: "t1", Entity: entity,
			Items: []types.Payload{payload("a1", "", "x")}}},
		{"missing content", types.PutRequest{Tenant: "t1", Entity: entity,
			Items: []types.Payload{{Attachment: types.Attachment{ID: "a1", URL: "t1/a1"}}}}},
		{"unknown entity", types.PutRequest{Tenant: "t1", Entity: "Authors.attachments",
			Items: []types.Payload{payload("a1", "t1/a1", "x")}}},
		{"key escapes prefix", types.PutRequest{Tenant: "t1", Entity: entity,
			Items: []types.Payload{payload("a1", "t1/../t2/a1", "x")}}},
		{"one invalid batch item", types.PutRequest{Tenant: "t1", Entity: entity,
			Items: []types.Payload{payload("a1", "t1/a1", "x"), payload("a2", "", "y"), payload("a3", "t1/a3", "z")}}},
		{"batch items do not share request content", types.PutRequest{Tenant: "t1", Entity: entity,
			Items: []types.Payload{
				{Attachment: types.Attachment{ID: "a1", URL: "t1/a1"}},
				{Attachment: types.Attachment{ID: "a2", URL: "t1/a2"}},
			},
			Content: strings.NewReader("shared")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			err := f.svc.Put(context.Background(), tt.req)

			assert.True(t, errors.HasCode(err, errors.ErrCodeValidationFailed), "got %v", err)
			assert.Equal(t, 400, errors.HTTPStatus(err))
			assert.Zero(t, f.meta.Calls(), "metadata store must not be called")
			assert.Zero(t, f.store.TotalCalls(), "object store must not be called")
		})
	}
}

func TestPut_MetadataFailureRemovesObject(t *testing.T) {
	f := newFixture(t, Config{})
	f.meta.putErr = fmt.Errorf("database is locked")

	err := f.svc.Put(context.Background(), types.PutRequest{
		Tenant: "t1", Entity: entity,
		Items: []types.Payload{payload("a1", "t1/a1", "hello")},
	})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeUploadFailed), "got %v", err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeMetadataWriteFailed), "got %v", err)

	ae, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, "t1", ae.Context["tenant"])
	assert.Equal(t, "a1", ae.Context["id"])
	assert.Equal(t, "attachments", ae.Target)

	assert.Empty(t, f.store.Keys(), "uploaded object must be removed")
	f.svc.Wait()
	assert.Empty(t, f.scanner.IDs())
}

func TestPut_UploadFailureRemovesRow(t *testing.T) {
	f := newFixture(t, Config{})
	f.store.FailOn("upload", errors.NewError(errors.ErrCodeStorageWriteFailed, "bucket is read only"))

	err := f.svc.Put(context.Background(), types.PutRequest{
		Tenant: "t1", Entity: entity,
		Items: []types.Payload{payload("a1", "t1/a1", "hello")},
	})
	assert.True(t, errors.HasCode(err, errors.ErrCodeUploadFailed), "got %v", err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeStorageWriteFailed), "got %v", err)
	assert.Equal(t, 500, errors.HTTPStatus(err))

	row, getErr := f.meta.MemoryStore.Get(context.Background(), "t1", entity, "a1")
	require.NoError(t, getErr)
	assert.Nil(t, row, "metadata row must be removed")
}

func TestPut_FailedCompensationIsReported(t *testing.T) {
	f := newFixture(t, Config{})
	f.store.FailOn("upload", fmt.Errorf("connection reset"))
	f.meta.deleteErr = fmt.Errorf("database is locked")

	err := f.svc.Put(context.Background(), types.PutRequest{
		Tenant: "t1", Entity: entity,
		Items: []types.Payload{payload("a1", "t1/a1", "hello")},
	})
	ae, ok := errors.As(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, errors.ErrCodeUploadFailed, ae.Code)
	assert.Equal(t, 1, ae.Details["orphaned"])
}

func TestPut_Batch(t *testing.T) {
	f := newFixture(t, Config{BatchConcurrency: 2})
	ctx := context.Background()

	items := []types.Payload{
		payload("a1", "t1/a1", "one"),
		payload("a2", "t1/a2", "two"),
		payload("a3", "t1/a3", "three"),
	}
	require.NoError(t, f.svc.Put(ctx, types.PutRequest{Tenant: "t1", Entity: entity, Items: items}))

	for i, want := range []string{"one", "two", "three"} {
		rc, err := f.svc.Get(ctx, "t1", entity, items[i].ID)
		require.NoError(t, err)
		assert.Equal(t, want, readContent(t, rc))
	}
	f.svc.Wait()
	assert.Len(t, f.scanner.IDs(), 3)
}

func TestPut_BatchFailureRollsBackSiblings(t *testing.T) {
	f := newFixture(t, Config{BatchConcurrency: 3})
	ctx := context.Background()
	f.store.FailOn("upload:t1/a2", fmt.Errorf("slow down"))

	err := f.svc.Put(ctx, types.PutRequest{Tenant: "t1", Entity: entity, Items: []types.Payload{
		payload("a1", "t1/a1", "one"),
		payload("a2", "t1/a2", "two"),
		payload("a3", "t1/a3", "three"),
	}})
	ae, ok := errors.As(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, errors.ErrCodeUploadFailed, ae.Code)
	assert.True(t, errors.HasCode(err, errors.ErrCodeStorageWriteFailed))
	assert.Equal(t, 3, ae.Details["batch_size"])
	assert.Equal(t, 0, ae.Details["orphaned"])

	assert.Empty(t, f.store.Keys(), "no object of the batch may remain")
	refs, err := f.meta.MemoryStore.URLs(ctx, "t1", entity, types.Filter{})
	require.NoError(t, err)
	assert.Empty(t, refs, "no row of the batch may remain")

	f.svc.Wait()
	assert.Empty(t, f.scanner.IDs(), "failed batches are not scanned")
}

func TestPut_BatchRollbackFailureCountsOrphans(t *testing.T) {
	// One item at a time: a1 completes, a2 fails, a3 starts canceled.
	f := newFixture(t, Config{BatchConcurrency: 1})
	f.store.FailOn("upload:t1/a2", fmt.Errorf("slow down"))
	f.store.FailOn("delete:t1/a1", fmt.Errorf("access denied"))

	err := f.svc.Put(context.Background(), types.PutRequest{Tenant: "t1", Entity: entity, Items: []types.Payload{
		payload("a1", "t1/a1", "one"),
		payload("a2", "t1/a2", "two"),
		payload("a3", "t1/a3", "three"),
	}})
	ae, ok := errors.As(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, 1, ae.Details["rolled_back"])
	assert.Equal(t, 1, ae.Details["orphaned"])
	assert.Equal(t, []string{"t1/a1"}, f.store.Keys(), "the orphaned object is left in place")
}

func TestPut_ResolveFailure(t *testing.T) {
	meta := newCountingMeta()
	unavailable := errors.NewError(errors.ErrCodeObjectStoreUnavailable, "not bound")
	svc := New(meta, resolverFunc(func(context.Context, string) (*tenant.Entry, error) {
		return nil, unavailable
	}), nil, Config{}, utils.DiscardLogger(), nil)

	err := svc.Put(context.Background(), types.PutRequest{Tenant: "t9", Entity: entity,
		Items: []types.Payload{payload("a1", "t9/a1", "x")}})
	assert.True(t, errors.HasCode(err, errors.ErrCodeUploadFailed), "got %v", err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeObjectStoreUnavailable), "got %v", err)
	assert.Zero(t, meta.Calls())

	_, err = svc.Get(context.Background(), "t9", entity, "a1")
	assert.True(t, errors.HasCode(err, errors.ErrCodeObjectStoreUnavailable), "got %v", err)

	_, err = svc.ResolveClientForTenant(context.Background(), "t9")
	assert.Error(t, err)
}

func TestGet_NoStoredKey(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	require.NoError(t, f.meta.MemoryStore.Put(ctx, "t1", entity, types.Attachment{ID: "a1"}))

	rc, err := f.svc.Get(ctx, "t1", entity, "a1")
	require.NoError(t, err)
	assert.Nil(t, rc)

	rc, err = f.svc.Get(ctx, "t1", entity, "missing")
	require.NoError(t, err)
	assert.Nil(t, rc)
	assert.Zero(t, f.store.Calls("download"))
}

func TestDelete(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.store.Seed("t1/a1", []byte("x"))

	marker, err := f.svc.Delete(ctx, "t1", "")
	require.NoError(t, err)
	assert.False(t, marker)
	assert.Zero(t, f.store.Calls("delete"))

	_, err = f.svc.Delete(ctx, "t1", "t1/a1")
	require.NoError(t, err)
	assert.Empty(t, f.store.Keys())
}

func TestNonDraftPut_ReusesStoredKey(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	require.NoError(t, f.meta.MemoryStore.Put(ctx, "t1", entity, types.Attachment{ID: "a1", URL: "t1/original"}))

	require.NoError(t, f.svc.NonDraftPut(ctx, "t1", entity, payload("a1", "t1/new", "v2")))

	data, ok := f.store.Object("t1/original")
	require.True(t, ok)
	assert.Equal(t, "v2", string(data))
	_, ok = f.store.Object("t1/new")
	assert.False(t, ok)
}

func TestDeleteInfected(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	require.NoError(t, f.meta.MemoryStore.Put(ctx, "t1", entity, types.Attachment{ID: "a1", URL: "t1/a1"}))
	f.store.Seed("t1/a1", []byte("EICAR"))

	_, err := f.svc.DeleteInfected(ctx, "t1", entity, "a1")
	require.NoError(t, err)
	assert.Empty(t, f.store.Keys())

	_, err = f.svc.DeleteInfected(ctx, "t1", entity, "missing")
	assert.True(t, errors.HasCode(err, errors.ErrCodeObjectNotFound), "got %v", err)
}

func TestPut_ScanFailureDoesNotFailPut(t *testing.T) {
	f := newFixture(t, Config{})
	f.scanner.fail = fmt.Errorf("scanner down")

	require.NoError(t, f.svc.Put(context.Background(), types.PutRequest{
		Tenant: "t1", Entity: entity,
		Items: []types.Payload{payload("a1", "t1/a1", "hello")},
	}))
	f.svc.Wait()
	assert.Len(t, f.scanner.IDs(), 1)
}

func TestNonDraftPut_KeepsStoredFields(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	require.NoError(t, f.meta.MemoryStore.Put(ctx, "t1", entity, types.Attachment{ID: "a1", UpID: "b7", URL: "t1/a1", Note: "keep"}))

	require.NoError(t, f.svc.NonDraftPut(ctx, "t1", entity, types.Payload{
		Attachment: types.Attachment{ID: "a1"},
		Content:    strings.NewReader("v2"),
	}))

	row, err := f.meta.MemoryStore.Get(ctx, "t1", entity, "a1")
	require.NoError(t, err)
	assert.Equal(t, types.Attachment{ID: "a1", UpID: "b7", URL: "t1/a1", Note: "keep"}, *row)
}

func TestRemoveAttachment(t *testing.T) {
	ctx := context.Background()

	t.Run("active row deletes its object", func(t *testing.T) {
		f := newFixture(t, Config{})
		require.NoError(t, f.meta.MemoryStore.Put(ctx, "t1", entity, types.Attachment{ID: "a1", URL: "t1/a1"}))
		f.store.Seed("t1/a1", []byte("x"))

		require.NoError(t, f.svc.RemoveAttachment(ctx, "t1", entity, "a1"))

		row, err := f.meta.MemoryStore.Get(ctx, "t1", entity, "a1")
		require.NoError(t, err)
		assert.Nil(t, row)
		assert.Empty(t, f.store.Keys())
	})

	t.Run("draft row leaves the object", func(t *testing.T) {
		f := newFixture(t, Config{})
		drafts := DraftsOf(entity)
		require.NoError(t, f.meta.MemoryStore.Put(ctx, "t1", drafts, types.Attachment{ID: "a1", URL: "t1/a1"}))
		f.store.Seed("t1/a1", []byte("x"))

		require.NoError(t, f.svc.RemoveAttachment(ctx, "t1", drafts, "a1"))

		assert.Equal(t, []string{"t1/a1"}, f.store.Keys())
		assert.Zero(t, f.store.Calls("delete"))
	})

	t.Run("missing row", func(t *testing.T) {
		f := newFixture(t, Config{})
		err := f.svc.RemoveAttachment(ctx, "t1", entity, "nope")
		assert.True(t, errors.HasCode(err, errors.ErrCodeObjectNotFound), "got %v", err)
	})
}

func TestUpdateNoteAndDeleteRows(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	require.NoError(t, f.meta.MemoryStore.Put(ctx, "t1", entity, types.Attachment{ID: "a1", URL: "t1/a1"}))
	require.NoError(t, f.meta.MemoryStore.Put(ctx, "t1", entity, types.Attachment{ID: "a2", URL: "t1/a2"}))

	require.NoError(t, f.svc.UpdateNote(ctx, "t1", entity, "a1", "reviewed"))
	row, err := f.meta.MemoryStore.Get(ctx, "t1", entity, "a1")
	require.NoError(t, err)
	assert.Equal(t, "reviewed", row.Note)

	require.NoError(t, f.svc.DeleteRows(ctx, "t1", entity, []string{"a1", "a2"}))
	refs, err := f.meta.MemoryStore.URLs(ctx, "t1", entity, types.Filter{})
	require.NoError(t, err)
	assert.Empty(t, refs)
}

// seedRecord stores an existing attachment with its content.
func (f *fixture) seedRecord(t *testing.T, ent string, row types.Attachment, content string) {
	t.Helper()
	require.NoError(t, f.meta.MemoryStore.Put(context.Background(), "t1", ent, row))
	f.store.Seed(row.URL, []byte(content))
}

func (f *fixture) row(t *testing.T, ent, id string) *types.Attachment {
	t.Helper()
	row, err := f.meta.MemoryStore.Get(context.Background(), "t1", ent, id)
	require.NoError(t, err)
	return row
}

func (f *fixture) object(t *testing.T, key string) string {
	t.Helper()
	data, ok := f.store.Object(key)
	require.True(t, ok, "object %s must exist", key)
	return string(data)
}

func TestPut_OverwriteUploadFailureKeepsExistingRecord(t *testing.T) {
	f := newFixture(t, Config{})
	existing := types.Attachment{ID: "a1", UpID: "b1", URL: "t1/a1.pdf", Note: "keep"}
	f.seedRecord(t, entity, existing, "v1")
	f.store.FailOn("upload", errors.NewError(errors.ErrCodeStorageWriteFailed, "bucket is read only"))

	err := f.svc.NonDraftPut(context.Background(), "t1", entity, types.Payload{
		Attachment: types.Attachment{ID: "a1", Note: "changed"},
		Content:    strings.NewReader("v2"),
	})
	assert.True(t, errors.HasCode(err, errors.ErrCodeUploadFailed), "got %v", err)

	row := f.row(t, entity, "a1")
	require.NotNil(t, row, "the existing row must survive")
	assert.Equal(t, existing, *row)
	assert.Equal(t, "v1", f.object(t, "t1/a1.pdf"))
	assert.Equal(t, []string{"t1/a1.pdf"}, f.store.Keys())
}

func TestPut_OverwriteMetadataFailureKeepsExistingObject(t *testing.T) {
	f := newFixture(t, Config{})
	existing := types.Attachment{ID: "a1", UpID: "b1", URL: "t1/a1.pdf", Note: "keep"}
	f.seedRecord(t, entity, existing, "v1")
	f.meta.putErr = fmt.Errorf("database is locked")

	err := f.svc.Put(context.Background(), types.PutRequest{Tenant: "t1", Entity: entity,
		Items: []types.Payload{payload("a1", "t1/a1.pdf", "v2")}})
	assert.True(t, errors.HasCode(err, errors.ErrCodeMetadataWriteFailed), "got %v", err)

	assert.Equal(t, existing, *f.row(t, entity, "a1"))
	assert.Equal(t, "v1", f.object(t, "t1/a1.pdf"), "the previous content must survive")
	assert.Equal(t, []string{"t1/a1.pdf"}, f.store.Keys(), "the staged upload is removed")
	assert.Zero(t, f.store.Calls("copy"))
}

func TestPut_OverwriteReplacesContentInPlace(t *testing.T) {
	f := newFixture(t, Config{})
	f.seedRecord(t, entity, types.Attachment{ID: "a1", UpID: "b1", URL: "t1/a1.pdf"}, "v1")

	require.NoError(t, f.svc.Put(context.Background(), types.PutRequest{Tenant: "t1", Entity: entity,
		Items: []types.Payload{payload("a1", "t1/a1.pdf", "v2")}}))

	assert.Equal(t, "v2", f.object(t, "t1/a1.pdf"))
	assert.Equal(t, []string{"t1/a1.pdf"}, f.store.Keys(), "no staging object may remain")
	assert.Equal(t, 1, f.store.Calls("copy"))
}

func TestPut_OverwriteCopyFailureRestoresRow(t *testing.T) {
	f := newFixture(t, Config{})
	existing := types.Attachment{ID: "a1", UpID: "b1", URL: "t1/a1.pdf", Note: "keep"}
	f.seedRecord(t, entity, existing, "v1")
	f.store.FailOn("copy", errors.NewError(errors.ErrCodeStorageWriteFailed, "slow down"))

	p := payload("a1", "t1/a1.pdf", "v2")
	p.Note = "changed"
	err := f.svc.Put(context.Background(), types.PutRequest{Tenant: "t1", Entity: entity, Items: []types.Payload{p}})
	assert.True(t, errors.HasCode(err, errors.ErrCodeUploadFailed), "got %v", err)

	assert.Equal(t, existing, *f.row(t, entity, "a1"))
	assert.Equal(t, "v1", f.object(t, "t1/a1.pdf"))
	assert.Equal(t, []string{"t1/a1.pdf"}, f.store.Keys())
}

func TestPut_DraftSharingActiveKeyIsStaged(t *testing.T) {
	f := newFixture(t, Config{})
	f.seedRecord(t, entity, types.Attachment{ID: "a1", UpID: "b1", URL: "t1/a1.pdf"}, "v1")
	f.store.FailOn("upload", fmt.Errorf("connection reset"))

	err := f.svc.Put(context.Background(), types.PutRequest{Tenant: "t1", Entity: entity, IsDraft: true,
		Items: []types.Payload{payload("a1", "t1/a1.pdf", "draft")}})
	require.Error(t, err)

	assert.Nil(t, f.row(t, DraftsOf(entity), "a1"))
	assert.Equal(t, "v1", f.object(t, "t1/a1.pdf"), "the active content must survive")
}

func TestPut_BatchRollbackRestoresReplacedRows(t *testing.T) {
	// One item at a time: a1 completes, a2 fails, a3 starts canceled.
	f := newFixture(t, Config{BatchConcurrency: 1})
	ctx := context.Background()
	existing := types.Attachment{ID: "a1", UpID: "b1", URL: "t1/a1", Note: "keep"}
	f.seedRecord(t, entity, existing, "v1")
	f.store.FailOn("upload:t1/a2", fmt.Errorf("slow down"))

	err := f.svc.Put(ctx, types.PutRequest{Tenant: "t1", Entity: entity, Items: []types.Payload{
		payload("a1", "t1/a1", "one"),
		payload("a2", "t1/a2", "two"),
		payload("a3", "t1/a3", "three"),
	}})
	ae, ok := errors.As(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, 1, ae.Details["rolled_back"])
	assert.Equal(t, 0, ae.Details["orphaned"])

	assert.Equal(t, existing, *f.row(t, entity, "a1"))
	assert.Nil(t, f.row(t, entity, "a2"))
	assert.Nil(t, f.row(t, entity, "a3"))
	assert.Equal(t, "v1", f.object(t, "t1/a1"))
	assert.Equal(t, []string{"t1/a1"}, f.store.Keys())
	assert.Zero(t, f.store.Calls("copy"), "nothing is copied into place before every item is written")
}

func TestPut_BatchCopyFailureReportsCommitted(t *testing.T) {
	f := newFixture(t, Config{BatchConcurrency: 1})
	f.seedRecord(t, entity, types.Attachment{ID: "a1", UpID: "b1", URL: "t1/a1", Note: "one"}, "v1")
	f.seedRecord(t, entity, types.Attachment{ID: "a2", UpID: "b1", URL: "t1/a2", Note: "two"}, "v1")
	f.store.FailOn("copy:t1/a2", errors.NewError(errors.ErrCodeStorageWriteFailed, "slow down"))

	err := f.svc.Put(context.Background(), types.PutRequest{Tenant: "t1", Entity: entity, Items: []types.Payload{
		payload("a1", "t1/a1", "v2"),
		payload("a2", "t1/a2", "v2"),
	}})
	ae, ok := errors.As(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, 1, ae.Details["committed"])
	assert.Equal(t, 1, ae.Details["rolled_back"])

	assert.Equal(t, "v2", f.object(t, "t1/a1"), "the copied item keeps its new content")
	assert.Equal(t, "", f.row(t, entity, "a1").Note)
	assert.Equal(t, "v1", f.object(t, "t1/a2"))
	assert.Equal(t, "two", f.row(t, entity, "a2").Note)
	assert.Equal(t, []string{"t1/a1", "t1/a2"}, f.store.Keys())
}

func TestPut_TenantScopedKeys(t *testing.T) {
	ctx := context.Background()

	t.Run("key of another tenant is rejected", func(t *testing.T) {
		f := newFixture(t, Config{TenantScopedKeys: true})
		f.seedRecord(t, entity, types.Attachment{ID: "a1", URL: "t1/a1.pdf"}, "v1")

		err := f.svc.Put(ctx, types.PutRequest{Tenant: "t2", Entity: entity,
			Items: []types.Payload{payload("a9", "t1/a1.pdf", "stolen")}})
		assert.True(t, errors.HasCode(err, errors.ErrCodeValidationFailed), "got %v", err)
		assert.Zero(t, f.store.Calls("upload"))
		assert.Equal(t, "v1", f.object(t, "t1/a1.pdf"))

		row, getErr := f.meta.MemoryStore.Get(ctx, "t2", entity, "a9")
		require.NoError(t, getErr)
		assert.Nil(t, row)
	})

	t.Run("prefix must end at a separator", func(t *testing.T) {
		f := newFixture(t, Config{TenantScopedKeys: true})
		err := f.svc.Put(ctx, types.PutRequest{Tenant: "t1", Entity: entity,
			Items: []types.Payload{payload("a1", "t10/a1.pdf", "x")}})
		assert.True(t, errors.HasCode(err, errors.ErrCodeValidationFailed), "got %v", err)
	})

	t.Run("tenant required", func(t *testing.T) {
		f := newFixture(t, Config{TenantScopedKeys: true})
		err := f.svc.Put(ctx, types.PutRequest{Entity: entity,
			Items: []types.Payload{payload("a1", "a1.pdf", "x")}})
		assert.True(t, errors.HasCode(err, errors.ErrCodeValidationFailed), "got %v", err)
		assert.Zero(t, f.meta.Calls())
	})

	t.Run("own prefix is accepted", func(t *testing.T) {
		f := newFixture(t, Config{TenantScopedKeys: true})
		require.NoError(t, f.svc.Put(ctx, types.PutRequest{Tenant: "t1", Entity: entity,
			Items: []types.Payload{payload("a1", "t1/a1.pdf", "x")}}))
		assert.Equal(t, "x", f.object(t, "t1/a1.pdf"))
	})

	t.Run("delete outside the prefix is rejected", func(t *testing.T) {
		f := newFixture(t, Config{TenantScopedKeys: true})
		f.store.Seed("t1/a1.pdf", []byte("v1"))
		_, err := f.svc.Delete(ctx, "t2", "t1/a1.pdf")
		assert.True(t, errors.HasCode(err, errors.ErrCodeValidationFailed), "got %v", err)
		assert.Zero(t, f.store.Calls("delete"))
	})
}

func TestService_TenantsDoNotShareRows(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.seedRecord(t, entity, types.Attachment{ID: "a1", UpID: "b1", URL: "t1/a1.pdf"}, "v1")

	rc, err := f.svc.Get(ctx, "t2", entity, "a1")
	require.NoError(t, err)
	assert.Nil(t, rc, "another tenant's row is invisible")

	_, err = f.svc.DeleteInfected(ctx, "t2", entity, "a1")
	assert.True(t, errors.HasCode(err, errors.ErrCodeObjectNotFound), "got %v", err)

	err = f.svc.RemoveAttachment(ctx, "t2", entity, "a1")
	assert.True(t, errors.HasCode(err, errors.ErrCodeObjectNotFound), "got %v", err)

	err = f.svc.UpdateNote(ctx, "t2", entity, "a1", "hijacked")
	assert.True(t, errors.HasCode(err, errors.ErrCodeObjectNotFound), "got %v", err)

	require.NoError(t, f.svc.DeleteRows(ctx, "t2", entity, []string{"a1"}))
	require.NotNil(t, f.row(t, entity, "a1"))
	assert.Equal(t, "v1", f.object(t, "t1/a1.pdf"))
}
