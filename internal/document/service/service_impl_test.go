package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/autocompta/internal/authctx"
	"github.com/smallbiznis/autocompta/internal/blobstore"
	"github.com/smallbiznis/autocompta/internal/clock"
	"github.com/smallbiznis/autocompta/internal/document/domain"
	"github.com/smallbiznis/autocompta/internal/document/repository"
	"github.com/smallbiznis/autocompta/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type recordingDispatcher struct {
	mu  sync.Mutex
	ids []snowflake.ID
}

func (d *recordingDispatcher) Dispatch(_ int64, id snowflake.ID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, id)
}

type fixture struct {
	db         *gorm.DB
	svc        domain.Service
	repo       domain.Repository
	blobs      *blobstore.MemoryStore
	dispatcher *recordingDispatcher
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db := testutil.NewTestDB(t, domain.Models()...)
	node := testutil.NewNode(t)
	clk := clock.NewFakeClock(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	repo := repository.Provide(node, clk)
	blobs := blobstore.NewMemoryStore()
	dispatcher := &recordingDispatcher{}
	svc := NewService(Params{
		DB:         db,
		Log:        zap.NewNop(),
		GenID:      node,
		Repo:       repo,
		Blobs:      blobs,
		Clock:      clk,
		Dispatcher: dispatcher,
	})
	return fixture{db: db, svc: svc, repo: repo, blobs: blobs, dispatcher: dispatcher}
}

func TestSubmitStoresBlobAndDispatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	doc, err := f.svc.Submit(ctx, testutil.Accountant(1), domain.SubmitRequest{
		Filename: "acme.txt",
		MimeType: "text/plain; charset=utf-8",
		Content:  []byte("vendor_name: ACME SARL\ntotal_amount: 1200,00"),
		Tags:     []string{"Review", "review", " "},
	})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusReceived, doc.Status)
	assert.Equal(t, doc.ID, doc.LineageID)
	assert.Equal(t, "text/plain", doc.MimeType)
	assert.Equal(t, []string{"review"}, []string(doc.Tags))
	assert.Equal(t, []snowflake.ID{doc.ID}, f.dispatcher.ids)

	data, err := f.blobs.Get(ctx, doc.BlobKey)
	require.NoError(t, err)
	assert.Contains(t, string(data), "ACME SARL")
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Submit(ctx, testutil.Accountant(1), domain.SubmitRequest{MimeType: "text/plain"})
	assert.ErrorIs(t, err, domain.ErrEmptyContent)

	_, err = f.svc.Submit(ctx, testutil.Accountant(1), domain.SubmitRequest{Content: []byte("x"), MimeType: "text/plain", Source: "fax"})
	assert.ErrorIs(t, err, domain.ErrInvalidSource)

	_, err = f.svc.Submit(ctx, testutil.Viewer(1), domain.SubmitRequest{Content: []byte("x"), MimeType: "text/plain"})
	assert.ErrorIs(t, err, authctx.ErrForbidden)
}

func TestGetIsTenantScoped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	doc, err := f.svc.Submit(ctx, testutil.Accountant(1), domain.SubmitRequest{Content: []byte("x"), MimeType: "text/plain"})
	require.NoError(t, err)

	_, err = f.svc.Get(ctx, testutil.Viewer(2), doc.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	view, err := f.svc.Get(ctx, testutil.Viewer(1), doc.ID)
	require.NoError(t, err)
	assert.Nil(t, view.OCR)
	assert.Nil(t, view.Classification)
}

func TestResubmitStartsNewDocumentInLineage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	actor := testutil.Accountant(1)

	doc, err := f.svc.Submit(ctx, actor, domain.SubmitRequest{Content: []byte("x"), MimeType: "text/plain"})
	require.NoError(t, err)

	_, err = f.svc.Resubmit(ctx, actor, doc.ID)
	assert.ErrorIs(t, err, domain.ErrNotResubmittable)

	require.NoError(t, f.repo.Transition(ctx, f.db, doc, domain.TransitionUpdate{To: domain.StatusProcessing}))
	require.NoError(t, f.repo.Transition(ctx, f.db, doc, domain.TransitionUpdate{To: domain.StatusError, Reason: "corrupt_file"}))

	next, err := f.svc.Resubmit(ctx, actor, doc.ID)
	require.NoError(t, err)
	assert.NotEqual(t, doc.ID, next.ID)
	assert.Equal(t, doc.LineageID, next.LineageID)
	require.NotNil(t, next.ResubmittedFrom)
	assert.Equal(t, doc.ID, *next.ResubmittedFrom)
	assert.Equal(t, doc.BlobKey, next.BlobKey)

	old, err := f.svc.Get(ctx, actor, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, old.Status)
}

func TestListFiltersByStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	actor := testutil.Accountant(1)

	for i := 0; i < 3; i++ {
		_, err := f.svc.Submit(ctx, actor, domain.SubmitRequest{Content: []byte{byte('a' + i)}, MimeType: "text/plain"})
		require.NoError(t, err)
	}

	resp, err := f.svc.List(ctx, actor, domain.ListRequest{Status: domain.StatusReceived})
	require.NoError(t, err)
	assert.Len(t, resp.Documents, 3)
	assert.False(t, resp.HasMore)

	resp, err = f.svc.List(ctx, actor, domain.ListRequest{Status: domain.StatusPosted})
	require.NoError(t, err)
	assert.Empty(t, resp.Documents)

	_, err = f.svc.List(ctx, actor, domain.ListRequest{Status: "NOPE"})
	assert.ErrorIs(t, err, domain.ErrInvalidStatus)
}
