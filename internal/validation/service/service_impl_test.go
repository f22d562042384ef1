package service

import (
	"context"
	"sync"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/autocompta/internal/authctx"
	docdomain "github.com/smallbiznis/autocompta/internal/document/domain"
	journaldomain "github.com/smallbiznis/autocompta/internal/journal/domain"
	"github.com/smallbiznis/autocompta/internal/notify"
	"github.com/smallbiznis/autocompta/internal/testutil"
	"github.com/smallbiznis/autocompta/internal/validation/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePostsEntryAndResolvesItem(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	item, doc := env.queued(t)

	outcomes, err := env.svc.Validate(ctx, testutil.Accountant(env.tenantID), domain.ValidateRequest{
		IDs:       []snowflake.ID{item.ID},
		Comment:   "checked against the PO",
		Overrides: journaldomain.Overrides{Account: "626000"},
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.True(t, outcomes[0].OK, outcomes[0].Error)
	require.NotNil(t, outcomes[0].EntryID)

	stored, err := env.docs.FindByID(ctx, env.db, env.tenantID, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, docdomain.StatusPosted, stored.Status)
	assert.Equal(t, "626000", stored.BookedAccount)

	history, err := env.docs.History(ctx, env.db, env.tenantID, doc.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, docdomain.StatusValidated, history[0].ToStatus)
	assert.Equal(t, "user:accountant", history[0].Actor)
	assert.Equal(t, docdomain.StatusPosted, history[1].ToStatus)

	var entry journaldomain.AutoEntry
	require.NoError(t, env.db.Where("id = ?", *outcomes[0].EntryID).Take(&entry).Error)
	assert.Equal(t, journaldomain.EntryStatusPosted, entry.Status)
	assert.True(t, entry.TotalDebit.Equal(entry.TotalCredit))

	list, err := env.svc.List(ctx, testutil.Viewer(env.tenantID), domain.ListQueueRequest{Status: domain.ItemResolved})
	require.NoError(t, err)
	require.Len(t, list.Items, 1)
	assert.Equal(t, domain.ResolutionValidated, list.Items[0].Resolution)
	assert.Equal(t, "checked against the PO", list.Items[0].Comment)
	require.NotNil(t, list.Items[0].Document)

	assert.Equal(t, []string{notify.TypeDocumentPosted}, env.events.Types())
}

func TestValidateUnbalanceableEntryStaysInQueue(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	item, doc := env.queued(t, withoutTotal())

	outcomes, err := env.svc.Validate(ctx, testutil.Accountant(env.tenantID), domain.ValidateRequest{IDs: []snowflake.ID{item.ID}})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.False(t, outcomes[0].OK)
	_, isUnbalanceable := journaldomain.AsUnbalanceable(outcomes[0].Err)
	assert.True(t, isUnbalanceable)

	stored, err := env.docs.FindByID(ctx, env.db, env.tenantID, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, docdomain.StatusPendingValidation, stored.Status)

	list, err := env.svc.List(ctx, testutil.Accountant(env.tenantID), domain.ListQueueRequest{IssueType: domain.IssueMissingInfo})
	require.NoError(t, err)
	require.Len(t, list.Items, 1)
	assert.Equal(t, item.ID, list.Items[0].ID)
	assert.Equal(t, domain.ItemOpen, list.Items[0].Status)

	var count int64
	require.NoError(t, env.db.Model(&journaldomain.AutoEntry{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestRejectRequiresReason(t *testing.T) {
	env := newTestEnv(t)
	item, _ := env.queued(t)

	_, err := env.svc.Reject(context.Background(), testutil.Accountant(env.tenantID), domain.RejectRequest{IDs: []snowflake.ID{item.ID}, Reason: "  "})
	assert.ErrorIs(t, err, domain.ErrReasonRequired)

	_, err = env.svc.Reject(context.Background(), testutil.Viewer(env.tenantID), domain.RejectRequest{IDs: []snowflake.ID{item.ID}, Reason: "duplicate"})
	assert.ErrorIs(t, err, authctx.ErrForbidden)

	_, err = env.svc.Validate(context.Background(), testutil.Accountant(env.tenantID), domain.ValidateRequest{})
	assert.ErrorIs(t, err, domain.ErrEmptySelection)
}

func TestBulkValidateAfterRejectReportsConflictForThatItemOnly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ids := make([]snowflake.ID, 0, 5)
	docs := make([]*docdomain.Document, 0, 5)
	for range 5 {
		item, doc := env.queued(t)
		ids = append(ids, item.ID)
		docs = append(docs, doc)
	}

	rejected, err := env.svc.Reject(ctx, testutil.Accountant(env.tenantID), domain.RejectRequest{IDs: ids[2:3], Reason: "wrong supplier"})
	require.NoError(t, err)
	require.True(t, rejected[0].OK)

	outcomes, err := env.svc.Validate(ctx, testutil.Accountant(env.tenantID), domain.ValidateRequest{IDs: ids})
	require.NoError(t, err)
	require.Len(t, outcomes, 5)
	for i, out := range outcomes {
		assert.Equal(t, ids[i], out.ID)
		if i == 2 {
			assert.False(t, out.OK)
			assert.ErrorIs(t, out.Err, domain.ErrConflict)
			continue
		}
		assert.True(t, out.OK, out.Error)
	}

	for i, doc := range docs {
		stored, err := env.docs.FindByID(ctx, env.db, env.tenantID, doc.ID)
		require.NoError(t, err)
		if i == 2 {
			assert.Equal(t, docdomain.StatusRejected, stored.Status)
			continue
		}
		assert.Equal(t, docdomain.StatusPosted, stored.Status)
	}
}

func TestBulkValidateRacingRejectResolvesEachItemOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ids := make([]snowflake.ID, 0, 5)
	for range 5 {
		item, _ := env.queued(t)
		ids = append(ids, item.ID)
	}

	var (
		wg                     sync.WaitGroup
		validated, rejected    []domain.ItemOutcome
		validateErr, rejectErr error
	)
	start := make(chan struct{})
	wg.Add(2)
	go func() {
		defer wg.Done()
		<-start
		validated, validateErr = env.svc.Validate(ctx, testutil.Accountant(env.tenantID), domain.ValidateRequest{IDs: ids})
	}()
	go func() {
		defer wg.Done()
		<-start
		rejected, rejectErr = env.svc.Reject(ctx, testutil.Accountant(env.tenantID), domain.RejectRequest{IDs: ids[2:3], Reason: "duplicate"})
	}()
	close(start)
	wg.Wait()

	require.NoError(t, validateErr)
	require.NoError(t, rejectErr)
	for i, out := range validated {
		if i != 2 {
			assert.True(t, out.OK, out.Error)
		}
	}
	assert.NotEqual(t, validated[2].OK, rejected[0].OK)
	if validated[2].OK {
		assert.ErrorIs(t, rejected[0].Err, domain.ErrConflict)
	} else {
		assert.ErrorIs(t, validated[2].Err, domain.ErrConflict)
	}

	var resolved int64
	require.NoError(t, env.db.Model(&domain.QueueItem{}).Where("status = ?", domain.ItemResolved).Count(&resolved).Error)
	assert.Equal(t, int64(5), resolved)
}
