package repository

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/autocompta/internal/clock"
	"github.com/smallbiznis/autocompta/internal/document/domain"
	"github.com/smallbiznis/autocompta/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newDoc(t *testing.T, db *gorm.DB, node *snowflake.Node, tenantID int64) *domain.Document {
	t.Helper()
	id := node.Generate()
	doc := &domain.Document{
		ID:            id,
		TenantID:      tenantID,
		LineageID:     id,
		Status:        domain.StatusReceived,
		Source:        domain.SourceUpload,
		MimeType:      "text/plain",
		BlobKey:       "k/" + id.String(),
		Currency:      "EUR",
		PaymentStatus: domain.PaymentUnpaid,
		Version:       1,
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, db.Create(doc).Error)
	return doc
}

func TestTransitionRecordsHistoryAndBumpsVersion(t *testing.T) {
	db := testutil.NewTestDB(t, domain.Models()...)
	node := testutil.NewNode(t)
	r := Provide(node, clock.SystemClock{})
	ctx := context.Background()
	doc := newDoc(t, db, node, 1)

	require.NoError(t, r.Transition(ctx, db, doc, domain.TransitionUpdate{To: domain.StatusProcessing}))
	require.NoError(t, r.Transition(ctx, db, doc, domain.TransitionUpdate{
		To:      domain.StatusAnalyzed,
		Actor:   "user:7",
		Columns: map[string]any{"counterparty_name": "ACME SARL"},
	}))

	assert.Equal(t, domain.StatusAnalyzed, doc.Status)
	assert.Equal(t, int64(3), doc.Version)
	assert.Equal(t, "ACME SARL", doc.CounterpartyName)

	history, err := r.History(ctx, db, 1, doc.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, domain.StatusReceived, history[0].FromStatus)
	assert.Equal(t, domain.StatusAnalyzed, history[1].ToStatus)
	assert.Equal(t, "system:pipeline", history[0].Actor)
	assert.Equal(t, "user:7", history[1].Actor)
}

func TestTransitionRejectsUndeclaredMove(t *testing.T) {
	db := testutil.NewTestDB(t, domain.Models()...)
	node := testutil.NewNode(t)
	r := Provide(node, clock.SystemClock{})
	doc := newDoc(t, db, node, 1)

	err := r.Transition(context.Background(), db, doc, domain.TransitionUpdate{To: domain.StatusAccounted})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Equal(t, domain.StatusReceived, doc.Status)
}

func TestTransitionDetectsStaleVersion(t *testing.T) {
	db := testutil.NewTestDB(t, domain.Models()...)
	node := testutil.NewNode(t)
	r := Provide(node, clock.SystemClock{})
	ctx := context.Background()
	doc := newDoc(t, db, node, 1)

	stale := *doc
	require.NoError(t, r.Transition(ctx, db, doc, domain.TransitionUpdate{To: domain.StatusProcessing}))

	err := r.Transition(ctx, db, &stale, domain.TransitionUpdate{To: domain.StatusProcessing})
	assert.ErrorIs(t, err, domain.ErrConcurrentModification)

	history, err := r.History(ctx, db, 1, doc.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestInsertOCRSupersedesPrevious(t *testing.T) {
	db := testutil.NewTestDB(t, domain.Models()...)
	node := testutil.NewNode(t)
	r := Provide(node, clock.SystemClock{})
	ctx := context.Background()
	doc := newDoc(t, db, node, 1)

	first := &domain.OCRResult{ID: node.Generate(), TenantID: 1, DocumentID: doc.ID, RawText: "v1", Engine: "keyvalue", Confidence: 0.5}
	second := &domain.OCRResult{ID: node.Generate(), TenantID: 1, DocumentID: doc.ID, RawText: "v2", Engine: "keyvalue", Confidence: 0.9}
	require.NoError(t, r.InsertOCR(ctx, db, first))
	require.NoError(t, r.InsertOCR(ctx, db, second))

	live, err := r.LiveOCR(ctx, db, 1, doc.ID)
	require.NoError(t, err)
	require.NotNil(t, live)
	assert.Equal(t, "v2", live.RawText)

	var total int64
	require.NoError(t, db.Model(&domain.OCRResult{}).Where("document_id = ?", doc.ID).Count(&total).Error)
	assert.Equal(t, int64(2), total)
}

func TestFindPossibleDuplicates(t *testing.T) {
	db := testutil.NewTestDB(t, domain.Models()...)
	node := testutil.NewNode(t)
	r := Provide(node, clock.SystemClock{})
	ctx := context.Background()

	first := newDoc(t, db, node, 1)
	second := newDoc(t, db, node, 1)
	rejected := newDoc(t, db, node, 1)
	for _, d := range []*domain.Document{first, second, rejected} {
		require.NoError(t, db.Model(&domain.Document{}).Where("id = ?", d.ID).Updates(map[string]any{
			"counterparty_name": "ACME SARL",
			"invoice_number":    "F-2025-001",
			"total_amount":      decimal.RequireFromString("1200.00"),
		}).Error)
	}
	require.NoError(t, db.Model(&domain.Document{}).Where("id = ?", rejected.ID).Update("status", domain.StatusRejected).Error)

	doc, err := r.FindByID(ctx, db, 1, second.ID)
	require.NoError(t, err)
	dupes, err := r.FindPossibleDuplicates(ctx, db, doc)
	require.NoError(t, err)
	require.Len(t, dupes, 1)
	assert.Equal(t, first.ID, dupes[0].ID)
}

func TestPriorClassificationsOnlyBookedDocuments(t *testing.T) {
	db := testutil.NewTestDB(t, domain.Models()...)
	node := testutil.NewNode(t)
	r := Provide(node, clock.SystemClock{})
	ctx := context.Background()

	booked := newDoc(t, db, node, 1)
	require.NoError(t, db.Model(&domain.Document{}).Where("id = ?", booked.ID).Updates(map[string]any{
		"counterparty_name": "EDF",
		"booked_account":    "606100",
	}).Error)
	require.NoError(t, r.InsertOCR(ctx, db, &domain.OCRResult{ID: node.Generate(), TenantID: 1, DocumentID: booked.ID, RawText: "facture electricite", Engine: "keyvalue"}))
	newDoc(t, db, node, 1)

	prior, err := r.PriorClassifications(ctx, db, 1, 0)
	require.NoError(t, err)
	require.Len(t, prior, 1)
	assert.Equal(t, "606100", prior[0].Account)
	assert.Contains(t, prior[0].Text, "electricite")
}

func TestRepositoryStampsWithInjectedClock(t *testing.T) {
	db := testutil.NewTestDB(t, domain.Models()...)
	node := testutil.NewNode(t)
	start := time.Date(2025, 2, 14, 8, 30, 0, 0, time.UTC)
	clk := clock.NewFakeClock(start)
	r := Provide(node, clk)
	ctx := context.Background()
	doc := newDoc(t, db, node, 1)

	require.NoError(t, r.Transition(ctx, db, doc, domain.TransitionUpdate{To: domain.StatusProcessing}))
	first := &domain.OCRResult{ID: node.Generate(), TenantID: 1, DocumentID: doc.ID, RawText: "v1", Engine: "keyvalue"}
	require.NoError(t, r.InsertOCR(ctx, db, first))

	clk.Advance(90 * time.Second)
	require.NoError(t, r.InsertOCR(ctx, db, &domain.OCRResult{ID: node.Generate(), TenantID: 1, DocumentID: doc.ID, RawText: "v2", Engine: "keyvalue"}))

	stored, err := r.FindByID(ctx, db, 1, doc.ID)
	require.NoError(t, err)
	assert.True(t, stored.UpdatedAt.Equal(start), "updated_at %s", stored.UpdatedAt)

	history, err := r.History(ctx, db, 1, doc.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].CreatedAt.Equal(start), "transition at %s", history[0].CreatedAt)

	var superseded domain.OCRResult
	require.NoError(t, db.Where("id = ?", first.ID).Take(&superseded).Error)
	require.NotNil(t, superseded.SupersededAt)
	assert.True(t, superseded.SupersededAt.Equal(start.Add(90*time.Second)))
}
