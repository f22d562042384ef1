package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/autocompta/internal/authctx"
	"github.com/smallbiznis/autocompta/internal/authorization"
	bankdomain "github.com/smallbiznis/autocompta/internal/banksync/domain"
	docdomain "github.com/smallbiznis/autocompta/internal/document/domain"
	perioddomain "github.com/smallbiznis/autocompta/internal/period/domain"
	validationdomain "github.com/smallbiznis/autocompta/internal/validation/domain"
	"github.com/smallbiznis/autocompta/internal/ratelimit"
	"github.com/smallbiznis/autocompta/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeDocumentService struct {
	docdomain.Service
	submitted *docdomain.SubmitRequest
}

func (f *fakeDocumentService) Submit(_ context.Context, actor authctx.Actor, req docdomain.SubmitRequest) (*docdomain.Document, error) {
	f.submitted = &req
	return &docdomain.Document{ID: snowflake.ID(42), TenantID: actor.TenantID, Status: docdomain.StatusReceived}, nil
}

func (f *fakeDocumentService) Get(context.Context, authctx.Actor, snowflake.ID) (*docdomain.DocumentView, error) {
	return nil, docdomain.ErrNotFound
}

type fakeValidationService struct {
	validationdomain.Service
}

func (fakeValidationService) Reject(_ context.Context, _ authctx.Actor, req validationdomain.RejectRequest) ([]validationdomain.ItemOutcome, error) {
	if req.Reason == "" {
		return nil, validationdomain.ErrReasonRequired
	}
	return []validationdomain.ItemOutcome{{ID: req.IDs[0], OK: true}}, nil
}

type fakeBankService struct {
	bankdomain.Service
}

func (fakeBankService) Sync(context.Context, authctx.Actor, snowflake.ID) (*bankdomain.SyncSession, error) {
	return nil, bankdomain.ErrConsentExpired
}

type fakePeriodService struct {
	perioddomain.Service
}

func (fakePeriodService) Certify(context.Context, authctx.Actor, snowflake.ID) (*perioddomain.Period, error) {
	return nil, &perioddomain.CertificationInvariantError{PendingValidation: 2, Unreconciled: 1}
}

func (fakePeriodService) ExportReport(context.Context, authctx.Actor, snowflake.ID) ([]byte, error) {
	return []byte("PK-fake"), nil
}

func newTestServer(t *testing.T) (*Server, *fakeDocumentService) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	enforcer, err := authorization.NewEnforcer(testutil.NewTestDB(t))
	require.NoError(t, err)

	docs := &fakeDocumentService{}
	engine := gin.New()
	engine.Use(ErrorHandlingMiddleware())
	srv := &Server{
		engine:        engine,
		authzSvc:      authorization.NewService(authorization.Params{Log: zap.NewNop(), Enforcer: enforcer}),
		documentSvc:   docs,
		validationSvc: fakeValidationService{},
		bankSvc:       fakeBankService{},
		periodSvc:     fakePeriodService{},
	}
	srv.registerAPIRoutes()
	return srv, docs
}

func do(srv *Server, req *http.Request, role string) *httptest.ResponseRecorder {
	if role != "" {
		req.Header.Set(HeaderTenant, "7")
		req.Header.Set(HeaderActorID, "u-1")
		req.Header.Set(HeaderRole, role)
	}
	resp := httptest.NewRecorder()
	srv.Engine().ServeHTTP(resp, req)
	return resp
}

func decodeError(t *testing.T, resp *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	return body.Error
}

func TestRequestsWithoutIdentityAreRejected(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := do(srv, httptest.NewRequest(http.MethodGet, "/api/v1/documents/1", nil), "")

	assert.Equal(t, http.StatusUnauthorized, resp.Code)
	assert.Equal(t, "unauthorized", decodeError(t, resp).Type)
}

func TestSubmitDocumentPassesUploadAndMetadata(t *testing.T) {
	srv, docs := newTestServer(t)

	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", `form-data; name="file"; filename="edf.txt"`)
	header.Set("Content-Type", "text/plain")
	part, err := w.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write([]byte("Fournisseur: EDF"))
	require.NoError(t, err)
	require.NoError(t, w.WriteField("document_type", "invoice_received"))
	require.NoError(t, w.WriteField("total_amount", "120,50"))
	require.NoError(t, w.WriteField("document_date", "2025-03-03"))
	require.NoError(t, w.WriteField("tags", "energy, march"))
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents", body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	resp := do(srv, req, authorization.RoleAccountant)

	require.Equal(t, http.StatusAccepted, resp.Code, resp.Body.String())
	require.NotNil(t, docs.submitted)
	assert.Equal(t, "edf.txt", docs.submitted.Filename)
	assert.Equal(t, "text/plain", docs.submitted.MimeType)
	assert.Equal(t, docdomain.SourceUpload, docs.submitted.Source)
	assert.Equal(t, docdomain.TypeInvoiceReceived, docs.submitted.DocumentType)
	assert.Equal(t, "120.5", docs.submitted.TotalAmount.String())
	assert.Equal(t, 3, docs.submitted.DocumentDate.Day())
	assert.Equal(t, []string{"energy", "march"}, docs.submitted.Tags)
}

func TestViewerCannotSubmitDocument(t *testing.T) {
	srv, docs := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents", bytes.NewBufferString("ignored"))
	resp := do(srv, req, authorization.RoleViewer)

	assert.Equal(t, http.StatusForbidden, resp.Code)
	assert.Nil(t, docs.submitted)
}

func TestDomainErrorsMapToStatus(t *testing.T) {
	srv, _ := newTestServer(t)

	cases := []struct {
		name   string
		req    *http.Request
		role   string
		status int
		typ    string
	}{
		{"unknown document", httptest.NewRequest(http.MethodGet, "/api/v1/documents/99", nil), authorization.RoleViewer, http.StatusNotFound, "not_found"},
		{"malformed id", httptest.NewRequest(http.MethodGet, "/api/v1/documents/abc", nil), authorization.RoleViewer, http.StatusBadRequest, "validation_error"},
		{"expired consent", httptest.NewRequest(http.MethodPost, "/api/v1/bank/connections/5/sync", nil), authorization.RoleAccountant, http.StatusFailedDependency, "consent_required"},
		{"blocked certification", httptest.NewRequest(http.MethodPost, "/api/v1/periods/5/certify", nil), authorization.RoleOwner, http.StatusConflict, "certification_blocked"},
		{"reject without reason", httptest.NewRequest(http.MethodPost, "/api/v1/validation-queue/reject", bytes.NewBufferString(`{"ids":["5"]}`)), authorization.RoleAccountant, http.StatusBadRequest, "validation_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := do(srv, tc.req, tc.role)
			assert.Equal(t, tc.status, resp.Code, resp.Body.String())
			assert.Equal(t, tc.typ, decodeError(t, resp).Type)
		})
	}
}

func TestBlockedCertificationCarriesCounts(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := do(srv, httptest.NewRequest(http.MethodPost, "/api/v1/periods/5/certify", nil), authorization.RoleOwner)

	require.Equal(t, http.StatusConflict, resp.Code)
	var body struct {
		Error struct {
			Details perioddomain.CertificationInvariantError `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, int64(2), body.Error.Details.PendingValidation)
	assert.Equal(t, int64(1), body.Error.Details.Unreconciled)
}

func TestExportPeriodReportServesWorkbook(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := do(srv, httptest.NewRequest(http.MethodGet, "/api/v1/periods/5/report", nil), authorization.RoleViewer)

	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, xlsxContentType, resp.Header().Get("Content-Type"))
	assert.Contains(t, resp.Header().Get("Content-Disposition"), "period-5.xlsx")
	assert.Equal(t, "PK-fake", resp.Body.String())
}

type fakeLimiter struct {
	tenants []int64
}

func (f *fakeLimiter) Allow(_ context.Context, tenantID int64) (*ratelimit.Result, error) {
	f.tenants = append(f.tenants, tenantID)
	return &ratelimit.Result{Allowed: false, Limit: 20, RetryAfter: 3 * time.Second}, nil
}

func TestSubmitDocumentIsRateLimitedPerTenant(t *testing.T) {
	srv, docs := newTestServer(t)
	limiter := &fakeLimiter{}
	srv.limiter = limiter

	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents", bytes.NewBufferString("ignored"))
	resp := do(srv, req, authorization.RoleAccountant)

	assert.Equal(t, http.StatusTooManyRequests, resp.Code)
	assert.Equal(t, "3", resp.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limited", decodeError(t, resp).Type)
	assert.Equal(t, []int64{7}, limiter.tenants)
	assert.Nil(t, docs.submitted)
}
