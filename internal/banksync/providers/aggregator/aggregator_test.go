package aggregator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/smallbiznis/autocompta/internal/banksync/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL, APIKey: "secret"}, srv.Client())
}

func TestTransactionsFollowsCursor(t *testing.T) {
	var calls int
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "/connections/ref-1/transactions", r.URL.Path)
		assert.Equal(t, "2025-03-01", r.URL.Query().Get("since"))

		page := transactionsPage{}
		switch r.URL.Query().Get("cursor") {
		case "":
			page.Transactions = []transactionPayload{{ID: "t1", AccountID: "a1", BookingDate: "2025-03-02", Description: "CB OVH"}}
			page.NextCursor = "p2"
		case "p2":
			page.Transactions = []transactionPayload{{ID: "t2", AccountID: "a1", BookingDate: "2025-03-04", ValueDate: "2025-03-05"}}
		default:
			t.Errorf("unexpected cursor %q", r.URL.Query().Get("cursor"))
		}
		_ = json.NewEncoder(w).Encode(page)
	})

	txs, err := client.Transactions(context.Background(), "ref-1", time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, 2, calls)
	assert.Equal(t, "CB OVH", txs[0].Label)
	require.NotNil(t, txs[1].ValueDate)
	assert.Equal(t, 5, txs[1].ValueDate.Day())
}

func TestConnectSendsIdempotencyKey(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NotEmpty(t, r.Header.Get("Idempotency-Key"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "bnp", body["institution_id"])
		_, _ = w.Write([]byte(`{"id":"ref-9","institution_name":"BNP","consent_expires_at":"2025-06-01T00:00:00Z"}`))
	})

	consent, err := client.Connect(context.Background(), "bnp")
	require.NoError(t, err)
	assert.Equal(t, "ref-9", consent.ExternalRef)
	assert.Equal(t, time.June, consent.ExpiresAt.Month())
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"gone", http.StatusGone, `{}`, domain.ErrConsentExpired},
		{"consent code", http.StatusForbidden, `{"code":"consent_expired"}`, domain.ErrConsentExpired},
		{"throttled", http.StatusTooManyRequests, `{}`, domain.ErrProviderUnavailable},
		{"outage", http.StatusBadGateway, ``, domain.ErrProviderUnavailable},
		{"bad request", http.StatusBadRequest, `{"code":"invalid_since"}`, domain.ErrInvalidProviderResponse},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})
			_, err := client.Accounts(context.Background(), "ref-1")
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestFactoryRequiresCredentials(t *testing.T) {
	_, err := NewFactory(Config{BaseURL: "https://aggregator.example"}).NewProvider()
	assert.ErrorIs(t, err, domain.ErrInvalidProviderConfig)
}
