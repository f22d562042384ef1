// Package aggregator pulls accounts and transactions from a PSD2 aggregation
// API over REST. The client only issues requests; it exposes no callback.
package aggregator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/autocompta/internal/banksync/domain"
	obscontext "github.com/smallbiznis/autocompta/internal/observability/context"
)

const (
	ProviderName   = "aggregator"
	defaultTimeout = 30 * time.Second
	maxPages       = 200
)

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type Factory struct {
	cfg Config
}

func NewFactory(cfg Config) *Factory {
	return &Factory{cfg: cfg}
}

func (f *Factory) Provider() string {
	return ProviderName
}

func (f *Factory) NewProvider() (domain.Provider, error) {
	if strings.TrimSpace(f.cfg.BaseURL) == "" || strings.TrimSpace(f.cfg.APIKey) == "" {
		return nil, domain.ErrInvalidProviderConfig
	}
	return NewClient(f.cfg, nil), nil
}

type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewClient builds a client. A nil httpClient gets one with the configured timeout.
func NewClient(cfg Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:     strings.TrimSpace(cfg.APIKey),
	}
}

func (c *Client) Name() string {
	return ProviderName
}

type consentResponse struct {
	ID               string    `json:"id"`
	InstitutionName  string    `json:"institution_name"`
	ConsentExpiresAt time.Time `json:"consent_expires_at"`
}

type accountPayload struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	IBAN      string          `json:"iban"`
	Currency  string          `json:"currency"`
	Balance   decimal.Decimal `json:"balance"`
	BalanceAt time.Time       `json:"balance_at"`
}

type transactionPayload struct {
	ID           string          `json:"id"`
	AccountID    string          `json:"account_id"`
	BookingDate  string          `json:"booking_date"`
	ValueDate    string          `json:"value_date"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	Description  string          `json:"description"`
	Counterparty string          `json:"counterparty_name"`
	Reference    string          `json:"remittance_reference"`
}

type transactionsPage struct {
	Transactions []transactionPayload `json:"transactions"`
	NextCursor   string               `json:"next_cursor"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *Client) Connect(ctx context.Context, institutionID string) (domain.Consent, error) {
	institutionID = strings.TrimSpace(institutionID)
	if institutionID == "" {
		return domain.Consent{}, domain.ErrInvalidInstitution
	}
	var resp consentResponse
	body := map[string]string{"institution_id": institutionID}
	if err := c.do(ctx, http.MethodPost, "/connections", nil, body, &resp); err != nil {
		return domain.Consent{}, err
	}
	return resp.consent()
}

func (c *Client) RenewConsent(ctx context.Context, externalRef string) (domain.Consent, error) {
	var resp consentResponse
	if err := c.do(ctx, http.MethodPost, "/connections/"+url.PathEscape(externalRef)+"/consent", nil, struct{}{}, &resp); err != nil {
		return domain.Consent{}, err
	}
	if resp.ID == "" {
		resp.ID = externalRef
	}
	return resp.consent()
}

func (r consentResponse) consent() (domain.Consent, error) {
	if r.ID == "" || r.ConsentExpiresAt.IsZero() {
		return domain.Consent{}, domain.ErrInvalidProviderResponse
	}
	return domain.Consent{
		ExternalRef:     r.ID,
		InstitutionName: r.InstitutionName,
		ExpiresAt:       r.ConsentExpiresAt.UTC(),
	}, nil
}

func (c *Client) Accounts(ctx context.Context, externalRef string) ([]domain.ProviderAccount, error) {
	var resp struct {
		Accounts []accountPayload `json:"accounts"`
	}
	if err := c.do(ctx, http.MethodGet, "/connections/"+url.PathEscape(externalRef)+"/accounts", nil, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]domain.ProviderAccount, 0, len(resp.Accounts))
	for _, a := range resp.Accounts {
		if a.ID == "" {
			return nil, domain.ErrInvalidProviderResponse
		}
		out = append(out, domain.ProviderAccount{
			ID:        a.ID,
			Name:      a.Name,
			IBAN:      a.IBAN,
			Currency:  strings.ToUpper(a.Currency),
			Balance:   a.Balance,
			BalanceAt: a.BalanceAt.UTC(),
		})
	}
	return out, nil
}

// Transactions follows next_cursor until the provider reports no more pages.
func (c *Client) Transactions(ctx context.Context, externalRef string, since time.Time) ([]domain.ProviderTransaction, error) {
	var out []domain.ProviderTransaction
	cursor := ""
	for range maxPages {
		query := url.Values{}
		query.Set("since", since.UTC().Format(time.DateOnly))
		if cursor != "" {
			query.Set("cursor", cursor)
		}
		var page transactionsPage
		if err := c.do(ctx, http.MethodGet, "/connections/"+url.PathEscape(externalRef)+"/transactions", query, nil, &page); err != nil {
			return nil, err
		}
		for _, tx := range page.Transactions {
			mapped, err := tx.toDomain()
			if err != nil {
				return nil, err
			}
			out = append(out, mapped)
		}
		if page.NextCursor == "" {
			return out, nil
		}
		cursor = page.NextCursor
	}
	return nil, fmt.Errorf("%w: too many transaction pages", domain.ErrInvalidProviderResponse)
}

func (t transactionPayload) toDomain() (domain.ProviderTransaction, error) {
	if t.ID == "" || t.AccountID == "" {
		return domain.ProviderTransaction{}, domain.ErrInvalidProviderResponse
	}
	booked, err := time.Parse(time.DateOnly, t.BookingDate)
	if err != nil {
		return domain.ProviderTransaction{}, fmt.Errorf("%w: booking_date %q", domain.ErrInvalidProviderResponse, t.BookingDate)
	}
	out := domain.ProviderTransaction{
		ID:           t.ID,
		AccountID:    t.AccountID,
		BookedAt:     booked,
		Amount:       t.Amount,
		Currency:     strings.ToUpper(t.Currency),
		Label:        t.Description,
		Counterparty: t.Counterparty,
		Reference:    t.Reference,
	}
	if t.ValueDate != "" {
		if value, err := time.Parse(time.DateOnly, t.ValueDate); err == nil {
			out.ValueDate = &value
		}
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", uuid.NewString())
	}
	if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return parseError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidProviderResponse, err)
	}
	return nil
}

func parseError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var payload errorPayload
	_ = json.Unmarshal(raw, &payload)

	switch {
	case resp.StatusCode == http.StatusGone,
		payload.Code == "consent_expired",
		resp.StatusCode == http.StatusUnauthorized && payload.Code == "":
		return fmt.Errorf("%w: status %d %s", domain.ErrConsentExpired, resp.StatusCode, payload.Message)
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d %s", domain.ErrProviderUnavailable, resp.StatusCode, payload.Message)
	default:
		return fmt.Errorf("%w: status %d %s %s", domain.ErrInvalidProviderResponse, resp.StatusCode, payload.Code, payload.Message)
	}
}
