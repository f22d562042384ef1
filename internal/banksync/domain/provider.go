package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ConnectRequest starts a consent with an institution.
type ConnectRequest struct {
	Provider      string `json:"provider"`
	InstitutionID string `json:"institution_id"`
}

type Consent struct {
	ExternalRef     string
	InstitutionName string
	ExpiresAt       time.Time
}

type ProviderAccount struct {
	ID        string
	Name      string
	IBAN      string
	Currency  string
	Balance   decimal.Decimal
	BalanceAt time.Time
}

type ProviderTransaction struct {
	ID           string
	AccountID    string
	BookedAt     time.Time
	ValueDate    *time.Time
	Amount       decimal.Decimal
	Currency     string
	Label        string
	Counterparty string
	Reference    string
}

// Provider pulls data from a banking aggregator. Every call is initiated by
// us; providers never push.
type Provider interface {
	Name() string
	Connect(ctx context.Context, institutionID string) (Consent, error)
	RenewConsent(ctx context.Context, externalRef string) (Consent, error)
	Accounts(ctx context.Context, externalRef string) ([]ProviderAccount, error)
	Transactions(ctx context.Context, externalRef string, since time.Time) ([]ProviderTransaction, error)
}

type ProviderFactory interface {
	Provider() string
	NewProvider() (Provider, error)
}

// Lock is held for the duration of one sync session. Refresh extends the
// lease by ttl and fails with ErrLockLost once another holder owns the key.
type Lock interface {
	Refresh(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

// Locker serializes sessions of a connection. Obtain returns ErrSyncInProgress
// when another holder owns key.
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}
