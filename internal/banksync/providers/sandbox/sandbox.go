// Package sandbox serves bank data from a YAML fixture. It backs demo mode
// and tests.
package sandbox

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/autocompta/internal/banksync/domain"
	"github.com/smallbiznis/autocompta/internal/clock"
	"gopkg.in/yaml.v3"
)

const ProviderName = "sandbox"

//go:embed fixture.yml
var defaultFixture []byte

type Fixture struct {
	Institution  string               `yaml:"institution"`
	ConsentDays  int                  `yaml:"consent_days"`
	Unavailable  bool                 `yaml:"unavailable"`
	Accounts     []FixtureAccount     `yaml:"accounts"`
	Transactions []FixtureTransaction `yaml:"transactions"`
}

type FixtureAccount struct {
	ID       string          `yaml:"id"`
	Name     string          `yaml:"name"`
	IBAN     string          `yaml:"iban"`
	Currency string          `yaml:"currency"`
	Balance  decimal.Decimal `yaml:"balance"`
}

type FixtureTransaction struct {
	ID           string          `yaml:"id"`
	Account      string          `yaml:"account"`
	BookedAt     string          `yaml:"booked_at"`
	Amount       decimal.Decimal `yaml:"amount"`
	Currency     string          `yaml:"currency"`
	Label        string          `yaml:"label"`
	Counterparty string          `yaml:"counterparty"`
	Reference    string          `yaml:"reference"`
}

// ParseFixture decodes a fixture, falling back to the embedded demo data when raw is empty.
func ParseFixture(raw []byte) (*Fixture, error) {
	if len(raw) == 0 {
		raw = defaultFixture
	}
	var f Fixture
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidProviderConfig, err)
	}
	if f.ConsentDays <= 0 {
		f.ConsentDays = 90
	}
	for _, tx := range f.Transactions {
		if _, err := time.Parse(time.DateOnly, tx.BookedAt); err != nil {
			return nil, fmt.Errorf("%w: transaction %s: %v", domain.ErrInvalidProviderConfig, tx.ID, err)
		}
	}
	return &f, nil
}

type Factory struct {
	path  string
	clock clock.Clock
}

func NewFactory(path string, clk clock.Clock) *Factory {
	return &Factory{path: strings.TrimSpace(path), clock: clk}
}

func (f *Factory) Provider() string {
	return ProviderName
}

func (f *Factory) NewProvider() (domain.Provider, error) {
	var raw []byte
	if f.path != "" {
		var err error
		if raw, err = os.ReadFile(f.path); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidProviderConfig, err)
		}
	}
	fixture, err := ParseFixture(raw)
	if err != nil {
		return nil, err
	}
	return New(fixture, f.clock), nil
}

// Provider is safe for concurrent use. Tests may swap its fixture.
type Provider struct {
	mu      sync.RWMutex
	fixture *Fixture
	clock   clock.Clock
	// refs maps issued external references to their consent expiry.
	refs map[string]time.Time
	seq  int
}

func New(fixture *Fixture, clk clock.Clock) *Provider {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Provider{fixture: fixture, clock: clk, refs: map[string]time.Time{}}
}

func (p *Provider) Name() string {
	return ProviderName
}

// SetFixture replaces the served data.
func (p *Provider) SetFixture(f *Fixture) {
	p.mu.Lock()
	p.fixture = f
	p.mu.Unlock()
}

func (p *Provider) Connect(_ context.Context, institutionID string) (domain.Consent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fixture.Unavailable {
		return domain.Consent{}, domain.ErrProviderUnavailable
	}
	p.seq++
	ref := fmt.Sprintf("sandbox-%s-%d", strings.ToLower(strings.TrimSpace(institutionID)), p.seq)
	expires := p.clock.Now().AddDate(0, 0, p.fixture.ConsentDays)
	p.refs[ref] = expires
	return domain.Consent{ExternalRef: ref, InstitutionName: p.fixture.Institution, ExpiresAt: expires}, nil
}

func (p *Provider) RenewConsent(_ context.Context, externalRef string) (domain.Consent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fixture.Unavailable {
		return domain.Consent{}, domain.ErrProviderUnavailable
	}
	expires := p.clock.Now().AddDate(0, 0, p.fixture.ConsentDays)
	p.refs[externalRef] = expires
	return domain.Consent{ExternalRef: externalRef, InstitutionName: p.fixture.Institution, ExpiresAt: expires}, nil
}

func (p *Provider) Accounts(_ context.Context, externalRef string) ([]domain.ProviderAccount, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.check(externalRef); err != nil {
		return nil, err
	}
	now := p.clock.Now()
	out := make([]domain.ProviderAccount, 0, len(p.fixture.Accounts))
	for _, a := range p.fixture.Accounts {
		out = append(out, domain.ProviderAccount{
			ID:        a.ID,
			Name:      a.Name,
			IBAN:      a.IBAN,
			Currency:  currency(a.Currency),
			Balance:   a.Balance,
			BalanceAt: now,
		})
	}
	return out, nil
}

func (p *Provider) Transactions(_ context.Context, externalRef string, since time.Time) ([]domain.ProviderTransaction, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.check(externalRef); err != nil {
		return nil, err
	}
	out := make([]domain.ProviderTransaction, 0, len(p.fixture.Transactions))
	for _, tx := range p.fixture.Transactions {
		booked, _ := time.Parse(time.DateOnly, tx.BookedAt)
		if booked.Before(since) {
			continue
		}
		out = append(out, domain.ProviderTransaction{
			ID:           tx.ID,
			AccountID:    tx.Account,
			BookedAt:     booked,
			Amount:       tx.Amount,
			Currency:     currency(tx.Currency),
			Label:        tx.Label,
			Counterparty: tx.Counterparty,
			Reference:    tx.Reference,
		})
	}
	return out, nil
}

// check must be called with p.mu held.
func (p *Provider) check(externalRef string) error {
	if p.fixture.Unavailable {
		return domain.ErrProviderUnavailable
	}
	if expires, ok := p.refs[externalRef]; ok && !p.clock.Now().Before(expires) {
		return domain.ErrConsentExpired
	}
	return nil
}

func currency(c string) string {
	if c = strings.ToUpper(strings.TrimSpace(c)); c != "" {
		return c
	}
	return "EUR"
}
