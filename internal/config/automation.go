package config

import (
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Thresholds are the tunable knobs of the automation pipeline.
type Thresholds struct {
	// AutoReconcile is the minimum match score (0-100) that reconciles without a human.
	AutoReconcile float64 `mapstructure:"autoReconcile"`
	// Suggest is the minimum match score surfaced as a suggestion.
	Suggest float64 `mapstructure:"suggest"`
	// MinAutoLevel is the lowest confidence level allowed on the auto path.
	MinAutoLevel string `mapstructure:"minAutoLevel"`
	// ReviewLimit routes documents whose total exceeds it to manual review. Zero disables it.
	ReviewLimit           float64       `mapstructure:"reviewLimit"`
	ExtractionMaxAttempts int           `mapstructure:"extractionMaxAttempts"`
	ExtractionTimeout     time.Duration `mapstructure:"extractionTimeout"`
}

type TenantOverride struct {
	AutoReconcile         *float64       `mapstructure:"autoReconcile"`
	Suggest               *float64       `mapstructure:"suggest"`
	MinAutoLevel          *string        `mapstructure:"minAutoLevel"`
	ReviewLimit           *float64       `mapstructure:"reviewLimit"`
	ExtractionMaxAttempts *int           `mapstructure:"extractionMaxAttempts"`
	ExtractionTimeout     *time.Duration `mapstructure:"extractionTimeout"`
}

type AutomationConfig struct {
	Defaults Thresholds                `mapstructure:"defaults"`
	Tenants  map[string]TenantOverride `mapstructure:"tenants"`
}

func DefaultAutomationConfig() AutomationConfig {
	return AutomationConfig{
		Defaults: Thresholds{
			AutoReconcile:         90,
			Suggest:               70,
			MinAutoLevel:          "HIGH",
			ReviewLimit:           0,
			ExtractionMaxAttempts: 3,
			ExtractionTimeout:     60 * time.Second,
		},
	}
}

// For resolves the thresholds of a tenant, falling back to the defaults.
func (c AutomationConfig) For(tenantID int64) Thresholds {
	out := c.Defaults
	override, ok := c.Tenants[strconv.FormatInt(tenantID, 10)]
	if !ok {
		return out
	}
	if override.AutoReconcile != nil {
		out.AutoReconcile = *override.AutoReconcile
	}
	if override.Suggest != nil {
		out.Suggest = *override.Suggest
	}
	if override.MinAutoLevel != nil {
		out.MinAutoLevel = strings.ToUpper(strings.TrimSpace(*override.MinAutoLevel))
	}
	if override.ReviewLimit != nil {
		out.ReviewLimit = *override.ReviewLimit
	}
	if override.ExtractionMaxAttempts != nil {
		out.ExtractionMaxAttempts = *override.ExtractionMaxAttempts
	}
	if override.ExtractionTimeout != nil {
		out.ExtractionTimeout = *override.ExtractionTimeout
	}
	return out
}

type AutomationConfigHolder struct {
	current atomic.Value // holds AutomationConfig
}

// NewStaticAutomationConfigHolder returns a holder that never reloads.
func NewStaticAutomationConfigHolder(cfg AutomationConfig) *AutomationConfigHolder {
	holder := &AutomationConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewAutomationConfigHolder() (*AutomationConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("automation")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/autocompta")
	v.AddConfigPath(".")

	v.SetEnvPrefix("AUTOCOMPTA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		return NewStaticAutomationConfigHolder(DefaultAutomationConfig()), nil
	}

	cfg, err := decodeAutomationConfig(v)
	if err != nil {
		return nil, err
	}

	holder := NewStaticAutomationConfigHolder(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeAutomationConfig(v)
		if err != nil {
			log.Printf("[automation-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[automation-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *AutomationConfigHolder) Get() AutomationConfig {
	return h.current.Load().(AutomationConfig)
}

func decodeAutomationConfig(v *viper.Viper) (AutomationConfig, error) {
	cfg := DefaultAutomationConfig()
	if err := v.UnmarshalKey("automation", &cfg); err != nil {
		return AutomationConfig{}, err
	}
	if err := ValidateAutomationConfig(cfg); err != nil {
		return AutomationConfig{}, err
	}
	return cfg, nil
}

func ValidateAutomationConfig(cfg AutomationConfig) error {
	if err := validateThresholds("defaults", cfg.Defaults); err != nil {
		return err
	}
	for tenant := range cfg.Tenants {
		if err := validateThresholds("tenants."+tenant, cfg.For(parseTenantKey(tenant))); err != nil {
			return err
		}
	}
	return nil
}

func validateThresholds(scope string, t Thresholds) error {
	if t.AutoReconcile <= 0 || t.AutoReconcile > 100 {
		return fmt.Errorf("%s.autoReconcile must be in (0,100]", scope)
	}
	if t.Suggest <= 0 || t.Suggest > t.AutoReconcile {
		return fmt.Errorf("%s.suggest must be in (0,autoReconcile]", scope)
	}
	switch strings.ToUpper(t.MinAutoLevel) {
	case "HIGH", "MEDIUM", "LOW", "VERY_LOW":
	default:
		return fmt.Errorf("%s.minAutoLevel %q is not a confidence level", scope, t.MinAutoLevel)
	}
	if t.ReviewLimit < 0 {
		return fmt.Errorf("%s.reviewLimit cannot be negative", scope)
	}
	if t.ExtractionMaxAttempts < 1 {
		return fmt.Errorf("%s.extractionMaxAttempts must be at least 1", scope)
	}
	if t.ExtractionTimeout <= 0 {
		return fmt.Errorf("%s.extractionTimeout must be positive", scope)
	}
	return nil
}

func parseTenantKey(key string) int64 {
	id, _ := strconv.ParseInt(strings.TrimSpace(key), 10, 64)
	return id
}
