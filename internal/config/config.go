// Package config loads service configuration from an optional file, a .env
// file and SUBLEDGER_* environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rcourtman/subledger/internal/billing/plan"
	"github.com/rcourtman/subledger/internal/billing/reconcile"
	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable.
const EnvPrefix = "SUBLEDGER"

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds all configuration for the service.
type Config struct {
	BindAddress string
	Port        int
	DataDir     string
	AdminToken  string

	Store        StoreConfig
	Stripe       StripeConfig
	AppStore     AppStoreConfig
	Entitlements ServiceConfig
	Referrals    ServiceConfig
	Analytics    AnalyticsConfig
	Reconcile    ReconcileConfig
	Log          LogConfig

	Products []plan.Product
}

// StoreConfig selects the event log backend.
type StoreConfig struct {
	Driver string
	DSN    string
}

// StripeConfig configures the card-processor integration.
type StripeConfig struct {
	WebhookSecret string
	Tolerance     time.Duration
	APIKey        string
	SuccessURL    string
	CancelURL     string
}

// AppStoreConfig configures App Store notification verification.
type AppStoreConfig struct {
	RootCertPath      string
	BundleID          string
	Environment       string
	RevocationCheck   bool
	RevocationTimeout time.Duration
}

// ServiceConfig points at a collaborator REST service.
type ServiceConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// AnalyticsConfig configures payment-success publishing. An empty URL logs
// events instead.
type AnalyticsConfig struct {
	AMQPURL  string
	Exchange string
}

// ReconcileConfig tunes the orchestrator.
type ReconcileConfig struct {
	SideEffectTimeout   time.Duration
	SideEffectAttempts  int
	ActorIdleTimeout    time.Duration
	DeferredSchedule    string
	DeferredMaxAttempts int
	DedupCacheSize      int
	ReadCacheSize       int
}

// LogConfig configures the logger.
type LogConfig struct {
	Format string
	Level  string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bind_address", "0.0.0.0")
	v.SetDefault("port", 8080)
	v.SetDefault("data_dir", "./data")
	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("stripe.tolerance", 5*time.Minute)
	v.SetDefault("appstore.environment", "Production")
	v.SetDefault("appstore.revocation_check", true)
	v.SetDefault("appstore.revocation_timeout", 5*time.Second)
	v.SetDefault("entitlements.timeout", 10*time.Second)
	v.SetDefault("referrals.timeout", 10*time.Second)
	v.SetDefault("analytics.exchange", "billing")
	v.SetDefault("reconcile.side_effect_timeout", 10*time.Second)
	v.SetDefault("reconcile.side_effect_attempts", 3)
	v.SetDefault("reconcile.actor_idle_timeout", 5*time.Minute)
	v.SetDefault("reconcile.deferred_schedule", "@every 1m")
	v.SetDefault("reconcile.deferred_max_attempts", 10)
	v.SetDefault("reconcile.dedup_cache_size", 10000)
	v.SetDefault("reconcile.read_cache_size", 1000)
	v.SetDefault("log.format", "auto")
	v.SetDefault("log.level", "info")
}

// Load reads configuration. path names an optional YAML, JSON or TOML file;
// environment variables override it. A .env file is loaded if present.
func Load(path string) (*Config, error) {
	// Best-effort .env loading (not required)
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path = strings.TrimSpace(path); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	products, err := parseProducts(v.Get("products"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		BindAddress: strings.TrimSpace(v.GetString("bind_address")),
		Port:        v.GetInt("port"),
		DataDir:     strings.TrimSpace(v.GetString("data_dir")),
		AdminToken:  strings.TrimSpace(v.GetString("admin_token")),
		Store: StoreConfig{
			Driver: strings.ToLower(strings.TrimSpace(v.GetString("store.driver"))),
			DSN:    strings.TrimSpace(v.GetString("store.dsn")),
		},
		Stripe: StripeConfig{
			WebhookSecret: strings.TrimSpace(v.GetString("stripe.webhook_secret")),
			Tolerance:     v.GetDuration("stripe.tolerance"),
			APIKey:        strings.TrimSpace(v.GetString("stripe.api_key")),
			SuccessURL:    strings.TrimSpace(v.GetString("stripe.success_url")),
			CancelURL:     strings.TrimSpace(v.GetString("stripe.cancel_url")),
		},
		AppStore: AppStoreConfig{
			RootCertPath:      strings.TrimSpace(v.GetString("appstore.root_cert_path")),
			BundleID:          strings.TrimSpace(v.GetString("appstore.bundle_id")),
			Environment:       strings.TrimSpace(v.GetString("appstore.environment")),
			RevocationCheck:   v.GetBool("appstore.revocation_check"),
			RevocationTimeout: v.GetDuration("appstore.revocation_timeout"),
		},
		Entitlements: ServiceConfig{
			BaseURL: strings.TrimSpace(v.GetString("entitlements.base_url")),
			Token:   strings.TrimSpace(v.GetString("entitlements.token")),
			Timeout: v.GetDuration("entitlements.timeout"),
		},
		Referrals: ServiceConfig{
			BaseURL: strings.TrimSpace(v.GetString("referrals.base_url")),
			Token:   strings.TrimSpace(v.GetString("referrals.token")),
			Timeout: v.GetDuration("referrals.timeout"),
		},
		Analytics: AnalyticsConfig{
			AMQPURL:  strings.TrimSpace(v.GetString("analytics.amqp_url")),
			Exchange: strings.TrimSpace(v.GetString("analytics.exchange")),
		},
		Reconcile: ReconcileConfig{
			SideEffectTimeout:   v.GetDuration("reconcile.side_effect_timeout"),
			SideEffectAttempts:  v.GetInt("reconcile.side_effect_attempts"),
			ActorIdleTimeout:    v.GetDuration("reconcile.actor_idle_timeout"),
			DeferredSchedule:    strings.TrimSpace(v.GetString("reconcile.deferred_schedule")),
			DeferredMaxAttempts: v.GetInt("reconcile.deferred_max_attempts"),
			DedupCacheSize:      v.GetInt("reconcile.dedup_cache_size"),
			ReadCacheSize:       v.GetInt("reconcile.read_cache_size"),
		},
		Log: LogConfig{
			Format: v.GetString("log.format"),
			Level:  v.GetString("log.level"),
		},
		Products: products,
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// parseProducts accepts the catalog as a list from a config file or as a
// JSON array in SUBLEDGER_PRODUCTS. Values are coerced loosely since file
// formats and env strings disagree on types.
func parseProducts(raw any) ([]plan.Product, error) {
	if raw == nil {
		return nil, nil
	}
	if s, ok := raw.(string); ok {
		s = strings.TrimSpace(s)
		if s == "" {
			return nil, nil
		}
		var decoded []any
		if err := json.Unmarshal([]byte(s), &decoded); err != nil {
			return nil, fmt.Errorf("products must be a JSON array: %w", err)
		}
		raw = decoded
	}

	items, err := cast.ToSliceE(raw)
	if err != nil {
		return nil, fmt.Errorf("products must be a list: %w", err)
	}
	products := make([]plan.Product, 0, len(items))
	for i, item := range items {
		fields, err := cast.ToStringMapE(item)
		if err != nil {
			return nil, fmt.Errorf("products[%d] must be an object: %w", i, err)
		}
		tier, err := plan.ParseTier(cast.ToString(fields["tier"]))
		if err != nil {
			return nil, fmt.Errorf("products[%d]: %w", i, err)
		}
		amount := decimal.Zero
		if rawAmount := strings.TrimSpace(cast.ToString(fields["amount"])); rawAmount != "" {
			amount, err = decimal.NewFromString(rawAmount)
			if err != nil {
				return nil, fmt.Errorf("products[%d]: invalid amount %q: %w", i, rawAmount, err)
			}
		}
		products = append(products, plan.Product{
			PriceID:  strings.TrimSpace(cast.ToString(fields["price_id"])),
			Tier:     tier,
			Ultimate: cast.ToBool(fields["ultimate"]),
			Amount:   amount,
			Currency: strings.ToLower(strings.TrimSpace(cast.ToString(fields["currency"]))),
		})
	}
	return products, nil
}

func (c *Config) validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Port < 1 || c.Port > 65535 {
		add("port must be between 1 and 65535, got %d", c.Port)
	}
	switch c.Store.Driver {
	case DriverSQLite:
		if c.DataDir == "" {
			add("data_dir is required for the sqlite store")
		}
	case DriverPostgres:
		if c.Store.DSN == "" {
			add("store.dsn is required for the postgres store")
		}
	default:
		add("store.driver must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.Store.Driver)
	}

	if c.Stripe.WebhookSecret == "" && c.AppStore.RootCertPath == "" {
		add("at least one of stripe.webhook_secret or appstore.root_cert_path is required")
	}
	if c.Stripe.Tolerance < 0 {
		add("stripe.tolerance must not be negative")
	}
	if c.Stripe.APIKey != "" {
		for key, value := range map[string]string{"stripe.success_url": c.Stripe.SuccessURL, "stripe.cancel_url": c.Stripe.CancelURL} {
			if err := checkURL(value, "http", "https"); err != nil {
				add("%s: %v", key, err)
			}
		}
	}
	if c.AppStore.RevocationCheck && c.AppStore.RevocationTimeout <= 0 {
		add("appstore.revocation_timeout must be greater than 0")
	}

	if err := checkURL(c.Entitlements.BaseURL, "http", "https"); err != nil {
		add("entitlements.base_url: %v", err)
	}
	if c.Referrals.BaseURL != "" {
		if err := checkURL(c.Referrals.BaseURL, "http", "https"); err != nil {
			add("referrals.base_url: %v", err)
		}
	}
	if c.Analytics.AMQPURL != "" {
		if err := checkURL(c.Analytics.AMQPURL, "amqp", "amqps"); err != nil {
			add("analytics.amqp_url: %v", err)
		}
		if c.Analytics.Exchange == "" {
			add("analytics.exchange is required when analytics.amqp_url is set")
		}
	}

	r := c.Reconcile
	if r.SideEffectTimeout <= 0 {
		add("reconcile.side_effect_timeout must be greater than 0")
	}
	if r.SideEffectAttempts < 1 {
		add("reconcile.side_effect_attempts must be at least 1")
	}
	if r.DeferredMaxAttempts < 1 {
		add("reconcile.deferred_max_attempts must be at least 1")
	}
	if r.DedupCacheSize < 1 || r.ReadCacheSize < 1 {
		add("reconcile cache sizes must be at least 1")
	}
	if r.DeferredSchedule == "" {
		add("reconcile.deferred_schedule is required")
	}

	if len(c.Products) == 0 {
		add("products must list at least one catalog entry")
	} else if _, err := plan.NewCatalog(c.Products); err != nil {
		add("products: %v", err)
	}

	if len(problems) > 0 {
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return nil
}

func checkURL(raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("must be a valid URL: %w", err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				return fmt.Errorf("must include a host")
			}
			return nil
		}
	}
	return fmt.Errorf("must use one of %s", strings.Join(schemes, ", "))
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.Port)
}

// SQLiteDir is where the sqlite event log lives.
func (c *Config) SQLiteDir() string {
	return filepath.Join(c.DataDir, "ledger")
}

// Catalog builds the product catalog.
func (c *Config) Catalog() (*plan.Catalog, error) {
	return plan.NewCatalog(c.Products)
}

// ReconcileOptions maps the reconcile settings onto orchestrator options.
func (c *Config) ReconcileOptions() reconcile.Options {
	return reconcile.Options{
		DedupCacheSize:      c.Reconcile.DedupCacheSize,
		ReadCacheSize:       c.Reconcile.ReadCacheSize,
		ActorIdleTimeout:    c.Reconcile.ActorIdleTimeout,
		SideEffectTimeout:   c.Reconcile.SideEffectTimeout,
		SideEffectAttempts:  c.Reconcile.SideEffectAttempts,
		DeferredMaxAttempts: c.Reconcile.DeferredMaxAttempts,
		DeferredSchedule:    c.Reconcile.DeferredSchedule,
		CheckoutSuccessURL:  c.Stripe.SuccessURL,
		CheckoutCancelURL:   c.Stripe.CancelURL,
	}
}
