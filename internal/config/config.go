package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "SHEETSYNC"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "sheetsync.db"
	defaultLogLevel          = "info"
	defaultCookieName        = "app_session"
	defaultIssuer            = "tauth"
	defaultSnapshotInterval  = 12 * time.Hour
	defaultCurrencyCode      = "USD"
	defaultCurrencySymbol    = "$"
	defaultCurrencyPosition  = "before"
	defaultCurrencyDecimals  = 2
	defaultViewKeyAttribute  = "diff_key"
	currencyPositionBefore   = "before"
	currencyPositionAfter    = "after"
	maximumCurrencyPrecision = 8
)

var (
	defaultViewSubtreeTags    = []string{"form", "field"}
	defaultViewMetaAttributes = []string{"class", "name"}
)

// CurrencyConfig describes the company currency reported to joining clients.
type CurrencyConfig struct {
	Code     string
	Symbol   string
	Position string
	Decimals int
}

// ViewsConfig holds the differ settings of the view customization store.
type ViewsConfig struct {
	KeyAttribute   string
	SubtreeTags    []string
	MetaAttributes []string
	MarkNewNodes   bool
}

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress      string
	AllowedOrigins   []string
	TAuthSigningKey  string
	TAuthCookieName  string
	TAuthIssuer      string
	DatabasePath     string
	LogLevel         string
	SnapshotInterval time.Duration
	Currency         CurrencyConfig
	CompanyColors    []string
	Views            ViewsConfig
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("tauth.cookie_name", defaultCookieName)
	configViper.SetDefault("tauth.issuer", defaultIssuer)
	configViper.SetDefault("spreadsheet.snapshot_interval", defaultSnapshotInterval)
	configViper.SetDefault("company.currency_code", defaultCurrencyCode)
	configViper.SetDefault("company.currency_symbol", defaultCurrencySymbol)
	configViper.SetDefault("company.currency_position", defaultCurrencyPosition)
	configViper.SetDefault("company.currency_decimals", defaultCurrencyDecimals)
	configViper.SetDefault("company.colors", []string{})
	configViper.SetDefault("views.key_attribute", defaultViewKeyAttribute)
	configViper.SetDefault("views.subtree_tags", defaultViewSubtreeTags)
	configViper.SetDefault("views.meta_attributes", defaultViewMetaAttributes)
	configViper.SetDefault("views.mark_new_nodes", false)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		AllowedOrigins:   cleanList(configViper.GetStringSlice("http.allowed_origins")),
		TAuthSigningKey:  configViper.GetString("tauth.signing_secret"),
		TAuthCookieName:  configViper.GetString("tauth.cookie_name"),
		TAuthIssuer:      configViper.GetString("tauth.issuer"),
		DatabasePath:     configViper.GetString("database.path"),
		LogLevel:         configViper.GetString("log.level"),
		SnapshotInterval: configViper.GetDuration("spreadsheet.snapshot_interval"),
		Currency: CurrencyConfig{
			Code:     strings.ToUpper(strings.TrimSpace(configViper.GetString("company.currency_code"))),
			Symbol:   configViper.GetString("company.currency_symbol"),
			Position: strings.ToLower(strings.TrimSpace(configViper.GetString("company.currency_position"))),
			Decimals: configViper.GetInt("company.currency_decimals"),
		},
		CompanyColors: cleanList(configViper.GetStringSlice("company.colors")),
		Views: ViewsConfig{
			KeyAttribute:   strings.TrimSpace(configViper.GetString("views.key_attribute")),
			SubtreeTags:    cleanList(configViper.GetStringSlice("views.subtree_tags")),
			MetaAttributes: cleanList(configViper.GetStringSlice("views.meta_attributes")),
			MarkNewNodes:   configViper.GetBool("views.mark_new_nodes"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.TAuthSigningKey) == "" {
		return fmt.Errorf("tauth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.TAuthCookieName) == "" {
		return fmt.Errorf("tauth.cookie_name is required")
	}
	if strings.TrimSpace(c.TAuthIssuer) == "" {
		return fmt.Errorf("tauth.issuer is required")
	}
	if c.SnapshotInterval <= 0 {
		return fmt.Errorf("spreadsheet.snapshot_interval must be positive")
	}
	if c.Currency.Code == "" {
		return fmt.Errorf("company.currency_code is required")
	}
	if c.Currency.Position != currencyPositionBefore && c.Currency.Position != currencyPositionAfter {
		return fmt.Errorf("company.currency_position must be %q or %q", currencyPositionBefore, currencyPositionAfter)
	}
	if c.Currency.Decimals < 0 || c.Currency.Decimals > maximumCurrencyPrecision {
		return fmt.Errorf("company.currency_decimals must be between 0 and %d", maximumCurrencyPrecision)
	}
	if c.Views.KeyAttribute == "" {
		return fmt.Errorf("views.key_attribute is required")
	}
	return nil
}

// cleanList trims entries and drops blanks. Comma-joined env values are split.
func cleanList(values []string) []string {
	cleaned := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				cleaned = append(cleaned, trimmed)
			}
		}
	}
	return cleaned
}
