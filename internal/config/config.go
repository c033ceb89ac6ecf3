package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ehr/archive/internal/domain/query"
)

type Config struct {
	Port           string   `mapstructure:"PORT"`
	Env            string   `mapstructure:"ENV"`
	DatabaseURL    string   `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32    `mapstructure:"DB_MIN_CONNS"`
	// AggregateDBMaxConns sizes the pool used for aggregate cache reads,
	// recomputes and writes. It is separate from the search pool because a
	// search holds its cursor connection while it waits on aggregates.
	AggregateDBMaxConns int32 `mapstructure:"AGGREGATE_DB_MAX_CONNS"`
	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`

	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	QueryFuzzyMatching   bool          `mapstructure:"QUERY_FUZZY_MATCHING"`
	QueryRelational      bool          `mapstructure:"QUERY_RELATIONAL"`
	QueryMaxResults      int           `mapstructure:"QUERY_MAX_RESULTS"`
	QueryMatchUnknown    bool          `mapstructure:"QUERY_MATCH_UNKNOWN"`
	AggregateMaxAge      time.Duration `mapstructure:"AGGREGATE_MAX_AGE"`
	AttributeFiltersFile string        `mapstructure:"ATTRIBUTE_FILTERS_FILE"`
	RetrieveAETs         []string      `mapstructure:"RETRIEVE_AETS"`
}

var envKeys = []string{
	"PORT",
	"ENV",
	"DATABASE_URL",
	"DB_MAX_CONNS",
	"DB_MIN_CONNS",
	"AGGREGATE_DB_MAX_CONNS",
	"AUTH_ISSUER",
	"AUTH_JWKS_URL",
	"AUTH_AUDIENCE",
	"AUTH_SIGNING_KEY",
	"CORS_ORIGINS",
	"REQUEST_TIMEOUT",
	"QUERY_FUZZY_MATCHING",
	"QUERY_RELATIONAL",
	"QUERY_MAX_RESULTS",
	"QUERY_MATCH_UNKNOWN",
	"AGGREGATE_MAX_AGE",
	"ATTRIBUTE_FILTERS_FILE",
	"RETRIEVE_AETS",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("AGGREGATE_DB_MAX_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("QUERY_MAX_RESULTS", 1000)
	v.SetDefault("AGGREGATE_MAX_AGE", "0s")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.RetrieveAETs = splitList(cfg.RetrieveAETs, v.GetString("RETRIEVE_AETS"))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active, all requests get admin access.")
		log.Println("WARNING: Set ENV=production and configure AUTH_ISSUER for production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

// splitList accepts both a decoded list and a single comma separated env
// value, trimming blanks either way.
func splitList(decoded []string, raw string) []string {
	if len(decoded) == 0 {
		decoded = []string{raw}
	}
	var out []string
	for _, item := range decoded {
		for _, s := range strings.Split(item, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside development
// a token issuer and a way to verify signatures are required.
func (c *Config) Validate() error {
	if !c.IsDev() {
		if c.AuthIssuer == "" {
			return fmt.Errorf("AUTH_ISSUER must be set when ENV=%q", c.Env)
		}
		if c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
			return fmt.Errorf("AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set when ENV=%q", c.Env)
		}
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.AggregateDBMaxConns < 0 {
		return fmt.Errorf("AGGREGATE_DB_MAX_CONNS must not be negative, got %d", c.AggregateDBMaxConns)
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must not be negative, got %s", c.RequestTimeout)
	}
	if c.QueryMaxResults < 0 {
		return fmt.Errorf("QUERY_MAX_RESULTS must not be negative, got %d", c.QueryMaxResults)
	}
	if c.AggregateMaxAge < 0 {
		return fmt.Errorf("AGGREGATE_MAX_AGE must not be negative, got %s", c.AggregateMaxAge)
	}
	return nil
}

// QueryParams builds the archive-wide query defaults. Attribute filters come
// from ATTRIBUTE_FILTERS_FILE when set, otherwise DefaultAttributeFilters.
func (c *Config) QueryParams() (query.Params, error) {
	filters := DefaultAttributeFilters()
	if c.AttributeFiltersFile != "" {
		f, err := LoadAttributeFilters(c.AttributeFiltersFile)
		if err != nil {
			return query.Params{}, err
		}
		filters = f
	}

	p := query.Params{
		Matching:         query.MatchExact,
		Relational:       c.QueryRelational,
		MaxResults:       c.QueryMaxResults,
		AttributeFilters: filters,
		MatchUnknown:     c.QueryMatchUnknown,
		RetrieveAETScope: c.RetrieveAETs,
		AggregateMaxAge:  c.AggregateMaxAge,
	}
	if c.QueryFuzzyMatching {
		p.Matching = query.MatchFuzzy
	}
	if err := p.Validate(); err != nil {
		return query.Params{}, err
	}
	return p, nil
}
