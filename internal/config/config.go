package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server    ServerConfig
	DB        DBConfig
	Redis     RedisConfig
	NATS      NATSConfig
	JWT       JWTConfig
	CORS      CORSConfig
	AuthLimit AuthLimitConfig
	Limits    LimitsConfig
	Budget    BudgetConfig
	Providers ProvidersConfig
	Log       LogConfig
}

type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// TrustedProxies are CIDRs allowed to set X-Forwarded-For. Empty trusts
	// every peer.
	TrustedProxies []string
}

type DBConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Name            string
	SSLMode         string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MigrationsPath  string
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// NATSConfig is optional; an empty URL disables usage events.
type NATSConfig struct {
	URL string
}

type JWTConfig struct {
	AccessSecret  string
	RefreshSecret string
	AccessExpiry  time.Duration
	RefreshExpiry time.Duration
}

type CORSConfig struct {
	AllowedOrigins []string
}

// AuthLimitConfig bounds login/register attempts per client IP.
type AuthLimitConfig struct {
	MaxRequests int
	WindowSec   int
}

// LimitsConfig holds the usage ledger policy.
type LimitsConfig struct {
	AnonStandardDaily int
	AnonPremiumDaily  int
	UserStandardDaily int
	UserPremiumDaily  int
	PremiumGlobal     int
	Cooldown          time.Duration
	AnonPremiumBurst  int
}

// BudgetConfig holds token ceilings and truncation policy.
type BudgetConfig struct {
	MaxTokensPost        int
	MaxTokensComment     int
	MaxTokensTotal       int
	PromptOverheadTokens int
	SafetyMargin         float64
	StepDown             float64
	MaxIterations        int
	Schedule             []float64
	CharsPerToken        int
	Encoding             string
	Precise              bool
}

type ProvidersConfig struct {
	Standard ProviderConfig
	Premium  ProviderConfig
}

// ProviderConfig describes one model backend reached over HTTP.
type ProviderConfig struct {
	Name            string
	URL             string
	APIKey          string
	Timeout         time.Duration
	RequestsPerSec  float64
	Burst           int
	BreakerFailures int
	BreakerOpenFor  time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	k := koanf.New(".")

	// Load .env file if it exists (ignore error if missing)
	_ = k.Load(file.Provider(".env"), dotenv.Parser())

	// Load environment variables (override .env)
	err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(strings.ReplaceAll(s, "_", "."))
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: k.String("server.host"),
			Port: k.Int("server.port"),

			TrustedProxies: splitList(k.String("server.trusted.proxies")),
		},
		DB: DBConfig{
			Host:           k.String("db.host"),
			Port:           k.Int("db.port"),
			User:           k.String("db.user"),
			Password:       k.String("db.password"),
			Name:           k.String("db.name"),
			SSLMode:        k.String("db.sslmode"),
			MaxConns:       int32(k.Int("db.max.conns")),
			MinConns:       int32(k.Int("db.min.conns")),
			MigrationsPath: k.String("db.migrations.path"),
		},
		Redis: RedisConfig{
			Host:     k.String("redis.host"),
			Port:     k.Int("redis.port"),
			Password: k.String("redis.password"),
			DB:       k.Int("redis.db"),
			PoolSize: k.Int("redis.pool.size"),
		},
		NATS: NATSConfig{
			URL: k.String("nats.url"),
		},
		JWT: JWTConfig{
			AccessSecret:  k.String("jwt.access.secret"),
			RefreshSecret: k.String("jwt.refresh.secret"),
		},
		CORS: CORSConfig{
			AllowedOrigins: splitList(k.String("cors.allowed.origins")),
		},
		AuthLimit: AuthLimitConfig{
			MaxRequests: k.Int("auth.rate.limit.max"),
			WindowSec:   k.Int("auth.rate.limit.window"),
		},
		Limits: LimitsConfig{
			AnonStandardDaily: intOr(k, "limits.anon.standard.daily", 100),
			AnonPremiumDaily:  intOr(k, "limits.anon.premium.daily", 10),
			UserStandardDaily: intOr(k, "limits.user.standard.daily", 200),
			UserPremiumDaily:  intOr(k, "limits.user.premium.daily", 10),
			PremiumGlobal:     intOr(k, "limits.premium.global", 40),
			AnonPremiumBurst:  intOr(k, "limits.anon.premium.burst", 2),
		},
		Budget: BudgetConfig{
			MaxTokensPost:        intOr(k, "budget.max.tokens.post", 6000),
			MaxTokensComment:     intOr(k, "budget.max.tokens.comment", 500),
			MaxTokensTotal:       intOr(k, "budget.max.tokens.total", 12000),
			PromptOverheadTokens: intOr(k, "budget.prompt.overhead", 800),
			SafetyMargin:         floatOr(k, "budget.safety.margin", 0.95),
			StepDown:             floatOr(k, "budget.step.down", 0.10),
			MaxIterations:        intOr(k, "budget.max.iterations", 10),
			CharsPerToken:        intOr(k, "budget.chars.per.token", 4),
			Encoding:             k.String("budget.encoding"),
			Precise:              k.String("budget.precise") != "false",
		},
		Providers: ProvidersConfig{
			Standard: ProviderConfig{
				Name:            "huggingface",
				URL:             k.String("provider.standard.url"),
				APIKey:          k.String("provider.standard.api.key"),
				RequestsPerSec:  floatOr(k, "provider.standard.rps", 20),
				Burst:           intOr(k, "provider.standard.burst", 20),
				BreakerFailures: intOr(k, "provider.standard.breaker.failures", 5),
			},
			Premium: ProviderConfig{
				Name:            "gemini",
				URL:             k.String("provider.premium.url"),
				APIKey:          k.String("provider.premium.api.key"),
				RequestsPerSec:  floatOr(k, "provider.premium.rps", 2),
				Burst:           intOr(k, "provider.premium.burst", 4),
				BreakerFailures: intOr(k, "provider.premium.breaker.failures", 5),
			},
		},
		Log: LogConfig{
			Level:  k.String("log.level"),
			Format: k.String("log.format"),
		},
	}

	// Apply defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.DB.Host == "" {
		cfg.DB.Host = "localhost"
	}
	if cfg.DB.Port == 0 {
		cfg.DB.Port = 5432
	}
	if cfg.DB.User == "" {
		cfg.DB.User = "contentguard"
	}
	if cfg.DB.Name == "" {
		cfg.DB.Name = "contentguard"
	}
	if cfg.DB.SSLMode == "" {
		cfg.DB.SSLMode = "disable"
	}
	if cfg.DB.MaxConns == 0 {
		cfg.DB.MaxConns = 25
	}
	if cfg.DB.MigrationsPath == "" {
		cfg.DB.MigrationsPath = "migrations"
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.AuthLimit.MaxRequests == 0 {
		cfg.AuthLimit.MaxRequests = 10
	}
	if cfg.AuthLimit.WindowSec == 0 {
		cfg.AuthLimit.WindowSec = 60
	}
	if cfg.Budget.Encoding == "" {
		cfg.Budget.Encoding = "cl100k_base"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "debug"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}

	cfg.Budget.Schedule, err = parseSchedule(k.String("budget.schedule"))
	if err != nil {
		return nil, fmt.Errorf("parsing budget schedule: %w", err)
	}

	// Parse durations
	durations := []struct {
		key  string
		def  string
		dest *time.Duration
	}{
		{"server.read.timeout", "15s", &cfg.Server.ReadTimeout},
		{"server.write.timeout", "150s", &cfg.Server.WriteTimeout},
		{"server.shutdown.timeout", "30s", &cfg.Server.ShutdownTimeout},
		{"jwt.access.expiry", "15m", &cfg.JWT.AccessExpiry},
		{"jwt.refresh.expiry", "168h", &cfg.JWT.RefreshExpiry},
		{"db.max.conn.lifetime", "1h", &cfg.DB.MaxConnLifetime},
		{"limits.cooldown", "180s", &cfg.Limits.Cooldown},
		{"provider.standard.timeout", "10s", &cfg.Providers.Standard.Timeout},
		{"provider.premium.timeout", "30s", &cfg.Providers.Premium.Timeout},
		{"provider.standard.breaker.open", "30s", &cfg.Providers.Standard.BreakerOpenFor},
		{"provider.premium.breaker.open", "60s", &cfg.Providers.Premium.BreakerOpenFor},
	}
	for _, d := range durations {
		raw := k.String(d.key)
		if raw == "" {
			raw = d.def
		}
		*d.dest, err = time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", d.key, err)
		}
	}

	return cfg, nil
}

func intOr(k *koanf.Koanf, key string, def int) int {
	if !k.Exists(key) {
		return def
	}
	return k.Int(key)
}

func floatOr(k *koanf.Koanf, key string, def float64) float64 {
	if !k.Exists(key) {
		return def
	}
	return k.Float64(key)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseSchedule(raw string) ([]float64, error) {
	if raw == "" {
		return []float64{1.0, 0.75, 0.5, 0.25}, nil
	}
	var out []float64
	for _, part := range splitList(raw) {
		f, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid fraction %q: %w", part, err)
		}
		out = append(out, f)
	}
	return out, nil
}
