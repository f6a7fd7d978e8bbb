package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		DB: DBConfig{
			Host: "localhost", Port: 5432, User: "contentguard",
			Password: "secret", Name: "contentguard", SSLMode: "disable", MaxConns: 25,
		},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		JWT: JWTConfig{
			AccessSecret:  "access-secret-that-is-at-least-32-chars!",
			RefreshSecret: "refresh-secret-that-is-at-least-32-chr!",
			AccessExpiry:  15 * time.Minute,
			RefreshExpiry: 168 * time.Hour,
		},
		Limits: LimitsConfig{
			AnonStandardDaily: 100, AnonPremiumDaily: 10,
			UserStandardDaily: 200, UserPremiumDaily: 10,
			PremiumGlobal: 40, Cooldown: 180 * time.Second, AnonPremiumBurst: 2,
		},
		Budget: BudgetConfig{
			MaxTokensPost: 6000, MaxTokensComment: 500, MaxTokensTotal: 12000, PromptOverheadTokens: 800,
			SafetyMargin: 0.95, StepDown: 0.1, MaxIterations: 10,
			Schedule: []float64{1.0, 0.75, 0.5, 0.25}, CharsPerToken: 4,
		},
		Providers: ProvidersConfig{
			Standard: ProviderConfig{Name: "huggingface", URL: "http://localhost:9000/predict"},
			Premium:  ProviderConfig{Name: "gemini", URL: "http://localhost:9001/analyze"},
		},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
}

func TestValidate_JWTAccessSecretTooShort(t *testing.T) {
	cfg := validConfig()
	cfg.JWT.AccessSecret = "short"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "JWT_ACCESS_SECRET") {
		t.Fatalf("expected JWT_ACCESS_SECRET error, got: %v", err)
	}
}

func TestValidate_JWTRefreshSecretTooShort(t *testing.T) {
	cfg := validConfig()
	cfg.JWT.RefreshSecret = "short"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "JWT_REFRESH_SECRET") {
		t.Fatalf("expected JWT_REFRESH_SECRET error, got: %v", err)
	}
}

func TestValidate_JWTSecretsMustDiffer(t *testing.T) {
	cfg := validConfig()
	cfg.JWT.AccessSecret = "the-same-secret-that-is-at-least-32-chars!"
	cfg.JWT.RefreshSecret = "the-same-secret-that-is-at-least-32-chars!"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "must differ") {
		t.Fatalf("expected 'must differ' error, got: %v", err)
	}
}

func TestValidate_DBPasswordRequired(t *testing.T) {
	cfg := validConfig()
	cfg.DB.Password = ""
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "DB_PASSWORD") {
		t.Fatalf("expected DB_PASSWORD error, got: %v", err)
	}
}

func TestValidate_InvalidPorts(t *testing.T) {
	cfg := validConfig()
	cfg.Server.Port = 0
	cfg.DB.Port = 99999
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected port validation errors")
	}
	if !strings.Contains(err.Error(), "SERVER_PORT") {
		t.Errorf("expected SERVER_PORT error in: %v", err)
	}
	if !strings.Contains(err.Error(), "DB_PORT") {
		t.Errorf("expected DB_PORT error in: %v", err)
	}
}

func TestValidate_UnlimitedSentinelAccepted(t *testing.T) {
	cfg := validConfig()
	cfg.Limits.UserStandardDaily = -1
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected -1 to be accepted, got: %v", err)
	}

	cfg.Limits.AnonPremiumDaily = -2
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "LIMITS_ANON_PREMIUM_DAILY") {
		t.Fatalf("expected LIMITS_ANON_PREMIUM_DAILY error, got: %v", err)
	}
}

func TestValidate_CooldownMustBePositive(t *testing.T) {
	cfg := validConfig()
	cfg.Limits.Cooldown = 0
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "LIMITS_COOLDOWN") {
		t.Fatalf("expected LIMITS_COOLDOWN error, got: %v", err)
	}
}

func TestValidate_ScheduleMustShrink(t *testing.T) {
	cfg := validConfig()
	cfg.Budget.Schedule = []float64{1.0, 0.5, 0.75}
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "non-increasing") {
		t.Fatalf("expected non-increasing error, got: %v", err)
	}

	cfg.Budget.Schedule = []float64{1.5}
	err = cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "BUDGET_SCHEDULE entry 0") {
		t.Fatalf("expected schedule range error, got: %v", err)
	}
}

func TestValidate_OverheadMustFitTotal(t *testing.T) {
	cfg := validConfig()
	cfg.Budget.PromptOverheadTokens = cfg.Budget.MaxTokensTotal
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "BUDGET_MAX_TOKENS_TOTAL") {
		t.Fatalf("expected BUDGET_MAX_TOKENS_TOTAL error, got: %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{Port: 0},
		DB:     DBConfig{Port: 5432},
		Redis:  RedisConfig{Port: 6379},
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected multiple validation errors")
	}
	errStr := err.Error()
	for _, substr := range []string{"JWT_ACCESS_SECRET", "JWT_REFRESH_SECRET", "DB_PASSWORD", "SERVER_PORT", "LIMITS_COOLDOWN", "BUDGET_SAFETY_MARGIN"} {
		if !strings.Contains(errStr, substr) {
			t.Errorf("expected %q in error: %s", substr, errStr)
		}
	}
}

func TestParseSchedule(t *testing.T) {
	got, err := parseSchedule("")
	if err != nil || len(got) != 4 || got[3] != 0.25 {
		t.Fatalf("expected default schedule, got %v (%v)", got, err)
	}

	got, err = parseSchedule("1, 0.6 ,0.3")
	if err != nil || len(got) != 3 || got[1] != 0.6 {
		t.Fatalf("expected parsed schedule, got %v (%v)", got, err)
	}

	if _, err := parseSchedule("1,half"); err == nil {
		t.Fatal("expected error for non-numeric fraction")
	}
}
