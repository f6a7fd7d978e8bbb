//go:build integration

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/contentguard/contentguard/internal/analysis"
	"github.com/contentguard/contentguard/internal/api"
	"github.com/contentguard/contentguard/internal/audit"
	"github.com/contentguard/contentguard/internal/auth"
	"github.com/contentguard/contentguard/internal/config"
	"github.com/contentguard/contentguard/internal/database"
	"github.com/contentguard/contentguard/internal/explain"
	"github.com/contentguard/contentguard/internal/identity"
	"github.com/contentguard/contentguard/internal/ledger"
	"github.com/contentguard/contentguard/internal/tokenbudget"
	"github.com/contentguard/contentguard/internal/users"
)

// Limits used by the test environment.
const (
	testAnonStandardDaily = 3
	testUserStandardDaily = 5
)

type TestEnv struct {
	Pool          *pgxpool.Pool
	RedisClient   *redis.Client
	Server        *httptest.Server
	AuthSvc       *auth.Service
	UserSvc       *users.Service
	Ledger        *ledger.Service
	ProviderCalls *atomic.Int64
}

var testEnv *TestEnv

func SetupTestEnv(t *testing.T) *TestEnv {
	t.Helper()
	if testEnv != nil {
		return testEnv
	}

	ctx := context.Background()

	// Start PostgreSQL container
	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "test",
				"POSTGRES_PASSWORD": "test",
				"POSTGRES_DB":       "contentguard_test",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("starting postgres container: %v", err)
	}

	pgHost, _ := pgContainer.Host(ctx)
	pgPort, _ := pgContainer.MappedPort(ctx, "5432")

	// Start Redis container
	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("starting redis container: %v", err)
	}

	redisHost, _ := redisContainer.Host(ctx)
	redisPort, _ := redisContainer.MappedPort(ctx, "6379")

	// Connect to PostgreSQL
	dsn := fmt.Sprintf("postgres://test:test@%s:%s/contentguard_test?sslmode=disable", pgHost, pgPort.Port())
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connecting to postgres: %v", err)
	}

	// Run migrations
	if err := database.RunMigrations(dsn, getMigrationsPath()); err != nil {
		t.Fatalf("running migrations: %v", err)
	}

	// Connect to Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%s", redisHost, redisPort.Port()),
	})

	// Stub model provider answering every request with a toxic verdict
	var calls atomic.Int64
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"is_malicious": true, "confidence": 0.91, "toxic_type": "harassment", "risk_level": "medium"}`)
	}))

	// Setup services
	jwtManager := auth.NewJWTManager("test-access-secret-32-chars-long!!", "test-refresh-secret-32-chars-long!!", 15*time.Minute, 7*24*time.Hour)
	userRepo := users.NewRepository(pool)
	userSvc := users.NewService(userRepo)
	authSvc := auth.NewService(jwtManager, redisClient, userSvc)
	authHandler := auth.NewHandler(authSvc, userSvc)
	userHandler := users.NewHandler(userSvc)

	ledgerSvc := ledger.NewService(
		ledger.NewPostgresStore(pool),
		ledger.NewRedisStore(redisClient),
		ledger.NewBurstWindow(redisClient),
		config.LimitsConfig{
			AnonStandardDaily: testAnonStandardDaily,
			AnonPremiumDaily:  2,
			UserStandardDaily: testUserStandardDaily,
			UserPremiumDaily:  2,
			PremiumGlobal:     100,
			Cooldown:          time.Minute,
			AnonPremiumBurst:  2,
		},
	)
	ledgerHandler := ledger.NewHandler(ledgerSvc)

	matcher, err := explain.NewMatcher(explain.DefaultCatalog())
	if err != nil {
		t.Fatalf("compiling catalog: %v", err)
	}
	providerCfg := config.ProviderConfig{
		URL:             provider.URL,
		Timeout:         5 * time.Second,
		RequestsPerSec:  100,
		Burst:           100,
		BreakerFailures: 5,
		BreakerOpenFor:  time.Second,
	}
	standardCfg, premiumCfg := providerCfg, providerCfg
	standardCfg.Name, premiumCfg.Name = "huggingface", "gemini"
	analysisSvc := analysis.NewService(
		ledgerSvc,
		tokenbudget.NewManager(tokenbudget.HeuristicEstimator{CharsPerToken: 4}, tokenbudget.DefaultPolicy()),
		tokenbudget.Budget{MaxTokensPost: 6000, MaxTokensComment: 500, MaxTokensTotal: 12000, PromptOverheadTokens: 800},
		map[ledger.Tier]analysis.Provider{
			ledger.TierStandard: analysis.NewHTTPProvider(standardCfg, analysis.ModelTypeStandard),
			ledger.TierPremium:  analysis.NewHTTPProvider(premiumCfg, analysis.ModelTypePremium),
		},
		matcher,
		nil,
	)
	analysisHandler := analysis.NewHandler(analysisSvc)
	auditHandler := audit.NewHandler(audit.NewRepository(pool))

	router := api.NewRouter(pool, redisClient, nil, api.RouterConfig{}, api.HandlerSet{
		Register: authHandler.Register,
		Login:    authHandler.Login,
		Refresh:  authHandler.Refresh,
		Logout:   authHandler.Logout,

		Analyze:      analysisHandler.Analyze,
		Usage:        ledgerHandler.Usage,
		UsageHistory: auditHandler.History,
		ResetLimits:  ledgerHandler.ResetLimits,
		UpdateLimits: userHandler.UpdateLimits,

		AuthMiddleware:     auth.Middleware(authSvc),
		IdentityMiddleware: identity.Middleware(jwtManager, userSvc),
		RequireAdmin:       identity.RequireAdmin,
	})

	server := httptest.NewServer(router)

	// The environment is shared by every test in the package, so nothing is
	// torn down per test; containers are reaped by testcontainers.
	testEnv = &TestEnv{
		Pool:          pool,
		RedisClient:   redisClient,
		Server:        server,
		AuthSvc:       authSvc,
		UserSvc:       userSvc,
		Ledger:        ledgerSvc,
		ProviderCalls: &calls,
	}

	return testEnv
}

func getMigrationsPath() string {
	// Try relative paths from test directory
	paths := []string{
		"../../migrations",
		"../../../migrations",
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	log.Fatal("migrations directory not found")
	return ""
}

// Helper functions

func RegisterUser(t *testing.T, env *TestEnv, email, password string) map[string]any {
	t.Helper()
	body := map[string]string{"email": email, "password": password}
	resp := DoRequest(t, env, "POST", "/api/v1/auth/register", body, "")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register failed: status %d", resp.StatusCode)
	}
	return ParseResponse(t, resp)
}

func LoginUser(t *testing.T, env *TestEnv, email, password string) string {
	t.Helper()
	body := map[string]string{"email": email, "password": password}
	resp := DoRequest(t, env, "POST", "/api/v1/auth/login", body, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login failed: status %d", resp.StatusCode)
	}
	result := ParseResponse(t, resp)
	data := result["data"].(map[string]any)
	return data["access_token"].(string)
}

// PromoteAdmin flips is_admin on a user row. Access tokens issued afterwards
// resolve to an admin identity.
func PromoteAdmin(t *testing.T, env *TestEnv, email string) {
	t.Helper()
	_, err := env.Pool.Exec(context.Background(), `UPDATE users SET is_admin = TRUE WHERE email = $1`, email)
	if err != nil {
		t.Fatalf("promoting admin: %v", err)
	}
}

func DoRequest(t *testing.T, env *TestEnv, method, path string, body any, token string) *http.Response {
	t.Helper()
	return DoRequestFrom(t, env, method, path, body, token, "")
}

// DoRequestFrom sends the request with X-Forwarded-For set to ip so each
// test can use its own anonymous identity.
func DoRequestFrom(t *testing.T, env *TestEnv, method, path string, body any, token, ip string) *http.Response {
	t.Helper()
	var bodyReader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, env.Server.URL+path, bodyReader)
	if err != nil {
		t.Fatalf("creating request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if ip != "" {
		req.Header.Set("X-Forwarded-For", ip)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("doing request: %v", err)
	}
	return resp
}

func ParseResponse(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("parsing response: %v", err)
	}
	return result
}
