package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contentguard/contentguard/internal/config"
	"github.com/contentguard/contentguard/internal/identity"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *testClock) Advance(d time.Duration) {
	c.Set(c.Now().Add(d))
}

var noon = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func testLimits() config.LimitsConfig {
	return config.LimitsConfig{
		AnonStandardDaily: 100,
		AnonPremiumDaily:  10,
		UserStandardDaily: 200,
		UserPremiumDaily:  10,
		PremiumGlobal:     0,
		Cooldown:          180 * time.Second,
		AnonPremiumBurst:  0,
	}
}

func setupService(t *testing.T, cfg config.LimitsConfig) (*Service, *RedisStore, *testClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	mr.SetTime(noon)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	rs := NewRedisStore(rdb)
	svc := NewService(rs, rs, NewBurstWindow(rdb), cfg)
	clock := &testClock{now: noon}
	svc.now = clock.Now
	return svc, rs, clock
}

func testUser() identity.Identity {
	return identity.User(uuid.New(), "user@example.com", false)
}

func TestCheckAllowed_ExhaustedAfterLimit(t *testing.T) {
	svc, _, _ := setupService(t, testLimits())
	ctx := context.Background()
	id := testUser()

	for i := 0; i < 10; i++ {
		d, err := svc.CheckAllowed(ctx, id, TierPremium)
		require.NoError(t, err)
		require.True(t, d.Allowed(), "call %d should be allowed", i+1)
		_, err = svc.RecordCall(ctx, id, TierPremium)
		require.NoError(t, err)
	}

	d, err := svc.CheckAllowed(ctx, id, TierPremium)
	require.NoError(t, err)
	assert.Equal(t, DenyExhausted, d.Outcome)
	assert.Equal(t, ScopeIdentity, d.Scope)
	assert.Equal(t, 12*60*60, d.SecondsRemaining)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC), d.ResetAt)
}

func TestCheckAllowed_DeniedCallsDoNotCount(t *testing.T) {
	cfg := testLimits()
	cfg.UserStandardDaily = 3
	svc, rs, _ := setupService(t, cfg)
	ctx := context.Background()
	id := testUser()

	for i := 0; i < 3; i++ {
		_, err := svc.RecordCall(ctx, id, TierStandard)
		require.NoError(t, err)
	}
	for i := 0; i < 5; i++ {
		d, err := svc.CheckAllowed(ctx, id, TierStandard)
		require.NoError(t, err)
		assert.Equal(t, DenyExhausted, d.Outcome)
	}

	c, err := rs.Get(ctx, id.Key(), TierStandard)
	require.NoError(t, err)
	assert.Equal(t, 3, c.CallsToday)
	assert.Equal(t, int64(3), c.CallsLifetime)
}

func TestRecordCall_IncrementsBothCounters(t *testing.T) {
	svc, _, clock := setupService(t, testLimits())
	ctx := context.Background()
	id := testUser()

	var c Counters
	var err error
	for i := 0; i < 7; i++ {
		c, err = svc.RecordCall(ctx, id, TierStandard)
		require.NoError(t, err)
	}
	assert.Equal(t, 7, c.CallsToday)
	assert.Equal(t, int64(7), c.CallsLifetime)
	require.NotNil(t, c.LastCallAt)
	assert.True(t, c.LastCallAt.Equal(clock.Now()))
}

func TestRecordCall_InvalidTier(t *testing.T) {
	svc, _, _ := setupService(t, testLimits())
	_, err := svc.RecordCall(context.Background(), testUser(), Tier("openai"))
	assert.ErrorIs(t, err, ErrInvalidTier)
}

func TestDayBoundary_LazyReset(t *testing.T) {
	svc, rs, clock := setupService(t, testLimits())
	ctx := context.Background()
	id := testUser()

	for i := 0; i < 5; i++ {
		_, err := svc.RecordCall(ctx, id, TierStandard)
		require.NoError(t, err)
	}

	clock.Set(time.Date(2025, 3, 11, 0, 0, 1, 0, time.UTC))

	stats, err := svc.Snapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Standard.CallsToday)
	assert.Equal(t, int64(5), stats.Standard.TotalCalls)
	assert.Equal(t, 200, stats.Standard.Remaining)

	// Snapshot is read-only: the stored row still holds yesterday's count.
	raw, err := rs.Get(ctx, id.Key(), TierStandard)
	require.NoError(t, err)
	assert.Equal(t, 5, raw.CallsToday)

	d, err := svc.CheckAllowed(ctx, id, TierStandard)
	require.NoError(t, err)
	assert.True(t, d.Allowed())
	assert.Equal(t, 200, d.Remaining)

	raw, err = rs.Get(ctx, id.Key(), TierStandard)
	require.NoError(t, err)
	assert.Equal(t, 0, raw.CallsToday)
	assert.Equal(t, int64(5), raw.CallsLifetime)
}

func TestDayBoundary_IncrementRestartsStaleCounter(t *testing.T) {
	svc, _, clock := setupService(t, testLimits())
	ctx := context.Background()
	id := identity.Anonymous("203.0.113.9")

	for i := 0; i < 4; i++ {
		_, err := svc.RecordCall(ctx, id, TierStandard)
		require.NoError(t, err)
	}

	clock.Advance(24 * time.Hour)
	c, err := svc.RecordCall(ctx, id, TierStandard)
	require.NoError(t, err)
	assert.Equal(t, 1, c.CallsToday)
	assert.Equal(t, int64(5), c.CallsLifetime)
}

func TestCooldown_Expiry(t *testing.T) {
	svc, _, clock := setupService(t, testLimits())
	ctx := context.Background()
	id := testUser()

	endsAt, err := svc.StartCooldown(ctx, id, 180)
	require.NoError(t, err)
	assert.Equal(t, noon.Add(180*time.Second), endsAt)

	d, err := svc.CheckAllowed(ctx, id, TierPremium)
	require.NoError(t, err)
	assert.Equal(t, DenyCooldown, d.Outcome)
	assert.Equal(t, 180, d.SecondsRemaining)

	clock.Set(endsAt.Add(-time.Millisecond))
	d, err = svc.CheckAllowed(ctx, id, TierPremium)
	require.NoError(t, err)
	assert.Equal(t, DenyCooldown, d.Outcome)
	assert.Equal(t, 1, d.SecondsRemaining)

	clock.Set(endsAt)
	d, err = svc.CheckAllowed(ctx, id, TierPremium)
	require.NoError(t, err)
	assert.True(t, d.Allowed())
}

func TestCooldown_OnlyAffectsPremium(t *testing.T) {
	svc, _, _ := setupService(t, testLimits())
	ctx := context.Background()
	id := testUser()

	_, err := svc.StartCooldown(ctx, id, 60)
	require.NoError(t, err)

	d, err := svc.CheckAllowed(ctx, id, TierStandard)
	require.NoError(t, err)
	assert.True(t, d.Allowed())
}

func TestCooldown_CheckedBeforeExhaustion(t *testing.T) {
	cfg := testLimits()
	cfg.UserPremiumDaily = 1
	svc, _, _ := setupService(t, cfg)
	ctx := context.Background()
	id := testUser()

	_, err := svc.RecordCall(ctx, id, TierPremium)
	require.NoError(t, err)
	_, err = svc.StartCooldown(ctx, id, 30)
	require.NoError(t, err)

	d, err := svc.CheckAllowed(ctx, id, TierPremium)
	require.NoError(t, err)
	assert.Equal(t, DenyCooldown, d.Outcome)
	assert.Equal(t, 30, d.SecondsRemaining)
}

func TestAdmin_AlwaysAllowed(t *testing.T) {
	cfg := testLimits()
	cfg.UserPremiumDaily = 0
	cfg.PremiumGlobal = 1
	svc, rs, _ := setupService(t, cfg)
	ctx := context.Background()
	admin := identity.User(uuid.New(), "admin@example.com", true)

	endsAt, err := svc.StartCooldown(ctx, admin, 600)
	require.NoError(t, err)
	assert.True(t, endsAt.IsZero())

	for i := 0; i < 5; i++ {
		d, err := svc.CheckAllowed(ctx, admin, TierPremium)
		require.NoError(t, err)
		require.True(t, d.Allowed())
		assert.Equal(t, Unlimited, d.Limit)
		_, err = svc.RecordCall(ctx, admin, TierPremium)
		require.NoError(t, err)
	}

	used, err := rs.GlobalCalls(ctx, TierPremium, "2025-03-10")
	require.NoError(t, err)
	assert.Equal(t, 0, used)

	stats, err := svc.Snapshot(ctx, admin)
	require.NoError(t, err)
	assert.True(t, stats.IsAdmin)
	assert.Equal(t, Unlimited, stats.Premium.DailyLimit)
	assert.Equal(t, Unlimited, stats.Premium.Remaining)
	assert.Equal(t, 5, stats.Premium.CallsToday)
	assert.Zero(t, stats.Premium.PercentageUsed)
}

func TestScoping_AnonymousAndUserAreIndependent(t *testing.T) {
	cfg := testLimits()
	cfg.AnonStandardDaily = 2
	svc, _, _ := setupService(t, cfg)
	ctx := context.Background()
	anon := identity.Anonymous("198.51.100.7")
	user := testUser()
	user.IP = "198.51.100.7"

	for i := 0; i < 2; i++ {
		_, err := svc.RecordCall(ctx, anon, TierStandard)
		require.NoError(t, err)
	}

	d, err := svc.CheckAllowed(ctx, anon, TierStandard)
	require.NoError(t, err)
	assert.Equal(t, DenyExhausted, d.Outcome)

	d, err = svc.CheckAllowed(ctx, user, TierStandard)
	require.NoError(t, err)
	assert.True(t, d.Allowed())
	assert.Equal(t, 200, d.Remaining)
}

func TestLimit_UserOverrides(t *testing.T) {
	svc, _, _ := setupService(t, testLimits())
	id := testUser()
	std, prem := 5, 0
	id.StandardLimit = &std
	id.PremiumLimit = &prem

	assert.Equal(t, 5, svc.Limit(id, TierStandard))
	assert.Equal(t, 0, svc.Limit(id, TierPremium))

	d, err := svc.CheckAllowed(context.Background(), id, TierPremium)
	require.NoError(t, err)
	assert.Equal(t, DenyExhausted, d.Outcome)
}

func TestAnonymousBurst(t *testing.T) {
	cfg := testLimits()
	cfg.AnonPremiumBurst = 2
	svc, _, clock := setupService(t, cfg)
	ctx := context.Background()
	anon := identity.Anonymous("192.0.2.1")

	for i := 0; i < 2; i++ {
		d, err := svc.CheckAllowed(ctx, anon, TierPremium)
		require.NoError(t, err)
		require.True(t, d.Allowed())
		_, err = svc.RecordCall(ctx, anon, TierPremium)
		require.NoError(t, err)
	}

	d, err := svc.CheckAllowed(ctx, anon, TierPremium)
	require.NoError(t, err)
	assert.Equal(t, DenyCooldown, d.Outcome)
	assert.Equal(t, ScopeBurst, d.Scope)
	assert.Equal(t, 180, d.SecondsRemaining)

	stats, err := svc.Snapshot(ctx, anon)
	require.NoError(t, err)
	assert.True(t, stats.Premium.Cooldown.Active)
	assert.Equal(t, 180, stats.Premium.Cooldown.SecondsRemaining)

	clock.Advance(180 * time.Second)
	d, err = svc.CheckAllowed(ctx, anon, TierPremium)
	require.NoError(t, err)
	assert.True(t, d.Allowed())
}

func TestAnonymousBurst_DoesNotApplyToUsers(t *testing.T) {
	cfg := testLimits()
	cfg.AnonPremiumBurst = 1
	svc, _, _ := setupService(t, cfg)
	ctx := context.Background()
	id := testUser()

	for i := 0; i < 3; i++ {
		_, err := svc.RecordCall(ctx, id, TierPremium)
		require.NoError(t, err)
	}
	d, err := svc.CheckAllowed(ctx, id, TierPremium)
	require.NoError(t, err)
	assert.True(t, d.Allowed())
}

func TestGlobalPremiumCap(t *testing.T) {
	cfg := testLimits()
	cfg.PremiumGlobal = 3
	svc, _, _ := setupService(t, cfg)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.RecordCall(ctx, testUser(), TierPremium)
		require.NoError(t, err)
	}

	d, err := svc.CheckAllowed(ctx, testUser(), TierPremium)
	require.NoError(t, err)
	assert.Equal(t, DenyExhausted, d.Outcome)
	assert.Equal(t, ScopeGlobal, d.Scope)
	assert.Equal(t, 12*60*60, d.SecondsRemaining)

	d, err = svc.CheckAllowed(ctx, testUser(), TierStandard)
	require.NoError(t, err)
	assert.True(t, d.Allowed())
}

func TestSnapshot(t *testing.T) {
	cfg := testLimits()
	cfg.PremiumGlobal = 40
	svc, _, _ := setupService(t, cfg)
	ctx := context.Background()
	id := identity.Anonymous("192.0.2.44")

	for i := 0; i < 25; i++ {
		_, err := svc.RecordCall(ctx, id, TierStandard)
		require.NoError(t, err)
	}
	_, err := svc.RecordCall(ctx, id, TierPremium)
	require.NoError(t, err)
	_, err = svc.StartCooldown(ctx, id, 90)
	require.NoError(t, err)

	stats, err := svc.Snapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "ip:192.0.2.44", stats.Identity)
	assert.Equal(t, 25, stats.Standard.CallsToday)
	assert.Equal(t, 100, stats.Standard.DailyLimit)
	assert.Equal(t, 75, stats.Standard.Remaining)
	assert.Equal(t, 25.0, stats.Standard.PercentageUsed)
	assert.Equal(t, 1, stats.Premium.CallsToday)
	assert.Equal(t, 10.0, stats.Premium.PercentageUsed)
	assert.True(t, stats.Premium.Cooldown.Active)
	assert.Equal(t, 90, stats.Premium.Cooldown.SecondsRemaining)
	require.NotNil(t, stats.Premium.GlobalRemaining)
	assert.Equal(t, 39, *stats.Premium.GlobalRemaining)
	assert.Equal(t, 12*60*60, stats.SecondsUntilReset)
}

func TestResetDaily(t *testing.T) {
	svc, _, _ := setupService(t, testLimits())
	ctx := context.Background()
	id := testUser()

	for i := 0; i < 10; i++ {
		_, err := svc.RecordCall(ctx, id, TierPremium)
		require.NoError(t, err)
	}
	_, err := svc.StartCooldown(ctx, id, 120)
	require.NoError(t, err)

	require.NoError(t, svc.ResetDaily(ctx, id))

	d, err := svc.CheckAllowed(ctx, id, TierPremium)
	require.NoError(t, err)
	assert.True(t, d.Allowed())

	stats, err := svc.Snapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Premium.CallsToday)
	assert.Equal(t, int64(10), stats.Premium.TotalCalls)
	assert.False(t, stats.Premium.Cooldown.Active)
}

// memCooldowns is a CooldownStore that is not backed by Redis.
type memCooldowns struct {
	mu      sync.Mutex
	endsAt  map[string]time.Time
	cleared int
}

func (m *memCooldowns) SetCooldown(_ context.Context, key string, tier Tier, endsAt time.Time, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endsAt[key+"|"+string(tier)] = endsAt
	return nil
}

func (m *memCooldowns) CooldownEndsAt(_ context.Context, key string, tier Tier) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.endsAt[key+"|"+string(tier)], nil
}

func (m *memCooldowns) ClearCooldowns(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.endsAt, key+"|"+string(TierStandard))
	delete(m.endsAt, key+"|"+string(TierPremium))
	m.cleared++
	return nil
}

func TestResetDaily_ClearsAnyCooldownStore(t *testing.T) {
	svc, _, _ := setupService(t, testLimits())
	cooldowns := &memCooldowns{endsAt: map[string]time.Time{}}
	svc.cooldowns = cooldowns
	ctx := context.Background()
	id := testUser()

	_, err := svc.StartCooldown(ctx, id, 120)
	require.NoError(t, err)
	d, err := svc.CheckAllowed(ctx, id, TierPremium)
	require.NoError(t, err)
	assert.Equal(t, DenyCooldown, d.Outcome)

	require.NoError(t, svc.ResetDaily(ctx, id))
	assert.Equal(t, 1, cooldowns.cleared)

	d, err = svc.CheckAllowed(ctx, id, TierPremium)
	require.NoError(t, err)
	assert.True(t, d.Allowed())
}

func TestRecordCall_ConcurrentIncrementsAreNotLost(t *testing.T) {
	svc, rs, _ := setupService(t, testLimits())
	ctx := context.Background()
	id := identity.Anonymous("192.0.2.200")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.RecordCall(ctx, id, TierStandard)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	c, err := rs.Get(ctx, id.Key(), TierStandard)
	require.NoError(t, err)
	assert.Equal(t, 50, c.CallsToday)
	assert.Equal(t, int64(50), c.CallsLifetime)
}

func TestDeny(t *testing.T) {
	anon := identity.Anonymous("192.0.2.1")

	assert.NoError(t, Deny(anon, Decision{Outcome: Allow}))

	err := Deny(anon, Decision{Outcome: DenyCooldown, Tier: TierPremium, Scope: ScopeCooldown, SecondsRemaining: 125})
	assert.True(t, errors.Is(err, ErrCooldownActive))

	var denied *DeniedError
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, "cooldown_active", denied.ThrottleCode())
	assert.Equal(t, 125, denied.RetryAfterSeconds())
	assert.True(t, denied.OfferSignup())
	assert.Contains(t, denied.ThrottleHint(), "2 minutes 5 seconds")

	err = Deny(testUser(), Decision{Outcome: DenyExhausted, Tier: TierStandard, Scope: ScopeIdentity, Limit: 200})
	assert.ErrorIs(t, err, ErrQuotaExhausted)
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, "quota_exhausted", denied.ThrottleCode())
	assert.False(t, denied.OfferSignup())
	assert.Contains(t, denied.Error(), "daily limit of 200")
}
