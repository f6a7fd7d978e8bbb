//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/contentguard/contentguard/internal/audit"
	"github.com/contentguard/contentguard/internal/config"
	inats "github.com/contentguard/contentguard/internal/nats"
)

func setupNATSContainer(t *testing.T) *inats.Client {
	t.Helper()
	ctx := context.Background()

	natsContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nats:2-alpine",
			ExposedPorts: []string{"4222/tcp"},
			Cmd:          []string{"--jetstream", "--store_dir", "/data"},
			WaitingFor:   wait.ForLog("Server is ready").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { natsContainer.Terminate(ctx) })

	host, _ := natsContainer.Host(ctx)
	port, _ := natsContainer.MappedPort(ctx, "4222")

	client, err := inats.NewClient(ctx, config.NATSConfig{
		URL: fmt.Sprintf("nats://%s:%s", host, port.Port()),
	})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return client
}

func TestNATSPublishConsume(t *testing.T) {
	client := setupNATSContainer(t)
	ctx := context.Background()

	publisher := inats.NewPublisher(client.JetStream())
	consumerMgr := inats.NewConsumerManager(client.JetStream())

	t.Run("publish and consume usage event", func(t *testing.T) {
		event := inats.UsageEvent{
			IdentityKey: "ip:203.0.113.5",
			Tier:        "huggingface",
			EventType:   inats.EventAnalysisCompleted,
			Attempts:    1,
			TotalTokens: 120,
			Timestamp:   time.Now().UTC(),
		}
		require.NoError(t, publisher.PublishUsageEvent(ctx, event))

		consumer, err := consumerMgr.EnsureConsumer(ctx, inats.StreamEvents, "test-consumer", inats.SubjectUsageEvent)
		require.NoError(t, err)

		msgs, err := consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		require.NoError(t, err)

		var received inats.UsageEvent
		for m := range msgs.Messages() {
			require.NoError(t, json.Unmarshal(m.Data(), &received))
			_ = m.Ack()
		}

		assert.NotEqual(t, uuid.Nil, received.ID)
		assert.Equal(t, "ip:203.0.113.5", received.IdentityKey)
		assert.Equal(t, inats.EventAnalysisCompleted, received.EventType)
	})

	t.Run("NATS client is healthy", func(t *testing.T) {
		assert.True(t, client.Healthy())
	})
}

func TestUsageEventsArePersisted(t *testing.T) {
	env := SetupTestEnv(t)
	client := setupNATSContainer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	RegisterUser(t, env, "persisted@example.com", "password123")
	user, err := env.UserSvc.GetByEmail(ctx, "persisted@example.com")
	require.NoError(t, err)

	repo := audit.NewRepository(env.Pool)
	consumer := audit.NewConsumer(repo, inats.NewConsumerManager(client.JetStream()))
	go consumer.Start(ctx)

	publisher := inats.NewPublisher(client.JetStream())
	event := inats.UsageEvent{
		ID:          uuid.New(),
		IdentityKey: "user:" + user.ID.String(),
		UserID:      &user.ID,
		Tier:        "gemini",
		EventType:   inats.EventCooldownStarted,
		Scope:       "cooldown",
		Timestamp:   time.Now().UTC(),
	}
	require.NoError(t, publisher.PublishUsageEvent(ctx, event))
	// A redelivered duplicate is dropped by the stream.
	require.NoError(t, publisher.PublishUsageEvent(ctx, event))

	require.Eventually(t, func() bool {
		_, total, err := repo.ListByUser(ctx, user.ID, audit.DefaultListParams())
		return err == nil && total == 1
	}, 15*time.Second, 200*time.Millisecond)

	records, _, err := repo.ListByUser(ctx, user.ID, audit.ListParams{Tier: "gemini", Page: 1, PageSize: 10})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, event.ID, records[0].ID)
	assert.Equal(t, "cooldown", records[0].Scope)

	token := LoginUser(t, env, "persisted@example.com", "password123")
	resp := DoRequest(t, env, "GET", "/api/v1/usage/history?event_type=cooldown_started", nil, token)
	result := ParseResponse(t, resp)
	assert.Equal(t, float64(1), result["total_count"])
}
