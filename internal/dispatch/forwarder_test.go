package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"autoposter/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForwarderReplaysOnServiceHub(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	fwd := NewRedisForwarder(client)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := fwd.NotifyUser(ctx, "u1", models.EventPrepComplete, map[string]string{})
	assert.True(t, errors.Is(err, ErrNoConsumer))

	hub := NewHub(nil)
	svc := NewService(hub, nil, nil)
	desktop := register(t, hub, "d", Registration{OrganizationID: "o1", UserID: "u1", Role: RoleDesktop})
	dashboard := register(t, hub, "b", Registration{OrganizationID: "o1", UserID: "u1", Role: RoleDashboard})

	done := make(chan error, 1)
	go func() { done <- svc.ConsumeCommands(ctx, client) }()

	require.Eventually(t, func() bool {
		return fwd.LaunchProfile(ctx, models.LaunchCommand{UserID: "u1", OrganizationID: "o1", ProfileID: "p1"}) == nil
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, fwd.NotifyUser(ctx, "u1", models.EventPrepComplete, map[string]int{"created": 2}))

	require.Eventually(t, func() bool { return len(dashboard.received()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, models.EventLaunchProfile, desktop.received()[0].Event)
	assert.JSONEq(t, `{"created":2}`, string(dashboard.received()[0].Payload))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
}
