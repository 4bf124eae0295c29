package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"autoposter/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	id   string
	fail bool

	mu   sync.Mutex
	msgs []Message
}

func (c *fakeClient) ID() string { return c.id }

func (c *fakeClient) Send(msg Message) error {
	if c.fail {
		return errors.New("connection reset")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *fakeClient) received() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.msgs...)
}

type relayCall struct {
	orgID string
	event string
}

type fakeRelay struct {
	mu    sync.Mutex
	calls []relayCall
}

func (r *fakeRelay) Publish(_ context.Context, orgID, eventType string, _ any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, relayCall{orgID: orgID, event: eventType})
	return nil
}

func register(t *testing.T, hub *Hub, id string, reg Registration) *fakeClient {
	t.Helper()
	c := &fakeClient{id: id}
	require.NoError(t, hub.Register(c, reg))
	return c
}

func TestRegistrationRooms(t *testing.T) {
	reg := Registration{OrganizationID: "o1", UserID: "u1", Role: RoleAgent, ProfileID: "p1"}
	assert.Equal(t, []string{"org:o1", "org:o1:agent", "user:u1:agent", "user:u1:agent:p1"}, reg.Rooms())

	reg.Role = RoleDesktop
	assert.Equal(t, []string{"org:o1", "org:o1:desktop", "user:u1:desktop"}, reg.Rooms())

	assert.Error(t, Registration{OrganizationID: "o1", UserID: "u1", Role: "admin"}.Validate())
	assert.Error(t, Registration{UserID: "u1", Role: RoleAgent}.Validate())
}

func TestHubRegisterAndUnregister(t *testing.T) {
	hub := NewHub(nil)
	a := register(t, hub, "a", Registration{OrganizationID: "o1", UserID: "u1", Role: RoleAgent, ProfileID: "p1"})
	register(t, hub, "b", Registration{OrganizationID: "o1", UserID: "u2", Role: RoleDashboard})

	assert.Equal(t, 2, hub.Members("org:o1"))
	assert.Equal(t, 1, hub.Members("user:u1:agent:p1"))

	// re-registering moves the client
	require.NoError(t, hub.Register(a, Registration{OrganizationID: "o1", UserID: "u1", Role: RoleAgent, ProfileID: "p2"}))
	assert.Zero(t, hub.Members("user:u1:agent:p1"))
	assert.Equal(t, 1, hub.Members("user:u1:agent:p2"))

	hub.Unregister(a)
	assert.Equal(t, 1, hub.Members("org:o1"))
	assert.Zero(t, hub.Members("user:u1:agent"))

	broken := &fakeClient{id: "c", fail: true}
	require.NoError(t, hub.Register(broken, Registration{OrganizationID: "o1", UserID: "u2", Role: RoleDashboard}))
	msg, _ := NewMessage(models.EventPing, map[string]string{})
	assert.Equal(t, 1, hub.Emit("user:u2:dashboard", msg))
}

func TestStartPostingRouting(t *testing.T) {
	hub := NewHub(nil)
	relay := &fakeRelay{}
	svc := NewService(hub, relay, nil)
	ctx := context.Background()

	generic := register(t, hub, "generic", Registration{OrganizationID: "o1", UserID: "u1", Role: RoleAgent})
	cmd := models.StartCommand{
		PostingID:      "post-1",
		UserID:         "u1",
		OrganizationID: "o1",
		ProfileID:      "p1",
		Vehicle:        models.Vehicle{ID: "v1", Images: []string{"https://img/orig.jpg"}},
		PreparedAssets: &models.PreparedAssets{Images: []models.PreparedImage{{URL: "https://cdn/stealth.jpg"}}},
	}

	// no agent bound to p1 yet: every agent of the user gets it
	require.NoError(t, svc.StartPosting(ctx, cmd))
	require.Len(t, generic.received(), 1)

	bound := register(t, hub, "bound", Registration{OrganizationID: "o1", UserID: "u1", Role: RoleAgent, ProfileID: "p1"})
	require.NoError(t, svc.StartPosting(ctx, cmd))
	assert.Len(t, generic.received(), 1)
	require.Len(t, bound.received(), 1)

	var got models.StartCommand
	require.NoError(t, bound.received()[0].Decode(&got))
	assert.Equal(t, models.EventStartPosting, bound.received()[0].Event)
	assert.Equal(t, []string{"https://cdn/stealth.jpg"}, got.Vehicle.Images)
	assert.Empty(t, relay.calls)

	assert.True(t, svc.AgentActive("u1", "p1"))
	assert.True(t, svc.AgentActive("u1", ""))
	assert.False(t, svc.AgentActive("u1", "p9"))
}

func TestEmptyRoomFallsBackToRelay(t *testing.T) {
	hub := NewHub(nil)
	relay := &fakeRelay{}
	svc := NewService(hub, relay, nil)
	ctx := context.Background()

	require.NoError(t, svc.LaunchProfile(ctx, models.LaunchCommand{UserID: "u1", OrganizationID: "o1", ProfileID: "p1"}))
	require.NoError(t, svc.StartPosting(ctx, models.StartCommand{UserID: "u1", OrganizationID: "o1", PostingID: "x"}))
	require.NoError(t, svc.NotifyUser(ctx, "u1", models.EventPostingResult, map[string]string{"status": "completed"}))

	assert.Equal(t, []relayCall{
		{orgID: "o1", event: models.EventLaunchProfile},
		{orgID: "o1", event: models.EventStartPosting},
	}, relay.calls)

	desktop := register(t, hub, "d", Registration{OrganizationID: "o1", UserID: "u1", Role: RoleDesktop})
	require.NoError(t, svc.LaunchProfile(ctx, models.LaunchCommand{UserID: "u1", OrganizationID: "o1", ProfileID: "p1"}))
	assert.Len(t, relay.calls, 2)
	require.Len(t, desktop.received(), 1)

	var launch models.LaunchCommand
	require.NoError(t, json.Unmarshal(desktop.received()[0].Payload, &launch))
	assert.Equal(t, "p1", launch.ProfileID)
}

func TestMessageStructRoundTrip(t *testing.T) {
	msg, err := NewMessage(models.EventPostingResult, models.Completion{PostingID: "p", Success: true, ListingURL: "https://m/1"})
	require.NoError(t, err)

	frame, err := msg.ToStruct()
	require.NoError(t, err)
	assert.Equal(t, models.EventPostingResult, frame.Fields["event"].GetStringValue())

	back, err := MessageFromStruct(frame)
	require.NoError(t, err)
	var c models.Completion
	require.NoError(t, back.Decode(&c))
	assert.True(t, c.Success)
	assert.Equal(t, "https://m/1", c.ListingURL)

	_, err = MessageFromStruct(nil)
	assert.Error(t, err)
}
