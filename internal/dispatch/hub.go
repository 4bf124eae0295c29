package dispatch

import (
	"errors"
	"sync"

	"autoposter/internal/logging"

	"github.com/rs/zerolog"
)

// Client is one live connection.
type Client interface {
	ID() string
	Send(msg Message) error
}

type member struct {
	client Client
	reg    Registration
	rooms  []string
}

// Hub tracks which clients are in which rooms.
type Hub struct {
	mu      sync.RWMutex
	members map[string]*member
	rooms   map[string]map[string]Client
	logger  zerolog.Logger
}

func NewHub(logger *zerolog.Logger) *Hub {
	return &Hub{
		members: make(map[string]*member),
		rooms:   make(map[string]map[string]Client),
		logger:  logging.Component(logger, "dispatch_hub"),
	}
}

// Register joins the client to the rooms of reg, replacing any earlier registration.
func (h *Hub) Register(c Client, reg Registration) error {
	if err := reg.Validate(); err != nil {
		return err
	}
	if c == nil || c.ID() == "" {
		return errors.New("client has no id")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.leave(c.ID())

	m := &member{client: c, reg: reg, rooms: reg.Rooms()}
	for _, room := range m.rooms {
		set, ok := h.rooms[room]
		if !ok {
			set = make(map[string]Client)
			h.rooms[room] = set
		}
		set[c.ID()] = c
	}
	h.members[c.ID()] = m

	h.logger.Info().
		Str("client_id", c.ID()).
		Str("user_id", reg.UserID).
		Str("role", string(reg.Role)).
		Str("profile_id", reg.ProfileID).
		Msg("client registered")
	return nil
}

func (h *Hub) Unregister(c Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.leave(c.ID()) {
		h.logger.Info().Str("client_id", c.ID()).Msg("client disconnected")
	}
}

func (h *Hub) leave(id string) bool {
	m, ok := h.members[id]
	if !ok {
		return false
	}
	for _, room := range m.rooms {
		set := h.rooms[room]
		delete(set, id)
		if len(set) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(h.members, id)
	return true
}

// Emit sends msg to every client in room and returns how many accepted it.
func (h *Hub) Emit(room string, msg Message) int {
	h.mu.RLock()
	targets := make([]Client, 0, len(h.rooms[room]))
	for _, c := range h.rooms[room] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if err := c.Send(msg); err != nil {
			h.logger.Warn().Err(err).Str("client_id", c.ID()).Str("room", room).Msg("send failed")
			continue
		}
		delivered++
	}
	return delivered
}

func (h *Hub) Members(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}
