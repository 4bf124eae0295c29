package dispatch

import (
	"context"

	"autoposter/internal/domain"
	"autoposter/internal/logging"
	"autoposter/internal/metrics"
	"autoposter/internal/models"

	"github.com/rs/zerolog"
)

// Service addresses commands to rooms on the hub. Launch and start commands
// that reach nobody are also appended to the organization's relay so a polling
// client can pick them up.
type Service struct {
	hub    *Hub
	relay  domain.EventRelay
	logger zerolog.Logger
}

func NewService(hub *Hub, relay domain.EventRelay, logger *zerolog.Logger) *Service {
	return &Service{
		hub:    hub,
		relay:  relay,
		logger: logging.Component(logger, "dispatch"),
	}
}

func (s *Service) Hub() *Hub { return s.hub }

func (s *Service) LaunchProfile(ctx context.Context, cmd models.LaunchCommand) error {
	return s.emit(ctx, cmd.OrganizationID, UserRoom(cmd.UserID, RoleDesktop), models.EventLaunchProfile, cmd, true)
}

// StartPosting targets the agent bound to the posting's profile when one is
// connected, else every agent of the user. Prepared images replace the
// vehicle's own images in the payload.
func (s *Service) StartPosting(ctx context.Context, cmd models.StartCommand) error {
	if urls := cmd.PreparedAssets.URLs(); len(urls) > 0 {
		cmd.Vehicle.Images = urls
	}

	room := UserRoom(cmd.UserID, RoleAgent)
	if cmd.ProfileID != "" {
		if profileRoom := AgentProfileRoom(cmd.UserID, cmd.ProfileID); s.hub.Members(profileRoom) > 0 {
			room = profileRoom
		}
	}
	return s.emit(ctx, cmd.OrganizationID, room, models.EventStartPosting, cmd, true)
}

func (s *Service) NotifyUser(ctx context.Context, userID, event string, payload any) error {
	return s.emit(ctx, "", UserRoom(userID, RoleDashboard), event, payload, false)
}

// AgentActive reports whether an agent is connected for the profile, or for
// the user at all when profileID is empty.
func (s *Service) AgentActive(userID, profileID string) bool {
	if profileID == "" {
		return s.hub.Members(UserRoom(userID, RoleAgent)) > 0
	}
	return s.hub.Members(AgentProfileRoom(userID, profileID)) > 0
}

func (s *Service) emit(ctx context.Context, orgID, room, event string, payload any, relay bool) error {
	msg, err := NewMessage(event, payload)
	if err != nil {
		return err
	}
	delivered := s.hub.Emit(room, msg)
	metrics.IncDispatch(event, delivered > 0)

	if delivered > 0 {
		s.logger.Debug().Str("room", room).Str("event", event).Int("delivered", delivered).Msg("dispatched")
		return nil
	}
	if !relay || s.relay == nil || orgID == "" {
		s.logger.Debug().Str("room", room).Str("event", event).Msg("no client in room")
		return nil
	}
	if err := s.relay.Publish(ctx, orgID, event, msg.Payload); err != nil {
		s.logger.Warn().Err(err).Str("room", room).Str("event", event).Msg("relay append failed")
		return nil
	}
	s.logger.Info().Str("room", room).Str("event", event).Msg("no client in room, event relayed")
	return nil
}
