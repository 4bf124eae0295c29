package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"autoposter/internal/models"

	"github.com/redis/go-redis/v9"
)

// CommandsChannel carries dispatch commands from worker processes to the service.
const CommandsChannel = "dispatch:commands"

// ErrNoConsumer means no service process is subscribed to the commands channel.
var ErrNoConsumer = errors.New("no dispatch consumer subscribed")

type command struct {
	Event   string          `json:"event"`
	UserID  string          `json:"user_id,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// RedisForwarder is the Dispatcher of processes that hold no client connections.
type RedisForwarder struct {
	client *redis.Client
}

func NewRedisForwarder(client *redis.Client) *RedisForwarder {
	return &RedisForwarder{client: client}
}

func (f *RedisForwarder) LaunchProfile(ctx context.Context, cmd models.LaunchCommand) error {
	return f.publish(ctx, models.EventLaunchProfile, cmd.UserID, cmd)
}

func (f *RedisForwarder) StartPosting(ctx context.Context, cmd models.StartCommand) error {
	return f.publish(ctx, models.EventStartPosting, cmd.UserID, cmd)
}

func (f *RedisForwarder) NotifyUser(ctx context.Context, userID, event string, payload any) error {
	return f.publish(ctx, event, userID, payload)
}

func (f *RedisForwarder) publish(ctx context.Context, event, userID string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	data, err := json.Marshal(command{Event: event, UserID: userID, Payload: body})
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	n, err := f.client.Publish(ctx, CommandsChannel, data).Result()
	if err != nil {
		return fmt.Errorf("publish %s: %w", event, err)
	}
	if n == 0 {
		return ErrNoConsumer
	}
	return nil
}

// ConsumeCommands replays forwarded commands onto the local hub until ctx ends.
func (s *Service) ConsumeCommands(ctx context.Context, client *redis.Client) error {
	sub := client.Subscribe(ctx, CommandsChannel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", CommandsChannel, err)
	}
	s.logger.Info().Str("channel", CommandsChannel).Msg("consuming forwarded commands")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if err := s.replay(ctx, []byte(msg.Payload)); err != nil {
				s.logger.Warn().Err(err).Msg("dropping forwarded command")
			}
		}
	}
}

func (s *Service) replay(ctx context.Context, data []byte) error {
	var cmd command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return err
	}
	switch cmd.Event {
	case models.EventLaunchProfile:
		var launch models.LaunchCommand
		if err := json.Unmarshal(cmd.Payload, &launch); err != nil {
			return err
		}
		return s.LaunchProfile(ctx, launch)
	case models.EventStartPosting:
		var start models.StartCommand
		if err := json.Unmarshal(cmd.Payload, &start); err != nil {
			return err
		}
		return s.StartPosting(ctx, start)
	default:
		if cmd.UserID == "" {
			return fmt.Errorf("%s command without user", cmd.Event)
		}
		return s.NotifyUser(ctx, cmd.UserID, cmd.Event, cmd.Payload)
	}
}
