package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"autoposter/internal/models"

	"github.com/redis/go-redis/v9"
)

func completionTopic(jobID string) string {
	return "completion:" + jobID
}

// LocalCompletionBus routes completions between goroutines of one process.
type LocalCompletionBus struct {
	bus *EventBus
}

func NewLocalCompletionBus(bus *EventBus) *LocalCompletionBus {
	if bus == nil {
		bus = NewEventBus()
	}
	return &LocalCompletionBus{bus: bus}
}

func (b *LocalCompletionBus) Subscribe(_ context.Context, jobID string) (<-chan models.Completion, func(), error) {
	if jobID == "" {
		return nil, nil, errors.New("completion subscribe requires a job id")
	}
	out := make(chan models.Completion, 1)
	cancel := b.bus.Subscribe(completionTopic(jobID), func(event *Event) error {
		var c models.Completion
		if err := json.Unmarshal(event.Payload, &c); err != nil {
			return err
		}
		select {
		case out <- c:
		default:
		}
		return nil
	})
	return out, cancel, nil
}

func (b *LocalCompletionBus) Publish(_ context.Context, completion models.Completion) (int, error) {
	if completion.JobID == "" {
		return 0, nil
	}
	return b.bus.PublishJSON(completionTopic(completion.JobID), completion)
}

// RedisCompletionBus routes completions between the service and worker processes
// over Redis pub/sub.
type RedisCompletionBus struct {
	client *redis.Client
}

func NewRedisCompletionBus(client *redis.Client) *RedisCompletionBus {
	return &RedisCompletionBus{client: client}
}

// Subscribe returns once Redis has confirmed the subscription.
func (b *RedisCompletionBus) Subscribe(ctx context.Context, jobID string) (<-chan models.Completion, func(), error) {
	if jobID == "" {
		return nil, nil, errors.New("completion subscribe requires a job id")
	}
	ps := b.client.Subscribe(ctx, completionTopic(jobID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("failed to subscribe to completion: %w", err)
	}

	out := make(chan models.Completion, 1)
	msgs := ps.Channel()
	go func() {
		for msg := range msgs {
			var c models.Completion
			if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
				continue
			}
			select {
			case out <- c:
			default:
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() { _ = ps.Close() })
	}
	return out, cancel, nil
}

func (b *RedisCompletionBus) Publish(ctx context.Context, completion models.Completion) (int, error) {
	if completion.JobID == "" {
		return 0, nil
	}
	data, err := json.Marshal(completion)
	if err != nil {
		return 0, err
	}
	n, err := b.client.Publish(ctx, completionTopic(completion.JobID), data).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to publish completion: %w", err)
	}
	return int(n), nil
}
