package queue

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"

	"dinner-queue/internal/models"
)

// NewJobChannel is the Redis pub/sub channel carrying admitted job ids.
const NewJobChannel = "jobs:new"

// LocalNotifier signals dispatchers in the same process. Signals coalesce: a
// dispatcher that is busy sees one pending wakeup however many jobs arrived.
type LocalNotifier struct {
	ch chan struct{}
}

// NewLocalNotifier builds a notifier with a one-slot wake channel.
func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{ch: make(chan struct{}, 1)}
}

// Notify never blocks.
func (n *LocalNotifier) Notify(context.Context, models.Job) error {
	select {
	case n.ch <- struct{}{}:
	default:
	}
	return nil
}

// C returns the wake channel.
func (n *LocalNotifier) C() <-chan struct{} { return n.ch }

// RedisNotifier publishes admitted job ids so dispatchers in other processes
// wake before their next poll.
type RedisNotifier struct {
	client  *redis.Client
	channel string
}

// NewRedisNotifier wraps client.
func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client, channel: NewJobChannel}
}

// Notify publishes the job id.
func (n *RedisNotifier) Notify(ctx context.Context, job models.Job) error {
	return n.client.Publish(ctx, n.channel, strconv.FormatInt(job.ID, 10)).Err()
}

// Listen subscribes to the channel and returns a coalescing wake channel that is
// closed when ctx ends.
func (n *RedisNotifier) Listen(ctx context.Context) (<-chan struct{}, error) {
	sub := n.client.Subscribe(ctx, n.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}
	wake := make(chan struct{}, 1)
	go func() {
		defer close(wake)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			}
		}
	}()
	return wake, nil
}
