package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrEmpty          = errors.New("payment queue empty")
	ErrMalformedEvent = errors.New("malformed payment event")
)

// Delivery is an event claimed from the queue. Raw is the exact list element,
// needed to remove it from the processing list.
type Delivery struct {
	Event Event
	Raw   string
}

// RedisQueue keeps pending events in a Redis list. Claimed events sit in a
// processing list until acknowledged, so a crash never loses one.
type RedisQueue struct {
	client     redis.Cmdable
	queue      string
	processing string
	failed     string
}

func NewRedisQueue(client redis.Cmdable, name string) *RedisQueue {
	return &RedisQueue{
		client:     client,
		queue:      name,
		processing: name + ":processing",
		failed:     name + ":failed",
	}
}

func (q *RedisQueue) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.queue, string(data)).Err()
}

// Next blocks up to timeout for an event and moves it to the processing list.
func (q *RedisQueue) Next(ctx context.Context, timeout time.Duration) (Delivery, error) {
	raw, err := q.client.BLMove(ctx, q.queue, q.processing, "RIGHT", "LEFT", timeout).Result()
	if errors.Is(err, redis.Nil) {
		return Delivery{}, ErrEmpty
	}
	if err != nil {
		return Delivery{}, err
	}
	delivery := Delivery{Raw: raw}
	if err := json.Unmarshal([]byte(raw), &delivery.Event); err != nil {
		return delivery, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return delivery, nil
}

func (q *RedisQueue) Ack(ctx context.Context, d Delivery) error {
	return q.client.LRem(ctx, q.processing, 1, d.Raw).Err()
}

// Retry puts the event back on the queue with its attempt count raised.
func (q *RedisQueue) Retry(ctx context.Context, d Delivery) error {
	event := d.Event
	event.Attempts++
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processing, 1, d.Raw)
		pipe.LPush(ctx, q.queue, string(data))
		return nil
	})
	return err
}

type failedEvent struct {
	Raw      string    `json:"raw"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

func (q *RedisQueue) DeadLetter(ctx context.Context, d Delivery, cause error) error {
	data, err := json.Marshal(failedEvent{Raw: d.Raw, Error: cause.Error(), FailedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processing, 1, d.Raw)
		pipe.LPush(ctx, q.failed, string(data))
		return nil
	})
	return err
}

// Restore moves events left in the processing list by a previous run back
// onto the queue and reports how many it moved.
func (q *RedisQueue) Restore(ctx context.Context) (int, error) {
	restored := 0
	for {
		err := q.client.LMove(ctx, q.processing, q.queue, "RIGHT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return restored, nil
		}
		if err != nil {
			return restored, err
		}
		restored++
	}
}

type Depth struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Failed     int64 `json:"failed"`
}

func (q *RedisQueue) Depth(ctx context.Context) (Depth, error) {
	var depth Depth
	var err error
	if depth.Pending, err = q.client.LLen(ctx, q.queue).Result(); err != nil {
		return depth, err
	}
	if depth.Processing, err = q.client.LLen(ctx, q.processing).Result(); err != nil {
		return depth, err
	}
	depth.Failed, err = q.client.LLen(ctx, q.failed).Result()
	return depth, err
}
