package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// bodyField is the stream entry field carrying the JSON payload.
	bodyField = "body"

	// defaultBlock is how long Receive blocks waiting for new entries.
	defaultBlock = 2 * time.Second
)

// RedisQueue implements [Queue] on Redis Streams with consumer groups.
//
// Visibility timeout maps onto pending-entry idle time: a delivery that is
// neither acked nor extended becomes eligible for XAUTOCLAIM by another
// consumer once its idle time exceeds the configured visibility. Extend
// resets the idle clock with XCLAIM JUSTID.
type RedisQueue struct {
	rdb        redis.UniversalClient
	group      string
	consumer   string
	visibility time.Duration
	block      time.Duration
}

var _ Queue = (*RedisQueue)(nil)

// RedisOption configures a [RedisQueue].
type RedisOption func(*RedisQueue)

// WithVisibility sets the visibility timeout — the upper bound on handling
// time before a delivery is reclaimed by another consumer. Default 2m.
func WithVisibility(d time.Duration) RedisOption {
	return func(q *RedisQueue) {
		if d > 0 {
			q.visibility = d
		}
	}
}

// WithBlock sets the Receive blocking window. Default 2s.
func WithBlock(d time.Duration) RedisOption {
	return func(q *RedisQueue) {
		if d > 0 {
			q.block = d
		}
	}
}

// NewRedisQueue creates a queue client bound to one consumer identity within
// the worker fleet's consumer group. Call [RedisQueue.Init] once at startup
// to create the streams and group.
func NewRedisQueue(rdb redis.UniversalClient, group, consumer string, opts ...RedisOption) *RedisQueue {
	q := &RedisQueue{
		rdb:        rdb,
		group:      group,
		consumer:   consumer,
		visibility: 2 * time.Minute,
		block:      defaultBlock,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Init creates every stream and the consumer group if missing.
func (q *RedisQueue) Init(ctx context.Context) error {
	for _, name := range []Name{CallEvents, SMSEvents, PostCall, Training} {
		err := q.rdb.XGroupCreateMkStream(ctx, q.stream(name), q.group, "0").Err()
		if err != nil && !isBusyGroup(err) {
			return fmt.Errorf("queue: init %s: %w", name, err)
		}
	}
	return nil
}

// Receive implements [Queue]. Abandoned deliveries (idle past the visibility
// timeout) are reclaimed first; fresh entries are read afterwards.
func (q *RedisQueue) Receive(ctx context.Context, name Name, max int) ([]Delivery, error) {
	if max <= 0 {
		max = 1
	}

	// First reclaim deliveries another consumer let time out.
	claimed, _, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream(name),
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  q.visibility,
		Start:    "0-0",
		Count:    int64(max),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("queue: autoclaim %s: %w", name, err)
	}
	if len(claimed) > 0 {
		return q.toDeliveries(ctx, name, claimed)
	}

	// Then block for fresh entries.
	res, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream(name), ">"},
		Count:    int64(max),
		Block:    q.block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrEmpty
		}
		return nil, fmt.Errorf("queue: read %s: %w", name, err)
	}
	if len(res) == 0 || len(res[0].Messages) == 0 {
		return nil, ErrEmpty
	}
	return q.toDeliveries(ctx, name, res[0].Messages)
}

// Ack implements [Queue]. The entry is acknowledged and deleted; streams are
// queues here, not history.
func (q *RedisQueue) Ack(ctx context.Context, d Delivery) error {
	if err := q.rdb.XAck(ctx, q.stream(d.Queue), q.group, d.ID).Err(); err != nil {
		return fmt.Errorf("queue: ack %s/%s: %w", d.Queue, d.ID, err)
	}
	if err := q.rdb.XDel(ctx, q.stream(d.Queue), d.ID).Err(); err != nil {
		return fmt.Errorf("queue: del %s/%s: %w", d.Queue, d.ID, err)
	}
	return nil
}

// Nack implements [Queue]. The entry is claimed onto a throwaway consumer,
// which resets its idle time; any consumer reclaims it once it has been
// idle for the visibility timeout.
func (q *RedisQueue) Nack(ctx context.Context, d Delivery) error {
	err := q.rdb.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   q.stream(d.Queue),
		Group:    q.group,
		Consumer: d.ID, // park on a throwaway consumer so our own reads skip it
		MinIdle:  0,
		Messages: []string{d.ID},
	}).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("queue: nack %s/%s: %w", d.Queue, d.ID, err)
	}
	return nil
}

// Extend implements [Queue]. Claiming the entry back to ourselves resets its
// idle time, postponing reclaim by one full visibility window. The extra
// argument is accepted for interface symmetry; Redis Streams cannot postpone
// by an arbitrary amount, only reset the idle clock.
func (q *RedisQueue) Extend(ctx context.Context, d Delivery, _ time.Duration) error {
	err := q.rdb.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   q.stream(d.Queue),
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  0,
		Messages: []string{d.ID},
	}).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("queue: extend %s/%s: %w", d.Queue, d.ID, err)
	}
	return nil
}

// Enqueue implements [Queue].
func (q *RedisQueue) Enqueue(ctx context.Context, name Name, body []byte) error {
	err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream(name),
		Values: map[string]any{bodyField: body},
	}).Err()
	if err != nil {
		return fmt.Errorf("queue: enqueue %s: %w", name, err)
	}
	return nil
}

func (q *RedisQueue) stream(name Name) string { return "queue:" + string(name) }

func (q *RedisQueue) toDeliveries(ctx context.Context, name Name, msgs []redis.XMessage) ([]Delivery, error) {
	out := make([]Delivery, 0, len(msgs))
	for _, m := range msgs {
		body, _ := m.Values[bodyField].(string)
		attempt := 1
		if pending, err := q.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: q.stream(name),
			Group:  q.group,
			Start:  m.ID,
			End:    m.ID,
			Count:  1,
		}).Result(); err == nil && len(pending) == 1 {
			attempt = int(pending[0].RetryCount)
		}
		out = append(out, Delivery{ID: m.ID, Queue: name, Body: []byte(body), Attempt: attempt})
	}
	return out, nil
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}
