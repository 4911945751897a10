package engine

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/nimasrn/message-dispatch/pkg/logger"
	"github.com/nimasrn/message-dispatch/pkg/redis"
)

// RedisQueue is the durable Queue implementation on Redis streams with
// consumer groups. Priority is mapped onto one stream per weight; Dequeue
// drains higher weights first. Envelopes claimed by a crashed consumer are
// reclaimed after the visibility timeout, and Fail moves the envelope to a
// dead-letter stream.
type RedisQueue struct {
	adapter redis.RedisAdapter
	cfg     RedisQueueConfig

	streams   []string // highest priority first
	lastClaim time.Time
	closed    chan struct{}
}

type RedisQueueConfig struct {
	Name              string
	ConsumerGroup     string
	ConsumerName      string
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
	MaxLen            int64
	EnableDLQ         bool
}

const (
	minPriorityWeight = 1
	maxPriorityWeight = 4
)

func NewRedisQueue(adapter redis.RedisAdapter, cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = "dispatch-group"
	}
	if cfg.ConsumerName == "" {
		cfg.ConsumerName = fmt.Sprintf("consumer-%d", time.Now().UnixNano())
	}
	if cfg.VisibilityTimeout == 0 {
		cfg.VisibilityTimeout = 30 * time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}

	q := &RedisQueue{
		adapter: adapter,
		cfg:     cfg,
		closed:  make(chan struct{}),
	}
	for w := maxPriorityWeight; w >= minPriorityWeight; w-- {
		stream := fmt.Sprintf("%s:p%d", cfg.Name, w)
		q.streams = append(q.streams, stream)
		// Group may already exist, which is fine.
		_ = adapter.XGroupCreateMkStream(stream, cfg.ConsumerGroup, "0")
	}
	return q, nil
}

func (q *RedisQueue) streamFor(priority int) string {
	if priority < minPriorityWeight {
		priority = minPriorityWeight
	}
	if priority > maxPriorityWeight {
		priority = maxPriorityWeight
	}
	return fmt.Sprintf("%s:p%d", q.cfg.Name, priority)
}

func (q *RedisQueue) publish(e *Envelope, stream string) error {
	_, err := q.adapter.XAdd(stream, map[string]interface{}{
		"id":        e.ID,
		"payload":   string(e.Payload),
		"attempts":  e.Attempts,
		"notbefore": e.NotBefore.UnixMilli(),
		"priority":  e.Priority,
	})
	if err != nil {
		return fmt.Errorf("failed to publish envelope: %w", err)
	}
	if q.cfg.MaxLen > 0 {
		_ = q.adapter.XTrimApprox(stream, q.cfg.MaxLen)
	}
	return nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, e *Envelope) error {
	select {
	case <-q.closed:
		return ErrQueueClosed
	default:
	}
	return q.publish(e, q.streamFor(e.Priority))
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*Envelope, error) {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if e := q.poll(ctx); e != nil {
			return e, nil
		}
		if time.Since(q.lastClaim) >= q.cfg.VisibilityTimeout {
			q.lastClaim = time.Now()
			if e := q.claimStuck(); e != nil {
				return e, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.closed:
			return nil, ErrQueueClosed
		case <-ticker.C:
		}
	}
}

// poll scans streams from highest priority down and returns the first
// eligible envelope. Reads are non-blocking (negative block) so an empty
// high-priority stream never starves the lower ones; pacing comes from the
// Dequeue ticker. Envelopes scheduled for the future are acked and
// re-published so they do not block the consumer group.
func (q *RedisQueue) poll(ctx context.Context) *Envelope {
	for _, stream := range q.streams {
		msgs, err := q.adapter.XReadGroup(ctx, q.cfg.ConsumerGroup, q.cfg.ConsumerName, stream, ">", 1, -1)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if err != redis.NilError {
				logger.Warn("queue read failed", "stream", stream, "error", err)
			}
			continue
		}
		for _, m := range msgs {
			e := q.toEnvelope(m, stream)
			if e == nil {
				_ = q.adapter.XAck(stream, q.cfg.ConsumerGroup, m.ID)
				continue
			}
			if e.NotBefore.After(time.Now()) {
				_ = q.adapter.XAck(stream, q.cfg.ConsumerGroup, m.ID)
				if err := q.publish(e, stream); err != nil {
					logger.Error("failed to defer scheduled envelope", "id", e.ID, "error", err)
				}
				continue
			}
			return e
		}
	}
	return nil
}

// claimStuck reclaims envelopes whose consumer died mid-processing.
func (q *RedisQueue) claimStuck() *Envelope {
	for _, stream := range q.streams {
		pending, err := q.adapter.XPendingExt(stream, q.cfg.ConsumerGroup, "-", "+", 10)
		if err != nil || len(pending) == 0 {
			continue
		}
		var ids []string
		for _, p := range pending {
			if p.Idle >= q.cfg.VisibilityTimeout {
				ids = append(ids, p.ID)
			}
		}
		if len(ids) == 0 {
			continue
		}
		msgs, err := q.adapter.XClaim(stream, q.cfg.ConsumerGroup, q.cfg.ConsumerName, q.cfg.VisibilityTimeout, ids...)
		if err != nil {
			continue
		}
		for _, m := range msgs {
			if e := q.toEnvelope(m, stream); e != nil {
				return e
			}
			_ = q.adapter.XAck(stream, q.cfg.ConsumerGroup, m.ID)
		}
	}
	return nil
}

func (q *RedisQueue) Ack(ctx context.Context, e *Envelope) error {
	if err := q.adapter.XAck(e.stream, q.cfg.ConsumerGroup, e.redisID); err != nil {
		return err
	}
	return q.adapter.XDel(e.stream, e.redisID)
}

func (q *RedisQueue) Retry(ctx context.Context, e *Envelope, delay time.Duration) error {
	if err := q.Ack(ctx, e); err != nil {
		return err
	}
	e.NotBefore = time.Now().Add(delay)
	return q.publish(e, q.streamFor(e.Priority))
}

// Fail acks the envelope and, when a DLQ is configured, preserves it on the
// dead-letter stream for inspection.
func (q *RedisQueue) Fail(ctx context.Context, e *Envelope) error {
	if err := q.Ack(ctx, e); err != nil {
		return err
	}
	if !q.cfg.EnableDLQ {
		return nil
	}
	_, err := q.adapter.XAdd(q.cfg.Name+":dlq", map[string]interface{}{
		"id":        e.ID,
		"payload":   string(e.Payload),
		"attempts":  e.Attempts,
		"failed_at": time.Now().Unix(),
	})
	return err
}

func (q *RedisQueue) Stats() QueueStats {
	var stats QueueStats
	for _, stream := range q.streams {
		if n, err := q.adapter.XLen(stream); err == nil {
			stats.Waiting += n
		}
		if p, err := q.adapter.XPending(stream, q.cfg.ConsumerGroup); err == nil && p != nil {
			stats.Active += p.Count
		}
	}
	stats.Waiting -= stats.Active
	if stats.Waiting < 0 {
		stats.Waiting = 0
	}
	return stats
}

func (q *RedisQueue) Close() error {
	select {
	case <-q.closed:
	default:
		close(q.closed)
	}
	return nil
}

func (q *RedisQueue) toEnvelope(m redis.StreamMessage, stream string) *Envelope {
	e := &Envelope{redisID: m.ID, stream: stream}
	for k, v := range m.Values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		switch k {
		case "id":
			e.ID = s
		case "payload":
			e.Payload = []byte(s)
		case "attempts":
			e.Attempts, _ = strconv.Atoi(s)
		case "priority":
			e.Priority, _ = strconv.Atoi(s)
		case "notbefore":
			if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
				e.NotBefore = time.UnixMilli(ms)
			}
		}
	}
	if e.ID == "" {
		return nil
	}
	return e
}
