package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jotbook/realtime/internal/clock"
	apperrors "github.com/jotbook/realtime/internal/errors"
)

// Message is one delivery of a queued message. It doubles as the
// acknowledgement handle: Ack and Nack only act when the delivery
// counter still matches, so a handle that outlived its visibility
// deadline cannot touch a redelivered message.
type Message struct {
	ID            string
	Queue         string
	Body          []byte
	EnqueuedAt    time.Time
	DeliveryCount int
	Deadline      time.Time
}

// DeadLetter is a message parked on the shared dead-letter queue.
type DeadLetter struct {
	ID            string
	SourceQueue   string
	Body          []byte
	LastError     string
	DeliveryCount int
	DeadAt        time.Time
}

// QueueStats counts messages per holding area of one queue.
type QueueStats struct {
	Ready    int64 `json:"ready"`
	Delayed  int64 `json:"delayed"`
	InFlight int64 `json:"in_flight"`
}

// Stats is a point-in-time census of every queue.
type Stats struct {
	Queues      map[string]QueueStats `json:"queues"`
	DeadLetters int64                 `json:"dead_letters"`
}

// Broker is a Redis-backed message broker. Each queue keeps a ready
// list (send order), a delayed sorted set scored by visible-at and an
// in-flight sorted set scored by visibility deadline; message fields
// live in one hash per message. All time comparisons use scores passed
// in from the broker clock, never Redis server time.
type Broker struct {
	client redis.UniversalClient
	prefix string
	queues map[string]QueueSpec

	now   func() time.Time
	newID func() string
}

// New wraps an existing Redis client. prefix namespaces every key so
// the broker can share a database with the cache.
func New(client redis.UniversalClient, prefix string) *Broker {
	return &Broker{
		client: client,
		prefix: prefix,
		queues: DefaultQueues(),
		now:    clock.Now,
		newID:  clock.NewID,
	}
}

func (b *Broker) key(parts ...string) string {
	k := ""
	if b.prefix != "" {
		k = b.prefix + ":"
	}
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

func (b *Broker) readyKey(queue string) string    { return b.key(queue, "ready") }
func (b *Broker) delayedKey(queue string) string  { return b.key(queue, "delayed") }
func (b *Broker) inflightKey(queue string) string { return b.key(queue, "inflight") }
func (b *Broker) deadKey() string                 { return b.key(QueueDeadLetters) }
func (b *Broker) msgPrefix() string               { return b.key("msg") + ":" }

// promoteScript moves due delayed messages to ready and reaps expired
// in-flight ones, routing exhausted messages to the dead-letter list.
var promoteScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[2], "-inf", ARGV[1], "LIMIT", 0, 100)
for _, id in ipairs(due) do
	redis.call("ZREM", KEYS[2], id)
	redis.call("RPUSH", KEYS[1], id)
end
local expired = redis.call("ZRANGEBYSCORE", KEYS[3], "-inf", ARGV[1], "LIMIT", 0, 100)
for _, id in ipairs(expired) do
	redis.call("ZREM", KEYS[3], id)
	local key = ARGV[3] .. id
	local count = tonumber(redis.call("HGET", key, "delivery_count") or "0")
	if count >= tonumber(ARGV[2]) then
		redis.call("HSET", key, "dead_at", ARGV[1])
		redis.call("RPUSH", KEYS[4], id)
	else
		redis.call("RPUSH", KEYS[1], id)
	end
end
return #due + #expired
`)

// claimScript pops up to max ready messages, marks them in flight and
// increments their delivery counters in one atomic step.
var claimScript = redis.NewScript(`
local out = {}
for i = 1, tonumber(ARGV[2]) do
	local id = redis.call("LPOP", KEYS[1])
	if not id then break end
	local key = ARGV[3] .. id
	local body = redis.call("HGET", key, "body")
	if body then
		local count = redis.call("HINCRBY", key, "delivery_count", 1)
		redis.call("ZADD", KEYS[2], ARGV[1], id)
		out[#out+1] = id
		out[#out+1] = body
		out[#out+1] = redis.call("HGET", key, "enqueued_at")
		out[#out+1] = count
	end
end
return out
`)

// ackScript removes a message when the handle still owns the newest
// delivery.
var ackScript = redis.NewScript(`
local count = redis.call("HGET", KEYS[3], "delivery_count")
if not count or tonumber(count) ~= tonumber(ARGV[2]) then
	return 0
end
if redis.call("HGET", KEYS[3], "dead_at") then
	return 0
end
redis.call("ZREM", KEYS[1], ARGV[1])
redis.call("LREM", KEYS[2], 0, ARGV[1])
redis.call("DEL", KEYS[3])
return 1
`)

// nackScript makes a message visible again, or routes it to the
// dead-letter list when its deliveries are exhausted.
var nackScript = redis.NewScript(`
local count = redis.call("HGET", KEYS[4], "delivery_count")
if not count or tonumber(count) ~= tonumber(ARGV[2]) then
	return 0
end
if redis.call("HGET", KEYS[4], "dead_at") then
	return 0
end
if redis.call("ZREM", KEYS[1], ARGV[1]) == 0 then
	return 0
end
if ARGV[4] ~= "" then
	redis.call("HSET", KEYS[4], "last_error", ARGV[4])
end
if tonumber(count) >= tonumber(ARGV[3]) then
	redis.call("HSET", KEYS[4], "dead_at", ARGV[5])
	redis.call("RPUSH", KEYS[3], ARGV[1])
	return 2
end
redis.call("RPUSH", KEYS[2], ARGV[1])
return 1
`)

// Send appends a message to a queue. delay defers visibility, capped
// at MaxDelay; longer horizons are the scheduler's problem.
func (b *Broker) Send(ctx context.Context, queue string, body []byte, delay time.Duration) (string, error) {
	if _, ok := b.queues[queue]; !ok {
		return "", apperrors.NewValidationError("queue", fmt.Sprintf("unknown queue %q", queue))
	}
	if delay < 0 {
		delay = 0
	}
	if delay > MaxDelay {
		delay = MaxDelay
	}

	id := b.newID()
	now := b.now()

	pipe := b.client.Pipeline()
	pipe.HSet(ctx, b.msgPrefix()+id,
		"queue", queue,
		"body", body,
		"enqueued_at", now.UnixMicro(),
		"delivery_count", 0,
	)
	if delay > 0 {
		pipe.ZAdd(ctx, b.delayedKey(queue), redis.Z{
			Score:  float64(now.Add(delay).UnixMicro()),
			Member: id,
		})
	} else {
		pipe.RPush(ctx, b.readyKey(queue), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to enqueue message: %w", err)
	}
	return id, nil
}

// Receive returns up to max visible messages, long-polling up to wait.
// Returned messages are in flight until their visibility deadline; the
// caller must Ack or Nack each one before then.
func (b *Broker) Receive(ctx context.Context, queue string, max int, wait time.Duration) ([]*Message, error) {
	spec, ok := b.queues[queue]
	if !ok {
		return nil, apperrors.NewValidationError("queue", fmt.Sprintf("unknown queue %q", queue))
	}
	if max <= 0 {
		max = 1
	}

	var waited time.Duration
	for {
		msgs, err := b.poll(ctx, spec, max)
		if err != nil || len(msgs) > 0 {
			return msgs, err
		}
		if waited >= wait {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(PollInterval):
			waited += PollInterval
		}
	}
}

func (b *Broker) poll(ctx context.Context, spec QueueSpec, max int) ([]*Message, error) {
	now := b.now()
	nowMicro := strconv.FormatInt(now.UnixMicro(), 10)

	err := promoteScript.Run(ctx, b.client,
		[]string{b.readyKey(spec.Name), b.delayedKey(spec.Name), b.inflightKey(spec.Name), b.deadKey()},
		nowMicro, spec.MaxRedelivery, b.msgPrefix(),
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to promote messages: %w", err)
	}

	deadline := now.Add(spec.VisibilityTimeout)
	res, err := claimScript.Run(ctx, b.client,
		[]string{b.readyKey(spec.Name), b.inflightKey(spec.Name)},
		strconv.FormatInt(deadline.UnixMicro(), 10), max, b.msgPrefix(),
	).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to claim messages: %w", err)
	}

	flat, _ := res.([]interface{})
	msgs := make([]*Message, 0, len(flat)/4)
	for i := 0; i+3 < len(flat); i += 4 {
		id, _ := flat[i].(string)
		body, _ := flat[i+1].(string)
		enq, _ := flat[i+2].(string)
		count, _ := flat[i+3].(int64)

		enqMicro, _ := strconv.ParseInt(enq, 10, 64)
		msgs = append(msgs, &Message{
			ID:            id,
			Queue:         spec.Name,
			Body:          []byte(body),
			EnqueuedAt:    time.UnixMicro(enqMicro).UTC(),
			DeliveryCount: int(count),
			Deadline:      deadline,
		})
	}
	return msgs, nil
}

// Ack permanently removes a delivered message. Acking a handle whose
// message was already redelivered or dead-lettered is a no-op.
func (b *Broker) Ack(ctx context.Context, msg *Message) error {
	err := ackScript.Run(ctx, b.client,
		[]string{b.inflightKey(msg.Queue), b.readyKey(msg.Queue), b.msgPrefix() + msg.ID},
		msg.ID, msg.DeliveryCount,
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to ack message: %w", err)
	}
	return nil
}

// Nack makes a delivered message visible again immediately, recording
// lastErr if given. A message that has exhausted its redeliveries moves
// to the dead-letter queue instead.
func (b *Broker) Nack(ctx context.Context, msg *Message, lastErr error) error {
	spec, ok := b.queues[msg.Queue]
	if !ok {
		return apperrors.NewValidationError("queue", fmt.Sprintf("unknown queue %q", msg.Queue))
	}

	errText := ""
	if lastErr != nil {
		errText = lastErr.Error()
	}

	err := nackScript.Run(ctx, b.client,
		[]string{b.inflightKey(msg.Queue), b.readyKey(msg.Queue), b.deadKey(), b.msgPrefix() + msg.ID},
		msg.ID, msg.DeliveryCount, spec.MaxRedelivery, errText, strconv.FormatInt(b.now().UnixMicro(), 10),
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to nack message: %w", err)
	}
	return nil
}

// Stats counts messages in every holding area of every queue.
func (b *Broker) Stats(ctx context.Context) (*Stats, error) {
	pipe := b.client.Pipeline()

	type queueCmds struct {
		ready    *redis.IntCmd
		delayed  *redis.IntCmd
		inflight *redis.IntCmd
	}
	cmds := make(map[string]queueCmds, len(b.queues))
	for name := range b.queues {
		cmds[name] = queueCmds{
			ready:    pipe.LLen(ctx, b.readyKey(name)),
			delayed:  pipe.ZCard(ctx, b.delayedKey(name)),
			inflight: pipe.ZCard(ctx, b.inflightKey(name)),
		}
	}
	deadCmd := pipe.LLen(ctx, b.deadKey())

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to get queue stats: %w", err)
	}

	stats := &Stats{Queues: make(map[string]QueueStats, len(cmds)), DeadLetters: deadCmd.Val()}
	for name, c := range cmds {
		stats.Queues[name] = QueueStats{
			Ready:    c.ready.Val(),
			Delayed:  c.delayed.Val(),
			InFlight: c.inflight.Val(),
		}
	}
	return stats, nil
}

// DeadLetters returns up to limit parked messages, oldest first.
func (b *Broker) DeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := b.client.LRange(ctx, b.deadKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := b.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, b.msgPrefix()+id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to load dead letters: %w", err)
	}

	letters := make([]*DeadLetter, 0, len(ids))
	for i, id := range ids {
		fields := cmds[i].Val()
		if len(fields) == 0 {
			continue
		}
		count, _ := strconv.Atoi(fields["delivery_count"])
		deadMicro, _ := strconv.ParseInt(fields["dead_at"], 10, 64)
		letters = append(letters, &DeadLetter{
			ID:            id,
			SourceQueue:   fields["queue"],
			Body:          []byte(fields["body"]),
			LastError:     fields["last_error"],
			DeliveryCount: count,
			DeadAt:        time.UnixMicro(deadMicro).UTC(),
		})
	}
	return letters, nil
}

// ReplayDeadLetters moves up to limit dead letters from source back to
// its ready list with a reset delivery counter. Returns how many moved.
func (b *Broker) ReplayDeadLetters(ctx context.Context, source string, limit int) (int, error) {
	if _, ok := b.queues[source]; !ok {
		return 0, apperrors.NewValidationError("queue", fmt.Sprintf("unknown queue %q", source))
	}

	letters, err := b.DeadLetters(ctx, limit)
	if err != nil {
		return 0, err
	}

	moved := 0
	for _, dl := range letters {
		if dl.SourceQueue != source {
			continue
		}
		pipe := b.client.Pipeline()
		pipe.LRem(ctx, b.deadKey(), 0, dl.ID)
		pipe.HSet(ctx, b.msgPrefix()+dl.ID, "delivery_count", 0)
		pipe.HDel(ctx, b.msgPrefix()+dl.ID, "last_error", "dead_at")
		pipe.RPush(ctx, b.readyKey(source), dl.ID)
		if _, err := pipe.Exec(ctx); err != nil {
			return moved, fmt.Errorf("failed to replay dead letter %s: %w", dl.ID, err)
		}
		moved++
	}
	return moved, nil
}

// Close closes the underlying Redis client.
func (b *Broker) Close() error {
	return b.client.Close()
}
