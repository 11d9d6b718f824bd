package redis

import (
	"context"
	"encoding/json"
	"sync"

	goredis "github.com/redis/go-redis/v9"

	"github.com/inkforge/inkforge-backend/internal/platform/envutil"
	"github.com/inkforge/inkforge-backend/internal/platform/logger"
)

// Envelope is the wire shape published on the bus. Seq is zero for
// transient progress events that never hit the event table.
type Envelope struct {
	Seq          int64           `json:"seq,omitempty"`
	ExecutionID  string          `json:"execution_id"`
	PipelineType string          `json:"pipeline_type"`
	EventType    string          `json:"event_type"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// EventBus fans pipeline events out across processes over a Redis pub/sub
// channel. Local subscribers get everything published by any process.
type EventBus struct {
	client  *goredis.Client
	channel string
	log     *logger.Logger

	mu   sync.RWMutex
	subs map[int]chan Envelope
	next int

	closeOnce sync.Once
	closed    chan struct{}
}

func NewEventBus(baseLog *logger.Logger) *EventBus {
	log := baseLog.With("component", "EventBus")
	client := goredis.NewClient(&goredis.Options{
		Addr:     envutil.Str("REDIS_ADDR", "localhost:6379", log),
		Password: envutil.Str("REDIS_PASSWORD", "", log),
		DB:       envutil.Int("REDIS_DB", 0, log),
	})
	return &EventBus{
		client:  client,
		channel: envutil.Str("REDIS_PIPELINE_CHANNEL", "pipeline:events", log),
		log:     log,
		subs:    map[int]chan Envelope{},
		closed:  make(chan struct{}),
	}
}

func (b *EventBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Publish sends an envelope to every process listening on the channel.
// Publish failures are logged, never returned: observers are best effort.
func (b *EventBus) Publish(ctx context.Context, env Envelope) {
	raw, err := json.Marshal(env)
	if err != nil {
		b.log.Warn("event marshal failed", "event_type", env.EventType, "error", err)
		return
	}
	if err := b.client.Publish(ctx, b.channel, raw).Err(); err != nil {
		b.log.Warn("event publish failed", "event_type", env.EventType, "error", err)
	}
}

// Subscribe registers a local consumer. The returned cancel must be called;
// slow consumers drop events rather than block the forwarder.
func (b *EventBus) Subscribe(buffer int) (<-chan Envelope, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Envelope, buffer)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()
	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// StartForwarder pumps the Redis channel into local subscribers until ctx is
// cancelled or the bus closes.
func (b *EventBus) StartForwarder(ctx context.Context) {
	sub := b.client.Subscribe(ctx, b.channel)
	go func() {
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.closed:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					b.log.Warn("event decode failed", "error", err)
					continue
				}
				b.fanout(env)
			}
		}
	}()
}

func (b *EventBus) fanout(env Envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- env:
		default:
		}
	}
}

func (b *EventBus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.closed)
		b.mu.Lock()
		for id, ch := range b.subs {
			delete(b.subs, id)
			close(ch)
		}
		b.mu.Unlock()
		err = b.client.Close()
	})
	return err
}
