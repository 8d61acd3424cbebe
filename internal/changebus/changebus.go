// Package changebus fans out store.ChangeEvent values to GET /watch
// subscribers (spec §4.D, §5). Every registry replica runs its own
// in-process fan-out; when a RedisURL is configured, each replica also
// publishes to (and subscribes from) a shared channel so a watcher
// connected to replica B observes a mutation that happened on replica A.
// Redis is optional: a registry with no RedisURL configured runs in
// single-replica mode with only the in-process bus active.
package changebus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"agentmesh/internal/logging"
	"agentmesh/internal/store"
)

const redisChannel = "agentmesh:changes"

// wireEvent tags a published event with its originating replica so that
// replica's own Redis subscriber can ignore the echo of its own publish
// (it already delivered the event to its local watchers directly).
type wireEvent struct {
	Origin string           `json:"origin"`
	Event  store.ChangeEvent `json:"event"`
}

// Bus distributes change events to subscribed watchers.
type Bus struct {
	log *logging.Logger

	mu       sync.Mutex
	watchers map[int]*watcher
	nextID   int

	queueSize int

	redis    *redis.Client
	originID string
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

type watcher struct {
	ch chan store.ChangeEvent
}

// New builds a Bus. If redisURL is non-empty, it also starts a background
// subscriber that republishes remote events into this replica's watchers.
func New(log *logging.Logger, queueSize int, redisURL string) *Bus {
	if queueSize <= 0 {
		queueSize = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		log:       log,
		watchers:  make(map[int]*watcher),
		queueSize: queueSize,
		originID:  uuid.NewString(),
		ctx:       ctx,
		cancel:    cancel,
	}

	if redisURL == "" {
		return b
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Warning("invalid REDIS_URL, falling back to in-process watch fan-out only: %v", err)
		return b
	}
	b.redis = redis.NewClient(opts)
	b.wg.Add(1)
	go b.subscribeLoop()
	return b
}

// Close stops the Redis subscriber, if any, and drops all current watchers.
func (b *Bus) Close() {
	b.cancel()
	if b.redis != nil {
		b.wg.Wait()
		b.redis.Close()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, w := range b.watchers {
		close(w.ch)
	}
	b.watchers = make(map[int]*watcher)
}

// Publish delivers evt to every local watcher and, if Redis is configured,
// to every other replica's watchers. A watcher whose queue is full is
// dropped (its channel is closed and it is unsubscribed), not blocked-on: a
// slow consumer never stalls a mutation.
func (b *Bus) Publish(evt store.ChangeEvent) {
	b.deliverLocal(evt)
	if b.redis == nil {
		return
	}
	payload, err := json.Marshal(wireEvent{Origin: b.originID, Event: evt})
	if err != nil {
		b.log.Warning("marshaling change event for redis publish: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(b.ctx, 2*time.Second)
	defer cancel()
	if err := b.redis.Publish(ctx, redisChannel, payload).Err(); err != nil {
		b.log.Warning("publishing change event to redis: %v", err)
	}
}

func (b *Bus) deliverLocal(evt store.ChangeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, w := range b.watchers {
		select {
		case w.ch <- evt:
		default:
			b.log.Warning("watcher %d queue full at event for %s, dropping slow watcher", id, evt.AgentID)
			close(w.ch)
			delete(b.watchers, id)
		}
	}
}

// Subscribe registers a new watcher and returns its event channel plus an
// unsubscribe function the caller must invoke when done (typically on
// request context cancellation).
func (b *Bus) Subscribe() (<-chan store.ChangeEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	w := &watcher{ch: make(chan store.ChangeEvent, b.queueSize)}
	b.watchers[id] = w

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.watchers[id]; ok {
			close(existing.ch)
			delete(b.watchers, id)
		}
	}
	return w.ch, unsubscribe
}

func (b *Bus) subscribeLoop() {
	defer b.wg.Done()
	sub := b.redis.Subscribe(b.ctx, redisChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var wire wireEvent
			if err := json.Unmarshal([]byte(msg.Payload), &wire); err != nil {
				b.log.Warning("decoding change event from redis: %v", err)
				continue
			}
			if wire.Origin == b.originID {
				continue // already delivered locally by Publish
			}
			b.deliverLocal(wire.Event)
		case <-b.ctx.Done():
			return
		}
	}
}
