package presence

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"pulsechat/internal/metrics"
)

// Snapshot is the full presence state of one user after a mutation. An empty
// Connections slice means the user is no longer tracked.
type Snapshot struct {
	UserID        string
	Connections   []string
	Online        bool
	LastHeartbeat time.Time
}

// Mirror receives every snapshot the Store produces. Publish is called with the
// store lock held and must not block.
type Mirror interface {
	Publish(Snapshot)
}

type noopMirror struct{}

func (noopMirror) Publish(Snapshot) {}

const (
	defaultMirrorQueue   = 1024
	defaultMirrorTimeout = 2 * time.Second
	resetScanCount       = 200
)

// MirrorOptions configures a RedisMirror.
type MirrorOptions struct {
	Prefix       string
	QueueSize    int
	WriteTimeout time.Duration
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

// RedisMirror copies presence into Redis using the keys
// user:<id>:sockets (set), user:<id>:online and user:<id>:lastHeartbeat (unix ms)
// so other processes can read it. Redis is never the source of truth: writes are
// asynchronous and a failing Redis trips a circuit breaker instead of slowing
// the store down.
type RedisMirror struct {
	client  redis.UniversalClient
	prefix  string
	queue   chan Snapshot
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker[any]
	logger  *zap.Logger
	metrics *metrics.Metrics
	dropped atomic.Uint64
}

// NewRedisMirror wraps client. Call Serve to start writing.
func NewRedisMirror(client redis.UniversalClient, opts MirrorOptions) *RedisMirror {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultMirrorQueue
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultMirrorTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	logger := opts.Logger
	m := &RedisMirror{
		client:  client,
		prefix:  opts.Prefix,
		queue:   make(chan Snapshot, opts.QueueSize),
		timeout: opts.WriteTimeout,
		logger:  logger,
		metrics: opts.Metrics,
	}
	m.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "presence-redis",
		MaxRequests: 1,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("presence mirror breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return m
}

// Publish enqueues a snapshot, dropping it when the queue is full.
func (m *RedisMirror) Publish(snap Snapshot) {
	select {
	case m.queue <- snap:
	default:
		m.dropped.Add(1)
		m.metrics.MirrorError()
	}
}

// Dropped reports how many snapshots were discarded because the queue was full.
func (m *RedisMirror) Dropped() uint64 {
	return m.dropped.Load()
}

// Serve writes queued snapshots until ctx is cancelled, then drains what is left.
// A write already dequeued still completes after cancellation, bounded by the
// write timeout.
func (m *RedisMirror) Serve(ctx context.Context) error {
	writeCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(writeCtx, m.timeout)
			m.Flush(drainCtx)
			cancel()
			return nil
		case snap := <-m.queue:
			m.apply(writeCtx, snap)
		}
	}
}

// Flush synchronously writes every snapshot currently queued and returns how many it handled.
func (m *RedisMirror) Flush(ctx context.Context) int {
	n := 0
	for {
		select {
		case snap := <-m.queue:
			m.apply(ctx, snap)
			n++
		default:
			return n
		}
	}
}

func (m *RedisMirror) String() string {
	return "presence-redis-mirror"
}

func (m *RedisMirror) apply(ctx context.Context, snap Snapshot) {
	_, err := m.breaker.Execute(func() (any, error) {
		wctx, cancel := context.WithTimeout(ctx, m.timeout)
		defer cancel()
		return nil, m.write(wctx, snap)
	})
	if err == nil {
		return
	}
	m.metrics.MirrorError()
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		m.logger.Debug("presence mirror skipped", zap.String("user_id", snap.UserID), zap.Error(err))
		return
	}
	m.logger.Warn("presence mirror write failed", zap.String("user_id", snap.UserID), zap.Error(err))
}

func (m *RedisMirror) write(ctx context.Context, snap Snapshot) error {
	sockets, online, heartbeat := m.keys(snap.UserID)
	_, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, sockets)
		if len(snap.Connections) == 0 {
			pipe.Del(ctx, online, heartbeat)
			return nil
		}
		members := make([]any, len(snap.Connections))
		for i, id := range snap.Connections {
			members[i] = id
		}
		pipe.SAdd(ctx, sockets, members...)
		pipe.Set(ctx, online, strconv.FormatBool(snap.Online), 0)
		pipe.Set(ctx, heartbeat, strconv.FormatInt(snap.LastHeartbeat.UnixMilli(), 10), 0)
		return nil
	})
	return err
}

// Lookup reads the mirrored state of a user back from Redis.
func (m *RedisMirror) Lookup(ctx context.Context, userID string) (Snapshot, error) {
	sockets, online, heartbeat := m.keys(userID)
	snap := Snapshot{UserID: userID}
	conns, err := m.client.SMembers(ctx, sockets).Result()
	if err != nil {
		return snap, err
	}
	if len(conns) > 0 {
		snap.Connections = conns
	}
	flag, err := m.client.Get(ctx, online).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return snap, err
	}
	snap.Online = flag == "true"
	ms, err := m.client.Get(ctx, heartbeat).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return snap, err
	}
	if ms > 0 {
		snap.LastHeartbeat = time.UnixMilli(ms)
	}
	return snap, nil
}

// Reset deletes every key under the mirror's prefix. It is run at startup so a
// crashed predecessor does not leave users looking online.
func (m *RedisMirror) Reset(ctx context.Context) (int, error) {
	var (
		cursor  uint64
		removed int
	)
	for {
		keys, next, err := m.client.Scan(ctx, cursor, m.prefix+"user:*", resetScanCount).Result()
		if err != nil {
			return removed, err
		}
		if len(keys) > 0 {
			n, err := m.client.Del(ctx, keys...).Result()
			if err != nil {
				return removed, err
			}
			removed += int(n)
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

func (m *RedisMirror) keys(userID string) (sockets, online, heartbeat string) {
	base := m.prefix + "user:" + userID
	return base + ":sockets", base + ":online", base + ":lastHeartbeat"
}
