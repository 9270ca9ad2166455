package presence

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"pulsechat/internal/metrics"
)

const (
	DefaultSweepInterval  = 10 * time.Second
	DefaultOfflineTimeout = 30 * time.Second
)

// DetectorOptions configures a Detector.
type DetectorOptions struct {
	Clock    clockwork.Clock
	Interval time.Duration
	Timeout  time.Duration
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// Detector periodically sweeps a Store for users whose heartbeats stopped.
type Detector struct {
	store    *Store
	clock    clockwork.Clock
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewDetector builds a Detector for store. Zero options use the defaults.
func NewDetector(store *Store, opts DetectorOptions) *Detector {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultSweepInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = store.Timeout()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Detector{
		store:    store,
		clock:    opts.Clock,
		interval: opts.Interval,
		timeout:  opts.Timeout,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}
}

// Serve runs sweeps every interval until ctx is cancelled.
func (d *Detector) Serve(ctx context.Context) error {
	ticker := d.clock.NewTicker(d.interval)
	defer ticker.Stop()
	d.logger.Info("failure detector started",
		zap.Duration("interval", d.interval),
		zap.Duration("timeout", d.timeout),
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			d.Sweep()
		}
	}
}

// Sweep runs a single pass. A panic inside the pass is logged and swallowed so
// the next tick still runs.
func (d *Detector) Sweep() (transitions []Transition) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("presence sweep panicked", zap.Any("panic", r))
			transitions = nil
		}
		d.metrics.ObserveSweep(time.Since(start))
	}()
	transitions = d.store.SweepExpired(d.clock.Now(), d.timeout)
	if len(transitions) > 0 {
		d.logger.Info("presence sweep marked users offline", zap.Int("count", len(transitions)))
	}
	return transitions
}

func (d *Detector) String() string {
	return "presence-failure-detector"
}
