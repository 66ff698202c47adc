package mixer

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"avatar-mixer/server/internal/avatar"
	"avatar-mixer/server/internal/directory"
	"avatar-mixer/server/internal/telemetry"
	"avatar-mixer/server/logging"
	"avatar-mixer/server/logging/broadcast"
)

// Sender delivers a receiver's output. Implementations must not block: a
// full connection drops the message.
type Sender interface {
	SendPacketList(receiver uuid.UUID, packets [][]byte)
	SendIdentity(receiver uuid.UUID, record IdentityRecord)
	SendBubbleNotice(receiver uuid.UUID, source uuid.UUID)
}

type Config struct {
	Settings  Settings
	Directory *directory.Directory
	Codec     avatar.Codec
	Sender    Sender
	Publisher logging.Publisher
	Logger    telemetry.Logger
	Metrics   telemetry.Metrics
	Clock     logging.Clock
	Seed      SeedFunc
	// NewRandom builds a job's generator from its seed. Tests substitute
	// scripted draws.
	NewRandom func(seed int64) Random
}

// Broadcaster runs one receiver job per participant every tick.
type Broadcaster struct {
	settings   Settings
	directory  *directory.Directory
	codec      avatar.Codec
	sender     Sender
	publisher  logging.Publisher
	logger     telemetry.Logger
	clock      logging.Clock
	seed       SeedFunc
	newRandom  func(int64) Random
	aggregator *Aggregator

	lastRoundStart time.Time
	throttling     atomic.Uint64
}

func NewBroadcaster(cfg Config) (*Broadcaster, error) {
	if cfg.Directory == nil {
		return nil, errors.New("mixer: directory is required")
	}
	if cfg.Codec == nil {
		return nil, errors.New("mixer: codec is required")
	}
	if cfg.Sender == nil {
		return nil, errors.New("mixer: sender is required")
	}
	if cfg.Settings.TickRate <= 0 {
		return nil, fmt.Errorf("mixer: tick rate must be positive, got %d", cfg.Settings.TickRate)
	}
	if cfg.Settings.MaxPacketPayload <= EnvelopeSize {
		return nil, fmt.Errorf("mixer: max packet payload %d leaves no room for records", cfg.Settings.MaxPacketPayload)
	}
	if cfg.Publisher == nil {
		cfg.Publisher = logging.NopPublisher()
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.LoggerFunc(nil)
	}
	if cfg.Clock == nil {
		cfg.Clock = logging.SystemClock{}
	}
	if cfg.Seed == nil {
		cfg.Seed = DeterministicSeed("avatar-mixer")
	}
	if cfg.NewRandom == nil {
		cfg.NewRandom = func(seed int64) Random { return newJobRandom(seed) }
	}
	if cfg.Settings.Workers <= 0 {
		cfg.Settings.Workers = runtime.GOMAXPROCS(0)
	}
	if cfg.Settings.RoundBudgetRatio <= 0 {
		cfg.Settings.RoundBudgetRatio = 1
	}
	b := &Broadcaster{
		settings:   cfg.Settings,
		directory:  cfg.Directory,
		codec:      cfg.Codec,
		sender:     cfg.Sender,
		publisher:  cfg.Publisher,
		logger:     cfg.Logger,
		clock:      cfg.Clock,
		seed:       cfg.Seed,
		newRandom:  cfg.NewRandom,
		aggregator: NewAggregator(telemetry.Prefixed(cfg.Metrics, "mixer_")),
	}
	b.SetThrottlingRatio(cfg.Settings.ThrottlingRatio)
	return b, nil
}

func (b *Broadcaster) Settings() Settings {
	return b.settings
}

// Aggregator exposes the accumulated round statistics.
func (b *Broadcaster) Aggregator() *Aggregator {
	return b.aggregator
}

// SetThrottlingRatio changes the budget reduction applied from the next
// round on. It may be called from any goroutine.
func (b *Broadcaster) SetThrottlingRatio(ratio float64) {
	b.throttling.Store(uint64(clampRatio(ratio) * 1e6))
}

func (b *Broadcaster) ThrottlingRatio() float64 {
	return float64(b.throttling.Load()) / 1e6
}

// BudgetFor is the per-tick body budget of receiver.
func (b *Broadcaster) BudgetFor(receiver *directory.Participant) int {
	kbps := b.settings.MaxKbpsPerNode
	if override := receiver.MaxKbps(); override > 0 {
		kbps = override
	}
	return BytesPerTick(kbps, b.settings.TickRate, b.ThrottlingRatio())
}

// round is the state shared read-only by the jobs of one Broadcast.
type round struct {
	tick         uint64
	now          time.Time
	prevStart    time.Time
	participants []*directory.Participant
}

// Broadcast runs one round. Receivers whose job has not started when the
// round deadline passes are skipped for this tick.
func (b *Broadcaster) Broadcast(ctx context.Context, tick uint64) RoundStats {
	start := time.Now()
	r := &round{
		tick:         tick,
		now:          b.clock.Now(),
		prevStart:    b.lastRoundStart,
		participants: b.directory.Participants(),
	}
	deadline := start.Add(time.Duration(float64(b.settings.TickInterval()) * b.settings.RoundBudgetRatio))

	results := make([]JobStats, len(r.participants))
	var skipped atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.settings.Workers)
	for i, receiver := range r.participants {
		i, receiver := i, receiver
		g.Go(func() error {
			if gctx.Err() != nil || time.Now().After(deadline) {
				skipped.Add(1)
				return nil
			}
			results[i] = b.runJob(gctx, r, receiver)
			return nil
		})
	}
	_ = g.Wait()

	stats := RoundStats{
		Tick:             tick,
		Receivers:        len(r.participants),
		ReceiversSkipped: int(skipped.Load()),
	}
	for _, result := range results {
		stats.Jobs.Merge(result)
	}
	stats.Elapsed = time.Since(start)
	b.lastRoundStart = r.now
	b.aggregator.AddRound(stats)

	if stats.ReceiversSkipped > 0 {
		broadcast.ReceiversSkipped(ctx, b.publisher, tick, broadcast.ReceiversSkippedPayload{
			Skipped:        stats.ReceiversSkipped,
			Receivers:      stats.Receivers,
			DeadlineMillis: deadline.Sub(start).Milliseconds(),
		}, nil)
	}
	return stats
}

func clampRatio(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
