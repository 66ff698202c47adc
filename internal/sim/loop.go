package sim

import (
	"context"
	"time"

	"avatar-mixer/server/internal/directory"
	"avatar-mixer/server/internal/mixer"
	"avatar-mixer/server/internal/telemetry"
	"avatar-mixer/server/logging"
	"avatar-mixer/server/logging/simulation"
)

// InboundProcessor applies the avatar packets received since the last tick.
type InboundProcessor interface {
	ProcessIncoming(ctx context.Context, tick uint64, now time.Time, workers int) directory.InboundStats
}

// RoundBroadcaster sends one round of avatar data to every receiver.
type RoundBroadcaster interface {
	Broadcast(ctx context.Context, tick uint64) mixer.RoundStats
	Aggregator() *mixer.Aggregator
}

// LoopConfig tunes the fixed-rate mixer loop.
type LoopConfig struct {
	TickRate       int
	InboundWorkers int

	// OverrunWarnStreak publishes an overrun event on the first breach and
	// then every time the streak reaches a multiple of this value.
	OverrunWarnStreak uint64
}

// LoopHooks let callers observe or override tick sequencing.
type LoopHooks struct {
	NextTick  func() uint64
	AfterStep func(LoopStepResult)
}

type LoopDeps struct {
	Inbound     InboundProcessor
	Broadcaster RoundBroadcaster
	Publisher   logging.Publisher
	Logger      telemetry.Logger
	Metrics     telemetry.Metrics
	Clock       logging.Clock
}

// LoopTickContext is the input of one step.
type LoopTickContext struct {
	Tick  uint64
	Now   time.Time
	Delta float64
}

// LoopStepResult describes one completed step.
type LoopStepResult struct {
	Tick     uint64
	Now      time.Time
	Delta    float64
	Inbound  directory.InboundStats
	Round    mixer.RoundStats
	Duration time.Duration
	Budget   time.Duration
	Overrun  bool
}

// Loop runs inbound processing followed by a broadcast round at a fixed
// rate.
type Loop struct {
	config LoopConfig
	hooks  LoopHooks
	deps   LoopDeps
	budget *TickBudget
	tick   uint64
}

func NewLoop(cfg LoopConfig, deps LoopDeps, hooks LoopHooks) *Loop {
	if deps.Inbound == nil || deps.Broadcaster == nil {
		return nil
	}
	if cfg.TickRate <= 0 {
		cfg.TickRate = 45
	}
	if cfg.InboundWorkers <= 0 {
		cfg.InboundWorkers = 4
	}
	if cfg.OverrunWarnStreak == 0 {
		cfg.OverrunWarnStreak = 16
	}
	if deps.Publisher == nil {
		deps.Publisher = logging.NopPublisher()
	}
	if deps.Logger == nil {
		deps.Logger = telemetry.LoggerFunc(nil)
	}
	if deps.Clock == nil {
		deps.Clock = logging.SystemClock{}
	}
	return &Loop{
		config: cfg,
		hooks:  hooks,
		deps:   deps,
		budget: NewTickBudget(time.Second / time.Duration(cfg.TickRate)),
	}
}

// Budget exposes the overrun accounting.
func (l *Loop) Budget() *TickBudget {
	if l == nil {
		return nil
	}
	return l.budget
}

// Advance executes a single step.
func (l *Loop) Advance(ctx context.Context, tc LoopTickContext) LoopStepResult {
	if l == nil {
		return LoopStepResult{}
	}
	start := time.Now()
	inbound := l.deps.Inbound.ProcessIncoming(ctx, tc.Tick, tc.Now, l.config.InboundWorkers)
	l.deps.Broadcaster.Aggregator().AddInbound(inbound)
	round := l.deps.Broadcaster.Broadcast(ctx, tc.Tick)

	result := LoopStepResult{
		Tick:     tc.Tick,
		Now:      tc.Now,
		Delta:    tc.Delta,
		Inbound:  inbound,
		Round:    round,
		Duration: time.Since(start),
		Budget:   l.budget.Budget(),
	}
	l.account(ctx, &result)
	return result
}

func (l *Loop) account(ctx context.Context, result *LoopStepResult) {
	if l.deps.Metrics != nil {
		l.deps.Metrics.Store("loop_tick_duration_us", uint64(result.Duration.Microseconds()))
	}
	if result.Duration <= result.Budget {
		if ended := l.budget.ResetStreak(); ended > 0 {
			simulation.TickBudgetRecovered(ctx, l.deps.Publisher, result.Tick, simulation.TickBudgetRecoveredPayload{
				Streak:         ended,
				DurationMillis: result.Duration.Milliseconds(),
			}, nil)
		}
		return
	}
	result.Overrun = true
	streak := l.budget.RecordOverrun(result.Duration)
	if l.deps.Metrics != nil {
		l.deps.Metrics.Add("loop_tick_overruns", 1)
	}
	if streak != 1 && streak%l.config.OverrunWarnStreak != 0 {
		return
	}
	ratio := float64(result.Duration) / float64(result.Budget)
	simulation.TickBudgetOverrun(ctx, l.deps.Publisher, result.Tick, simulation.TickBudgetOverrunPayload{
		DurationMillis: result.Duration.Milliseconds(),
		BudgetMillis:   result.Budget.Milliseconds(),
		Ratio:          ratio,
		Streak:         streak,
		Bucket:         overrunBucket(result.Duration, result.Budget),
	}, nil)
	l.deps.Logger.Printf("[mixer] tick %d took %s (%.2fx budget, streak %d)", result.Tick, result.Duration, ratio, streak)
}

// Run drives the loop until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	if l == nil {
		return
	}
	interval := time.Second / time.Duration(l.config.TickRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	clock := l.deps.Clock
	last := clock.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := clock.Now()
			dt := now.Sub(last).Seconds()
			if dt <= 0 {
				dt = interval.Seconds()
			}
			last = now

			var tick uint64
			if l.hooks.NextTick != nil {
				tick = l.hooks.NextTick()
			} else {
				l.tick++
				tick = l.tick
			}

			result := l.Advance(ctx, LoopTickContext{Tick: tick, Now: now, Delta: dt})
			if l.hooks.AfterStep != nil {
				l.hooks.AfterStep(result)
			}
		}
	}
}
