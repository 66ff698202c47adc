package sim

import (
	"sync"
	"time"
)

// TickBudget tracks how often and how badly ticks run past their interval.
type TickBudget struct {
	mu             sync.Mutex
	budget         time.Duration
	currentStreak  uint64
	maxStreak      uint64
	lastOverrun    time.Duration
	totalOverruns  uint64
	overrunBuckets map[string]uint64
}

// TickBudgetSnapshot is the diagnostics view of a TickBudget.
type TickBudgetSnapshot struct {
	BudgetMillis      int64             `json:"budgetMillis"`
	CurrentStreak     uint64            `json:"currentStreak"`
	MaxStreak         uint64            `json:"maxStreak"`
	LastOverrunMillis int64             `json:"lastOverrunMillis"`
	TotalOverruns     uint64            `json:"totalOverruns"`
	Overruns          map[string]uint64 `json:"overruns"`
}

func NewTickBudget(budget time.Duration) *TickBudget {
	return &TickBudget{budget: budget, overrunBuckets: make(map[string]uint64)}
}

func (b *TickBudget) Budget() time.Duration {
	return b.budget
}

// RecordOverrun counts one overlong tick and returns the current streak.
func (b *TickBudget) RecordOverrun(duration time.Duration) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.currentStreak++
	if b.currentStreak > b.maxStreak {
		b.maxStreak = b.currentStreak
	}
	b.lastOverrun = duration
	b.totalOverruns++
	b.overrunBuckets[overrunBucket(duration, b.budget)]++
	return b.currentStreak
}

// ResetStreak ends the current streak and returns its length.
func (b *TickBudget) ResetStreak() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	ended := b.currentStreak
	b.currentStreak = 0
	return ended
}

func (b *TickBudget) Snapshot() TickBudgetSnapshot {
	if b == nil {
		return TickBudgetSnapshot{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	buckets := make(map[string]uint64, len(b.overrunBuckets))
	for k, v := range b.overrunBuckets {
		buckets[k] = v
	}
	return TickBudgetSnapshot{
		BudgetMillis:      b.budget.Milliseconds(),
		CurrentStreak:     b.currentStreak,
		MaxStreak:         b.maxStreak,
		LastOverrunMillis: b.lastOverrun.Milliseconds(),
		TotalOverruns:     b.totalOverruns,
		Overruns:          buckets,
	}
}

func overrunBucket(duration, budget time.Duration) string {
	if budget <= 0 {
		return "over_gt3x"
	}
	ratio := float64(duration) / float64(budget)
	switch {
	case ratio <= 1.5:
		return "over_1_5x"
	case ratio <= 2:
		return "over_2x"
	case ratio < 3:
		return "over_3x"
	default:
		return "over_gt3x"
	}
}
