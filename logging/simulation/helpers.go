// Package simulation publishes events about the fixed-rate mixer loop.
package simulation

import (
	"context"

	"avatar-mixer/server/logging"
)

const (
	EventTickBudgetOverrun   logging.EventType = "simulation.tick_budget_overrun"
	EventTickBudgetRecovered logging.EventType = "simulation.tick_budget_recovered"
)

// TickBudgetOverrunPayload describes one reported breach. Bucket is the
// overrun class (over_1_5x, over_2x, over_3x, over_gt3x).
type TickBudgetOverrunPayload struct {
	DurationMillis int64   `json:"durationMillis"`
	BudgetMillis   int64   `json:"budgetMillis"`
	Ratio          float64 `json:"ratio"`
	Streak         uint64  `json:"streak"`
	Bucket         string  `json:"bucket"`
}

// TickBudgetRecoveredPayload reports the length of a streak that just ended.
type TickBudgetRecoveredPayload struct {
	Streak         uint64 `json:"streak"`
	DurationMillis int64  `json:"durationMillis"`
}

func mixerEvent(eventType logging.EventType, tick uint64, severity logging.Severity, payload any, extra map[string]any) logging.Event {
	return logging.Event{
		Type:     eventType,
		Tick:     tick,
		Actor:    logging.EntityRef{ID: "loop", Kind: logging.EntityKindMixer},
		Severity: severity,
		Category: logging.CategorySystem,
		Payload:  payload,
		Extra:    extra,
	}
}

// TickBudgetOverrun publishes a warning for a tick that ran past its interval.
func TickBudgetOverrun(ctx context.Context, pub logging.Publisher, tick uint64, payload TickBudgetOverrunPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	severity := logging.SeverityWarn
	if payload.Bucket == "over_gt3x" {
		severity = logging.SeverityError
	}
	pub.Publish(ctx, mixerEvent(EventTickBudgetOverrun, tick, severity, payload, extra))
}

// TickBudgetRecovered publishes the first on-time tick after a streak of
// overruns.
func TickBudgetRecovered(ctx context.Context, pub logging.Publisher, tick uint64, payload TickBudgetRecoveredPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, mixerEvent(EventTickBudgetRecovered, tick, logging.SeverityInfo, payload, extra))
}
