package broadcast

import (
	"context"

	"avatar-mixer/server/logging"
)

const (
	// EventOversizeRecordDropped is emitted when an avatar record cannot be
	// shrunk below the packet payload ceiling and is left out of the tick.
	EventOversizeRecordDropped logging.EventType = "broadcast.oversize_record_dropped"
	// EventReceiversSkipped is emitted when the round deadline passes before
	// every receiver's job could start.
	EventReceiversSkipped logging.EventType = "broadcast.receivers_skipped"
	// EventJobRecovered is emitted when a receiver job panics and the packed
	// records are flushed anyway.
	EventJobRecovered logging.EventType = "broadcast.job_recovered"
)

// OversizeRecordPayload describes the record that could not fit.
type OversizeRecordPayload struct {
	Source  string `json:"source"`
	Bytes   int    `json:"bytes"`
	Ceiling int    `json:"ceiling"`
}

// ReceiversSkippedPayload reports how many receivers missed the round.
type ReceiversSkippedPayload struct {
	Skipped        int   `json:"skipped"`
	Receivers      int   `json:"receivers"`
	DeadlineMillis int64 `json:"deadlineMillis"`
}

// JobRecoveredPayload carries the recovered panic value.
type JobRecoveredPayload struct {
	Stage string `json:"stage"`
	Panic string `json:"panic"`
}

// OversizeRecordDropped publishes a warning for a dropped oversize record.
func OversizeRecordDropped(ctx context.Context, pub logging.Publisher, tick uint64, receiver logging.EntityRef, payload OversizeRecordPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventOversizeRecordDropped,
		Tick:     tick,
		Actor:    receiver,
		Targets:  []logging.EntityRef{logging.ParticipantRef(payload.Source)},
		Severity: logging.SeverityWarn,
		Category: logging.CategoryBroadcast,
		Payload:  payload,
		Extra:    extra,
	})
}

// ReceiversSkipped publishes a warning when the round deadline cut receivers.
func ReceiversSkipped(ctx context.Context, pub logging.Publisher, tick uint64, payload ReceiversSkippedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventReceiversSkipped,
		Tick:     tick,
		Actor:    logging.EntityRef{Kind: logging.EntityKindMixer},
		Severity: logging.SeverityWarn,
		Category: logging.CategoryBroadcast,
		Payload:  payload,
		Extra:    extra,
	})
}

// JobRecovered publishes an error when a receiver job recovered from a panic.
func JobRecovered(ctx context.Context, pub logging.Publisher, tick uint64, receiver logging.EntityRef, payload JobRecoveredPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventJobRecovered,
		Tick:     tick,
		Actor:    receiver,
		Severity: logging.SeverityError,
		Category: logging.CategoryBroadcast,
		Payload:  payload,
		Extra:    extra,
	})
}
