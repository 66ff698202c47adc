package network

import (
	"context"

	"avatar-mixer/server/logging"
)

const (
	// EventInboundRejected is emitted when a client message cannot be decoded or applied.
	EventInboundRejected logging.EventType = "network.inbound_rejected"
	// EventSendQueueFull is emitted when an outbound message is dropped because the
	// connection's write queue is saturated.
	EventSendQueueFull logging.EventType = "network.send_queue_full"
)

// InboundRejectedPayload describes a rejected client message.
type InboundRejectedPayload struct {
	Kind   string `json:"kind"`
	Bytes  int    `json:"bytes"`
	Reason string `json:"reason"`
}

// SendQueueFullPayload describes a dropped outbound message.
type SendQueueFullPayload struct {
	Kind     string `json:"kind"`
	Bytes    int    `json:"bytes"`
	Capacity int    `json:"capacity"`
}

// InboundRejected publishes a warning when a client message is rejected.
func InboundRejected(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload InboundRejectedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventInboundRejected,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityWarn,
		Category: "network",
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// SendQueueFull publishes a debug event when an outbound message is dropped.
func SendQueueFull(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload SendQueueFullPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventSendQueueFull,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityDebug,
		Category: "network",
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}
