// Package directory keeps the set of connected participants, their latest
// avatar state, and the per-receiver transmission bookkeeping.
package directory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"avatar-mixer/server/internal/avatar"
	"avatar-mixer/server/internal/telemetry"
	"avatar-mixer/server/logging"
	"avatar-mixer/server/logging/network"
)

// ErrDuplicateParticipant is returned by Join for an id already present.
var ErrDuplicateParticipant = errors.New("directory: participant already joined")

type Config struct {
	InboundCapacity int
	Metrics         telemetry.Metrics
	Publisher       logging.Publisher
}

// Directory is safe for concurrent use.
type Directory struct {
	mu        sync.RWMutex
	byID      map[uuid.UUID]*Participant
	order     []*Participant
	nextIndex uint64

	inboundCapacity int
	metrics         telemetry.Metrics
	publisher       logging.Publisher
}

func New(cfg Config) *Directory {
	if cfg.InboundCapacity <= 0 {
		cfg.InboundCapacity = 32
	}
	if cfg.Publisher == nil {
		cfg.Publisher = logging.NopPublisher()
	}
	return &Directory{
		byID:            make(map[uuid.UUID]*Participant),
		inboundCapacity: cfg.InboundCapacity,
		metrics:         cfg.Metrics,
		publisher:       cfg.Publisher,
	}
}

// Join registers a participant. The returned value stays valid after Leave
// and reports Departed.
func (d *Directory) Join(id uuid.UUID) (*Participant, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.byID[id]; exists {
		return nil, fmt.Errorf("join %s: %w", id, ErrDuplicateParticipant)
	}
	var metrics telemetryMetrics
	if d.metrics != nil {
		metrics = d.metrics
	}
	p := newParticipant(id, d.nextIndex, NewPacketBuffer(d.inboundCapacity, metrics))
	d.nextIndex++
	d.byID[id] = p
	d.order = append(d.order, p)
	return p, nil
}

// Leave removes a participant. Other receivers drop their records about it
// on their next job.
func (d *Directory) Leave(id uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.byID[id]
	if !ok {
		return false
	}
	p.departed.Store(true)
	delete(d.byID, id)
	for i, candidate := range d.order {
		if candidate == p {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	return true
}

func (d *Directory) Get(id uuid.UUID) (*Participant, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.byID[id]
	return p, ok
}

// Participants returns the current participants in join order.
func (d *Directory) Participants() []*Participant {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Participant, len(d.order))
	copy(out, d.order)
	return out
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.order)
}

// InboundStats summarizes one ProcessIncoming pass.
type InboundStats struct {
	NodesProcessed   int           `json:"nodesProcessed"`
	PacketsProcessed int           `json:"packetsProcessed"`
	Rejected         int           `json:"rejected"`
	Elapsed          time.Duration `json:"elapsed"`
}

// ProcessIncoming drains every participant's inbound buffer in parallel and
// applies the decoded updates in arrival order.
func (d *Directory) ProcessIncoming(ctx context.Context, tick uint64, now time.Time, workers int) InboundStats {
	start := time.Now()
	participants := d.Participants()
	results := make([]InboundStats, len(participants))

	g, _ := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for i, p := range participants {
		i, p := i, p
		g.Go(func() error {
			results[i] = d.processParticipant(ctx, tick, now, p)
			return nil
		})
	}
	_ = g.Wait()

	var total InboundStats
	for _, r := range results {
		total.NodesProcessed += r.NodesProcessed
		total.PacketsProcessed += r.PacketsProcessed
		total.Rejected += r.Rejected
	}
	total.Elapsed = time.Since(start)
	return total
}

func (d *Directory) processParticipant(ctx context.Context, tick uint64, now time.Time, p *Participant) InboundStats {
	stats := InboundStats{NodesProcessed: 1}
	for _, raw := range p.inbound.Drain() {
		stats.PacketsProcessed++
		update, err := avatar.DecodeUpdate(raw)
		if err != nil {
			stats.Rejected++
			network.InboundRejected(ctx, d.publisher, tick, logging.ParticipantRef(p.id.String()), network.InboundRejectedPayload{
				Kind:   "avatarData",
				Bytes:  len(raw),
				Reason: err.Error(),
			}, nil)
			continue
		}
		p.ApplyUpdate(update, now)
	}
	return stats
}
