package mixer

import (
	"sync"
	"time"

	"avatar-mixer/server/internal/directory"
	"avatar-mixer/server/internal/telemetry"
)

// StageTimings is wall time spent per job stage.
type StageTimings struct {
	Filter     time.Duration `json:"filter"`
	Sort       time.Duration `json:"sort"`
	Pack       time.Duration `json:"pack"`
	Send       time.Duration `json:"send"`
	Encode     time.Duration `json:"encode"`
	IgnoreCalc time.Duration `json:"ignoreCalc"`
	Job        time.Duration `json:"job"`
}

func (t *StageTimings) merge(o StageTimings) {
	t.Filter += o.Filter
	t.Sort += o.Sort
	t.Pack += o.Pack
	t.Send += o.Send
	t.Encode += o.Encode
	t.IgnoreCalc += o.IgnoreCalc
	t.Job += o.Job
}

// JobStats is accumulated by one job without synchronization and merged
// into the round afterwards.
type JobStats struct {
	ReceiversServiced uint64 `json:"receiversServiced"`
	AvatarsConsidered uint64 `json:"avatarsConsidered"`
	AvatarsIncluded   uint64 `json:"avatarsIncluded"`
	OverBudget        uint64 `json:"overBudget"`
	HeldBack          uint64 `json:"heldBack"`
	SkippedFrames     uint64 `json:"skippedFrames"`
	IdentityPackets   uint64 `json:"identityPackets"`
	OversizeDrops     uint64 `json:"oversizeDrops"`
	CodecErrors       uint64 `json:"codecErrors"`
	BubbleNotices     uint64 `json:"bubbleNotices"`
	Recovered         uint64 `json:"recovered"`
	BytesSent         uint64 `json:"bytesSent"`
	PacketsSent       uint64 `json:"packetsSent"`

	Timings StageTimings `json:"timings"`
}

func (s *JobStats) Merge(o JobStats) {
	s.ReceiversServiced += o.ReceiversServiced
	s.AvatarsConsidered += o.AvatarsConsidered
	s.AvatarsIncluded += o.AvatarsIncluded
	s.OverBudget += o.OverBudget
	s.HeldBack += o.HeldBack
	s.SkippedFrames += o.SkippedFrames
	s.IdentityPackets += o.IdentityPackets
	s.OversizeDrops += o.OversizeDrops
	s.CodecErrors += o.CodecErrors
	s.BubbleNotices += o.BubbleNotices
	s.Recovered += o.Recovered
	s.BytesSent += o.BytesSent
	s.PacketsSent += o.PacketsSent
	s.Timings.merge(o.Timings)
}

// Counters flattens the counts for telemetry.
func (s JobStats) Counters() map[string]uint64 {
	return map[string]uint64{
		"receivers_serviced": s.ReceiversServiced,
		"avatars_considered": s.AvatarsConsidered,
		"avatars_included":   s.AvatarsIncluded,
		"over_budget":        s.OverBudget,
		"held_back":          s.HeldBack,
		"skipped_frames":     s.SkippedFrames,
		"identity_packets":   s.IdentityPackets,
		"oversize_drops":     s.OversizeDrops,
		"codec_errors":       s.CodecErrors,
		"bubble_notices":     s.BubbleNotices,
		"jobs_recovered":     s.Recovered,
		"bytes_sent":         s.BytesSent,
		"packets_sent":       s.PacketsSent,
	}
}

// RoundStats describes one Broadcast call.
type RoundStats struct {
	Tick             uint64        `json:"tick"`
	Receivers        int           `json:"receivers"`
	ReceiversSkipped int           `json:"receiversSkipped"`
	Elapsed          time.Duration `json:"elapsed"`
	Jobs             JobStats      `json:"jobs"`
}

// Totals is everything accumulated since the last harvest.
type Totals struct {
	Rounds           uint64                 `json:"rounds"`
	ReceiversSkipped uint64                 `json:"receiversSkipped"`
	RoundElapsed     time.Duration          `json:"roundElapsed"`
	Jobs             JobStats               `json:"jobs"`
	Inbound          directory.InboundStats `json:"inbound"`
}

// Aggregator collects round statistics. Rounds are merged by the single
// goroutine running the tick loop; readers may harvest concurrently.
type Aggregator struct {
	mu      sync.Mutex
	totals  Totals
	metrics telemetry.Metrics
}

func NewAggregator(metrics telemetry.Metrics) *Aggregator {
	return &Aggregator{metrics: metrics}
}

func (a *Aggregator) AddRound(round RoundStats) {
	if a == nil {
		return
	}
	a.mu.Lock()
	a.totals.Rounds++
	a.totals.ReceiversSkipped += uint64(round.ReceiversSkipped)
	a.totals.RoundElapsed += round.Elapsed
	a.totals.Jobs.Merge(round.Jobs)
	a.mu.Unlock()

	if a.metrics != nil {
		telemetry.AddAll(a.metrics, round.Jobs.Counters())
		a.metrics.Add("rounds", 1)
		a.metrics.Add("receivers_skipped", uint64(round.ReceiversSkipped))
		a.metrics.Store("round_elapsed_us", uint64(round.Elapsed.Microseconds()))
	}
}

func (a *Aggregator) AddInbound(stats directory.InboundStats) {
	if a == nil {
		return
	}
	a.mu.Lock()
	a.totals.Inbound.NodesProcessed += stats.NodesProcessed
	a.totals.Inbound.PacketsProcessed += stats.PacketsProcessed
	a.totals.Inbound.Rejected += stats.Rejected
	a.totals.Inbound.Elapsed += stats.Elapsed
	a.mu.Unlock()

	if a.metrics != nil {
		a.metrics.Add("inbound_packets", uint64(stats.PacketsProcessed))
		a.metrics.Add("inbound_rejected", uint64(stats.Rejected))
	}
}

// Harvest returns the totals and starts over.
func (a *Aggregator) Harvest() Totals {
	if a == nil {
		return Totals{}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.totals
	a.totals = Totals{}
	return out
}

// Snapshot returns the totals without resetting them.
func (a *Aggregator) Snapshot() Totals {
	if a == nil {
		return Totals{}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totals
}
