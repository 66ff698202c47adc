package directory

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"avatar-mixer/server/internal/avatar"
)

// TransmissionRecord is what one receiver has been sent about one source.
type TransmissionRecord struct {
	Source *Participant

	LastSentSequence uint64
	LastBroadcastAt  time.Time
	IdentitySent     bool
	LastSentJoints   []avatar.Joint

	InViewFrames    uint64
	OutOfViewFrames uint64
}

// Transmission is the per-receiver bookkeeping written only by that
// receiver's broadcast job.
type Transmission struct {
	records       map[uuid.UUID]*TransmissionRecord
	radiusIgnored map[uuid.UUID]struct{}

	statsMu sync.RWMutex
	stats   RollingStats
}

func newTransmission() *Transmission {
	return &Transmission{
		records:       make(map[uuid.UUID]*TransmissionRecord),
		radiusIgnored: make(map[uuid.UUID]struct{}),
	}
}

// Record returns the record for source, creating it on first use. A record
// left over from an earlier session of the same id is replaced.
func (t *Transmission) Record(source *Participant) *TransmissionRecord {
	rec, ok := t.records[source.id]
	if ok && rec.Source == source {
		return rec
	}
	rec = &TransmissionRecord{Source: source}
	t.records[source.id] = rec
	return rec
}

// Lookup returns the record for id without creating one.
func (t *Transmission) Lookup(id uuid.UUID) (*TransmissionRecord, bool) {
	rec, ok := t.records[id]
	return rec, ok
}

func (t *Transmission) Len() int {
	return len(t.records)
}

// Prune drops state about sources that have left. It returns how many
// records were removed.
func (t *Transmission) Prune() int {
	removed := 0
	for id, rec := range t.records {
		if rec.Source == nil || rec.Source.Departed() {
			delete(t.records, id)
			delete(t.radiusIgnored, id)
			removed++
		}
	}
	return removed
}

func (t *Transmission) IsRadiusIgnored(id uuid.UUID) bool {
	_, ok := t.radiusIgnored[id]
	return ok
}

// SetRadiusIgnored updates the bubble state for id and reports whether it
// changed.
func (t *Transmission) SetRadiusIgnored(id uuid.UUID, ignored bool) bool {
	_, was := t.radiusIgnored[id]
	if was == ignored {
		return false
	}
	if ignored {
		t.radiusIgnored[id] = struct{}{}
	} else {
		delete(t.radiusIgnored, id)
	}
	return true
}

// FrameStats is what one broadcast job did for this receiver.
type FrameStats struct {
	AvatarsSent   uint64 `json:"avatarsSent"`
	InView        uint64 `json:"inView"`
	OutOfView     uint64 `json:"outOfView"`
	HeldBack      uint64 `json:"heldBack"`
	Skipped       uint64 `json:"skipped"`
	OverBudget    uint64 `json:"overBudget"`
	Bytes         uint64 `json:"bytes"`
	IdentityBytes uint64 `json:"identityBytes"`
}

// RollingStats smooths FrameStats over time for diagnostics.
type RollingStats struct {
	Frames         uint64     `json:"frames"`
	LastFrame      FrameStats `json:"lastFrame"`
	AvgBytes       float64    `json:"avgBytes"`
	AvgAvatarsSent float64    `json:"avgAvatarsSent"`
	AvgHeldBack    float64    `json:"avgHeldBack"`
	AvgSkipped     float64    `json:"avgSkipped"`
	AvgOverBudget  float64    `json:"avgOverBudget"`
}

const rollingWeight = 0.1

// RecordFrame folds one frame into the rolling stats.
func (t *Transmission) RecordFrame(frame FrameStats) {
	t.statsMu.Lock()
	defer t.statsMu.Unlock()
	s := &t.stats
	if s.Frames == 0 {
		s.AvgBytes = float64(frame.Bytes)
		s.AvgAvatarsSent = float64(frame.AvatarsSent)
		s.AvgHeldBack = float64(frame.HeldBack)
		s.AvgSkipped = float64(frame.Skipped)
		s.AvgOverBudget = float64(frame.OverBudget)
	} else {
		s.AvgBytes = ema(s.AvgBytes, frame.Bytes)
		s.AvgAvatarsSent = ema(s.AvgAvatarsSent, frame.AvatarsSent)
		s.AvgHeldBack = ema(s.AvgHeldBack, frame.HeldBack)
		s.AvgSkipped = ema(s.AvgSkipped, frame.Skipped)
		s.AvgOverBudget = ema(s.AvgOverBudget, frame.OverBudget)
	}
	s.Frames++
	s.LastFrame = frame
}

// Stats is safe to call from any goroutine.
func (t *Transmission) Stats() RollingStats {
	t.statsMu.RLock()
	defer t.statsMu.RUnlock()
	return t.stats
}

func ema(avg float64, sample uint64) float64 {
	return avg + rollingWeight*(float64(sample)-avg)
}
