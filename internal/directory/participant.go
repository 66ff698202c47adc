package directory

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"avatar-mixer/server/internal/avatar"
	"avatar-mixer/server/internal/geom"
)

// Participant is one connected client. Flags and snapshots are safe to read
// from any goroutine; the Transmission state belongs to the participant's
// own broadcast job.
type Participant struct {
	id        uuid.UUID
	joinIndex uint64

	reachable              atomic.Bool
	departed               atomic.Bool
	canKick                atomic.Bool
	requestsDomainListData atomic.Bool
	radiusIgnore           atomic.Bool
	maxKbps                atomic.Uint64

	snapshot        atomic.Pointer[avatar.Snapshot]
	pendingIdentity atomic.Pointer[avatar.Identity]
	frustum         atomic.Pointer[geom.Frustum]

	// serializes snapshot writers so identity and body updates never race
	writeMu sync.Mutex

	ignoreMu sync.RWMutex
	ignoring map[uuid.UUID]struct{}

	inbound      *PacketBuffer
	transmission *Transmission
}

func newParticipant(id uuid.UUID, joinIndex uint64, inbound *PacketBuffer) *Participant {
	p := &Participant{
		id:           id,
		joinIndex:    joinIndex,
		ignoring:     make(map[uuid.UUID]struct{}),
		inbound:      inbound,
		transmission: newTransmission(),
	}
	p.reachable.Store(true)
	return p
}

func (p *Participant) ID() uuid.UUID {
	return p.id
}

func (p *Participant) JoinIndex() uint64 {
	return p.joinIndex
}

func (p *Participant) Reachable() bool {
	return p.reachable.Load() && !p.departed.Load()
}

func (p *Participant) SetReachable(v bool) {
	p.reachable.Store(v)
}

func (p *Participant) Departed() bool {
	return p.departed.Load()
}

func (p *Participant) CanKick() bool {
	return p.canKick.Load()
}

func (p *Participant) SetCanKick(v bool) {
	p.canKick.Store(v)
}

// RequestsDomainListData is the opt-in to data about avatars outside the
// view frustum and about avatars the participant ignores.
func (p *Participant) RequestsDomainListData() bool {
	return p.requestsDomainListData.Load()
}

func (p *Participant) SetRequestsDomainListData(v bool) {
	p.requestsDomainListData.Store(v)
}

func (p *Participant) RadiusIgnoreEnabled() bool {
	return p.radiusIgnore.Load()
}

func (p *Participant) SetRadiusIgnore(v bool) {
	p.radiusIgnore.Store(v)
}

// MaxKbps is the per-participant bandwidth override, zero when unset.
func (p *Participant) MaxKbps() float64 {
	return math.Float64frombits(p.maxKbps.Load())
}

func (p *Participant) SetMaxKbps(kbps float64) {
	if kbps < 0 || math.IsNaN(kbps) {
		kbps = 0
	}
	p.maxKbps.Store(math.Float64bits(kbps))
}

// Snapshot is the latest avatar state, nil until the first update.
func (p *Participant) Snapshot() *avatar.Snapshot {
	return p.snapshot.Load()
}

// ApplyUpdate swaps in the snapshot built from u when its sequence is newer.
func (p *Participant) ApplyUpdate(u avatar.Update, now time.Time) bool {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	prev := p.snapshot.Load()
	next, advanced := u.Apply(prev, now)
	if !advanced {
		return false
	}
	if prev == nil {
		if pending := p.pendingIdentity.Swap(nil); pending != nil {
			withIdentity, err := next.WithIdentity(*pending, now)
			if err == nil {
				next = withIdentity
			}
		}
	}
	p.snapshot.Store(next)
	return true
}

// ApplyIdentity records new identity metadata. Before the first avatar
// update it is held until a snapshot exists.
func (p *Participant) ApplyIdentity(id avatar.Identity, now time.Time) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	prev := p.snapshot.Load()
	if prev == nil {
		p.pendingIdentity.Store(&id)
		return nil
	}
	next, err := prev.WithIdentity(id, now)
	if err != nil {
		return err
	}
	p.snapshot.Store(next)
	return nil
}

// Frustum is the participant's reported view, nil when none was reported.
func (p *Participant) Frustum() *geom.Frustum {
	return p.frustum.Load()
}

func (p *Participant) SetFrustum(state geom.FrustumState) {
	p.frustum.Store(geom.NewFrustum(state))
}

// SetIgnoring adds or removes other from the participant's ignore set.
func (p *Participant) SetIgnoring(other uuid.UUID, ignore bool) {
	if other == p.id {
		return
	}
	p.ignoreMu.Lock()
	defer p.ignoreMu.Unlock()
	if ignore {
		p.ignoring[other] = struct{}{}
	} else {
		delete(p.ignoring, other)
	}
}

func (p *Participant) IsIgnoring(other uuid.UUID) bool {
	p.ignoreMu.RLock()
	defer p.ignoreMu.RUnlock()
	_, ok := p.ignoring[other]
	return ok
}

// Inbound is the buffer of raw avatar packets waiting for the next tick.
func (p *Participant) Inbound() *PacketBuffer {
	return p.inbound
}

// Transmission is the receiver-side bookkeeping. Only the participant's
// own broadcast job may call its mutating methods.
func (p *Participant) Transmission() *Transmission {
	return p.transmission
}
