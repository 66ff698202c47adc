package mixer

import (
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"avatar-mixer/server/internal/avatar"
	"avatar-mixer/server/internal/directory"
	"avatar-mixer/server/internal/geom"
)

// privileges derive from the receiver's flags once per job.
type privileges struct {
	getsOutOfView   bool
	getsIgnoredByMe bool
	getsAnyIgnored  bool
}

func privilegesOf(p *directory.Participant) privileges {
	outOfView := p.RequestsDomainListData()
	return privileges{
		getsOutOfView:   outOfView,
		getsIgnoredByMe: outOfView,
		getsAnyIgnored:  outOfView && p.CanKick(),
	}
}

type verdict struct {
	exclude       bool
	heldBack      bool
	skipped       bool
	bubbleEntered bool
}

// filter decides which sources a receiver gets this tick. It updates the
// receiver's bubble state as a side effect.
type filter struct {
	receiver     *directory.Participant
	receiverSnap *avatar.Snapshot
	priv         privileges
	tx           *directory.Transmission
	minSize      mgl64.Vec3
	scale        float64

	receiverBox    geom.AABox
	receiverBoxSet bool
	ignoreElapsed  time.Duration
}

func newFilter(receiver *directory.Participant, receiverSnap *avatar.Snapshot, priv privileges, settings Settings) *filter {
	return &filter{
		receiver:     receiver,
		receiverSnap: receiverSnap,
		priv:         priv,
		tx:           receiver.Transmission(),
		minSize:      settings.BubbleMinSize,
		scale:        settings.BubbleScale,
	}
}

func (f *filter) evaluate(source *directory.Participant, sourceSnap *avatar.Snapshot) verdict {
	if source == f.receiver || source.ID() == f.receiver.ID() {
		return verdict{exclude: true}
	}
	if f.receiverSnap == nil || sourceSnap == nil {
		return verdict{exclude: true}
	}

	var v verdict
	if f.receiver.IsIgnoring(source.ID()) && !f.priv.getsIgnoredByMe {
		v.exclude = true
	} else if source.IsIgnoring(f.receiver.ID()) && !f.priv.getsAnyIgnored {
		v.exclude = true
	}

	if touches, entered := f.bubble(source, sourceSnap); touches && !f.priv.getsAnyIgnored {
		v.exclude = true
		v.bubbleEntered = entered
	}
	if v.exclude {
		return v
	}

	var lastSent uint64
	if rec, ok := f.tx.Lookup(source.ID()); ok && rec.Source == source {
		lastSent = rec.LastSentSequence
	}
	latest := sourceSnap.Sequence
	switch {
	case lastSent != 0 && lastSent == latest:
		v.exclude = true
		v.heldBack = true
	case latest > lastSent+1:
		v.skipped = true
	}
	return v
}

// bubble reports whether the two avatars are inside each other's personal
// space and whether the pair just entered that state. The pair's bubble
// state is recorded or cleared accordingly.
func (f *filter) bubble(source *directory.Participant, sourceSnap *avatar.Snapshot) (touches, entered bool) {
	start := time.Now()
	defer func() { f.ignoreElapsed += time.Since(start) }()

	if !f.receiver.RadiusIgnoreEnabled() && !source.RadiusIgnoreEnabled() {
		f.tx.SetRadiusIgnored(source.ID(), false)
		return false, false
	}
	if !f.receiverBoxSet {
		f.receiverBox = f.receiverSnap.Bubble(f.minSize, f.scale)
		f.receiverBoxSet = true
	}
	if !f.receiverBox.Touches(sourceSnap.Bubble(f.minSize, f.scale)) {
		f.tx.SetRadiusIgnored(source.ID(), false)
		return false, false
	}
	return true, f.tx.SetRadiusIgnored(source.ID(), true)
}
