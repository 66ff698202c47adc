package mixer

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"avatar-mixer/server/internal/avatar"
	"avatar-mixer/server/internal/directory"
	"avatar-mixer/server/internal/packet"
	"avatar-mixer/server/logging"
	"avatar-mixer/server/logging/broadcast"
)

var errOversize = errors.New("mixer: record exceeds packet ceiling")

// IdentityRecord is an identity message queued for a receiver.
type IdentityRecord struct {
	Source  uuid.UUID
	Payload []byte
}

// packer writes one receiver's records in priority order.
type packer struct {
	ctx       context.Context
	tick      uint64
	receiver  logging.EntityRef
	publisher logging.Publisher

	settings       Settings
	codec          avatar.Codec
	list           *packet.List
	rng            Random
	budget         budget
	viewer         viewer
	now            time.Time
	prevRoundStart time.Time

	stats      *JobStats
	frame      *directory.FrameStats
	identities []IdentityRecord
}

// pack writes one candidate. The candidate is over budget when not even a
// minimum record would fit. Nothing is reserved for the candidates still
// queued behind it.
func (pk *packer) pack(c *Candidate) {
	over := !pk.budget.fits(pk.codec.MinimumSize())

	detail := avatar.DetailNone
	if !over && (c.InView || pk.viewer.outOfView) {
		if pk.rng.Float64() < pk.settings.FullUpdateProbability {
			detail = avatar.DetailFull
		} else {
			detail = avatar.DetailReduced
		}
	}

	if !over {
		pk.maybeQueueIdentity(c)
	}

	enc := avatar.Encoded{Detail: avatar.DetailNone}
	if detail != avatar.DetailNone {
		var err error
		enc, err = pk.encode(c, detail)
		switch {
		case errors.Is(err, errOversize):
			pk.stats.OversizeDrops++
			broadcast.OversizeRecordDropped(pk.ctx, pk.publisher, pk.tick, pk.receiver, broadcast.OversizeRecordPayload{
				Source:  c.Source.ID().String(),
				Bytes:   len(enc.Data),
				Ceiling: pk.settings.RecordCeiling(),
			}, nil)
			return
		case err != nil:
			pk.stats.CodecErrors++
			return
		case len(enc.Data) == 0:
			return
		}
		if !pk.budget.fits(len(enc.Data)) {
			over = true
			enc = avatar.Encoded{Detail: avatar.DetailNone}
		}
	}

	if !pk.write(c.Source.ID(), enc) {
		pk.stats.OversizeDrops++
		return
	}
	pk.budget.commit(len(enc.Data))

	if over {
		pk.stats.OverBudget++
		pk.frame.OverBudget++
	}
	rec := c.Record
	if c.InView {
		rec.InViewFrames++
		pk.frame.InView++
	} else {
		rec.OutOfViewFrames++
		pk.frame.OutOfView++
	}
	if enc.Detail == avatar.DetailNone {
		return
	}
	if c.Snapshot.Sequence > rec.LastSentSequence {
		rec.LastSentSequence = c.Snapshot.Sequence
	}
	rec.LastBroadcastAt = pk.now
	if enc.Joints != nil {
		rec.LastSentJoints = enc.Joints
	}
	pk.stats.AvatarsIncluded++
	pk.frame.AvatarsSent++
}

// write appends one record as its own segment.
func (pk *packer) write(id uuid.UUID, enc avatar.Encoded) bool {
	pk.list.StartSegment()
	pk.list.Write(id[:])
	pk.list.Write([]byte{byte(enc.Detail), enc.Flags})
	if len(enc.Data) > 0 {
		pk.list.Write(enc.Data)
	}
	if err := pk.list.EndSegment(); err != nil {
		return false
	}
	pk.frame.Bytes += uint64(EnvelopeSize + len(enc.Data))
	return true
}

// encode calls the codec, shedding face tracking and then detail until the
// record fits the packet ceiling.
func (pk *packer) encode(c *Candidate, detail avatar.Detail) (avatar.Encoded, error) {
	ceiling := pk.settings.RecordCeiling()
	req := avatar.EncodeRequest{
		Detail:         detail,
		ViewerPosition: pk.viewer.position,
		LastSentJoints: c.Record.LastSentJoints,
	}
	enc, err := pk.callCodec(c.Snapshot, req)
	if err != nil || len(enc.Data) <= ceiling {
		return enc, err
	}
	if detail > avatar.DetailMinimum {
		req.DropFaceTracking = true
		enc, err = pk.callCodec(c.Snapshot, req)
		if err != nil || len(enc.Data) <= ceiling {
			return enc, err
		}
		req.Detail = avatar.DetailMinimum
		enc, err = pk.callCodec(c.Snapshot, req)
		if err != nil || len(enc.Data) <= ceiling {
			return enc, err
		}
	}
	return enc, errOversize
}

func (pk *packer) callCodec(s *avatar.Snapshot, req avatar.EncodeRequest) (avatar.Encoded, error) {
	start := time.Now()
	enc, err := pk.codec.Encode(s, req)
	pk.stats.Timings.Encode += time.Since(start)
	return enc, err
}

// maybeQueueIdentity queues the source's identity on first contact, after
// a change since the previous round began, or on a random refresh.
// Identity records travel outside the body sequence and are not charged to
// the budget.
func (pk *packer) maybeQueueIdentity(c *Candidate) {
	snap := c.Snapshot
	if !snap.HasMeaningfulIdentity() || len(snap.IdentityPayload) == 0 {
		return
	}
	rec := c.Record
	send := !rec.IdentitySent ||
		snap.IdentityChangedAt.After(pk.prevRoundStart) ||
		pk.rng.Float64() < pk.settings.IdentitySendProbability
	if !send {
		return
	}
	pk.identities = append(pk.identities, IdentityRecord{Source: c.Source.ID(), Payload: snap.IdentityPayload})
	rec.IdentitySent = true
	pk.stats.IdentityPackets++
	pk.frame.IdentityBytes += uint64(len(snap.IdentityPayload))
}
