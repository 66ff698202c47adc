package mixer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"avatar-mixer/server/internal/directory"
	"avatar-mixer/server/internal/packet"
	"avatar-mixer/server/logging"
	"avatar-mixer/server/logging/broadcast"
)

// runJob filters, ranks, packs and sends for one receiver. It only writes
// the receiver's own transmission state.
func (b *Broadcaster) runJob(ctx context.Context, r *round, receiver *directory.Participant) (stats JobStats) {
	jobStart := time.Now()
	defer func() { stats.Timings.Job = time.Since(jobStart) }()

	if !receiver.Reachable() {
		return stats
	}
	receiverSnap := receiver.Snapshot()
	if receiverSnap == nil {
		return stats
	}
	stats.ReceiversServiced = 1

	rng := b.newRandom(b.seed(r.tick, receiver.ID()))
	tx := receiver.Transmission()
	tx.Prune()
	priv := privilegesOf(receiver)
	view := newViewer(receiver, receiverSnap, priv)
	var frame directory.FrameStats

	// filter
	stageStart := time.Now()
	f := newFilter(receiver, receiverSnap, priv, b.settings)
	candidates := make([]*Candidate, 0, len(r.participants))
	var notices []uuid.UUID
	for _, source := range r.participants {
		if source == receiver {
			continue
		}
		stats.AvatarsConsidered++
		snap := source.Snapshot()
		v := f.evaluate(source, snap)
		if v.heldBack {
			stats.HeldBack++
			frame.HeldBack++
		}
		if v.skipped {
			stats.SkippedFrames++
			frame.Skipped++
		}
		if v.bubbleEntered {
			notices = append(notices, source.ID())
		}
		if v.exclude {
			continue
		}
		distance := snap.Position.Sub(view.position).Len()
		candidates = append(candidates, &Candidate{
			Source:   source,
			Snapshot: snap,
			Record:   tx.Record(source),
			InView:   view.inView(snap, distance),
			Distance: distance,
		})
	}
	stats.Timings.IgnoreCalc = f.ignoreElapsed
	stats.Timings.Filter = time.Since(stageStart)

	// sort
	stageStart = time.Now()
	queue := rank(b.settings.Weights, view, candidates, r.now)
	stats.Timings.Sort = time.Since(stageStart)

	// pack
	stageStart = time.Now()
	list := packet.NewList(b.settings.MaxPacketPayload)
	pk := &packer{
		ctx:            ctx,
		tick:           r.tick,
		receiver:       logging.ParticipantRef(receiver.ID().String()),
		publisher:      b.publisher,
		settings:       b.settings,
		codec:          b.codec,
		list:           list,
		rng:            rng,
		budget:         budget{limit: b.BudgetFor(receiver)},
		viewer:         view,
		now:            r.now,
		prevRoundStart: r.prevStart,
		stats:          &stats,
		frame:          &frame,
	}
	b.packAll(pk, queue)
	stats.Timings.Pack = time.Since(stageStart)

	// send
	stageStart = time.Now()
	list.CloseCurrentPacket(true)
	packets := list.Packets()
	b.sender.SendPacketList(receiver.ID(), packets)
	stats.PacketsSent = uint64(len(packets))
	for _, p := range packets {
		stats.BytesSent += uint64(len(p))
	}
	for _, record := range pk.identities {
		b.sender.SendIdentity(receiver.ID(), record)
		stats.BytesSent += uint64(IDSize + len(record.Payload))
	}
	for _, source := range notices {
		b.sender.SendBubbleNotice(receiver.ID(), source)
		stats.BubbleNotices++
	}
	stats.Timings.Send = time.Since(stageStart)

	tx.RecordFrame(frame)
	return stats
}

// packAll drains the queue into the packer. A panic stops packing; what
// was packed before it is still sent.
func (b *Broadcaster) packAll(pk *packer, queue *priorityQueue) {
	defer func() {
		if p := recover(); p != nil {
			pk.list.AbortSegment()
			pk.stats.Recovered++
			broadcast.JobRecovered(pk.ctx, b.publisher, pk.tick, pk.receiver, broadcast.JobRecoveredPayload{
				Stage: "pack",
				Panic: fmt.Sprint(p),
			}, nil)
			b.logger.Printf("mixer: receiver %s recovered from panic while packing: %v", pk.receiver.ID, p)
		}
	}()
	for {
		entry, ok := queue.next()
		if !ok {
			return
		}
		pk.pack(entry.Candidate)
	}
}
