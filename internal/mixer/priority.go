package mixer

import (
	"container/heap"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"avatar-mixer/server/internal/avatar"
	"avatar-mixer/server/internal/directory"
	"avatar-mixer/server/internal/geom"
)

// Candidate is a source that passed the filter, with everything packing
// needs so nothing is looked up again.
type Candidate struct {
	Source   *directory.Participant
	Snapshot *avatar.Snapshot
	Record   *directory.TransmissionRecord
	InView   bool
	Distance float64
}

// PriorityEntry is one ranked candidate. Arrival breaks score ties in
// directory join order.
type PriorityEntry struct {
	Candidate *Candidate
	Score     float64
	Arrival   uint64
}

type priorityQueue []PriorityEntry

func (q priorityQueue) Len() int { return len(q) }

func (q priorityQueue) Less(i, j int) bool {
	if q[i].Score != q[j].Score {
		return q[i].Score > q[j].Score
	}
	return q[i].Arrival < q[j].Arrival
}

func (q priorityQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *priorityQueue) Push(x any) { *q = append(*q, x.(PriorityEntry)) }

func (q *priorityQueue) Pop() any {
	old := *q
	n := len(old)
	entry := old[n-1]
	*q = old[:n-1]
	return entry
}

// viewer is the receiver's point of view for one job.
type viewer struct {
	position  mgl64.Vec3
	forward   mgl64.Vec3
	frustum   *geom.Frustum
	outOfView bool
}

func newViewer(receiver *directory.Participant, snap *avatar.Snapshot, priv privileges) viewer {
	v := viewer{outOfView: priv.getsOutOfView}
	if f := receiver.Frustum(); f != nil {
		v.frustum = f
		v.position = f.Position()
		v.forward = f.Forward()
		return v
	}
	v.position = snap.Position
	orientation := snap.Orientation
	if orientation.Len() == 0 {
		orientation = mgl64.QuatIdent()
	}
	v.forward = orientation.Rotate(mgl64.Vec3{0, 0, -1})
	return v
}

// inView reports whether the candidate is near the viewer or its bounding
// sphere reaches into the frustum. Without a frustum everything is in view.
func (v viewer) inView(snap *avatar.Snapshot, distance float64) bool {
	if v.frustum == nil {
		return true
	}
	if distance <= v.frustum.CenterRadius() {
		return true
	}
	return v.frustum.SphereIntersects(snap.Position, snap.HalfExtent().Len())
}

const minSortDistance = 0.001

// score ranks a candidate: bigger, more central, and longer unsent avatars
// come first.
func score(w PriorityWeights, v viewer, c *Candidate, now time.Time) float64 {
	offset := c.Snapshot.Position.Sub(v.position)
	distance := offset.Len() + minSortDistance
	apparentSize := 2 * c.Snapshot.MaxHalfExtent() / distance
	cosineAngle := offset.Dot(v.forward) / distance

	age := w.MaxAge
	if c.Record != nil && !c.Record.LastBroadcastAt.IsZero() {
		if since := now.Sub(c.Record.LastBroadcastAt); since < age {
			age = since
		}
		if age < 0 {
			age = 0
		}
	}

	s := w.Size*apparentSize + w.Center*cosineAngle + w.Age*age.Seconds()
	if !c.InView && !v.outOfView {
		s += w.OutOfViewPenalty
	}
	return s
}

// rank orders the candidates into a priority queue.
func rank(w PriorityWeights, v viewer, candidates []*Candidate, now time.Time) *priorityQueue {
	q := make(priorityQueue, 0, len(candidates))
	for _, c := range candidates {
		q = append(q, PriorityEntry{
			Candidate: c,
			Score:     score(w, v, c, now),
			Arrival:   c.Source.JoinIndex(),
		})
	}
	heap.Init(&q)
	return &q
}

func (q *priorityQueue) next() (PriorityEntry, bool) {
	if q.Len() == 0 {
		return PriorityEntry{}, false
	}
	return heap.Pop(q).(PriorityEntry), true
}
