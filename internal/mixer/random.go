package mixer

import (
	"encoding/binary"
	"hash/fnv"
	"math/rand"

	"github.com/google/uuid"
)

// Random is the draw source of one job.
type Random interface {
	Float64() float64
}

// SeedFunc picks the seed of a receiver's job for a tick.
type SeedFunc func(tick uint64, receiver uuid.UUID) int64

// DeterministicSeed derives a job seed from a root seed, the tick and the
// receiver so that replays draw the same values.
func DeterministicSeed(root string) SeedFunc {
	return func(tick uint64, receiver uuid.UUID) int64 {
		hasher := fnv.New64a()
		hasher.Write([]byte(root))
		hasher.Write([]byte{0})
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], tick)
		hasher.Write(buf[:])
		hasher.Write(receiver[:])
		sum := hasher.Sum64()
		if sum == 0 {
			sum = 1
		}
		return int64(sum)
	}
}

func newJobRandom(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}
