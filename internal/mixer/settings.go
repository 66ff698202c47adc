// Package mixer runs the per-tick avatar broadcast: for every receiver it
// filters, ranks, and packs the other participants' avatars into a byte
// budget and hands the result to the transport.
package mixer

import (
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"avatar-mixer/server/internal/config"
)

// Wire sizes of a body record envelope.
const (
	IDSize           = 16
	RecordHeaderSize = 2
	EnvelopeSize     = IDSize + RecordHeaderSize
)

// PriorityWeights tune the candidate ranking.
type PriorityWeights struct {
	Size             float64
	Center           float64
	Age              float64
	OutOfViewPenalty float64
	MaxAge           time.Duration
}

// Settings are the broadcast parameters shared by every receiver job.
type Settings struct {
	TickRate                int
	MaxKbpsPerNode          float64
	ThrottlingRatio         float64
	FullUpdateProbability   float64
	IdentitySendProbability float64
	MaxPacketPayload        int
	Workers                 int
	RoundBudgetRatio        float64

	Weights       PriorityWeights
	BubbleMinSize mgl64.Vec3
	BubbleScale   float64
}

func DefaultSettings() Settings {
	return SettingsFromConfig(config.Default().Mixer)
}

// SettingsFromConfig converts the mixer section of the configuration file.
func SettingsFromConfig(m config.Mixer) Settings {
	return Settings{
		TickRate:                m.TickRate,
		MaxKbpsPerNode:          m.MaxKbpsPerNode,
		ThrottlingRatio:         m.ThrottlingRatio,
		FullUpdateProbability:   m.FullUpdateProbability,
		IdentitySendProbability: m.IdentitySendProbability,
		MaxPacketPayload:        m.MaxPacketPayload,
		Workers:                 m.Workers,
		RoundBudgetRatio:        m.RoundBudgetRatio,
		Weights: PriorityWeights{
			Size:             m.Priority.SizeWeight,
			Center:           m.Priority.CenterWeight,
			Age:              m.Priority.AgeWeight,
			OutOfViewPenalty: m.Priority.OutOfViewPenalty,
			MaxAge:           time.Duration(m.Priority.MaxAgeSeconds * float64(time.Second)),
		},
		BubbleMinSize: mgl64.Vec3{m.Bubble.MinSize.X, m.Bubble.MinSize.Y, m.Bubble.MinSize.Z},
		BubbleScale:   m.Bubble.Scale,
	}
}

// TickInterval is the time between rounds.
func (s Settings) TickInterval() time.Duration {
	if s.TickRate <= 0 {
		return 0
	}
	return time.Second / time.Duration(s.TickRate)
}

// RecordCeiling is the largest record payload that still fits in one
// packet next to its envelope.
func (s Settings) RecordCeiling() int {
	return s.MaxPacketPayload - EnvelopeSize
}
