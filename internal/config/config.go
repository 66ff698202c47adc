// Package config loads the mixer server configuration.
//
// Values come from Default, then an optional YAML file, then environment
// overrides, then command-line flags applied by cmd/server. Validate runs
// last and clamps ratios into range.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"avatar-mixer/server/internal/observability"
	"avatar-mixer/server/internal/telemetry"
	"avatar-mixer/server/logging"
	"avatar-mixer/server/logging/broadcast"
	"avatar-mixer/server/logging/network"
)

// File is the root of the configuration file.
type File struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen" json:"listen"`

	Mixer         Mixer                `yaml:"mixer" json:"mixer"`
	Transport     Transport            `yaml:"transport" json:"transport"`
	Logging       Logging              `yaml:"logging" json:"logging"`
	Observability observability.Config `yaml:"observability" json:"observability"`

	// ModeratorTokens grant the kick privilege to sessions presenting one of
	// them in the "token" query parameter.
	ModeratorTokens []string `yaml:"moderatorTokens" json:"moderatorTokens,omitempty"`
}

// Mixer configures the per-tick broadcast.
type Mixer struct {
	// TickRate is the number of broadcast rounds per second.
	TickRate int `yaml:"tickRate" json:"tickRate"`
	// MaxKbpsPerNode caps the avatar data sent to one receiver.
	MaxKbpsPerNode float64 `yaml:"maxKbpsPerNode" json:"maxKbpsPerNode"`
	// ThrottlingRatio in [0,1] shrinks every receiver's budget when the
	// server is under load.
	ThrottlingRatio float64 `yaml:"throttlingRatio" json:"throttlingRatio"`
	// FullUpdateProbability is the per-avatar chance of a full-detail record.
	FullUpdateProbability float64 `yaml:"fullUpdateProbability" json:"fullUpdateProbability"`
	// IdentitySendProbability is the per-avatar chance of an identity resend.
	IdentitySendProbability float64 `yaml:"identitySendProbability" json:"identitySendProbability"`
	// MaxPacketPayload is the largest packet payload the transport accepts.
	MaxPacketPayload int `yaml:"maxPacketPayload" json:"maxPacketPayload"`
	// Workers bounds concurrent receiver jobs. Zero means GOMAXPROCS.
	Workers int `yaml:"workers" json:"workers"`
	// RoundBudgetRatio is the share of the tick interval receivers have to
	// start their job before they are skipped for the round.
	RoundBudgetRatio float64 `yaml:"roundBudgetRatio" json:"roundBudgetRatio"`

	Priority Priority `yaml:"priority" json:"priority"`
	Bubble   Bubble   `yaml:"bubble" json:"bubble"`
}

// Priority holds the sort weights.
type Priority struct {
	SizeWeight       float64 `yaml:"sizeWeight" json:"sizeWeight"`
	CenterWeight     float64 `yaml:"centerWeight" json:"centerWeight"`
	AgeWeight        float64 `yaml:"ageWeight" json:"ageWeight"`
	OutOfViewPenalty float64 `yaml:"outOfViewPenalty" json:"outOfViewPenalty"`
	MaxAgeSeconds    float64 `yaml:"maxAgeSeconds" json:"maxAgeSeconds"`
}

// Vec3 is a plain three component vector.
type Vec3 struct {
	X float64 `yaml:"x" json:"x"`
	Y float64 `yaml:"y" json:"y"`
	Z float64 `yaml:"z" json:"z"`
}

// Bubble configures the personal-space test.
type Bubble struct {
	MinSize Vec3    `yaml:"minSize" json:"minSize"`
	Scale   float64 `yaml:"scale" json:"scale"`
}

// Transport configures client connections.
type Transport struct {
	// Compression applied to bulk avatar packets: none, lz4 or zstd.
	Compression string `yaml:"compression" json:"compression" jsonschema:"enum=none,enum=lz4,enum=zstd"`
	// SendQueue is the per-connection outbound queue depth.
	SendQueue int `yaml:"sendQueue" json:"sendQueue"`
	// InboundCapacity is the per-participant buffer of pending avatar updates.
	InboundCapacity int `yaml:"inboundCapacity" json:"inboundCapacity"`
	// WriteTimeoutMillis bounds a single websocket write.
	WriteTimeoutMillis int `yaml:"writeTimeoutMillis" json:"writeTimeoutMillis"`
	// MaxMessageBytes bounds a single inbound websocket message.
	MaxMessageBytes int64 `yaml:"maxMessageBytes" json:"maxMessageBytes"`
}

// Logging configures the structured event router.
type Logging struct {
	Sinks           []string `yaml:"sinks" json:"sinks"`
	MinimumSeverity string   `yaml:"minimumSeverity" json:"minimumSeverity" jsonschema:"enum=debug,enum=info,enum=warn,enum=error"`
	BufferSize      int      `yaml:"bufferSize" json:"bufferSize"`
	JSONPath        string   `yaml:"jsonPath" json:"jsonPath,omitempty"`
	ConsolePrefix   string   `yaml:"consolePrefix" json:"consolePrefix,omitempty"`
	// RecentEvents bounds the event feed served under /diagnostics/events.
	RecentEvents int `yaml:"recentEvents" json:"recentEvents"`
	// SampleMillis rate-limits noisy event types per participant.
	SampleMillis map[string]int `yaml:"sampleMillis" json:"sampleMillis,omitempty"`
}

// Default returns the configuration used when nothing overrides it.
func Default() File {
	return File{
		Listen: ":8080",
		Mixer: Mixer{
			TickRate:                45,
			MaxKbpsPerNode:          5000,
			ThrottlingRatio:         0,
			FullUpdateProbability:   0.02,
			IdentitySendProbability: 1.0 / 187.0,
			MaxPacketPayload:        1400,
			Workers:                 0,
			RoundBudgetRatio:        1.0,
			Priority: Priority{
				SizeWeight:       0.5,
				CenterWeight:     0.25,
				AgeWeight:        1.0,
				OutOfViewPenalty: -10,
				MaxAgeSeconds:    10,
			},
			Bubble: Bubble{
				MinSize: Vec3{X: 0.3, Y: 1.3, Z: 0.3},
				Scale:   4,
			},
		},
		Transport: Transport{
			Compression:        "none",
			SendQueue:          256,
			InboundCapacity:    32,
			WriteTimeoutMillis: 2000,
			MaxMessageBytes:    64 * 1024,
		},
		Logging: Logging{
			Sinks:           []string{"console"},
			MinimumSeverity: "info",
			BufferSize:      512,
			RecentEvents:    256,
			SampleMillis: map[string]int{
				string(broadcast.EventOversizeRecordDropped): 1000,
				string(network.EventSendQueueFull):           1000,
				string(network.EventInboundRejected):         1000,
			},
		},
	}
}

// Load reads path over the defaults. An empty path returns Default.
func Load(path string) (File, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := cfg.decode(data); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *File) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv applies environment overrides. Invalid values are reported to
// logger and ignored.
func (c *File) ApplyEnv(getenv func(string) string, logger telemetry.Logger) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if logger == nil {
		logger = telemetry.LoggerFunc(nil)
	}
	if raw := getenv("MIXER_LISTEN"); raw != "" {
		c.Listen = raw
	}
	if raw := getenv("MIXER_TICK_RATE"); raw != "" {
		if value, err := strconv.Atoi(raw); err == nil {
			c.Mixer.TickRate = value
		} else {
			logger.Printf("invalid MIXER_TICK_RATE=%q: %v", raw, err)
		}
	}
	if raw := getenv("MIXER_MAX_KBPS"); raw != "" {
		if value, err := strconv.ParseFloat(raw, 64); err == nil {
			c.Mixer.MaxKbpsPerNode = value
		} else {
			logger.Printf("invalid MIXER_MAX_KBPS=%q: %v", raw, err)
		}
	}
	if raw := getenv("MIXER_THROTTLING_RATIO"); raw != "" {
		if value, err := strconv.ParseFloat(raw, 64); err == nil {
			c.Mixer.ThrottlingRatio = value
		} else {
			logger.Printf("invalid MIXER_THROTTLING_RATIO=%q: %v", raw, err)
		}
	}
	if raw := getenv("MIXER_COMPRESSION"); raw != "" {
		c.Transport.Compression = strings.ToLower(raw)
	}
	if raw := getenv("ENABLE_PPROF"); raw != "" {
		if value, err := strconv.ParseBool(raw); err == nil {
			c.Observability.EnablePprof = value
		} else {
			logger.Printf("invalid ENABLE_PPROF=%q: %v", raw, err)
		}
	}
}

// Validate clamps ratios and probabilities into [0,1] and rejects values the
// mixer cannot run with.
func (c *File) Validate() error {
	var errs []error
	if c.Mixer.TickRate <= 0 {
		errs = append(errs, fmt.Errorf("mixer.tickRate must be positive, got %d", c.Mixer.TickRate))
	}
	if c.Mixer.MaxKbpsPerNode < 0 {
		errs = append(errs, fmt.Errorf("mixer.maxKbpsPerNode must not be negative, got %v", c.Mixer.MaxKbpsPerNode))
	}
	if c.Mixer.MaxPacketPayload <= 64 {
		errs = append(errs, fmt.Errorf("mixer.maxPacketPayload too small: %d", c.Mixer.MaxPacketPayload))
	}
	if c.Mixer.Workers < 0 {
		errs = append(errs, fmt.Errorf("mixer.workers must not be negative, got %d", c.Mixer.Workers))
	}
	if c.Mixer.Bubble.Scale <= 0 {
		errs = append(errs, fmt.Errorf("mixer.bubble.scale must be positive, got %v", c.Mixer.Bubble.Scale))
	}
	if c.Mixer.Priority.MaxAgeSeconds <= 0 {
		errs = append(errs, fmt.Errorf("mixer.priority.maxAgeSeconds must be positive, got %v", c.Mixer.Priority.MaxAgeSeconds))
	}
	switch c.Transport.Compression {
	case "", "none", "lz4", "zstd":
	default:
		errs = append(errs, fmt.Errorf("transport.compression: unknown codec %q", c.Transport.Compression))
	}
	if _, err := logging.ParseSeverity(c.Logging.MinimumSeverity); err != nil {
		errs = append(errs, fmt.Errorf("logging.minimumSeverity: %w", err))
	}

	c.Mixer.ThrottlingRatio = clampUnit(c.Mixer.ThrottlingRatio)
	c.Mixer.FullUpdateProbability = clampUnit(c.Mixer.FullUpdateProbability)
	c.Mixer.IdentitySendProbability = clampUnit(c.Mixer.IdentitySendProbability)
	if c.Mixer.RoundBudgetRatio <= 0 {
		c.Mixer.RoundBudgetRatio = 1
	}
	if c.Transport.SendQueue <= 0 {
		c.Transport.SendQueue = 1
	}
	if c.Transport.InboundCapacity <= 0 {
		c.Transport.InboundCapacity = 1
	}
	return errors.Join(errs...)
}

// TickInterval is the wall time between broadcast rounds.
func (m Mixer) TickInterval() time.Duration {
	if m.TickRate <= 0 {
		return 0
	}
	return time.Second / time.Duration(m.TickRate)
}

// RouterConfig converts the logging section into a router configuration.
func (l Logging) RouterConfig() (logging.Config, error) {
	cfg := logging.DefaultConfig()
	severity, err := logging.ParseSeverity(l.MinimumSeverity)
	if err != nil {
		return cfg, err
	}
	cfg.MinimumSeverity = severity
	if l.Sinks != nil {
		cfg.EnabledSinks = append([]string(nil), l.Sinks...)
	}
	if l.BufferSize > 0 {
		cfg.BufferSize = l.BufferSize
	}
	cfg.JSON.FilePath = l.JSONPath
	cfg.Console.Prefix = l.ConsolePrefix
	if l.RecentEvents > 0 {
		cfg.RecentCapacity = l.RecentEvents
	}
	if len(l.SampleMillis) > 0 {
		cfg.SampleIntervals = make(map[logging.EventType]time.Duration, len(l.SampleMillis))
		for eventType, millis := range l.SampleMillis {
			if millis > 0 {
				cfg.SampleIntervals[logging.EventType(eventType)] = time.Duration(millis) * time.Millisecond
			}
		}
	}
	return cfg, nil
}

// IsModeratorToken reports whether token grants the kick privilege.
func (c File) IsModeratorToken(token string) bool {
	if token == "" {
		return false
	}
	for _, candidate := range c.ModeratorTokens {
		if candidate == token {
			return true
		}
	}
	return false
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
