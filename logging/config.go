package logging

import "time"

// Sink names the server knows how to build.
const (
	SinkConsole = "console"
	SinkJSON    = "json"
	SinkRecent  = "recent"
)

// Config selects sinks and tunes the router queue.
type Config struct {
	EnabledSinks    []string
	BufferSize      int
	MinimumSeverity Severity
	// Fields are merged into the Extra map of every routed event.
	Fields map[string]any
	// SampleIntervals rate-limits event types per actor. Within an interval
	// only the first event is forwarded; the ones held back are counted in
	// the "suppressed" extra of the next forwarded event.
	SampleIntervals map[EventType]time.Duration

	JSON             JSONConfig
	Console          ConsoleConfig
	DropWarnInterval time.Duration
	// RecentCapacity bounds the in-memory sink behind the diagnostics
	// event feed.
	RecentCapacity int
}

type JSONConfig struct {
	FilePath      string
	FlushInterval time.Duration
}

type ConsoleConfig struct {
	Prefix string
}

func DefaultConfig() Config {
	return Config{
		EnabledSinks:     []string{SinkConsole},
		BufferSize:       512,
		MinimumSeverity:  SeverityInfo,
		DropWarnInterval: 5 * time.Second,
		RecentCapacity:   256,
		JSON: JSONConfig{
			FlushInterval: 2 * time.Second,
		},
	}
}

func (c Config) HasSink(name string) bool {
	for _, s := range c.EnabledSinks {
		if s == name {
			return true
		}
	}
	return false
}

// SampleInterval reports the rate limit configured for eventType, or zero.
func (c Config) SampleInterval(eventType EventType) time.Duration {
	return c.SampleIntervals[eventType]
}

func (c Config) CloneFields() map[string]any {
	if len(c.Fields) == 0 {
		return nil
	}
	cloned := make(map[string]any, len(c.Fields))
	for k, v := range c.Fields {
		cloned[k] = v
	}
	return cloned
}
