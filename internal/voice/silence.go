package voice

import (
	"sync"
	"time"
)

const (
	DefaultLoudnessThreshold = 5.0
	DefaultSilenceTimeout    = 2 * time.Second
	DefaultSampleInterval    = 100 * time.Millisecond
)

// AmplitudeSample is one loudness reading taken by the capture loop.
type AmplitudeSample struct {
	Level float64
	At    time.Time
}

type Decision int

const (
	Continue Decision = iota
	Stop
)

func (d Decision) String() string {
	if d == Stop {
		return "stop"
	}
	return "continue"
}

type SilenceConfig struct {
	// LoudnessThreshold is exclusive: a sample is loud only when its level is
	// strictly greater.
	LoudnessThreshold float64
	SilenceTimeout    time.Duration
	SampleInterval    time.Duration
}

func DefaultSilenceConfig() SilenceConfig {
	return SilenceConfig{
		LoudnessThreshold: DefaultLoudnessThreshold,
		SilenceTimeout:    DefaultSilenceTimeout,
		SampleInterval:    DefaultSampleInterval,
	}
}

func (c SilenceConfig) withDefaults() SilenceConfig {
	if c.LoudnessThreshold < 0 {
		c.LoudnessThreshold = DefaultLoudnessThreshold
	}
	if c.SilenceTimeout <= 0 {
		c.SilenceTimeout = DefaultSilenceTimeout
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = DefaultSampleInterval
	}
	return c
}

// SilenceDetector decides when a speaker has stopped talking. It remembers
// only the time of the last loud sample. The session start counts as loud, so
// a stream that never gets loud still stops after SilenceTimeout.
//
// Stop is reported once. After that Observe keeps returning Continue until
// Reset is called.
type SilenceDetector struct {
	cfg SilenceConfig

	mu         sync.Mutex
	lastLoudAt time.Time
	stopped    bool
}

func NewSilenceDetector(cfg SilenceConfig, start time.Time) *SilenceDetector {
	return &SilenceDetector{cfg: cfg.withDefaults(), lastLoudAt: start}
}

func (d *SilenceDetector) Config() SilenceConfig {
	return d.cfg
}

func (d *SilenceDetector) Observe(s AmplitudeSample) Decision {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return Continue
	}
	if s.Level > d.cfg.LoudnessThreshold {
		if s.At.After(d.lastLoudAt) {
			d.lastLoudAt = s.At
		}
		return Continue
	}
	if s.At.Sub(d.lastLoudAt) >= d.cfg.SilenceTimeout {
		d.stopped = true
		return Stop
	}
	return Continue
}

// Reset rearms the detector for a new utterance starting at start.
func (d *SilenceDetector) Reset(start time.Time) {
	d.mu.Lock()
	d.lastLoudAt = start
	d.stopped = false
	d.mu.Unlock()
}

func (d *SilenceDetector) Stopped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopped
}

func (d *SilenceDetector) LastLoudAt() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastLoudAt
}
