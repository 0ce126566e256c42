// Package capture turns microphone input into utterances: it detects speech by
// energy thresholding, finalizes on sustained silence and emits WAV segments.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/crmvoice/domain/repositories"
	"github.com/satriahrh/crmvoice/internal/audio"
	"github.com/satriahrh/crmvoice/internal/pubsub"
)

// ErrDeviceUnavailable wraps every failure to start the audio source
var ErrDeviceUnavailable = errors.New("audio input device unavailable")

// DeviceError is a failure of the audio source. It matches ErrDeviceUnavailable.
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("%v: %s: %v", ErrDeviceUnavailable, e.Op, e.Err)
}

func (e *DeviceError) Unwrap() []error { return []error{ErrDeviceUnavailable, e.Err} }

// State is the recorder lifecycle state
type State string

const (
	StateIdle       State = "idle"
	StateRecording  State = "recording"
	StateFinalizing State = "finalizing"
)

// EventType identifies a recorder event
type EventType string

const (
	EventVoiceDetected  EventType = "voice_detected"
	EventUtteranceReady EventType = "utterance_ready"
	EventDeviceError    EventType = "device_error"
)

// Utterance is one finalized, WAV-encoded speech segment
type Utterance struct {
	Audio     []byte
	Format    repositories.AudioFormat
	StartedAt time.Time
	Duration  time.Duration
}

// Event is published on the recorder's event stream
type Event struct {
	Type      EventType
	At        time.Time
	Level     float64    // EventVoiceDetected
	Utterance *Utterance // EventUtteranceReady
	Err       error      // EventDeviceError
}

// Config tunes voice activity detection
type Config struct {
	VoiceThreshold    float64
	ConsecutiveFrames int
	SilenceThreshold  float64
	SilenceDuration   time.Duration
	PollInterval      time.Duration
	MaxRecording      time.Duration
}

// DefaultConfig returns the detection defaults
func DefaultConfig() Config {
	return Config{
		VoiceThreshold:    0.02,
		ConsecutiveFrames: 3,
		SilenceThreshold:  0.01,
		SilenceDuration:   1500 * time.Millisecond,
		PollInterval:      500 * time.Millisecond,
		MaxRecording:      60 * time.Second,
	}
}

// Recorder drives an AudioSource through Idle, Recording and Finalizing.
// Monitoring mode runs the detector without buffering so that speech can be
// noticed while playback is active.
type Recorder struct {
	config Config
	source repositories.AudioSource
	logger *zap.Logger

	// sourceMu serialises source Start/Stop. Frame callbacks only take mu, so
	// a source may block in Stop until its callback returns.
	sourceMu      sync.Mutex
	sourceRunning bool

	mu         sync.Mutex
	state      State
	monitoring bool
	detector   *EnergyDetector
	buffer     []byte
	voiced     bool
	startedAt  time.Time
	lastSound  time.Time
	pollStop   chan struct{}
	closed     bool

	polls  sync.WaitGroup
	events *pubsub.Stream[Event]

	encode func(pcm []byte, format repositories.AudioFormat) []byte
}

// NewRecorder creates a new Recorder
func NewRecorder(source repositories.AudioSource, config Config, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.SilenceDuration <= 0 {
		config.SilenceDuration = defaults.SilenceDuration
	}
	if config.MaxRecording <= 0 {
		config.MaxRecording = defaults.MaxRecording
	}

	return &Recorder{
		config:   config,
		source:   source,
		logger:   logger.With(zap.String("component", "recorder")),
		state:    StateIdle,
		detector: NewEnergyDetector(config.VoiceThreshold, config.ConsecutiveFrames),
		events:   pubsub.NewStream[Event](),
		encode:   audio.EncodeWAV,
	}
}

// Events streams detector and device events
func (r *Recorder) Events() *pubsub.Stream[Event] { return r.events }

// State returns the current recorder state
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// IsRecording reports whether an utterance is being buffered
func (r *Recorder) IsRecording() bool {
	return r.State() == StateRecording
}

// IsMonitoring reports whether barge-in monitoring is active
func (r *Recorder) IsMonitoring() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.monitoring
}

// StartRecording begins buffering a new utterance. It is a no-op while a
// recording is already in progress.
func (r *Recorder) StartRecording() error {
	r.sourceMu.Lock()
	defer r.sourceMu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errors.New("recorder closed")
	}
	if r.state != StateIdle {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	if err := r.ensureSourceLocked(); err != nil {
		return err
	}

	now := time.Now()
	stop := make(chan struct{})

	r.mu.Lock()
	r.state = StateRecording
	r.buffer = r.buffer[:0]
	r.voiced = false
	r.startedAt = now
	r.lastSound = now
	r.detector.Reset()
	r.pollStop = stop
	r.polls.Add(1)
	r.mu.Unlock()

	go r.pollLoop(stop)

	r.logger.Debug("Recording started")
	return nil
}

// StopRecording abandons the current recording without emitting an utterance
func (r *Recorder) StopRecording() {
	r.sourceMu.Lock()
	defer r.sourceMu.Unlock()

	r.mu.Lock()
	if r.state == StateIdle {
		r.mu.Unlock()
		return
	}
	r.resetLocked()
	r.mu.Unlock()

	r.releaseSourceLocked()
	r.logger.Debug("Recording stopped")
}

// StartMonitoring runs the detector without buffering
func (r *Recorder) StartMonitoring() error {
	r.sourceMu.Lock()
	defer r.sourceMu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errors.New("recorder closed")
	}
	if r.monitoring {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	if err := r.ensureSourceLocked(); err != nil {
		return err
	}

	r.mu.Lock()
	r.monitoring = true
	if r.state == StateIdle {
		r.detector.Reset()
	}
	r.mu.Unlock()
	return nil
}

// StopMonitoring ends barge-in monitoring
func (r *Recorder) StopMonitoring() {
	r.sourceMu.Lock()
	defer r.sourceMu.Unlock()

	r.mu.Lock()
	r.monitoring = false
	r.mu.Unlock()

	r.releaseSourceLocked()
}

// Close stops recording and monitoring, releases the source and closes the
// event stream
func (r *Recorder) Close() {
	r.sourceMu.Lock()
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.sourceMu.Unlock()
		return
	}
	r.closed = true
	r.monitoring = false
	if r.state != StateIdle {
		r.resetLocked()
	}
	r.mu.Unlock()
	r.releaseSourceLocked()
	r.sourceMu.Unlock()

	r.polls.Wait()
	r.events.Close()
}

// ensureSourceLocked starts the source once. Caller must hold sourceMu.
func (r *Recorder) ensureSourceLocked() error {
	if r.sourceRunning {
		return nil
	}
	if err := r.source.Start(context.Background(), r.handleFrame); err != nil {
		err = &DeviceError{Op: "start", Err: err}
		r.logger.Error("Failed to start audio source", zap.Error(err))
		// callers may be the stream's own subscriber
		go r.events.Publish(Event{Type: EventDeviceError, At: time.Now(), Err: err})
		return err
	}
	r.sourceRunning = true
	return nil
}

// releaseSourceLocked stops the source when nothing needs it. Caller must
// hold sourceMu and must not hold mu.
func (r *Recorder) releaseSourceLocked() {
	r.mu.Lock()
	inUse := r.monitoring || r.state != StateIdle
	r.mu.Unlock()

	if inUse || !r.sourceRunning {
		return
	}
	if err := r.source.Stop(); err != nil {
		r.logger.Warn("Failed to stop audio source", zap.Error(err))
	}
	r.sourceRunning = false
}

// resetLocked returns to Idle and stops the poll loop. Caller must hold mu.
func (r *Recorder) resetLocked() {
	r.state = StateIdle
	r.buffer = r.buffer[:0]
	r.voiced = false
	if r.pollStop != nil {
		close(r.pollStop)
		r.pollStop = nil
	}
}

// handleFrame is the source callback
func (r *Recorder) handleFrame(frame []byte) {
	r.mu.Lock()
	if r.state != StateRecording && !r.monitoring {
		r.mu.Unlock()
		return
	}

	level, detected := r.detector.Observe(frame)
	if r.state == StateRecording {
		r.buffer = append(r.buffer, frame...)
		if level >= r.config.SilenceThreshold {
			r.lastSound = time.Now()
		}
		if r.detector.Voiced() {
			r.voiced = true
		}
	}
	r.mu.Unlock()

	if detected {
		r.events.Publish(Event{Type: EventVoiceDetected, At: time.Now(), Level: level})
	}
}

// pollLoop checks for end of speech every PollInterval
func (r *Recorder) pollLoop(stop <-chan struct{}) {
	defer r.polls.Done()

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if r.checkSilence() {
				return
			}
		}
	}
}

// checkSilence finalizes the recording when speech has ended. It returns true
// once the recording is over.
func (r *Recorder) checkSilence() bool {
	now := time.Now()

	r.mu.Lock()
	if r.state != StateRecording {
		r.mu.Unlock()
		return true
	}

	silent := now.Sub(r.lastSound) >= r.config.SilenceDuration
	tooLong := now.Sub(r.startedAt) >= r.config.MaxRecording
	if !silent && !tooLong {
		r.mu.Unlock()
		return false
	}

	if !r.voiced {
		// nothing but background noise so far: drop it and keep listening
		r.buffer = r.buffer[:0]
		r.startedAt = now
		r.lastSound = now
		r.mu.Unlock()
		return false
	}

	// Finalizing lasts until the segment is encoded. StopRecording or Close
	// in the meantime abandons it.
	r.state = StateFinalizing
	pcm := append([]byte(nil), r.buffer...)
	startedAt := r.startedAt
	r.buffer = r.buffer[:0]
	r.voiced = false
	if r.pollStop != nil {
		close(r.pollStop)
		r.pollStop = nil
	}
	r.mu.Unlock()

	format := r.source.Format()
	utterance := &Utterance{
		Audio:     r.encode(pcm, format),
		Format:    format,
		StartedAt: startedAt,
		Duration:  pcmDuration(len(pcm), format),
	}

	r.mu.Lock()
	abandoned := r.state != StateFinalizing
	if !abandoned {
		r.state = StateIdle
	}
	r.mu.Unlock()

	if abandoned {
		r.logger.Debug("Utterance abandoned during finalization")
		r.sourceMu.Lock()
		r.releaseSourceLocked()
		r.sourceMu.Unlock()
		return true
	}

	r.logger.Info("Utterance finalized",
		zap.Duration("duration", utterance.Duration),
		zap.Bool("maxRecordingReached", tooLong && !silent))
	r.events.Publish(Event{Type: EventUtteranceReady, At: now, Utterance: utterance})

	r.sourceMu.Lock()
	r.releaseSourceLocked()
	r.sourceMu.Unlock()
	return true
}

func pcmDuration(n int, format repositories.AudioFormat) time.Duration {
	bps := format.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bps)
}
