// Package playback plays synthesized assistant audio, one segment at a time.
package playback

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/satriahrh/crmvoice/domain/repositories"
	"github.com/satriahrh/crmvoice/internal/audio"
	"github.com/satriahrh/crmvoice/internal/pubsub"
)

var (
	// ErrInvalidAudio is returned for payloads that are not base64 PCM or WAV.
	ErrInvalidAudio = errors.New("invalid audio payload")
	// ErrPlayerClosed is returned after Close.
	ErrPlayerClosed = errors.New("player closed")
)

// Completion reports the end of one playback
type Completion struct {
	ID          string
	Interrupted bool
	Err         error
}

type run struct {
	id      string
	cancel  context.CancelFunc
	stopped bool
}

// Player is a single-flight player over an AudioSink
type Player struct {
	sink   repositories.AudioSink
	logger *zap.Logger

	mu      sync.Mutex
	current *run
	closed  bool

	runs     sync.WaitGroup
	finished *pubsub.Stream[Completion]
}

// NewPlayer creates a new Player
func NewPlayer(sink repositories.AudioSink, logger *zap.Logger) *Player {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Player{
		sink:     sink,
		logger:   logger.With(zap.String("component", "player")),
		finished: pubsub.NewStream[Completion](),
	}
}

// Finished streams one Completion per Play
func (p *Player) Finished() *pubsub.Stream[Completion] { return p.finished }

// IsPlaying reports whether a segment is being played
func (p *Player) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current != nil
}

// Play decodes a base64 segment, stops any current playback and starts the
// new one. It returns the playback ID reported in the Completion.
func (p *Player) Play(ctx context.Context, audioBase64 string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(audioBase64)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAudio, err)
	}
	pcm, format, isWAV, err := audio.DecodeWAV(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAudio, err)
	}
	if len(pcm) == 0 {
		return "", fmt.Errorf("%w: empty segment", ErrInvalidAudio)
	}
	if isWAV && format != p.sink.Format() {
		p.logger.Warn("Segment format differs from output device",
			zap.Int("sampleRate", format.SampleRate),
			zap.Int("channels", format.Channels))
	}

	p.Stop()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return "", ErrPlayerClosed
	}
	if err := p.sink.Write(pcm); err != nil {
		p.mu.Unlock()
		return "", fmt.Errorf("failed to queue audio: %w", err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	r := &run{id: uuid.New().String(), cancel: cancel}
	p.current = r
	p.runs.Add(1)
	p.mu.Unlock()

	go p.await(runCtx, r)

	p.logger.Debug("Playback started", zap.String("playbackId", r.id), zap.Int("bytes", len(pcm)))
	return r.id, nil
}

// Stop clears the output immediately. It reports whether anything was playing.
func (p *Player) Stop() bool {
	p.mu.Lock()
	r := p.current
	if r == nil {
		p.mu.Unlock()
		return false
	}
	r.stopped = true
	p.current = nil
	p.mu.Unlock()

	p.sink.Clear()
	r.cancel()

	p.logger.Debug("Playback stopped", zap.String("playbackId", r.id))
	return true
}

// Close stops playback, waits for pending completions and closes Finished
func (p *Player) Close() {
	p.Stop()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.runs.Wait()
	p.finished.Close()
}

func (p *Player) await(ctx context.Context, r *run) {
	defer p.runs.Done()
	defer r.cancel()

	err := p.sink.Drain(ctx)

	p.mu.Lock()
	stopped := r.stopped
	if p.current == r {
		p.current = nil
	}
	p.mu.Unlock()

	completion := Completion{ID: r.id, Interrupted: stopped || err != nil}
	if err != nil && !stopped {
		// caller's context ended mid-segment
		p.sink.Clear()
		completion.Err = err
	}
	p.finished.Publish(completion)
}
