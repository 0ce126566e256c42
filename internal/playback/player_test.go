package playback

import (
	"context"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/crmvoice/domain/repositories"
	"github.com/satriahrh/crmvoice/internal/audio"
)

type fakeSink struct {
	mu      sync.Mutex
	written [][]byte
	cleared int
	finish  chan struct{}
}

func newFakeSink() *fakeSink {
	return &fakeSink{finish: make(chan struct{}, 1)}
}

func (s *fakeSink) Write(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written = append(s.written, pcm)
	return nil
}

func (s *fakeSink) Drain(ctx context.Context) error {
	select {
	case <-s.finish:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *fakeSink) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleared++
}

func (s *fakeSink) Format() repositories.AudioFormat { return repositories.DefaultAudioFormat }

func (s *fakeSink) writes() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.written...)
}

func wavSegment(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(audio.EncodeWAV(pcm, repositories.DefaultAudioFormat))
}

func nextCompletion(t *testing.T, ch <-chan Completion) Completion {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
		return Completion{}
	}
}

func TestPlayer_PlayStripsWAVHeader(t *testing.T) {
	sink := newFakeSink()
	p := NewPlayer(sink, zaptest.NewLogger(t))
	defer p.Close()

	done, cancel := p.Finished().Subscribe(4)
	defer cancel()

	pcm := []byte{1, 2, 3, 4, 5, 6}
	id, err := p.Play(context.Background(), wavSegment(pcm))
	require.NoError(t, err)
	assert.True(t, p.IsPlaying())
	assert.Equal(t, [][]byte{pcm}, sink.writes())

	sink.finish <- struct{}{}
	c := nextCompletion(t, done)
	assert.Equal(t, id, c.ID)
	assert.False(t, c.Interrupted)
	assert.False(t, p.IsPlaying())
}

func TestPlayer_RawPCM(t *testing.T) {
	sink := newFakeSink()
	p := NewPlayer(sink, zaptest.NewLogger(t))
	defer p.Close()

	pcm := []byte{9, 9, 9, 9}
	_, err := p.Play(context.Background(), base64.StdEncoding.EncodeToString(pcm))
	require.NoError(t, err)
	assert.Equal(t, [][]byte{pcm}, sink.writes())
}

func TestPlayer_InvalidAudio(t *testing.T) {
	p := NewPlayer(newFakeSink(), zaptest.NewLogger(t))
	defer p.Close()

	_, err := p.Play(context.Background(), "%%%not base64")
	assert.ErrorIs(t, err, ErrInvalidAudio)

	_, err = p.Play(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidAudio)
	assert.False(t, p.IsPlaying())
}

func TestPlayer_StopReportsInterrupted(t *testing.T) {
	sink := newFakeSink()
	p := NewPlayer(sink, zaptest.NewLogger(t))
	defer p.Close()

	done, cancel := p.Finished().Subscribe(4)
	defer cancel()

	id, err := p.Play(context.Background(), wavSegment([]byte{1, 2}))
	require.NoError(t, err)

	assert.True(t, p.Stop())
	assert.False(t, p.IsPlaying())
	assert.False(t, p.Stop(), "second stop is a no-op")

	c := nextCompletion(t, done)
	assert.Equal(t, id, c.ID)
	assert.True(t, c.Interrupted)
	assert.NoError(t, c.Err)
	assert.Equal(t, 1, sink.cleared)
}

func TestPlayer_SingleFlight(t *testing.T) {
	sink := newFakeSink()
	p := NewPlayer(sink, zaptest.NewLogger(t))
	defer p.Close()

	done, cancel := p.Finished().Subscribe(4)
	defer cancel()

	first, err := p.Play(context.Background(), wavSegment([]byte{1, 2}))
	require.NoError(t, err)
	second, err := p.Play(context.Background(), wavSegment([]byte{3, 4}))
	require.NoError(t, err)

	c := nextCompletion(t, done)
	assert.Equal(t, first, c.ID)
	assert.True(t, c.Interrupted)
	assert.True(t, p.IsPlaying())

	sink.finish <- struct{}{}
	c = nextCompletion(t, done)
	assert.Equal(t, second, c.ID)
	assert.False(t, c.Interrupted)
}

func TestPlayer_ContextCancel(t *testing.T) {
	sink := newFakeSink()
	p := NewPlayer(sink, zaptest.NewLogger(t))
	defer p.Close()

	done, cancelSub := p.Finished().Subscribe(4)
	defer cancelSub()

	ctx, cancel := context.WithCancel(context.Background())
	_, err := p.Play(ctx, wavSegment([]byte{1, 2}))
	require.NoError(t, err)
	cancel()

	c := nextCompletion(t, done)
	assert.True(t, c.Interrupted)
	assert.ErrorIs(t, c.Err, context.Canceled)
}

func TestPlayer_Close(t *testing.T) {
	p := NewPlayer(newFakeSink(), zaptest.NewLogger(t))

	_, err := p.Play(context.Background(), wavSegment([]byte{1, 2}))
	require.NoError(t, err)

	p.Close()
	assert.False(t, p.IsPlaying())

	_, err = p.Play(context.Background(), wavSegment([]byte{1, 2}))
	assert.ErrorIs(t, err, ErrPlayerClosed)
}
