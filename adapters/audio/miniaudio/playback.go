package miniaudio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
	"go.uber.org/zap"

	"github.com/satriahrh/crmvoice/domain/repositories"
)

const drainPollInterval = 20 * time.Millisecond

// Sink plays PCM audio on the default speaker
type Sink struct {
	format repositories.AudioFormat
	device *malgo.Device

	leftoverAudio []byte

	mu      sync.Mutex
	audioMu sync.Mutex
	logger  *zap.Logger
}

var _ repositories.AudioSink = (*Sink)(nil)

func newSink(format repositories.AudioFormat, logger *zap.Logger) *Sink {
	return &Sink{format: format, logger: logger}
}

func (s *Sink) init(audioContext *malgo.AllocatedContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sampleFormat := malgo.FormatS16
	bytesPerFrame := malgo.SampleSizeInBytes(sampleFormat) * s.format.Channels

	config := malgo.DefaultDeviceConfig(malgo.Playback)
	config.SampleRate = uint32(s.format.SampleRate)
	config.Playback.Format = sampleFormat
	config.Playback.Channels = uint32(s.format.Channels)
	config.Alsa.NoMMap = 1
	config.PeriodSizeInFrames = uint32(s.format.SampleRate / 10) // ~100ms of audio
	config.Periods = 4

	device, err := malgo.InitDevice(audioContext.Context, config, malgo.DeviceCallbacks{
		Data: s.processAudio(bytesPerFrame),
	})
	if err != nil {
		return err
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return fmt.Errorf("failed to start playback device: %w", err)
	}
	s.device = device
	return nil
}

// Write queues PCM audio for playback
func (s *Sink) Write(pcm []byte) error {
	s.mu.Lock()
	started := s.device != nil && s.device.IsStarted()
	s.mu.Unlock()
	if !started {
		return fmt.Errorf("playback device not started")
	}

	s.enqueue(pcm)
	return nil
}

func (s *Sink) enqueue(pcm []byte) {
	s.audioMu.Lock()
	defer s.audioMu.Unlock()
	s.leftoverAudio = append(s.leftoverAudio, pcm...)
}

// Drain waits until the queued audio has been handed to the device
func (s *Sink) Drain(ctx context.Context) error {
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	for {
		if s.buffered() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Clear drops the queued audio
func (s *Sink) Clear() {
	s.audioMu.Lock()
	defer s.audioMu.Unlock()
	s.leftoverAudio = nil
}

// Format returns the played PCM format
func (s *Sink) Format() repositories.AudioFormat { return s.format }

func (s *Sink) buffered() int {
	s.audioMu.Lock()
	defer s.audioMu.Unlock()
	return len(s.leftoverAudio)
}

func (s *Sink) processAudio(bytesPerFrame int) malgo.DataProc {
	return func(pOutput, _ []byte, frameCount uint32) {
		need := int(frameCount) * bytesPerFrame
		if need > len(pOutput) {
			need = len(pOutput)
		}

		s.audioMu.Lock()
		defer s.audioMu.Unlock()

		n := copy(pOutput[:need], s.leftoverAudio)
		for i := n; i < need; i++ {
			pOutput[i] = 0
		}
		s.leftoverAudio = s.leftoverAudio[n:]
		if len(s.leftoverAudio) == 0 {
			s.leftoverAudio = nil
		}
	}
}

func (s *Sink) uninit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device != nil {
		s.device.Uninit()
		s.device = nil
	}
	s.Clear()
}
