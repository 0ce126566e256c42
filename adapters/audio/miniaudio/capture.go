package miniaudio

import (
	"context"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
	"go.uber.org/zap"

	"github.com/satriahrh/crmvoice/domain/repositories"
)

// Source captures PCM frames from the default microphone
type Source struct {
	format repositories.AudioFormat
	device *malgo.Device

	onFrame func(frame []byte)

	mu       sync.Mutex
	callback sync.RWMutex
	logger   *zap.Logger
}

var _ repositories.AudioSource = (*Source)(nil)

func newSource(format repositories.AudioFormat, logger *zap.Logger) *Source {
	return &Source{format: format, logger: logger}
}

func (s *Source) init(audioContext *malgo.AllocatedContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sampleFormat := malgo.FormatS16
	bytesPerFrame := malgo.SampleSizeInBytes(sampleFormat) * s.format.Channels

	config := malgo.DefaultDeviceConfig(malgo.Capture)
	config.SampleRate = uint32(s.format.SampleRate)
	config.Capture.Format = sampleFormat
	config.Capture.Channels = uint32(s.format.Channels)
	config.Alsa.NoMMap = 1
	config.PerformanceProfile = malgo.LowLatency
	// 20ms periods
	config.PeriodSizeInFrames = uint32(s.format.SampleRate / 50)
	config.Periods = 3

	device, err := malgo.InitDevice(audioContext.Context, config, malgo.DeviceCallbacks{
		Data: func(_, pInput []byte, frameCount uint32) {
			n := int(frameCount) * bytesPerFrame
			if len(pInput) < n || n == 0 {
				return
			}
			s.deliver(pInput[:n])
		},
	})
	if err != nil {
		return err
	}
	s.device = device
	return nil
}

// deliver hands a copy of the frame to the subscriber. The device reuses its buffer.
func (s *Source) deliver(frame []byte) {
	s.callback.RLock()
	onFrame := s.onFrame
	s.callback.RUnlock()
	if onFrame == nil {
		return
	}
	onFrame(append([]byte(nil), frame...))
}

// Start begins capturing. Starting a started source replaces the callback.
func (s *Source) Start(ctx context.Context, onFrame func(frame []byte)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device == nil {
		return fmt.Errorf("capture device not initialized")
	}

	s.callback.Lock()
	s.onFrame = onFrame
	s.callback.Unlock()

	if s.device.IsStarted() {
		return nil
	}
	if err := s.device.Start(); err != nil {
		return fmt.Errorf("failed to start capture device: %w", err)
	}
	s.logger.Debug("Capture started")
	return nil
}

// Stop stops capturing
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.callback.Lock()
	s.onFrame = nil
	s.callback.Unlock()

	if s.device == nil || !s.device.IsStarted() {
		return nil
	}
	if err := s.device.Stop(); err != nil {
		return fmt.Errorf("failed to stop capture device: %w", err)
	}
	s.logger.Debug("Capture stopped")
	return nil
}

// Format returns the captured PCM format
func (s *Source) Format() repositories.AudioFormat { return s.format }

func (s *Source) uninit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device != nil {
		s.device.Uninit()
		s.device = nil
	}
}
