// Package miniaudio provides microphone capture and speaker playback through
// malgo.
package miniaudio

import (
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
	"go.uber.org/zap"

	"github.com/satriahrh/crmvoice/domain/repositories"
)

// Device owns the audio context shared by the capture and playback devices
type Device struct {
	// audioContext is kept only to uninitialise it
	audioContext *malgo.AllocatedContext

	source *Source
	sink   *Sink

	closeOnce sync.Once
	logger    *zap.Logger
}

// NewDevice initialises the default capture and playback devices for format.
// Only 16-bit formats are supported.
func NewDevice(format repositories.AudioFormat, logger *zap.Logger) (*Device, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if format.BitDepth != 16 {
		return nil, fmt.Errorf("unsupported bit depth %d", format.BitDepth)
	}
	logger = logger.With(zap.String("component", "miniaudio"))

	audioCtx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		logger.Debug("malgo", zap.String("message", message))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audio context: %w", err)
	}

	d := &Device{
		audioContext: audioCtx,
		source:       newSource(format, logger),
		sink:         newSink(format, logger),
		logger:       logger,
	}

	if err := d.sink.init(audioCtx); err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to initialize playback device: %w", err)
	}
	if err := d.source.init(audioCtx); err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to initialize capture device: %w", err)
	}
	return d, nil
}

// Source returns the microphone
func (d *Device) Source() *Source { return d.source }

// Sink returns the speaker
func (d *Device) Sink() *Sink { return d.sink }

// Close stops and releases both devices and the audio context
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		d.source.uninit()
		d.sink.uninit()
		if d.audioContext != nil {
			_ = d.audioContext.Uninit()
			d.audioContext.Free()
			d.audioContext = nil
		}
		d.logger.Info("Audio devices released")
	})
	return nil
}
