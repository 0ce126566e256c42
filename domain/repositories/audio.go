package repositories

import "context"

// AudioFormat describes raw PCM audio exchanged with audio devices
type AudioFormat struct {
	SampleRate int `json:"sample_rate"`
	Channels   int `json:"channels"`
	// BitDepth is the number of bits per sample; only 16 is produced by the devices.
	BitDepth int `json:"bit_depth"`
}

// BytesPerSecond returns the PCM byte rate of the format
func (f AudioFormat) BytesPerSecond() int {
	return f.SampleRate * f.Channels * f.BitDepth / 8
}

// DefaultAudioFormat is 16kHz mono signed 16-bit PCM
var DefaultAudioFormat = AudioFormat{SampleRate: 16000, Channels: 1, BitDepth: 16}

// AudioSource abstracts a microphone-like input producing PCM frames
type AudioSource interface {
	// Start begins capturing and invokes onFrame for every captured frame.
	Start(ctx context.Context, onFrame func(frame []byte)) error
	Stop() error
	Format() AudioFormat
}

// AudioSink abstracts a speaker-like output consuming PCM audio
type AudioSink interface {
	// Write queues PCM audio for playback.
	Write(pcm []byte) error
	// Drain blocks until all queued audio has been played or ctx is done.
	Drain(ctx context.Context) error
	// Clear drops all queued audio immediately.
	Clear()
	Format() AudioFormat
}
