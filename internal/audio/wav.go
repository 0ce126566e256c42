// Package audio holds PCM helpers shared by capture and playback.
package audio

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/satriahrh/crmvoice/domain/repositories"
)

const wavHeaderSize = 44

// ErrInvalidWAV is returned for RIFF data without a readable data chunk
var ErrInvalidWAV = errors.New("invalid WAV data")

// EncodeWAV wraps little-endian PCM data with a canonical 44-byte WAV header
func EncodeWAV(pcm []byte, format repositories.AudioFormat) []byte {
	dataLen := len(pcm)
	byteRate := format.BytesPerSecond()
	blockAlign := format.Channels * format.BitDepth / 8

	header := make([]byte, wavHeaderSize, wavHeaderSize+dataLen)

	// RIFF chunk descriptor
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], uint32(36+dataLen))
	copy(header[8:12], "WAVE")

	// fmt sub-chunk
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(header[22:24], uint16(format.Channels))
	binary.LittleEndian.PutUint32(header[24:28], uint32(format.SampleRate))
	binary.LittleEndian.PutUint32(header[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(header[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(header[34:36], uint16(format.BitDepth))

	// data sub-chunk
	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], uint32(dataLen))

	return append(header, pcm...)
}

// IsWAV reports whether data starts with a RIFF/WAVE header
func IsWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// DecodeWAV walks the RIFF chunks and returns the PCM payload and its format.
// Data that is not RIFF/WAVE is returned unchanged with ok=false.
func DecodeWAV(data []byte) (pcm []byte, format repositories.AudioFormat, ok bool, err error) {
	if !IsWAV(data) {
		return data, format, false, nil
	}

	offset := 12
	for offset+8 <= len(data) {
		id := string(data[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := offset + 8

		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(data) {
				return nil, format, true, ErrInvalidWAV
			}
			format.Channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			format.SampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			format.BitDepth = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
		case "data":
			end := body + size
			// streamed WAVs may carry a placeholder size
			if end > len(data) || size == 0 {
				end = len(data)
			}
			return data[body:end], format, true, nil
		}

		offset = body + size + size%2
	}
	return nil, format, true, ErrInvalidWAV
}

// RMS returns the root-mean-square level of little-endian int16 PCM,
// normalised to [0,1]
func RMS(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < samples; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[2*i:]))) / 32768.0
		sum += s * s
	}
	return math.Sqrt(sum / float64(samples))
}
