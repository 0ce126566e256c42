package capture

import "github.com/satriahrh/crmvoice/internal/audio"

// EnergyDetector flags voice once a run of consecutive frames exceeds the
// voice threshold. Each sustained run is reported exactly once.
type EnergyDetector struct {
	threshold   float64
	consecutive int
	run         int
}

// NewEnergyDetector creates a new EnergyDetector
func NewEnergyDetector(threshold float64, consecutiveFrames int) *EnergyDetector {
	if consecutiveFrames < 1 {
		consecutiveFrames = 1
	}
	return &EnergyDetector{
		threshold:   threshold,
		consecutive: consecutiveFrames,
	}
}

// Observe measures frame and reports whether it completes a voiced run
func (d *EnergyDetector) Observe(frame []byte) (level float64, detected bool) {
	level = audio.RMS(frame)
	if level <= d.threshold {
		d.run = 0
		return level, false
	}
	d.run++
	return level, d.run == d.consecutive
}

// Voiced reports whether the current run has reached the threshold count
func (d *EnergyDetector) Voiced() bool {
	return d.run >= d.consecutive
}

// Reset clears internal state
func (d *EnergyDetector) Reset() {
	d.run = 0
}
