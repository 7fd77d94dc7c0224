package domain

import "math"

// AudioPrecision is the number of decimals kept on the wire.
const AudioPrecision = 2

type AudioMetrics struct {
	Amplitude float64 `json:"amplitude"`
	Peak      float64 `json:"peak"`
	RMS       float64 `json:"rms"`
}

// NewAudioMetrics clamps every value into [0,1] and rounds to AudioPrecision
// decimals so payloads stay small enough for the BLE sink.
func NewAudioMetrics(amplitude, peak, rms float64) AudioMetrics {
	return AudioMetrics{
		Amplitude: roundUnit(amplitude),
		Peak:      roundUnit(peak),
		RMS:       roundUnit(rms),
	}
}

func SilentAudio() AudioMetrics {
	return AudioMetrics{}
}

func roundUnit(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		v = 1
	}
	scale := math.Pow(10, AudioPrecision)
	return math.Round(v*scale) / scale
}
