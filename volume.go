package vtrealtime

import (
	"math"
	"time"
)

// CalculateRMSPerFrame returns the RMS of each non-overlapping frame of
// frameSize samples. The last frame may be shorter and is averaged over its length.
func CalculateRMSPerFrame(samples []float64, frameSize int) []float64 {
	if frameSize <= 0 {
		frameSize = DefaultFrameSize
	}
	if len(samples) == 0 {
		return []float64{}
	}
	out := make([]float64, 0, (len(samples)+frameSize-1)/frameSize)
	for start := 0; start < len(samples); start += frameSize {
		end := start + frameSize
		if end > len(samples) {
			end = len(samples)
		}
		var sum float64
		for _, s := range samples[start:end] {
			sum += s * s
		}
		out = append(out, math.Sqrt(sum/float64(end-start)))
	}
	return out
}

// NormalizeVolumes scales RMS values into [0, 1], dividing by the smaller of the
// loudest frame and maxAmplitude. Silence yields all zeros.
func NormalizeVolumes(rms []float64, maxAmplitude float64) []float64 {
	out := make([]float64, len(rms))
	if len(rms) == 0 {
		return out
	}
	if maxAmplitude <= 0 {
		maxAmplitude = 1
	}

	var peak float64
	for _, v := range rms {
		if v > peak {
			peak = v
		}
	}
	if peak == 0 || math.IsNaN(peak) {
		return out
	}

	divisor := math.Min(peak, maxAmplitude)
	for i, v := range rms {
		n := v / divisor
		switch {
		case math.IsNaN(n) || n < 0:
			n = 0
		case n > 1:
			n = 1
		}
		out[i] = n
	}
	return out
}

// ExtractVolumesFromWAV decodes a base64 WAV and returns normalized per-frame volumes.
func ExtractVolumesFromWAV(b64 string, frameSize int) ([]float64, error) {
	ls, err := ExtractLipSync(b64, frameSize)
	if err != nil {
		return nil, err
	}
	return ls.Volumes, nil
}

// LipSync is a lip-sync drive signal: one volume per slice of audio.
type LipSync struct {
	Volumes     []float64
	SliceLength time.Duration
	Duration    time.Duration
}

// ExtractLipSync decodes a base64 WAV and derives its lip-sync signal.
// SliceLength is the wall-clock length of one frame.
func ExtractLipSync(b64 string, frameSize int) (*LipSync, error) {
	if frameSize <= 0 {
		frameSize = DefaultFrameSize
	}
	wav, err := DecodeBase64WAV(b64)
	if err != nil {
		return nil, err
	}
	if !wav.IsValid {
		return nil, NewAudioDecodeError("invalid WAV header", nil)
	}
	pcm, err := ExtractPCMSamples(wav.Data, wav.Header)
	if err != nil {
		return nil, err
	}

	return &LipSync{
		Volumes:     NormalizeVolumes(CalculateRMSPerFrame(pcm.Samples, frameSize), 1.0),
		SliceLength: time.Duration(float64(frameSize) / float64(pcm.SampleRate) * float64(time.Second)),
		Duration:    pcm.Duration,
	}, nil
}
