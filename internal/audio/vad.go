package audio

import (
	"errors"
	"fmt"
	"math"
)

// ErrUnsupportedFormat is returned for WAV encodings the detector cannot decode
var ErrUnsupportedFormat = errors.New("unsupported WAV encoding")

// VADConfig holds configuration for Voice Activity Detection
type VADConfig struct {
	EnergyThreshold float64 // RMS energy threshold for speech detection
	MinSpeechFrames int     // Frames above the threshold needed before a recording counts as speech
	FrameMillis     int     // Frame length in milliseconds
}

// DefaultVADConfig returns a default VAD configuration
func DefaultVADConfig() *VADConfig {
	return &VADConfig{
		EnergyThreshold: 500.0,
		MinSpeechFrames: 5,  // 100ms of speech
		FrameMillis:     20, // 160 samples at 8kHz
	}
}

// VADDetector decides whether a complete recording contains speech
type VADDetector struct {
	config *VADConfig
}

// NewVADDetector creates a new VAD detector
func NewVADDetector(config *VADConfig) *VADDetector {
	if config == nil {
		config = DefaultVADConfig()
	}
	if config.FrameMillis <= 0 {
		config.FrameMillis = 20
	}
	if config.MinSpeechFrames <= 0 {
		config.MinSpeechFrames = 1
	}
	return &VADDetector{config: config}
}

// ContainsSpeech reports whether a WAV recording has at least
// MinSpeechFrames frames above the energy threshold. Recordings in other
// containers cannot be judged and return ErrNotWAV.
func (v *VADDetector) ContainsSpeech(recording []byte) (bool, error) {
	format, data, err := ParseWAV(recording)
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}

	var pcm []byte
	switch {
	case format.Tag == FormatPCM && format.BitsPerSample == 16:
		pcm = data
	case format.Tag == FormatMulaw && format.BitsPerSample == 8:
		if pcm, err = ConvertPCMUToPCM(data); err != nil {
			return false, err
		}
	default:
		return false, fmt.Errorf("%w: tag %d, %d bits", ErrUnsupportedFormat, format.Tag, format.BitsPerSample)
	}

	if len(pcm) < 2 {
		return false, nil
	}
	samples, err := DecodePCM16(pcm[:len(pcm)&^1])
	if err != nil {
		return false, err
	}

	channels := int(format.Channels)
	if channels < 1 {
		channels = 1
	}
	frameSize := int(format.SampleRate) * channels * v.config.FrameMillis / 1000
	if frameSize < 1 {
		frameSize = len(samples)
	}

	speechFrames := 0
	for start := 0; start < len(samples); start += frameSize {
		end := min(start+frameSize, len(samples))
		if !DetectSilence(samples[start:end], v.config.EnergyThreshold) {
			speechFrames++
			if speechFrames >= v.config.MinSpeechFrames {
				return true, nil
			}
		}
	}
	return false, nil
}

// CalculateRMS calculates the root mean square (RMS) of audio samples
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// DetectSilence detects if audio samples represent silence
// Uses a simple energy threshold
func DetectSilence(samples []int16, threshold float64) bool {
	return CalculateRMS(samples) < threshold
}
