package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Sample rates used by the pipeline
const (
	SampleRateSynthesis = 24000 // Cartesia raw PCM output
	SampleRateTelephony = 8000  // G.711 PCMU
)

var (
	ErrEmptyAudio    = errors.New("empty audio data")
	ErrOddPCMLength  = errors.New("PCM data length must be even (16-bit samples)")
	ErrInvalidSample = errors.New("sample rate must be positive")
)

// DecodePCM16 splits little-endian 16-bit PCM into samples
func DecodePCM16(pcm []byte) ([]int16, error) {
	if len(pcm) == 0 {
		return nil, ErrEmptyAudio
	}
	if len(pcm)%2 != 0 {
		return nil, ErrOddPCMLength
	}

	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples, nil
}

// EncodePCM16 packs samples as little-endian 16-bit PCM
func EncodePCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// ConvertPCMToPCMU converts 16-bit linear PCM to G.711 PCMU (μ-law),
// resampling from inputSampleRate to outputSampleRate first
func ConvertPCMToPCMU(pcmData []byte, inputSampleRate, outputSampleRate int) ([]byte, error) {
	if inputSampleRate <= 0 || outputSampleRate <= 0 {
		return nil, ErrInvalidSample
	}

	samples, err := DecodePCM16(pcmData)
	if err != nil {
		return nil, fmt.Errorf("decode PCM: %w", err)
	}

	samples = resample(samples, inputSampleRate, outputSampleRate)

	pcmu := make([]byte, len(samples))
	for i, s := range samples {
		pcmu[i] = linearToMulaw(s)
	}
	return pcmu, nil
}

// ConvertPCMUToPCM expands G.711 PCMU to 16-bit linear PCM at the same rate
func ConvertPCMUToPCM(pcmuData []byte) ([]byte, error) {
	if len(pcmuData) == 0 {
		return nil, ErrEmptyAudio
	}

	samples := make([]int16, len(pcmuData))
	for i, b := range pcmuData {
		samples[i] = mulawToLinear(b)
	}
	return EncodePCM16(samples), nil
}

// resample uses linear interpolation, which is adequate for speech going
// to an 8kHz phone line
func resample(samples []int16, inputRate, outputRate int) []int16 {
	if inputRate == outputRate || len(samples) == 0 {
		return samples
	}

	ratio := float64(outputRate) / float64(inputRate)
	output := make([]int16, len(samples)*outputRate/inputRate)

	last := len(samples) - 1
	for i := range output {
		srcPos := float64(i) / ratio
		idx0 := int(srcPos)
		if idx0 > last {
			idx0 = last
		}
		idx1 := idx0 + 1
		if idx1 > last {
			idx1 = last
		}

		fraction := srcPos - float64(idx0)
		output[i] = int16(float64(samples[idx0])*(1.0-fraction) + float64(samples[idx1])*fraction)
	}
	return output
}

const (
	mulawClip = 8159 // 14-bit magnitude ceiling
	mulawBias = 0x21
)

// linearToMulaw encodes one sample per ITU-T G.711. The input is scaled
// down to the 14-bit range μ-law covers before companding.
func linearToMulaw(sample int16) byte {
	magnitude := int32(sample) >> 2
	var sign byte
	if magnitude < 0 {
		sign = 0x80
		magnitude = -magnitude
	}
	if magnitude > mulawClip {
		magnitude = mulawClip
	}
	magnitude += mulawBias
	if magnitude > 0x1FFF {
		magnitude = 0x1FFF
	}

	// Segment is the position of the highest set bit above bit 5
	var segment byte
	for v := magnitude >> 6; v > 0 && segment < 7; v >>= 1 {
		segment++
	}

	mantissa := byte((magnitude >> (segment + 1)) & 0x0F)
	return ^(sign | segment<<4 | mantissa)
}

// mulawToLinear decodes one G.711 μ-law byte back to 16-bit PCM
func mulawToLinear(b byte) int16 {
	b = ^b
	segment := int32(b>>4) & 0x07
	mantissa := int32(b & 0x0F)

	magnitude := ((mantissa<<1 + mulawBias) << segment) - mulawBias
	magnitude <<= 2
	if b&0x80 != 0 {
		return int16(-magnitude)
	}
	return int16(magnitude)
}
