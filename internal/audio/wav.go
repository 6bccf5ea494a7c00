package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// WAV format tags
const (
	FormatPCM   uint16 = 1
	FormatMulaw uint16 = 7
)

const wavHeaderSize = 44

var ErrNotWAV = errors.New("not a RIFF/WAVE file")

// Format describes the fmt chunk of a WAV file
type Format struct {
	Tag           uint16
	Channels      uint16
	SampleRate    uint32
	BitsPerSample uint16
}

// PCM16Format is mono 16-bit linear PCM at the given rate
func PCM16Format(sampleRate int) Format {
	return Format{Tag: FormatPCM, Channels: 1, SampleRate: uint32(sampleRate), BitsPerSample: 16}
}

// MulawFormat is mono 8-bit G.711 μ-law at the given rate
func MulawFormat(sampleRate int) Format {
	return Format{Tag: FormatMulaw, Channels: 1, SampleRate: uint32(sampleRate), BitsPerSample: 8}
}

func (f Format) blockAlign() uint16 {
	return f.Channels * f.BitsPerSample / 8
}

// EncodeWAV frames raw sample data with a canonical 44-byte WAV header
func EncodeWAV(data []byte, f Format) []byte {
	var buf bytes.Buffer
	buf.Grow(wavHeaderSize + len(data))

	le := binary.LittleEndian
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, le, uint32(36+len(data)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	_ = binary.Write(&buf, le, uint32(16))
	_ = binary.Write(&buf, le, f.Tag)
	_ = binary.Write(&buf, le, f.Channels)
	_ = binary.Write(&buf, le, f.SampleRate)
	_ = binary.Write(&buf, le, f.SampleRate*uint32(f.blockAlign()))
	_ = binary.Write(&buf, le, f.blockAlign())
	_ = binary.Write(&buf, le, f.BitsPerSample)

	buf.WriteString("data")
	_ = binary.Write(&buf, le, uint32(len(data)))
	buf.Write(data)

	return buf.Bytes()
}

// ParseWAV reads the fmt chunk and returns the data chunk payload.
// Unknown chunks between fmt and data are skipped.
func ParseWAV(wav []byte) (Format, []byte, error) {
	if len(wav) < 12 || string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return Format{}, nil, ErrNotWAV
	}

	le := binary.LittleEndian
	var (
		f       Format
		haveFmt bool
	)
	for off := 12; off+8 <= len(wav); {
		id := string(wav[off : off+4])
		size := int(le.Uint32(wav[off+4:]))
		body := off + 8
		if size < 0 || body+size > len(wav) {
			return Format{}, nil, fmt.Errorf("chunk %q overruns file", id)
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return Format{}, nil, fmt.Errorf("fmt chunk too short: %d bytes", size)
			}
			f = Format{
				Tag:           le.Uint16(wav[body:]),
				Channels:      le.Uint16(wav[body+2:]),
				SampleRate:    le.Uint32(wav[body+4:]),
				BitsPerSample: le.Uint16(wav[body+14:]),
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return Format{}, nil, errors.New("data chunk before fmt chunk")
			}
			return f, wav[body : body+size], nil
		}

		// Chunks are word aligned
		off = body + size + size%2
	}
	return Format{}, nil, errors.New("missing data chunk")
}

// PCM16WAV wraps 16-bit PCM in a WAV container
func PCM16WAV(pcm []byte, sampleRate int) []byte {
	return EncodeWAV(pcm, PCM16Format(sampleRate))
}

// MulawWAV converts 16-bit PCM to 8kHz μ-law and wraps it in a WAV container
func MulawWAV(pcm []byte, inputSampleRate int) ([]byte, error) {
	pcmu, err := ConvertPCMToPCMU(pcm, inputSampleRate, SampleRateTelephony)
	if err != nil {
		return nil, err
	}
	return EncodeWAV(pcmu, MulawFormat(SampleRateTelephony)), nil
}

// MulawToPCM16WAV expands raw telephony μ-law into a 16-bit PCM WAV
func MulawToPCM16WAV(pcmu []byte, sampleRate int) ([]byte, error) {
	pcm, err := ConvertPCMUToPCM(pcmu)
	if err != nil {
		return nil, err
	}
	return PCM16WAV(pcm, sampleRate), nil
}
