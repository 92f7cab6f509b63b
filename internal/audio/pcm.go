// Package audio converts, resamples and slices PCM16 audio for realtime sessions.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	SampleRate16kHz = 16000
	SampleRate24kHz = 24000

	bytesPerSample = 2
)

// ErrUnsupportedAudioFormat is returned when input audio cannot be coerced to PCM16 mono.
var ErrUnsupportedAudioFormat = errors.New("unsupported audio format")

// ToPCM16Mono coerces data described by hint into PCM16LE mono. rate is the source
// sample rate when the container does not carry one. A hint such as
// "audio/pcm;rate=16000" may carry the rate and channel count itself.
//
// An unrecognized hint is treated as raw PCM16 mono when rate is known.
func ToPCM16Mono(data []byte, hint string, rate int) ([]byte, int, error) {
	kind, params := parseHint(hint)
	if r, ok := params["rate"]; ok && rate <= 0 {
		rate = r
	}
	channels := 1
	if c, ok := params["channels"]; ok && c > 0 {
		channels = c
	}

	switch kind {
	case "wav", "wave", "audio/wav", "audio/wave", "audio/x-wav":
		return DecodeWAV(data)
	case "pcm16", "pcm", "s16le", "l16", "audio/pcm", "audio/l16", "linear16":
		if rate <= 0 {
			return nil, 0, fmt.Errorf("%w: %q without sample rate", ErrUnsupportedAudioFormat, hint)
		}
		pcm := data[:len(data)-len(data)%bytesPerSample]
		return Downmix(append([]byte(nil), pcm...), channels), rate, nil
	case "f32le", "float32", "pcm_f32le", "audio/f32":
		if rate <= 0 {
			return nil, 0, fmt.Errorf("%w: %q without sample rate", ErrUnsupportedAudioFormat, hint)
		}
		return Downmix(float32ToPCM16(data), channels), rate, nil
	case "pcmu", "g711_ulaw", "ulaw", "mulaw", "audio/pcmu", "audio/basic":
		if rate <= 0 {
			rate = 8000
		}
		return Downmix(ulawToPCM16(data), channels), rate, nil
	}

	if rate <= 0 {
		return nil, 0, fmt.Errorf("%w: %q", ErrUnsupportedAudioFormat, hint)
	}
	pcm := data[:len(data)-len(data)%bytesPerSample]
	return append([]byte(nil), pcm...), rate, nil
}

func parseHint(hint string) (string, map[string]int) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(hint)), ";")
	params := make(map[string]int)
	for _, p := range parts[1:] {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			continue
		}
		params[strings.TrimSpace(k)] = n
	}
	return strings.TrimSpace(parts[0]), params
}

// Resample converts PCM16LE mono from one rate to another using linear
// interpolation. Equal rates return a copy.
func Resample(pcm []byte, fromRate, toRate int) []byte {
	pcm = pcm[:len(pcm)-len(pcm)%bytesPerSample]
	if fromRate <= 0 || toRate <= 0 || fromRate == toRate {
		return append([]byte(nil), pcm...)
	}
	in := len(pcm) / bytesPerSample
	if in == 0 {
		return []byte{}
	}
	outN := int(float64(in) * float64(toRate) / float64(fromRate))
	if outN == 0 {
		return []byte{}
	}

	out := make([]byte, outN*bytesPerSample)
	ratio := float64(fromRate) / float64(toRate)
	for i := 0; i < outN; i++ {
		pos := float64(i) * ratio
		idx := int(pos)
		var v int16
		if idx >= in-1 {
			v = sampleAt(pcm, in-1)
		} else {
			s0 := float64(sampleAt(pcm, idx))
			s1 := float64(sampleAt(pcm, idx+1))
			v = int16(s0 + (pos-float64(idx))*(s1-s0))
		}
		binary.LittleEndian.PutUint16(out[i*bytesPerSample:], uint16(v))
	}
	return out
}

// IterChunks slices pcm into chunkMs-long pieces. The last piece may be shorter
// and is always returned. The returned slices alias pcm.
func IterChunks(pcm []byte, rate, chunkMs int) [][]byte {
	if len(pcm) == 0 {
		return nil
	}
	size := ChunkBytes(rate, chunkMs)
	if size <= 0 || size >= len(pcm) {
		return [][]byte{pcm[:len(pcm):len(pcm)]}
	}
	chunks := make([][]byte, 0, (len(pcm)+size-1)/size)
	for off := 0; off < len(pcm); off += size {
		end := min(off+size, len(pcm))
		chunks = append(chunks, pcm[off:end:end])
	}
	return chunks
}

// ChunkBytes is the PCM16 mono byte length of chunkMs at rate, aligned to whole samples.
func ChunkBytes(rate, chunkMs int) int {
	if rate <= 0 || chunkMs <= 0 {
		return 0
	}
	return rate * chunkMs / 1000 * bytesPerSample
}

// Duration reports the playback length of n bytes of PCM16 mono at rate.
func Duration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	samples := n / bytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(rate)
}

// Downmix averages interleaved PCM16 frames down to one channel.
func Downmix(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	frameBytes := channels * bytesPerSample
	frames := len(pcm) / frameBytes
	mono := make([]byte, frames*bytesPerSample)
	for i := 0; i < frames; i++ {
		sum := 0
		for ch := 0; ch < channels; ch++ {
			sum += int(sampleAt(pcm, i*channels+ch))
		}
		binary.LittleEndian.PutUint16(mono[i*bytesPerSample:], uint16(int16(sum/channels)))
	}
	return mono
}

func sampleAt(pcm []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(pcm[i*bytesPerSample:]))
}

func float32ToPCM16(data []byte) []byte {
	n := len(data) / 4
	out := make([]byte, n*bytesPerSample)
	for i := 0; i < n; i++ {
		f := math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		if math.IsNaN(float64(f)) {
			f = 0
		}
		f = max(-1, min(1, f))
		binary.LittleEndian.PutUint16(out[i*bytesPerSample:], uint16(int16(f*math.MaxInt16)))
	}
	return out
}

func ulawToPCM16(data []byte) []byte {
	out := make([]byte, len(data)*bytesPerSample)
	for i, b := range data {
		u := ^b
		sign := u & 0x80
		exponent := (u >> 4) & 0x07
		mantissa := u & 0x0F
		v := ((int(mantissa) << 3) + 0x84) << exponent
		v -= 0x84
		if sign != 0 {
			v = -v
		}
		binary.LittleEndian.PutUint16(out[i*bytesPerSample:], uint16(int16(v)))
	}
	return out
}
