package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

const (
	wavFormatPCM   = 1
	wavFormatFloat = 3
)

// EncodeWAVPCM16LE wraps raw PCM16LE mono audio bytes in a WAV container.
func EncodeWAVPCM16LE(pcm []byte, sampleRate int) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteWAVPCM16LETo(&buf, pcm, sampleRate); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWAVPCM16LEFile writes raw PCM16LE mono audio bytes as a WAV file.
func WriteWAVPCM16LEFile(path string, pcm []byte, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteWAVPCM16LETo(f, pcm, sampleRate); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// WriteWAVPCM16LETo writes raw PCM16LE mono audio bytes to out as a WAV stream.
func WriteWAVPCM16LETo(out io.Writer, pcm []byte, sampleRate int) error {
	if sampleRate <= 0 {
		sampleRate = SampleRate16kHz
	}
	dataSize := uint32(len(pcm))
	w := bufio.NewWriter(out)

	header := []any{
		[]byte("RIFF"), uint32(36) + dataSize, []byte("WAVE"),
		[]byte("fmt "), uint32(16),
		uint16(wavFormatPCM), uint16(1), uint32(sampleRate),
		uint32(sampleRate * bytesPerSample), uint16(bytesPerSample), uint16(16),
		[]byte("data"), dataSize,
	}
	for _, field := range header {
		if err := binary.Write(w, binary.LittleEndian, field); err != nil {
			return err
		}
	}
	if _, err := w.Write(pcm); err != nil {
		return err
	}
	return w.Flush()
}

// DecodeWAV parses a RIFF/WAVE container and returns PCM16LE mono samples and the
// sample rate. 16-bit integer and 32-bit float payloads are accepted; multi-channel
// input is downmixed by averaging.
func DecodeWAV(data []byte) ([]byte, int, error) {
	if len(data) < 12 {
		return nil, 0, fmt.Errorf("wav too short")
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("unsupported wav header")
	}

	var (
		haveFmt     bool
		format      uint16
		channels    uint16
		sampleRate  int
		bitsPerSamp uint16
		payload     []byte
	)
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		off += 8
		if size < 0 || off+size > len(data) {
			return nil, 0, fmt.Errorf("invalid wav chunk size")
		}
		chunk := data[off : off+size]
		switch id {
		case "fmt ":
			if len(chunk) < 16 {
				return nil, 0, fmt.Errorf("invalid wav fmt chunk")
			}
			format = binary.LittleEndian.Uint16(chunk[0:2])
			channels = binary.LittleEndian.Uint16(chunk[2:4])
			sampleRate = int(binary.LittleEndian.Uint32(chunk[4:8]))
			bitsPerSamp = binary.LittleEndian.Uint16(chunk[14:16])
			haveFmt = true
		case "data":
			payload = chunk
		}
		off += size
		if size%2 == 1 {
			off++
		}
	}
	if !haveFmt {
		return nil, 0, fmt.Errorf("wav fmt chunk missing")
	}
	if payload == nil {
		return nil, 0, fmt.Errorf("wav data chunk missing")
	}
	if channels == 0 {
		return nil, 0, fmt.Errorf("invalid wav channels=0")
	}
	if sampleRate <= 0 {
		sampleRate = SampleRate16kHz
	}

	var pcm []byte
	switch {
	case format == wavFormatPCM && bitsPerSamp == 16:
		pcm = append([]byte(nil), payload[:len(payload)-len(payload)%2]...)
	case format == wavFormatFloat && bitsPerSamp == 32:
		pcm = float32ToPCM16(payload)
	default:
		return nil, 0, fmt.Errorf("%w: wav format=%d bits_per_sample=%d", ErrUnsupportedAudioFormat, format, bitsPerSamp)
	}
	return Downmix(pcm, int(channels)), sampleRate, nil
}
