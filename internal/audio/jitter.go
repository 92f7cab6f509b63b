package audio

import "time"

// MIMEPCM16 is the MIME label attached to emitted PCM16LE mono chunks.
const MIMEPCM16 = "audio/pcm"

// DefaultOutputChunkMs is the playback chunk duration used when none is configured.
const DefaultOutputChunkMs = 60

// Chunk is one piece of PCM16 mono audio handed to a playback sink.
// A Final chunk carries no samples and marks the end of a turn's audio.
type Chunk struct {
	PCM        []byte
	SampleRate int
	Channels   int
	MIME       string
	Final      bool
}

// Duration reports the playback length of the chunk.
func (c Chunk) Duration() time.Duration {
	return Duration(len(c.PCM), c.SampleRate)
}

// JitterBuffer reshapes irregular inbound PCM deltas into uniform chunks.
// It is not safe for concurrent use.
type JitterBuffer struct {
	rate      int
	threshold int
	sink      func(Chunk)
	buf       []byte
	done      bool
}

// NewJitterBuffer returns a buffer that emits chunkMs-long chunks at rate to sink.
func NewJitterBuffer(rate, chunkMs int, sink func(Chunk)) *JitterBuffer {
	if rate <= 0 {
		rate = SampleRate24kHz
	}
	if chunkMs <= 0 {
		chunkMs = DefaultOutputChunkMs
	}
	if sink == nil {
		sink = func(Chunk) {}
	}
	threshold := ChunkBytes(rate, chunkMs)
	if threshold < bytesPerSample {
		threshold = bytesPerSample
	}
	return &JitterBuffer{
		rate:      rate,
		threshold: threshold,
		sink:      sink,
	}
}

// Threshold is the byte length of one emitted chunk.
func (j *JitterBuffer) Threshold() int { return j.threshold }

// Buffered is the number of bytes held and not yet emitted.
func (j *JitterBuffer) Buffered() int { return len(j.buf) }

// Push accumulates pcm and emits every complete chunk.
func (j *JitterBuffer) Push(pcm []byte) {
	if j.done || len(pcm) == 0 {
		return
	}
	j.buf = append(j.buf, pcm...)
	for len(j.buf) >= j.threshold {
		j.emit(j.buf[:j.threshold])
		j.buf = j.buf[j.threshold:]
	}
	if len(j.buf) == 0 {
		j.buf = nil
	}
}

// Finalize emits any held remainder followed by exactly one final marker.
// Calls after the first are no-ops.
func (j *JitterBuffer) Finalize() {
	if j.done {
		return
	}
	j.done = true
	if len(j.buf) > 0 {
		j.emit(j.buf)
		j.buf = nil
	}
	j.sink(Chunk{SampleRate: j.rate, Channels: 1, MIME: MIMEPCM16, Final: true})
}

func (j *JitterBuffer) emit(pcm []byte) {
	j.sink(Chunk{
		PCM:        append([]byte(nil), pcm...),
		SampleRate: j.rate,
		Channels:   1,
		MIME:       MIMEPCM16,
	})
}
