package audio

import (
	"bytes"
	"testing"
)

func TestJitterBufferFlushesAtThreshold(t *testing.T) {
	var got []Chunk
	jb := NewJitterBuffer(SampleRate24kHz, 60, func(c Chunk) { got = append(got, c) })
	if jb.Threshold() != 2880 {
		t.Fatalf("Threshold() = %d, want 2880", jb.Threshold())
	}

	piece := bytes.Repeat([]byte{7}, 100)
	for i := 1; i <= 28; i++ {
		jb.Push(piece)
	}
	if len(got) != 0 {
		t.Fatalf("flushed after 28 pushes, want none")
	}
	jb.Push(piece)
	if len(got) != 1 {
		t.Fatalf("chunks after 29th push = %d, want 1", len(got))
	}
	if len(got[0].PCM) != 2880 {
		t.Fatalf("len(first chunk) = %d, want 2880", len(got[0].PCM))
	}
	if jb.Buffered() != 20 {
		t.Fatalf("Buffered() = %d, want 20", jb.Buffered())
	}

	jb.Finalize()
	if len(got) != 3 {
		t.Fatalf("chunks after Finalize = %d, want 3", len(got))
	}
	if len(got[1].PCM) != 20 || got[1].Final {
		t.Fatalf("remainder chunk = (%d bytes, final=%v), want (20, false)", len(got[1].PCM), got[1].Final)
	}
	if !got[2].Final || len(got[2].PCM) != 0 {
		t.Fatalf("last chunk = (%d bytes, final=%v), want final empty marker", len(got[2].PCM), got[2].Final)
	}
}

func TestJitterBufferSingleFinalMarker(t *testing.T) {
	var finals, total int
	var afterFinal bool
	jb := NewJitterBuffer(SampleRate24kHz, 40, func(c Chunk) {
		if finals > 0 {
			afterFinal = true
		}
		if c.Final {
			finals++
		}
		total += len(c.PCM)
	})
	for _, n := range []int{1, 333, 4000, 17, 2222} {
		jb.Push(make([]byte, n))
	}
	jb.Finalize()
	jb.Finalize()
	jb.Push(make([]byte, 5000))

	if finals != 1 {
		t.Fatalf("final markers = %d, want 1", finals)
	}
	if afterFinal {
		t.Fatalf("chunk emitted after final marker")
	}
	if total != 1+333+4000+17+2222 {
		t.Fatalf("total bytes = %d, want %d", total, 1+333+4000+17+2222)
	}
}

func TestJitterBufferEmptyTurnStillMarks(t *testing.T) {
	var got []Chunk
	jb := NewJitterBuffer(0, 0, func(c Chunk) { got = append(got, c) })
	jb.Finalize()
	if len(got) != 1 || !got[0].Final {
		t.Fatalf("got %+v, want one final marker", got)
	}
	if got[0].SampleRate != SampleRate24kHz || got[0].Channels != 1 {
		t.Fatalf("marker format = (%d, %d), want (24000, 1)", got[0].SampleRate, got[0].Channels)
	}
}
