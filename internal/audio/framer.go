package audio

import (
	"sync/atomic"
	"time"
)

// DefaultFrameSamples is the capture frame size in samples.
const DefaultFrameSamples = 4096

// Frame is one fixed-size slice of captured audio. Immutable once emitted.
type Frame struct {
	Seq        int
	PCM16      []int16
	SampleRate int
	Channels   int
	CapturedAt time.Time
}

// Framer accumulates samples from a real-time capture callback into
// fixed-size frames and hands them off on a bounded channel. Push never
// blocks and never allocates unless a frame boundary is crossed, so it is
// safe to call from the audio thread.
//
// Overflow policy: when the consumer falls behind and the channel is full,
// the oldest queued frame is dropped to make room. Dropping old audio keeps
// capture-to-transcription latency bounded instead of growing without limit.
// Drops are counted, never silent.
type Framer struct {
	frameSamples int
	sampleRate   int
	channels     int

	buf    []int16
	filled int
	seq    int

	out     chan Frame
	dropped atomic.Uint64
}

func NewFramer(frameSamples, sampleRate, channels, queueDepth int) *Framer {
	if frameSamples <= 0 {
		frameSamples = DefaultFrameSamples
	}
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	if channels <= 0 {
		channels = 1
	}
	if queueDepth <= 0 {
		queueDepth = 32
	}
	return &Framer{
		frameSamples: frameSamples,
		sampleRate:   sampleRate,
		channels:     channels,
		buf:          make([]int16, frameSamples),
		out:          make(chan Frame, queueDepth),
	}
}

// Frames is the consumer side of the framer.
func (f *Framer) Frames() <-chan Frame { return f.out }

// Push appends captured samples, emitting a frame each time the
// accumulation buffer fills. Single-producer: only the capture callback may
// call Push.
func (f *Framer) Push(samples []int16) {
	for len(samples) > 0 {
		n := copy(f.buf[f.filled:], samples)
		f.filled += n
		samples = samples[n:]

		if f.filled < f.frameSamples {
			return
		}

		frame := Frame{
			Seq:        f.seq,
			PCM16:      f.buf,
			SampleRate: f.sampleRate,
			Channels:   f.channels,
			CapturedAt: time.Now(),
		}
		f.seq++
		f.buf = make([]int16, f.frameSamples)
		f.filled = 0
		f.emit(frame)
	}
}

func (f *Framer) emit(frame Frame) {
	select {
	case f.out <- frame:
		return
	default:
	}
	// Queue full: drop the oldest frame, then retry once. The second send
	// can only fail if a consumer raced in between, in which case there is
	// room anyway on the next emit.
	select {
	case <-f.out:
		f.dropped.Add(1)
	default:
	}
	select {
	case f.out <- frame:
	default:
		f.dropped.Add(1)
	}
}

// Dropped reports how many frames the overflow policy has discarded.
func (f *Framer) Dropped() uint64 { return f.dropped.Load() }
