package audio

import (
	"fmt"
	"sync"
)

// Chunk is one ordered piece of synthesized audio queued for playback.
type Chunk struct {
	PCM16  []int16
	TurnID string
}

// PlaybackBuffer is a queue of audio chunks drained by a fixed-rate output
// callback. The head chunk may be consumed partially across callbacks.
// Clear empties the queue atomically with respect to the drain, so no
// sample queued before the clear can be emitted after it.
type PlaybackBuffer struct {
	mu     sync.Mutex
	queue  []Chunk
	offset int // consumed samples of the head chunk
}

func NewPlaybackBuffer() *PlaybackBuffer {
	return &PlaybackBuffer{}
}

// Enqueue appends a chunk. Empty chunks are ignored.
func (b *PlaybackBuffer) Enqueue(c Chunk) {
	if len(c.PCM16) == 0 {
		return
	}
	b.mu.Lock()
	b.queue = append(b.queue, c)
	b.mu.Unlock()
}

// ReadSamples fills dst from the queue and returns how many samples came
// from queued audio; the remainder of dst is zeroed (silence).
func (b *PlaybackBuffer) ReadSamples(dst []int16) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	filled := 0
	for filled < len(dst) && len(b.queue) > 0 {
		head := b.queue[0]
		n := copy(dst[filled:], head.PCM16[b.offset:])
		filled += n
		b.offset += n
		if b.offset >= len(head.PCM16) {
			b.queue = b.queue[1:]
			b.offset = 0
		}
	}
	for i := filled; i < len(dst); i++ {
		dst[i] = 0
	}
	return filled
}

// Clear discards every queued and partially played chunk.
func (b *PlaybackBuffer) Clear() {
	b.mu.Lock()
	b.queue = nil
	b.offset = 0
	b.mu.Unlock()
}

// Len reports the number of queued chunks, counting a partially consumed
// head chunk.
func (b *PlaybackBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// PendingSamples reports queued samples not yet drained.
func (b *PlaybackBuffer) PendingSamples() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for i, c := range b.queue {
		n := len(c.PCM16)
		if i == 0 {
			n -= b.offset
		}
		total += n
	}
	return total
}

// LoadWAV replaces the queue with a single pre-decoded asset, for playing a
// complete pre-rendered file through the same drain path as streamed chunks.
func (b *PlaybackBuffer) LoadWAV(wav []byte, turnID string) error {
	pcm, _, err := DecodeWAVPCM16LE(wav)
	if err != nil {
		return fmt.Errorf("decode wav asset: %w", err)
	}
	b.mu.Lock()
	b.queue = []Chunk{{PCM16: pcm, TurnID: turnID}}
	b.offset = 0
	b.mu.Unlock()
	return nil
}
