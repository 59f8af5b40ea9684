package capture

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	MinChunkDuration = 200 * time.Millisecond
	MaxChunkDuration = 300 * time.Millisecond
)

// Chunk is one fixed-duration slice of captured audio. Consumed exactly once
// by the sink, then discarded; there is no retry.
type Chunk struct {
	Payload    []byte    `json:"payload"`
	Sequence   uint64    `json:"sequence"`
	CapturedAt time.Time `json:"captured_at"`
	DurationMs int64     `json:"duration_ms"`
}

// Sink receives chunks for streaming transcription. A rejected chunk is the
// sink's way of signaling backpressure; the pipeline logs and moves on.
type Sink interface {
	WriteChunk(ctx context.Context, c Chunk) error
}

// Pipeline accumulates frames into chunks on its own goroutine so chunk
// assembly never runs on the control plane. At most one chunk is in flight
// towards the sink; a second one completing meanwhile is dropped.
type Pipeline struct {
	source FrameSource
	sink   Sink

	mu       sync.Mutex
	chunkDur time.Duration
	started  bool
	cancel   context.CancelFunc

	inflight chan Chunk
	wg       sync.WaitGroup
}

func NewPipeline(source FrameSource, sink Sink, chunkDur time.Duration) *Pipeline {
	p := &Pipeline{
		source:   source,
		sink:     sink,
		chunkDur: clampChunkDuration(chunkDur),
	}
	return p
}

func clampChunkDuration(d time.Duration) time.Duration {
	if d < MinChunkDuration {
		return MinChunkDuration
	}
	if d > MaxChunkDuration {
		return MaxChunkDuration
	}
	return d
}

// SetChunkDuration changes the target duration for subsequent chunks,
// clamped to the 200-300ms band.
func (p *Pipeline) SetChunkDuration(d time.Duration) {
	clamped := clampChunkDuration(d)
	p.mu.Lock()
	p.chunkDur = clamped
	p.mu.Unlock()
	if clamped != d {
		log.Info().Str("module", "capture").Dur("requested", d).Dur("applied", clamped).Msg("chunk duration clamped")
	}
}

// ChunkDuration returns the currently applied target duration.
func (p *Pipeline) ChunkDuration() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.chunkDur
}

func (p *Pipeline) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.inflight = make(chan Chunk, 1)

	p.wg.Add(2)
	go p.captureLoop(ctx)
	go p.deliverLoop(ctx)
	log.Info().Str("module", "capture").Dur("chunk_duration", p.chunkDur).Msg("pipeline started")
}

// Stop halts capture and delivery. Partial tail audio below one chunk
// duration is discarded, not flushed. The source is closed first: capture may
// be blocked in ReadFrame, and only the source itself can unblock that read.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	cancel()
	if err := p.source.Close(); err != nil {
		log.Warn().Err(err).Str("module", "capture").Msg("close frame source")
	}
	p.wg.Wait()
	log.Info().Str("module", "capture").Msg("pipeline stopped")
}

// captureLoop reads frames and emits a chunk every time the accumulated
// duration crosses the target.
func (p *Pipeline) captureLoop(ctx context.Context) {
	defer p.wg.Done()

	var (
		buf    []byte
		bufDur time.Duration
		seq    uint64
		start  time.Time
	)

	for {
		select {
		case <-ctx.Done():
			// Partial buffer discarded.
			return
		default:
		}

		frame, err := p.source.ReadFrame()
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				log.Warn().Err(err).Str("module", "capture").Msg("frame source ended")
			}
			return
		}
		if len(buf) == 0 {
			start = time.Now()
		}
		buf = append(buf, frame.Payload...)
		bufDur += frame.Duration

		target := p.ChunkDuration()
		if bufDur < target {
			continue
		}

		chunk := Chunk{
			Payload:    buf,
			Sequence:   seq,
			CapturedAt: start,
			DurationMs: bufDur.Milliseconds(),
		}
		seq++
		buf = nil
		bufDur = 0

		select {
		case p.inflight <- chunk:
		default:
			// Sink still busy with the previous chunk; recency wins.
			log.Warn().Str("module", "capture").Uint64("sequence", chunk.Sequence).Msg("chunk dropped, sink busy")
		}
	}
}

func (p *Pipeline) deliverLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case chunk := <-p.inflight:
			if err := p.sink.WriteChunk(ctx, chunk); err != nil {
				// Per-chunk failure never pauses capture.
				log.Warn().Err(err).Str("module", "capture").Uint64("sequence", chunk.Sequence).Msg("chunk delivery failed")
			}
		}
	}
}
