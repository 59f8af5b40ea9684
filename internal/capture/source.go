// Package capture reads the local audio feed on a dedicated goroutine,
// assembles fixed-duration chunks, and hands them to the streaming
// transcription sink. The pipeline favors recency over completeness: a chunk
// that cannot be delivered right away is dropped, never queued.
package capture

import (
	"errors"
	"fmt"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// Frame is one captured slice of encoded audio with its play-out duration.
type Frame struct {
	Payload  []byte
	Duration time.Duration
}

// FrameSource yields audio frames. ReadFrame blocks until a frame is
// available and returns an error once the source is exhausted or closed.
// Close must unblock a concurrent ReadFrame; the pipeline relies on that to
// stop while the source is silent.
type FrameSource interface {
	ReadFrame() (Frame, error)
	Close() error
}

var ErrSourceClosed = errors.New("audio source closed")

// defaultFrameDuration covers the first packet, before a timestamp delta
// exists. 20ms is the usual audio packetization.
const defaultFrameDuration = 20 * time.Millisecond

// TrackSource adapts a pion audio track to FrameSource. Frame duration is
// derived from RTP timestamp deltas against the track clock rate.
type TrackSource struct {
	track     *webrtc.TrackRemote
	clockRate uint32
	lastTS    uint32
	hasLast   bool
}

func NewTrackSource(track *webrtc.TrackRemote) (*TrackSource, error) {
	if track.Kind() != webrtc.RTPCodecTypeAudio {
		return nil, fmt.Errorf("track %s is not audio", track.ID())
	}
	rate := track.Codec().ClockRate
	if rate == 0 {
		rate = 48000
	}
	return &TrackSource{track: track, clockRate: rate}, nil
}

func (s *TrackSource) ReadFrame() (Frame, error) {
	pkt, _, err := s.track.ReadRTP()
	if err != nil {
		return Frame{}, fmt.Errorf("read rtp: %w", err)
	}
	return Frame{
		Payload:  pkt.Payload,
		Duration: s.frameDuration(pkt),
	}, nil
}

// Close unblocks a pending ReadRTP by expiring the track's read deadline.
func (s *TrackSource) Close() error {
	return s.track.SetReadDeadline(time.Now())
}

func (s *TrackSource) frameDuration(pkt *rtp.Packet) time.Duration {
	if !s.hasLast {
		s.lastTS = pkt.Timestamp
		s.hasLast = true
		return defaultFrameDuration
	}
	delta := pkt.Timestamp - s.lastTS
	s.lastTS = pkt.Timestamp
	if delta == 0 || delta > s.clockRate {
		// Reordered or absurd jump; fall back to the nominal duration.
		return defaultFrameDuration
	}
	return time.Duration(delta) * time.Second / time.Duration(s.clockRate)
}
