// Package transcribe streams audio chunks to the transcription collaborator
// over a websocket. The collaborator bounds chunks/second; this client
// mirrors the bound locally and rejects over-rate chunks instead of queueing.
package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dowhatkennydoes/distancedoc-sub001/internal/capture"
	"github.com/dowhatkennydoes/distancedoc-sub001/internal/domain"
)

var (
	ErrRateLimited = errors.New("chunk rate limit exceeded")
	ErrSinkClosed  = errors.New("transcription sink closed")
)

// chunkEnvelope is the wire frame for one chunk.
type chunkEnvelope struct {
	SessionID    domain.SessionID      `json:"session_id"`
	Consultation domain.ConsultationID `json:"consultation_id"`
	Chunk        capture.Chunk         `json:"chunk"`
}

// WSSink implements capture.Sink over a streaming websocket call.
type WSSink struct {
	sess        *domain.Session
	conn        *websocket.Conn
	minInterval time.Duration

	mu       sync.Mutex
	lastSend time.Time
	closed   bool

	sent    uint64
	dropped uint64
}

// DialSink connects to the transcription service. rateLimit is the maximum
// accepted chunks per second; zero disables the local bound.
func DialSink(ctx context.Context, url string, sess *domain.Session, rateLimit int) (*WSSink, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial transcription sink: %w", err)
	}
	s := &WSSink{sess: sess, conn: conn}
	if rateLimit > 0 {
		s.minInterval = time.Second / time.Duration(rateLimit)
	}
	return s, nil
}

func (s *WSSink) WriteChunk(_ context.Context, c capture.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSinkClosed
	}
	now := time.Now()
	if s.minInterval > 0 && !s.lastSend.IsZero() && now.Sub(s.lastSend) < s.minInterval {
		s.dropped++
		return ErrRateLimited
	}

	b, err := json.Marshal(chunkEnvelope{
		SessionID:    s.sess.ID,
		Consultation: s.sess.Consultation,
		Chunk:        c,
	})
	if err != nil {
		return fmt.Errorf("marshal chunk: %w", err)
	}
	if err := s.conn.SetWriteDeadline(now.Add(5 * time.Second)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return fmt.Errorf("write chunk: %w", err)
	}
	s.lastSend = now
	s.sent++
	return nil
}

func (s *WSSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	log.Info().Str("module", "transcribe").Uint64("sent", s.sent).Uint64("dropped", s.dropped).Msg("sink closed")
	return s.conn.Close()
}
