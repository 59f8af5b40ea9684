package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dowhatkennydoes/distancedoc-sub001/internal/domain"
)

var ErrBackpressure = errors.New("backpressure")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Relay exposes the in-process store over websocket so both participants of
// a session can exchange records from separate processes. The relay itself
// never interprets payloads.
type Relay struct {
	channel *MemoryChannel
}

func NewRelay(channel *MemoryChannel) *Relay {
	return &Relay{channel: channel}
}

type wsConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *wsConn) trySend(b []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- b:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// SetupRouter builds the gin engine for the signaling relay.
func SetupRouter(ctx context.Context, mode string, relay *Relay) *gin.Engine {
	if mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/ws/signal/:session/:participant", func(c *gin.Context) {
		relay.handleSignal(ctx, c)
	})
	return r
}

func (r *Relay) handleSignal(ctx context.Context, c *gin.Context) {
	sessionID := domain.SessionID(c.Param("session"))
	participant := domain.ParticipantID(c.Param("participant"))
	log.Info().Str("module", "signaling").Str("session", string(sessionID)).Str("participant", string(participant)).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signaling").Msg("ws upgrade")
		return
	}

	conn := &wsConn{
		conn: ws,
		send: make(chan []byte, 32),
	}

	unsub, err := r.channel.Subscribe(sessionID, participant, func(msg Message) {
		b, err := json.Marshal(msg)
		if err != nil {
			log.Error().Err(err).Str("module", "signaling").Msg("marshal outbound record")
			return
		}
		if err := conn.trySend(b); err != nil {
			log.Warn().Err(err).Str("module", "signaling").Str("participant", string(participant)).Msg("drop outbound record")
		}
	})
	if err != nil {
		log.Error().Err(err).Str("module", "signaling").Msg("subscribe")
		conn.close()
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	go r.writePump(ctx, conn)
	go r.readPump(ctx, cancel, conn, unsub, participant)
}

func (r *Relay) writePump(ctx context.Context, c *wsConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "signaling").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signaling").Msg("writePump write error")
				return
			}
		}
	}
}

func (r *Relay) readPump(ctx context.Context, cancel context.CancelFunc, c *wsConn, unsub Unsubscribe, participant domain.ParticipantID) {
	defer func() {
		unsub()
		cancel()
		c.close()
		log.Info().Str("module", "signaling").Str("participant", string(participant)).Msg("readPump closing")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Warn().Err(err).Str("module", "signaling").Msg("readPump read error")
				return
			}
			var msg Message
			if err := json.Unmarshal(data, &msg); err != nil {
				log.Error().Err(err).Str("module", "signaling").Msg("bad json")
				continue
			}
			if err := r.channel.Send(ctx, msg); err != nil {
				log.Error().Err(err).Str("module", "signaling").Str("kind", string(msg.Kind)).Msg("store record")
			}
		}
	}
}
