package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dowhatkennydoes/distancedoc-sub001/internal/domain"
)

// WSChannel is the client side of the websocket relay. One WSChannel speaks
// for one participant of one session; inbound records are only ever the ones
// the relay addressed to that participant, so per-direction order holds.
type WSChannel struct {
	sessionID   domain.SessionID
	participant domain.ParticipantID

	conn *websocket.Conn
	send chan []byte

	mu      sync.RWMutex
	handler Handler
	closed  bool

	done chan struct{}
	once sync.Once
}

// Dial connects to the relay and starts the read/write pumps.
func Dial(ctx context.Context, url string, sessionID domain.SessionID, participant domain.ParticipantID) (*WSChannel, error) {
	endpoint := fmt.Sprintf("%s/ws/signal/%s/%s", url, sessionID, participant)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial signaling relay: %w", err)
	}
	ch := &WSChannel{
		sessionID:   sessionID,
		participant: participant,
		conn:        conn,
		send:        make(chan []byte, 32),
		done:        make(chan struct{}),
	}
	go ch.writePump()
	go ch.readPump()
	return ch, nil
}

func (c *WSChannel) Send(_ context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal signaling record: %w", err)
	}

	// The read lock must cover the channel send: Close closes c.send under
	// the write lock, so a send outside the lock could hit a closed channel.
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrChannelClosed
	}
	select {
	case c.send <- b:
		return nil
	default:
		return ErrBackpressure
	}
}

// Subscribe installs the inbound handler. The relay already scopes delivery
// to this channel's (session, participant) direction; a subscription for a
// different pair is a programming error.
func (c *WSChannel) Subscribe(sessionID domain.SessionID, participant domain.ParticipantID, fn Handler) (Unsubscribe, error) {
	if sessionID != c.sessionID || participant != c.participant {
		return nil, fmt.Errorf("channel bound to session %s participant %s", c.sessionID, c.participant)
	}
	c.mu.Lock()
	c.handler = fn
	c.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			c.mu.Lock()
			c.handler = nil
			c.mu.Unlock()
		})
	}
	return unsub, nil
}

func (c *WSChannel) Close() {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.send)
		c.mu.Unlock()
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *WSChannel) writePump() {
	for {
		select {
		case <-c.done:
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "signaling").Msg("client writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signaling").Msg("client writePump write error")
				return
			}
		}
	}
}

func (c *WSChannel) readPump() {
	defer c.Close()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				log.Warn().Err(err).Str("module", "signaling").Msg("client readPump read error")
			}
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Error().Err(err).Str("module", "signaling").Msg("client bad json")
			continue
		}
		c.mu.RLock()
		fn := c.handler
		c.mu.RUnlock()
		if fn != nil {
			fn(msg)
		}
	}
}
