package signaling

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dowhatkennydoes/distancedoc-sub001/internal/domain"
)

// directionKey addresses one half of a session's exchange: every record
// bound for the same participant lands in the same ordered log.
type directionKey struct {
	session domain.SessionID
	to      domain.ParticipantID
}

// MemoryChannel is the in-process backing store: per-direction append-only
// logs with change notification. A new subscriber replays the whole log for
// its direction first (at-least-once), then follows new records in order.
type MemoryChannel struct {
	mu     sync.Mutex
	closed bool
	logs   map[directionKey][]Message
	subs   map[directionKey]map[int]*memorySub
	nextID int
}

type memorySub struct {
	fn     Handler
	cursor int
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{
		logs: make(map[directionKey][]Message),
		subs: make(map[directionKey]map[int]*memorySub),
	}
}

func (c *MemoryChannel) Send(_ context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	key := directionKey{session: msg.SessionID, to: msg.To}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	c.logs[key] = append(c.logs[key], msg)
	subs := c.subs[key]
	for _, s := range subs {
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}
	c.mu.Unlock()
	return nil
}

func (c *MemoryChannel) Subscribe(sessionID domain.SessionID, participant domain.ParticipantID, fn Handler) (Unsubscribe, error) {
	key := directionKey{session: sessionID, to: participant}
	sub := &memorySub{
		fn:     fn,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrChannelClosed
	}
	if c.subs[key] == nil {
		c.subs[key] = make(map[int]*memorySub)
	}
	id := c.nextID
	c.nextID++
	c.subs[key][id] = sub
	c.mu.Unlock()

	go c.pump(key, sub)

	unsub := func() {
		sub.once.Do(func() {
			close(sub.done)
			c.mu.Lock()
			delete(c.subs[key], id)
			c.mu.Unlock()
		})
	}
	return unsub, nil
}

// pump replays the direction log from the subscriber's cursor and then waits
// for change notifications. Delivery order within the direction is the log
// order; the cursor only moves forward.
func (c *MemoryChannel) pump(key directionKey, sub *memorySub) {
	for {
		for {
			c.mu.Lock()
			records := c.logs[key]
			if sub.cursor >= len(records) {
				c.mu.Unlock()
				break
			}
			msg := records[sub.cursor]
			sub.cursor++
			c.mu.Unlock()

			select {
			case <-sub.done:
				return
			default:
			}
			sub.fn(msg)
		}

		select {
		case <-sub.done:
			return
		case <-sub.notify:
		}
	}
}

// Close drops all logs and stops all subscribers. Send after Close fails.
func (c *MemoryChannel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := c.subs
	c.subs = make(map[directionKey]map[int]*memorySub)
	c.logs = make(map[directionKey][]Message)
	c.mu.Unlock()

	for _, group := range subs {
		for _, s := range group {
			s.once.Do(func() { close(s.done) })
		}
	}
	log.Info().Str("module", "signaling").Msg("memory channel closed")
}
