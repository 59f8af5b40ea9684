// Package call wires one session's negotiator, quality monitor, and audio
// pipeline together and exposes a single event stream to the caller.
package call

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dowhatkennydoes/distancedoc-sub001/internal/capture"
	"github.com/dowhatkennydoes/distancedoc-sub001/internal/domain"
	"github.com/dowhatkennydoes/distancedoc-sub001/internal/negotiate"
	"github.com/dowhatkennydoes/distancedoc-sub001/internal/quality"
)

type EventType int

const (
	CallConnected EventType = iota
	CallReconnecting
	CallFailed
	CallClosed
	CallQuality
)

type Event struct {
	Type   EventType
	Err    error
	Sample quality.Sample
}

// Controller owns one call session end to end. Only transport state and
// quality changes surface here; everything else is self-healing or log-only.
type Controller struct {
	sess *domain.Session
	neg  *negotiate.Negotiator
	mon  *quality.Monitor
	pipe *capture.Pipeline

	events    chan Event
	unsubQual quality.Unsubscribe
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewController accepts an optional pipeline; a nil pipe means the local
// audio feed is not being transcribed.
func NewController(sess *domain.Session, neg *negotiate.Negotiator, mon *quality.Monitor, pipe *capture.Pipeline) *Controller {
	return &Controller{
		sess:   sess,
		neg:    neg,
		mon:    mon,
		pipe:   pipe,
		events: make(chan Event, 16),
	}
}

func (c *Controller) Events() <-chan Event { return c.events }

func (c *Controller) Start(ctx context.Context) error {
	// The pipeline is gated on local media only, never on transport state.
	if c.pipe != nil {
		c.pipe.Start()
	}

	c.unsubQual = c.mon.OnChange(func(s quality.Sample) {
		c.neg.ApplyQualityRecommendation(quality.Constraints(s.Quality))
		c.emit(Event{Type: CallQuality, Sample: s})
	})

	if err := c.neg.Start(ctx); err != nil {
		c.unsubQual()
		if c.pipe != nil {
			c.pipe.Stop()
		}
		return err
	}

	c.wg.Add(1)
	go c.forward()
	return nil
}

// forward translates negotiator events into call events and starts the
// quality monitor once the transport connects.
func (c *Controller) forward() {
	defer c.wg.Done()
	for ev := range c.neg.Events() {
		switch ev.Type {
		case negotiate.EventConnected:
			c.mon.Start(c.neg.StatsSource())
			c.emit(Event{Type: CallConnected})
		case negotiate.EventReconnecting:
			c.emit(Event{Type: CallReconnecting})
		case negotiate.EventFailed:
			c.emit(Event{Type: CallFailed, Err: ev.Err})
		case negotiate.EventClosed:
			c.emit(Event{Type: CallClosed})
		}
	}
}

// Close is idempotent and safe to call concurrently with in-flight events.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		if c.pipe != nil {
			c.pipe.Stop()
		}
		c.mon.Stop()
		if c.unsubQual != nil {
			c.unsubQual()
		}
		c.neg.Close()
		c.wg.Wait()
		close(c.events)
		log.Info().Str("module", "call").Str("session", string(c.sess.ID)).Msg("call closed")
	})
}

func (c *Controller) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		log.Warn().Str("module", "call").Str("session", string(c.sess.ID)).Msg("event dropped, consumer lagging")
	}
}
