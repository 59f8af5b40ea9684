package negotiate

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dowhatkennydoes/distancedoc-sub001/internal/domain"
	"github.com/dowhatkennydoes/distancedoc-sub001/internal/quality"
	"github.com/dowhatkennydoes/distancedoc-sub001/internal/relaycred"
	"github.com/dowhatkennydoes/distancedoc-sub001/internal/signaling"
)

var (
	ErrAlreadyStarted   = errors.New("negotiator already started")
	ErrConnectivityLost = errors.New("connectivity lost after fallback attempt")
	ErrHandshakeTimeout = errors.New("offer/answer handshake timed out")
)

type EventType int

const (
	EventConnected EventType = iota
	EventReconnecting
	EventFailed
	EventClosed
)

func (e EventType) String() string {
	switch e {
	case EventConnected:
		return "connected"
	case EventReconnecting:
		return "reconnecting"
	case EventFailed:
		return "failed"
	case EventClosed:
		return "closed"
	}
	return "unknown"
}

// Event is the only error surface the caller sees: reconnecting is transient,
// failed is terminal for the session.
type Event struct {
	Type EventType
	Err  error
}

type Options struct {
	// HandshakeTimeout bounds the wait for the offer/answer exchange to
	// reach a connected transport. Expiry is terminal.
	HandshakeTimeout time.Duration
}

// Negotiator drives one session's connectivity: credential fetch, transport
// construction, offer/answer exchange, candidate handling, and exactly one
// relay-prioritized fallback after a transport failure.
type Negotiator struct {
	sess     *domain.Session
	provider *relaycred.Provider
	channel  signaling.Channel
	factory  TransportFactory
	opts     Options

	mu             sync.Mutex
	state          State
	transport      Transport
	pending        []webrtc.ICECandidateInit
	remoteDescSet  bool
	offerHandled   bool
	answerHandled  bool
	fallbackUsed   bool
	unsub          signaling.Unsubscribe
	handshakeTimer *time.Timer
	ctx            context.Context

	onRemoteTrack func(*webrtc.TrackRemote)

	events chan Event
}

func NewNegotiator(sess *domain.Session, provider *relaycred.Provider, channel signaling.Channel, factory TransportFactory, opts Options) *Negotiator {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 30 * time.Second
	}
	return &Negotiator{
		sess:     sess,
		provider: provider,
		channel:  channel,
		factory:  factory,
		opts:     opts,
		state:    StateNew,
		events:   make(chan Event, 16),
	}
}

// Events delivers connection lifecycle events. The channel is closed by Close.
func (n *Negotiator) Events() <-chan Event { return n.events }

func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// OnRemoteTrack registers the remote media callback, forwarded to every
// transport the negotiator creates (including the fallback one).
func (n *Negotiator) OnRemoteTrack(fn func(*webrtc.TrackRemote)) {
	n.mu.Lock()
	n.onRemoteTrack = fn
	if n.transport != nil {
		n.transport.OnRemoteTrack(fn)
	}
	n.mu.Unlock()
}

// Start obtains candidate servers, builds the transport and, for the
// initiator role, publishes the first offer. The responder waits for one.
func (n *Negotiator) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state != StateNew {
		return ErrAlreadyStarted
	}
	n.ctx = ctx

	if err := n.setupTransportLocked(false); err != nil {
		n.moveLocked(StateFailed)
		return err
	}

	unsub, err := n.channel.Subscribe(n.sess.ID, n.sess.Local, n.handleRemoteMessage)
	if err != nil {
		n.moveLocked(StateFailed)
		return err
	}
	n.unsub = unsub

	n.moveLocked(StateGathering)
	n.handshakeTimer = time.AfterFunc(n.opts.HandshakeTimeout, n.onHandshakeTimeout)

	if n.sess.Role == domain.RoleInitiator {
		if err := n.publishOfferLocked(); err != nil {
			n.moveLocked(StateFailed)
			return err
		}
	}
	return nil
}

// setupTransportLocked fetches servers and creates a fresh transport. On the
// fallback path relay servers are ordered first.
func (n *Negotiator) setupTransportLocked(relayFirst bool) error {
	set := n.provider.Servers(n.ctx)
	if relayFirst {
		set = set.RelayFirst()
	}

	t, err := n.factory(set.ICEServers())
	if err != nil {
		return err
	}
	n.transport = t
	n.remoteDescSet = false
	n.offerHandled = false
	n.answerHandled = false
	n.pending = nil

	t.OnLocalCandidate(func(ci webrtc.ICECandidateInit) {
		// Published immediately as discovered, no batching.
		if err := n.channel.Send(n.ctx, signaling.NewCandidate(n.sess, ci)); err != nil {
			log.Warn().Err(err).Str("module", "negotiate").Str("session", string(n.sess.ID)).Msg("publish local candidate")
		}
	})
	t.OnStateChange(func(s TransportState) {
		n.handleTransportState(t, s)
	})
	if n.onRemoteTrack != nil {
		t.OnRemoteTrack(n.onRemoteTrack)
	}
	return nil
}

func (n *Negotiator) publishOfferLocked() error {
	sdp, err := n.transport.CreateOffer()
	if err != nil {
		return err
	}
	if err := n.channel.Send(n.ctx, signaling.NewOffer(n.sess, sdp)); err != nil {
		return err
	}
	log.Info().Str("module", "negotiate").Str("session", string(n.sess.ID)).Msg("offer published")
	return nil
}

// handleRemoteMessage dispatches inbound signaling records. Duplicates are
// no-ops here; the channel is at-least-once by contract.
func (n *Negotiator) handleRemoteMessage(msg signaling.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state == StateClosed {
		return
	}
	if msg.SessionID != n.sess.ID {
		log.Warn().Str("module", "negotiate").Str("session", string(msg.SessionID)).Str("kind", string(msg.Kind)).Msg("record for unknown session dropped")
		return
	}

	switch msg.Kind {
	case signaling.KindOffer:
		n.handleOfferLocked(msg)
	case signaling.KindAnswer:
		n.handleAnswerLocked(msg)
	case signaling.KindCandidate:
		n.handleCandidateLocked(msg)
	default:
		log.Warn().Str("module", "negotiate").Str("kind", string(msg.Kind)).Msg("unknown record kind")
	}
}

func (n *Negotiator) handleOfferLocked(msg signaling.Message) {
	if n.sess.Role != domain.RoleResponder {
		log.Warn().Str("module", "negotiate").Str("session", string(n.sess.ID)).Msg("offer received by initiator, ignored")
		return
	}
	if n.offerHandled {
		log.Info().Str("module", "negotiate").Str("session", string(n.sess.ID)).Msg("duplicate offer ignored")
		return
	}

	answerSDP, err := n.transport.AcceptOffer(msg.SDP)
	if err != nil {
		log.Error().Err(err).Str("module", "negotiate").Str("session", string(n.sess.ID)).Msg("accept offer")
		n.failLocked(err)
		return
	}
	n.offerHandled = true
	n.remoteDescSet = true
	n.flushPendingLocked()

	if err := n.channel.Send(n.ctx, signaling.NewAnswer(n.sess, answerSDP)); err != nil {
		log.Warn().Err(err).Str("module", "negotiate").Str("session", string(n.sess.ID)).Msg("publish answer")
	}
}

func (n *Negotiator) handleAnswerLocked(msg signaling.Message) {
	if n.sess.Role != domain.RoleInitiator {
		log.Warn().Str("module", "negotiate").Str("session", string(n.sess.ID)).Msg("answer received by responder, ignored")
		return
	}
	if n.answerHandled {
		log.Info().Str("module", "negotiate").Str("session", string(n.sess.ID)).Msg("duplicate answer ignored")
		return
	}

	if err := n.transport.AcceptAnswer(msg.SDP); err != nil {
		log.Error().Err(err).Str("module", "negotiate").Str("session", string(n.sess.ID)).Msg("accept answer")
		n.failLocked(err)
		return
	}
	n.answerHandled = true
	n.remoteDescSet = true
	n.flushPendingLocked()
}

func (n *Negotiator) handleCandidateLocked(msg signaling.Message) {
	if msg.Candidate == nil {
		log.Warn().Str("module", "negotiate").Str("session", string(n.sess.ID)).Msg("candidate record without payload")
		return
	}
	if !n.remoteDescSet {
		// Buffered in receipt order, flushed once the remote description
		// lands. Candidates must never be applied before it.
		n.pending = append(n.pending, *msg.Candidate)
		return
	}
	if err := n.transport.AddRemoteCandidate(*msg.Candidate); err != nil {
		log.Warn().Err(err).Str("module", "negotiate").Str("session", string(n.sess.ID)).Msg("add remote candidate")
	}
}

func (n *Negotiator) flushPendingLocked() {
	for _, ci := range n.pending {
		if err := n.transport.AddRemoteCandidate(ci); err != nil {
			log.Warn().Err(err).Str("module", "negotiate").Str("session", string(n.sess.ID)).Msg("flush buffered candidate")
		}
	}
	n.pending = nil
}

func (n *Negotiator) handleTransportState(t Transport, s TransportState) {
	n.mu.Lock()
	defer n.mu.Unlock()

	// A torn-down transport may still fire callbacks; only the active one
	// drives the session.
	if n.state == StateClosed || n.transport != t {
		return
	}

	switch s {
	case TransportChecking:
		n.moveLocked(StateChecking)
	case TransportConnected:
		n.stopHandshakeTimerLocked()
		n.moveLocked(StateConnected)
		n.emitLocked(Event{Type: EventConnected})
	case TransportFailed:
		n.handleFailureLocked()
	case TransportDisconnected:
		log.Warn().Str("module", "negotiate").Str("session", string(n.sess.ID)).Msg("transport disconnected")
	case TransportClosed:
		log.Info().Str("module", "negotiate").Str("session", string(n.sess.ID)).Msg("transport closed")
	}
}

// handleFailureLocked runs the failure policy: one relay-prioritized
// renegotiation, then terminal failure.
func (n *Negotiator) handleFailureLocked() {
	if n.fallbackUsed {
		n.failLocked(ErrConnectivityLost)
		return
	}
	n.fallbackUsed = true

	log.Warn().Str("module", "negotiate").Str("session", string(n.sess.ID)).Msg("transport failed, attempting relay fallback")
	n.moveLocked(StateFailed)
	n.emitLocked(Event{Type: EventReconnecting})

	// Possibly-expired credentials must not be reused.
	n.provider.Invalidate()

	old := n.transport
	n.transport = nil
	if old != nil {
		if err := old.Close(); err != nil {
			log.Warn().Err(err).Str("module", "negotiate").Str("session", string(n.sess.ID)).Msg("close failed transport")
		}
	}

	if err := n.setupTransportLocked(true); err != nil {
		log.Error().Err(err).Str("module", "negotiate").Str("session", string(n.sess.ID)).Msg("fallback transport setup")
		n.failLocked(err)
		return
	}
	n.moveLocked(StateGathering)

	// The renegotiation gets its own handshake budget; without it a fallback
	// that never connects would sit in gathering forever.
	n.stopHandshakeTimerLocked()
	n.handshakeTimer = time.AfterFunc(n.opts.HandshakeTimeout, n.onHandshakeTimeout)

	if n.sess.Role == domain.RoleInitiator {
		if err := n.publishOfferLocked(); err != nil {
			log.Error().Err(err).Str("module", "negotiate").Str("session", string(n.sess.ID)).Msg("fallback offer")
			n.failLocked(err)
		}
	}
}

func (n *Negotiator) failLocked(err error) {
	n.stopHandshakeTimerLocked()
	n.moveLocked(StateFailed)
	n.emitLocked(Event{Type: EventFailed, Err: err})
}

func (n *Negotiator) onHandshakeTimeout() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == StateConnected || n.state == StateClosed {
		return
	}
	log.Error().Str("module", "negotiate").Str("session", string(n.sess.ID)).Dur("timeout", n.opts.HandshakeTimeout).Msg("handshake timed out")
	n.failLocked(ErrHandshakeTimeout)
}

func (n *Negotiator) stopHandshakeTimerLocked() {
	if n.handshakeTimer != nil {
		n.handshakeTimer.Stop()
		n.handshakeTimer = nil
	}
}

// ApplyQualityRecommendation passes constraints through to the active media
// senders without renegotiating. Failures are logged, never propagated.
func (n *Negotiator) ApplyQualityRecommendation(p quality.ConstraintProfile) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == StateClosed || n.transport == nil {
		return
	}
	for _, s := range n.transport.Senders() {
		if err := s.ApplyConstraints(p); err != nil {
			log.Warn().Err(err).Str("module", "negotiate").Str("session", string(n.sess.ID)).Msg("apply constraints")
		}
	}
}

// StatsSource exposes the active transport's statistics to the quality
// monitor. Returns nil before Start and after Close.
func (n *Negotiator) StatsSource() quality.StatsSource {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == StateClosed || n.transport == nil {
		return nil
	}
	return n.transport
}

// Close tears the session down. Idempotent; callbacks arriving afterwards
// are ignored.
func (n *Negotiator) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state == StateClosed {
		return
	}
	n.stopHandshakeTimerLocked()
	n.moveLocked(StateClosed)

	if n.unsub != nil {
		n.unsub()
		n.unsub = nil
	}
	if n.transport != nil {
		if err := n.transport.Close(); err != nil {
			log.Warn().Err(err).Str("module", "negotiate").Str("session", string(n.sess.ID)).Msg("close transport")
		}
		n.transport = nil
	}
	n.pending = nil

	n.emitLocked(Event{Type: EventClosed})
	close(n.events)
	log.Info().Str("module", "negotiate").Str("session", string(n.sess.ID)).Msg("negotiator closed")
}

// moveLocked applies an assertion-checked state transition.
func (n *Negotiator) moveLocked(to State) {
	if n.state == to {
		return
	}
	if !n.state.canTransition(to) {
		log.Error().Str("module", "negotiate").Str("session", string(n.sess.ID)).Err(illegalTransition(n.state, to)).Msg("transition rejected")
		return
	}
	log.Info().Str("module", "negotiate").Str("session", string(n.sess.ID)).Str("from", string(n.state)).Str("to", string(to)).Msg("state")
	n.state = to
}

func (n *Negotiator) emitLocked(ev Event) {
	select {
	case n.events <- ev:
	default:
		log.Warn().Str("module", "negotiate").Str("session", string(n.sess.ID)).Str("event", ev.Type.String()).Msg("event dropped, consumer lagging")
	}
}
