package negotiate

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dowhatkennydoes/distancedoc-sub001/internal/quality"
)

// TransportState is the transport-level view the negotiator reacts to.
type TransportState int

const (
	TransportChecking TransportState = iota
	TransportConnected
	TransportDisconnected
	TransportFailed
	TransportClosed
)

func (s TransportState) String() string {
	switch s {
	case TransportChecking:
		return "checking"
	case TransportConnected:
		return "connected"
	case TransportDisconnected:
		return "disconnected"
	case TransportFailed:
		return "failed"
	case TransportClosed:
		return "closed"
	}
	return "unknown"
}

// MediaSender receives adaptive constraint updates without renegotiation and
// exposes the profile currently in force for the encoding side to query.
type MediaSender interface {
	ApplyConstraints(quality.ConstraintProfile) error
	Constraints() quality.ConstraintProfile
}

// Transport is the peer connection as the negotiator sees it. The pion
// implementation is the only production one; tests substitute fakes.
type Transport interface {
	// CreateOffer produces and installs the local offer, returning its SDP.
	CreateOffer() (string, error)
	// AcceptOffer installs a remote offer and returns the local answer SDP.
	AcceptOffer(sdp string) (string, error)
	// AcceptAnswer installs the remote answer for a previously created offer.
	AcceptAnswer(sdp string) error
	AddRemoteCandidate(webrtc.ICECandidateInit) error

	OnLocalCandidate(func(webrtc.ICECandidateInit))
	OnStateChange(func(TransportState))
	OnRemoteTrack(func(*webrtc.TrackRemote))

	Senders() []MediaSender
	GetStats() webrtc.StatsReport
	Close() error
}

// TransportFactory builds a transport from a candidate server configuration.
// The negotiator calls it once on start and once more on fallback.
type TransportFactory func(servers []webrtc.ICEServer) (Transport, error)

// PionTransport adapts *webrtc.PeerConnection to the Transport interface.
type PionTransport struct {
	pc *webrtc.PeerConnection

	mu          sync.RWMutex
	onCandidate func(webrtc.ICECandidateInit)
	onState     func(TransportState)
	onTrack     func(*webrtc.TrackRemote)
	senders     map[*webrtc.RTPSender]*rtpSender
}

func NewPionTransport(servers []webrtc.ICEServer) (Transport, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	t := &PionTransport{pc: pc, senders: make(map[*webrtc.RTPSender]*rtpSender)}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		t.mu.RLock()
		fn := t.onCandidate
		t.mu.RUnlock()
		if fn != nil {
			fn(cand.ToJSON())
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "negotiate").Str("peer_connection_state", s.String()).Msg("peer state")
		mapped, ok := mapPeerState(s)
		if !ok {
			return
		}
		t.mu.RLock()
		fn := t.onState
		t.mu.RUnlock()
		if fn != nil {
			fn(mapped)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "negotiate").
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Msg("remote track")
		t.mu.RLock()
		fn := t.onTrack
		t.mu.RUnlock()
		if fn != nil {
			fn(track)
		}
	})

	return t, nil
}

func mapPeerState(s webrtc.PeerConnectionState) (TransportState, bool) {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return TransportChecking, true
	case webrtc.PeerConnectionStateConnected:
		return TransportConnected, true
	case webrtc.PeerConnectionStateDisconnected:
		return TransportDisconnected, true
	case webrtc.PeerConnectionStateFailed:
		return TransportFailed, true
	case webrtc.PeerConnectionStateClosed:
		return TransportClosed, true
	}
	return 0, false
}

func (t *PionTransport) CreateOffer() (string, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local offer: %w", err)
	}
	return offer.SDP, nil
}

func (t *PionTransport) AcceptOffer(sdp string) (string, error) {
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := t.pc.SetRemoteDescription(remote); err != nil {
		return "", fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local answer: %w", err)
	}
	return answer.SDP, nil
}

func (t *PionTransport) AcceptAnswer(sdp string) error {
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := t.pc.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

func (t *PionTransport) AddRemoteCandidate(ci webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(ci)
}

func (t *PionTransport) OnLocalCandidate(fn func(webrtc.ICECandidateInit)) {
	t.mu.Lock()
	t.onCandidate = fn
	t.mu.Unlock()
}

func (t *PionTransport) OnStateChange(fn func(TransportState)) {
	t.mu.Lock()
	t.onState = fn
	t.mu.Unlock()
}

func (t *PionTransport) OnRemoteTrack(fn func(*webrtc.TrackRemote)) {
	t.mu.Lock()
	t.onTrack = fn
	t.mu.Unlock()
}

// AddLocalTrack attaches a local RTP track, typically the microphone feed.
func (t *PionTransport) AddLocalTrack(track *webrtc.TrackLocalStaticRTP) (*webrtc.RTPSender, error) {
	return t.pc.AddTrack(track)
}

// Senders returns one stable wrapper per RTP sender so applied constraint
// profiles persist across calls.
func (t *PionTransport) Senders() []MediaSender {
	t.mu.Lock()
	defer t.mu.Unlock()
	senders := t.pc.GetSenders()
	out := make([]MediaSender, 0, len(senders))
	for _, s := range senders {
		w, ok := t.senders[s]
		if !ok {
			w = &rtpSender{sender: s, profile: quality.Constraints(quality.Unknown)}
			t.senders[s] = w
		}
		out = append(out, w)
	}
	return out
}

func (t *PionTransport) GetStats() webrtc.StatsReport {
	return t.pc.GetStats()
}

func (t *PionTransport) Close() error {
	return t.pc.Close()
}

// rtpSender holds the constraint profile in force for one RTP sender. pion
// does not scale media itself, so the profile is applied by whatever encodes
// onto the sender's track, read back through Constraints.
type rtpSender struct {
	sender *webrtc.RTPSender

	mu      sync.Mutex
	profile quality.ConstraintProfile
}

func (s *rtpSender) ApplyConstraints(p quality.ConstraintProfile) error {
	if s.sender == nil || s.sender.Track() == nil {
		return fmt.Errorf("sender has no active track")
	}
	s.mu.Lock()
	s.profile = p
	s.mu.Unlock()
	return nil
}

func (s *rtpSender) Constraints() quality.ConstraintProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile
}
