// Package signaling carries the offer/answer/candidate exchange between the
// two participants of a session. The channel is a dumb pipe: it preserves
// per-direction order and delivers at least once, but never deduplicates or
// interprets payloads. Consumers must be idempotent.
package signaling

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/dowhatkennydoes/distancedoc-sub001/internal/domain"
)

type Kind string

const (
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "candidate"
)

var (
	ErrUnknownKind    = errors.New("unknown signaling message kind")
	ErrMissingSDP     = errors.New("offer/answer without sdp")
	ErrMissingPayload = errors.New("candidate message without candidate")
)

// Message is one signaling record. Exactly one of SDP or Candidate is set,
// selected by Kind. Records are created once, consumed once, never mutated.
type Message struct {
	ID        string                   `json:"id"`
	SessionID domain.SessionID         `json:"session_id"`
	From      domain.ParticipantID     `json:"from"`
	To        domain.ParticipantID     `json:"to"`
	SentAt    time.Time                `json:"sent_at"`
	Kind      Kind                     `json:"kind"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

func NewOffer(sess *domain.Session, sdp string) Message {
	return stamp(sess, Message{Kind: KindOffer, SDP: sdp})
}

func NewAnswer(sess *domain.Session, sdp string) Message {
	return stamp(sess, Message{Kind: KindAnswer, SDP: sdp})
}

func NewCandidate(sess *domain.Session, cand webrtc.ICECandidateInit) Message {
	return stamp(sess, Message{Kind: KindCandidate, Candidate: &cand})
}

func stamp(sess *domain.Session, m Message) Message {
	m.ID = uuid.NewString()
	m.SessionID = sess.ID
	m.From = sess.Local
	m.To = sess.Remote
	m.SentAt = time.Now()
	return m
}

func (m Message) Validate() error {
	switch m.Kind {
	case KindOffer, KindAnswer:
		if m.SDP == "" {
			return ErrMissingSDP
		}
	case KindCandidate:
		if m.Candidate == nil {
			return ErrMissingPayload
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, m.Kind)
	}
	if m.SessionID == "" || m.From == "" || m.To == "" {
		return errors.New("message missing addressing fields")
	}
	return nil
}
