// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const MaxParticipantIDLen = 64

var (
	ErrParticipantEmpty   = errors.New("participant id empty")
	ErrParticipantTooLong = errors.New("participant id too long")
	ErrSameParticipant    = errors.New("local and remote participant are the same")
)

type (
	SessionID      string
	ConsultationID string
	ParticipantID  string
)

// Role tells which side of the offer/answer exchange this peer plays.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

func (r Role) Valid() bool {
	return r == RoleInitiator || r == RoleResponder
}

// Session identifies one telehealth call between two participants.
// The caller arrives with an already-authenticated consultation context;
// no auth data lives here.
type Session struct {
	ID           SessionID      `json:"id"`
	Consultation ConsultationID `json:"consultation_id"`
	Local        ParticipantID  `json:"local_participant_id"`
	Remote       ParticipantID  `json:"remote_participant_id"`
	Role         Role           `json:"role"`
}

// NewSession is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewSession(consultation ConsultationID, local, remote ParticipantID, role Role) (*Session, error) {
	for _, p := range []ParticipantID{local, remote} {
		if len(p) == 0 {
			return nil, ErrParticipantEmpty
		}
		if len(p) > MaxParticipantIDLen {
			return nil, ErrParticipantTooLong
		}
	}
	if local == remote {
		return nil, ErrSameParticipant
	}
	if !role.Valid() {
		role = RoleInitiator
	}
	return &Session{
		ID:           SessionID(uuid.NewString()),
		Consultation: consultation,
		Local:        local,
		Remote:       remote,
		Role:         role,
	}, nil
}
