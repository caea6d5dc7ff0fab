package domain

import (
	"time"

	"github.com/google/uuid"
)

type CallID string

func NewCallID() CallID { return CallID(uuid.NewString()) }

type CallState string

const (
	CallRinging   CallState = "ringing"
	CallActive    CallState = "active"
	CallEnded     CallState = "ended"
	CallRejected  CallState = "rejected"
	CallCancelled CallState = "cancelled"
	CallTimedOut  CallState = "timed_out"
	CallFailed    CallState = "failed"
)

var callTransitions = map[CallState][]CallState{
	CallRinging: {CallActive, CallRejected, CallCancelled, CallTimedOut, CallFailed},
	CallActive:  {CallEnded, CallFailed},
}

// Terminal reports whether no transition leaves s.
func (s CallState) Terminal() bool {
	_, ok := callTransitions[s]
	return !ok
}

// CanTransition reports whether the lifecycle allows s -> to.
func (s CallState) CanTransition(to CallState) bool {
	for _, next := range callTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

type EndReason string

const (
	ReasonNone        EndReason = ""
	ReasonHangup      EndReason = "hangup"
	ReasonRejected    EndReason = "rejected"
	ReasonCancelled   EndReason = "cancelled"
	ReasonRingTimeout EndReason = "ring_timeout"
	ReasonPeerLost    EndReason = "peer_lost"
)

// Call is one call attempt between two registered clients.
type Call struct {
	ID         CallID    `json:"call_id"`
	CallerID   ClientID  `json:"caller_id"`
	CalleeID   ClientID  `json:"callee_id"`
	State      CallState `json:"state"`
	CreatedAt  time.Time `json:"created_at"`
	AnsweredAt time.Time `json:"answered_at,omitzero"`
	EndedAt    time.Time `json:"ended_at,omitzero"`
	EndReason  EndReason `json:"end_reason,omitempty"`
	EndedBy    ClientID  `json:"ended_by,omitempty"`
}

// Involves reports whether id is the caller or the callee.
func (c Call) Involves(id ClientID) bool {
	return id == c.CallerID || id == c.CalleeID
}

// Peer returns the other party of id.
func (c Call) Peer(id ClientID) (ClientID, bool) {
	switch id {
	case c.CallerID:
		return c.CalleeID, true
	case c.CalleeID:
		return c.CallerID, true
	}
	return "", false
}
