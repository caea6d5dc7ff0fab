// Package protocol defines the control envelope and the media datagram tag.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/dkeye/voicerelay/internal/domain"
)

// Inbound envelope types.
const (
	TypeRegister    = "register"
	TypePing        = "ping"
	TypeWhoAmI      = "whoami"
	TypeGetClients  = "get_clients"
	TypeBroadcast   = "broadcast"
	TypePrivate     = "private"
	TypeCallRequest = "call_request"
	TypeCallAccept  = "call_accept"
	TypeCallReject  = "call_reject"
	TypeCallCancel  = "call_cancel"
	TypeCallHangup  = "call_hangup"
	TypeCallAnswer  = "call_answer"
	TypeSignOff     = "sign_off"
)

// Outbound envelope types.
const (
	TypeRegisterResponse = "register_response"
	TypePong             = "pong"
	TypeClientList       = "client_list"
	TypeAck              = "ack"
	TypeError            = "error"
	TypePresence         = "presence"
	TypeSystem           = "system"
	TypeCallState        = "call_state"
	TypePeerLost         = "peer_lost"
)

// Presence events.
const (
	PresenceJoined = "joined"
	PresenceLeft   = "left"
	PresenceStatus = "status"
)

// MessageKind is the relay kind of a text envelope.
type MessageKind string

const (
	KindBroadcast MessageKind = "broadcast"
	KindPrivate   MessageKind = "private"
	KindSystem    MessageKind = "system"
)

// Envelope is the single JSON shape used in both directions.
// Only the fields relevant to Type are populated.
type Envelope struct {
	Type string `json:"type"`

	// registration / identity
	ClientID   domain.ClientID     `json:"client_id,omitempty"`
	Name       string              `json:"name,omitempty"`
	Status     domain.ClientStatus `json:"status,omitempty"`
	ServerTime float64             `json:"server_time,omitempty"`

	// messages
	Kind        MessageKind     `json:"kind,omitempty"`
	SenderID    domain.ClientID `json:"sender_id,omitempty"`
	SenderName  string          `json:"sender_name,omitempty"`
	RecipientID domain.ClientID `json:"recipient_id,omitempty"`
	Body        string          `json:"body,omitempty"`
	SentAt      float64         `json:"sent_at,omitempty"`

	// call control
	CallID   domain.CallID    `json:"call_id,omitempty"`
	CallerID domain.ClientID  `json:"caller_id,omitempty"`
	CalleeID domain.ClientID  `json:"callee_id,omitempty"`
	State    domain.CallState `json:"state,omitempty"`
	Reason   domain.EndReason `json:"reason,omitempty"`
	PeerName string           `json:"peer_name,omitempty"`
	Accepted *bool            `json:"accepted,omitempty"`

	// presence / lists
	Event   string          `json:"event,omitempty"`
	Client  *domain.Client  `json:"client,omitempty"`
	Clients []domain.Client `json:"clients,omitempty"`

	// responses
	Request   string `json:"request,omitempty"`
	Delivered *int   `json:"delivered,omitempty"`
	Failed    *int   `json:"failed,omitempty"`
	Error     string `json:"error,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Timestamp converts t to the fractional unix seconds used on the wire.
func Timestamp(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// ErrorEnvelope is the terminal failure response to a command.
func ErrorEnvelope(request string, err error) Envelope {
	return Envelope{
		Type:    TypeError,
		Request: request,
		Error:   domain.ErrorCode(err),
		Message: err.Error(),
	}
}

// CallEnvelope describes a call transition for one party.
func CallEnvelope(typ string, c domain.Call) Envelope {
	return Envelope{
		Type:     typ,
		CallID:   c.ID,
		CallerID: c.CallerID,
		CalleeID: c.CalleeID,
		State:    c.State,
		Reason:   c.EndReason,
	}
}
