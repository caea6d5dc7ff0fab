package app

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicerelay/internal/core"
	"github.com/dkeye/voicerelay/internal/domain"
	"github.com/dkeye/voicerelay/internal/protocol"
)

// Delivery is the aggregate outcome of a fan-out. Per-recipient failures are
// only ever reported as a count.
type Delivery struct {
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

// MessageRelay delivers text envelopes over control connections. Nothing is
// stored or retried.
type MessageRelay struct {
	reg *Registry
	now func() time.Time
}

func NewMessageRelay(reg *Registry) *MessageRelay {
	return &MessageRelay{reg: reg, now: time.Now}
}

func reachable(s *core.ClientSession) bool { return s.Status().Reachable() }

// Broadcast sends body from senderID to every other online or in-call client.
func (m *MessageRelay) Broadcast(senderID domain.ClientID, body string) (Delivery, PublishResult, error) {
	sender, ok := m.reg.Get(senderID)
	if !ok {
		return Delivery{}, PublishResult{}, domain.ErrNotRegistered
	}
	env := m.envelope(protocol.KindBroadcast, sender, body)
	res := m.reg.Publish(senderID, env, reachable)
	log.Info().Str("module", "app.messages").Str("sender_id", string(senderID)).Int("delivered", res.SendTo).Int("failed", len(res.Dropped)).Msg("broadcast")
	return Delivery{Delivered: res.SendTo, Failed: len(res.Dropped)}, res, nil
}

// Private sends body from senderID to recipientID only.
func (m *MessageRelay) Private(senderID, recipientID domain.ClientID, body string) error {
	sender, ok := m.reg.Get(senderID)
	if !ok {
		return domain.ErrNotRegistered
	}
	recipient, ok := m.reg.Get(recipientID)
	if !ok {
		return domain.ErrRecipientNotFound
	}
	env := m.envelope(protocol.KindPrivate, sender, body)
	env.RecipientID = recipientID
	if err := m.reg.Send(recipient, env); err != nil {
		log.Warn().Err(err).Str("module", "app.messages").Str("sender_id", string(senderID)).Str("recipient_id", string(recipientID)).Msg("private delivery failed")
		return domain.ErrDeliveryFailed
	}
	log.Info().Str("module", "app.messages").Str("sender_id", string(senderID)).Str("recipient_id", string(recipientID)).Msg("private")
	return nil
}

// System sends an operator notice to every online or in-call client.
func (m *MessageRelay) System(body string) (Delivery, PublishResult) {
	env := protocol.Envelope{
		Type:       protocol.TypeSystem,
		Kind:       protocol.KindSystem,
		SenderName: "server",
		Body:       body,
		SentAt:     protocol.Timestamp(m.now()),
	}
	res := m.reg.Publish("", env, reachable)
	log.Info().Str("module", "app.messages").Int("delivered", res.SendTo).Int("failed", len(res.Dropped)).Msg("system broadcast")
	return Delivery{Delivered: res.SendTo, Failed: len(res.Dropped)}, res
}

func (m *MessageRelay) envelope(kind protocol.MessageKind, sender *core.ClientSession, body string) protocol.Envelope {
	return protocol.Envelope{
		Type:       string(kind),
		Kind:       kind,
		SenderID:   sender.ID(),
		SenderName: sender.Name(),
		Body:       body,
		SentAt:     protocol.Timestamp(m.now()),
	}
}
