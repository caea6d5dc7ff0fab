package orch

import (
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicerelay/internal/app"
	"github.com/dkeye/voicerelay/internal/domain"
)

func (o *Orchestrator) Broadcast(sender domain.ClientID, body string) (app.Delivery, error) {
	d, res, err := o.Messages.Broadcast(sender, body)
	if err != nil {
		return d, err
	}
	o.applyPolicy(res)
	return d, nil
}

func (o *Orchestrator) Private(sender, recipient domain.ClientID, body string) error {
	return o.Messages.Private(sender, recipient, body)
}

// SystemBroadcast sends an operator notice to every reachable client.
func (o *Orchestrator) SystemBroadcast(body string) app.Delivery {
	d, res := o.Messages.System(body)
	o.applyPolicy(res)
	return d
}

func (o *Orchestrator) applyPolicy(res app.PublishResult) {
	if o.Policy == nil {
		return
	}
	for _, miss := range res.Dropped {
		switch o.Policy.OnBackPressure(miss.Session, miss.Err) {
		case app.KickMember:
			log.Warn().Str("module", "orch").Str("client_id", string(miss.Session.ID())).Msg("slow consumer kicked")
			o.Kick(miss.Session.ID())
		case app.NoAction:
		}
	}
}
