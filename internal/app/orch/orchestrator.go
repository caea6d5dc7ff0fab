package orch

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicerelay/internal/app"
	"github.com/dkeye/voicerelay/internal/core"
	"github.com/dkeye/voicerelay/internal/domain"
	"github.com/dkeye/voicerelay/internal/observability"
)

// Orchestrator composes the registry, the call state machine and the message
// relay, and owns the one disconnect path every departure goes through.
type Orchestrator struct {
	Registry *app.Registry
	Calls    *app.CallManager
	Messages *app.MessageRelay
	Policy   app.Policy
	Metrics  *observability.Metrics

	startedAt time.Time
}

func New(reg *app.Registry, calls *app.CallManager, messages *app.MessageRelay, policy app.Policy, metrics *observability.Metrics) *Orchestrator {
	return &Orchestrator{
		Registry:  reg,
		Calls:     calls,
		Messages:  messages,
		Policy:    policy,
		Metrics:   metrics,
		startedAt: time.Now(),
	}
}

func (o *Orchestrator) Register(name string, sig core.SignalConnection) (*core.ClientSession, error) {
	sess, err := o.Registry.Register(name, sig)
	if err != nil {
		return nil, err
	}
	o.Metrics.SetOnlineClients(o.Registry.Count())
	return sess, nil
}

func (o *Orchestrator) Touch(id domain.ClientID) bool {
	return o.Registry.Touch(id)
}

// Disconnect removes a client and force-terminates its call. Graceful
// sign-off, read failure, eviction and kick all end up here; only the
// logged reason differs. The client is unregistered before its call is
// failed so a concurrent call request can not slip in between.
func (o *Orchestrator) Disconnect(id domain.ClientID, reason string) bool {
	sess, ok := o.Registry.Unregister(id)
	if call, failed := o.Calls.Fail(id); failed {
		log.Info().Str("module", "orch").Str("client_id", string(id)).Str("call_id", string(call.ID)).Msg("call failed, peer lost")
	}
	if !ok {
		return false
	}
	sess.Signal().Close()
	o.Metrics.SetOnlineClients(o.Registry.Count())
	log.Info().Str("module", "orch").Str("client_id", string(id)).Str("reason", reason).Msg("client disconnected")
	return true
}

// Kick force-disconnects a client on operator or policy request.
func (o *Orchestrator) Kick(id domain.ClientID) bool {
	return o.Disconnect(id, "kicked")
}

// StartJanitor evicts clients whose control connection went silent.
func (o *Orchestrator) StartJanitor(ctx context.Context, interval, timeout time.Duration) {
	o.Registry.StartJanitor(ctx, interval, timeout, func(id domain.ClientID) {
		o.Disconnect(id, "inactive")
	})
}

type ServerStatus struct {
	ServerTime    time.Time `json:"server_time"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	Clients       struct {
		Total  int `json:"total"`
		Online int `json:"online"`
		InCall int `json:"in_call"`
	} `json:"clients"`
	Calls struct {
		Ringing  int `json:"ringing"`
		Active   int `json:"active"`
		Archived int `json:"archived"`
	} `json:"calls"`
}

func (o *Orchestrator) Status() ServerStatus {
	now := time.Now()
	var st ServerStatus
	st.ServerTime = now
	st.UptimeSeconds = now.Sub(o.startedAt).Seconds()
	for _, c := range o.Registry.List() {
		st.Clients.Total++
		switch c.Status {
		case domain.StatusOnline:
			st.Clients.Online++
		case domain.StatusInCall:
			st.Clients.InCall++
		}
	}
	for _, c := range o.Calls.Live() {
		switch c.State {
		case domain.CallRinging:
			st.Calls.Ringing++
		case domain.CallActive:
			st.Calls.Active++
		}
	}
	st.Calls.Archived = len(o.Calls.History())
	return st
}
