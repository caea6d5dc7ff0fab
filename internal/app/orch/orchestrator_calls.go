package orch

import (
	"github.com/dkeye/voicerelay/internal/domain"
)

func (o *Orchestrator) RequestCall(caller, callee domain.ClientID) (domain.Call, error) {
	return o.Calls.Request(caller, callee)
}

func (o *Orchestrator) AcceptCall(id domain.CallID, by domain.ClientID) (domain.Call, error) {
	return o.Calls.Accept(id, by)
}

func (o *Orchestrator) RejectCall(id domain.CallID, by domain.ClientID) (domain.Call, error) {
	return o.Calls.Reject(id, by)
}

func (o *Orchestrator) CancelCall(id domain.CallID, by domain.ClientID) (domain.Call, error) {
	return o.Calls.Cancel(id, by)
}

func (o *Orchestrator) Hangup(id domain.CallID, by domain.ClientID) (domain.Call, error) {
	return o.Calls.Hangup(id, by)
}

// AnswerCall is the single-command form of accept/reject.
func (o *Orchestrator) AnswerCall(id domain.CallID, by domain.ClientID, accepted bool) (domain.Call, error) {
	if accepted {
		return o.Calls.Accept(id, by)
	}
	return o.Calls.Reject(id, by)
}
