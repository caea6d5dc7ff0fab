package domain

import "errors"

var (
	ErrNotRegistered     = errors.New("not registered")
	ErrAlreadyRegistered = errors.New("already registered")
	ErrRecipientNotFound = errors.New("recipient not found")
	ErrCalleeNotFound    = errors.New("callee not found")
	ErrCalleeOffline     = errors.New("callee offline")
	ErrCallerBusy        = errors.New("caller busy")
	ErrCalleeBusy        = errors.New("callee busy")
	ErrSelfCall          = errors.New("cannot call yourself")
	ErrCallNotFound      = errors.New("call not found")
	ErrInvalidCallState  = errors.New("invalid call state")
	ErrDeliveryFailed    = errors.New("delivery failed")
	ErrPeerLost          = errors.New("peer lost")
	ErrRateLimited       = errors.New("rate limited")
	ErrBadPayload        = errors.New("bad payload")
	ErrUnknownType       = errors.New("unknown envelope type")
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrNotRegistered, "not_registered"},
	{ErrAlreadyRegistered, "already_registered"},
	{ErrRecipientNotFound, "recipient_not_found"},
	{ErrCalleeNotFound, "callee_not_found"},
	{ErrCalleeOffline, "callee_offline"},
	{ErrCallerBusy, "caller_busy"},
	{ErrCalleeBusy, "callee_busy"},
	{ErrSelfCall, "self_call"},
	{ErrCallNotFound, "call_not_found"},
	{ErrInvalidCallState, "invalid_call_state"},
	{ErrDeliveryFailed, "delivery_failed"},
	{ErrPeerLost, "peer_lost"},
	{ErrRateLimited, "rate_limited"},
	{ErrBadPayload, "bad_payload"},
	{ErrUnknownType, "unknown_type"},
	{ErrNameEmpty, "invalid_name"},
	{ErrNameTooLong, "invalid_name"},
}

// ErrorCode maps an error to its stable wire code. Unknown errors map to "internal".
func ErrorCode(err error) string {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return "internal"
}
