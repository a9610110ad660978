package gateway

import (
	"context"

	"noverterm/storage"
)

const (
	VerbConnect       = "connect"
	VerbDisconnect    = "disconnect"
	VerbAddForward    = "add-forward"
	VerbRemoveForward = "remove-forward"
	VerbToggleForward = "toggle-forward"
	VerbGenerateKey   = "generate-key"
	VerbFingerprint   = "fingerprint"
	VerbImportKey     = "import-key"
	VerbDiscardKey    = "discard-key"
)

// Actions is the connection-negotiation surface. Every failure is a
// *NegotiationError.
type Actions interface {
	Connect(ctx context.Context, profileID, secret string) error
	Disconnect(ctx context.Context, profileID string) error
	AddForward(ctx context.Context, rule storage.PortForward) error
	RemoveForward(ctx context.Context, id string) error
	ToggleForward(ctx context.Context, id string, active bool) error
}

// Negotiator performs connection and tunnel work. network.Manager is the
// production implementation.
type Negotiator interface {
	Connect(ctx context.Context, sessionID, secret string) error
	Disconnect(ctx context.Context, sessionID string) error
	RegisterForward(ctx context.Context, rule storage.PortForward) error
	UnregisterForward(ctx context.Context, id string) error
	SetForwardActive(ctx context.Context, id string, active bool) error
}

// NegotiatorActions adapts a Negotiator to Actions.
type NegotiatorActions struct {
	negotiator Negotiator
}

// NewActions wraps negotiator.
func NewActions(negotiator Negotiator) *NegotiatorActions {
	return &NegotiatorActions{negotiator: negotiator}
}

var _ Actions = (*NegotiatorActions)(nil)

func (a *NegotiatorActions) Connect(ctx context.Context, profileID, secret string) error {
	return negotiationErr(VerbConnect, profileID, a.negotiator.Connect(ctx, profileID, secret))
}

func (a *NegotiatorActions) Disconnect(ctx context.Context, profileID string) error {
	return negotiationErr(VerbDisconnect, profileID, a.negotiator.Disconnect(ctx, profileID))
}

func (a *NegotiatorActions) AddForward(ctx context.Context, rule storage.PortForward) error {
	return negotiationErr(VerbAddForward, rule.ID, a.negotiator.RegisterForward(ctx, rule))
}

func (a *NegotiatorActions) RemoveForward(ctx context.Context, id string) error {
	return negotiationErr(VerbRemoveForward, id, a.negotiator.UnregisterForward(ctx, id))
}

func (a *NegotiatorActions) ToggleForward(ctx context.Context, id string, active bool) error {
	return negotiationErr(VerbToggleForward, id, a.negotiator.SetForwardActive(ctx, id, active))
}
