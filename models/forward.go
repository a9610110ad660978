package models

// ForwardType is the direction of a forwarding rule.
type ForwardType string

const (
	ForwardLocal   ForwardType = "local"
	ForwardRemote  ForwardType = "remote"
	ForwardDynamic ForwardType = "dynamic"
)

// Forward is the view form of a forwarding rule. Active is runtime-only.
type Forward struct {
	ID         string      `json:"id"`
	SessionID  string      `json:"sessionId"`
	Name       string      `json:"name"`
	Type       ForwardType `json:"type"`
	LocalHost  string      `json:"localHost"`
	LocalPort  int         `json:"localPort"`
	RemoteHost *string     `json:"remoteHost,omitempty"`
	RemotePort *int        `json:"remotePort,omitempty"`
	Active     bool        `json:"active"`
}

// Clone returns a deep copy of f.
func (f Forward) Clone() Forward {
	out := f
	out.RemoteHost = cloneString(f.RemoteHost)
	if f.RemotePort != nil {
		v := *f.RemotePort
		out.RemotePort = &v
	}
	return out
}

// CreateForwardInput is the form payload for a new forwarding rule.
type CreateForwardInput struct {
	SessionID  string      `json:"sessionId" validate:"required"`
	Name       string      `json:"name" validate:"required,max=128"`
	Type       ForwardType `json:"type" validate:"required,oneof=local remote dynamic"`
	LocalHost  string      `json:"localHost" validate:"required"`
	LocalPort  int         `json:"localPort" validate:"gte=1,lte=65535"`
	RemoteHost string      `json:"remoteHost,omitempty" validate:"required_unless=Type dynamic,excluded_if=Type dynamic"`
	RemotePort int         `json:"remotePort,omitempty" validate:"required_unless=Type dynamic,excluded_if=Type dynamic,gte=0,lte=65535"`
}

// ForwardPatch is a partial forwarding rule update.
type ForwardPatch struct {
	Name       *string      `json:"name,omitempty" validate:"omitempty,min=1,max=128"`
	Type       *ForwardType `json:"type,omitempty" validate:"omitempty,oneof=local remote dynamic"`
	LocalHost  *string      `json:"localHost,omitempty" validate:"omitempty,min=1"`
	LocalPort  *int         `json:"localPort,omitempty" validate:"omitempty,gte=1,lte=65535"`
	RemoteHost *string      `json:"remoteHost,omitempty"`
	RemotePort *int         `json:"remotePort,omitempty" validate:"omitempty,gte=0,lte=65535"`
}
