package models

// Status is the runtime connection state of a session.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusLive       Status = "live"
	StatusFailed     Status = "failed"
)

// AuthMethod selects how a session authenticates.
type AuthMethod string

const (
	AuthPassword AuthMethod = "password"
	AuthKey      AuthMethod = "key"
	AuthAgent    AuthMethod = "agent"
)

// View is the UI mode tag held by the session store.
type View string

const (
	ViewDashboard    View = "dashboard"
	ViewTerminal     View = "terminal"
	ViewKeys         View = "keys"
	ViewPortForwards View = "portForwards"
)

// Valid reports whether v is a known view tag.
func (v View) Valid() bool {
	switch v {
	case ViewDashboard, ViewTerminal, ViewKeys, ViewPortForwards:
		return true
	default:
		return false
	}
}

// Session is the view form of a connection profile. Group holds the resolved
// group name. Status, Error, Rows, Cols and Forwards are runtime-only.
type Session struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Group      *string    `json:"group,omitempty"`
	Host       string     `json:"host"`
	Port       int        `json:"port"`
	Username   string     `json:"username"`
	AuthMethod AuthMethod `json:"authMethod"`
	KeyID      *string    `json:"keyId,omitempty"`

	Status   Status    `json:"status"`
	Error    *string   `json:"error,omitempty"`
	Rows     int       `json:"rows"`
	Cols     int       `json:"cols"`
	Forwards []Forward `json:"forwards"`
}

// Clone returns a deep copy of s.
func (s Session) Clone() Session {
	out := s
	out.Group = cloneString(s.Group)
	out.KeyID = cloneString(s.KeyID)
	out.Error = cloneString(s.Error)
	if s.Forwards != nil {
		out.Forwards = make([]Forward, len(s.Forwards))
		for i, f := range s.Forwards {
			out.Forwards[i] = f.Clone()
		}
	}
	return out
}

// CreateSessionInput is the form payload for a new session. A key session
// may be saved before its key is chosen.
type CreateSessionInput struct {
	Name       string     `json:"name" validate:"required,max=128"`
	Host       string     `json:"host" validate:"required,max=255"`
	Port       int        `json:"port" validate:"gte=1,lte=65535"`
	Username   string     `json:"username" validate:"required,max=128"`
	AuthMethod AuthMethod `json:"authMethod" validate:"required,oneof=password key agent"`
	KeyID      string     `json:"keyId,omitempty"`
}

// SessionPatch is a partial session update. Group carries a group name; a
// non-nil empty Group or KeyID clears the reference.
type SessionPatch struct {
	Name       *string     `json:"name,omitempty" validate:"omitempty,min=1,max=128"`
	Group      *string     `json:"group,omitempty"`
	Host       *string     `json:"host,omitempty" validate:"omitempty,min=1,max=255"`
	Port       *int        `json:"port,omitempty" validate:"omitempty,gte=1,lte=65535"`
	Username   *string     `json:"username,omitempty" validate:"omitempty,min=1,max=128"`
	AuthMethod *AuthMethod `json:"authMethod,omitempty" validate:"omitempty,oneof=password key agent"`
	KeyID      *string     `json:"keyId,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p SessionPatch) Empty() bool {
	return p.Name == nil && p.Group == nil && p.Host == nil && p.Port == nil &&
		p.Username == nil && p.AuthMethod == nil && p.KeyID == nil
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
