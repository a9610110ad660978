package models

// Group is a session grouping label.
type Group struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	Color *string `json:"color,omitempty"`
}

// Clone returns a deep copy of g.
func (g Group) Clone() Group {
	out := g
	out.Color = cloneString(g.Color)
	return out
}

// CreateGroupInput is the form payload for a new group.
type CreateGroupInput struct {
	Name  string `json:"name" validate:"required,max=64"`
	Color string `json:"color,omitempty" validate:"omitempty,hexcolor"`
}

// GroupPatch is a partial group update. A non-nil empty Color clears it.
type GroupPatch struct {
	Name  *string `json:"name,omitempty" validate:"omitempty,min=1,max=64"`
	Color *string `json:"color,omitempty"`
}
