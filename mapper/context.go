// Package mapper translates between the persisted records in storage and the
// view models held by the cache. Every function is pure: cross-entity lookups
// come from an explicit Context.
package mapper

import "noverterm/models"

const (
	// DefaultRows is the terminal height given to freshly mapped sessions.
	DefaultRows = 24
	// DefaultCols is the terminal width given to freshly mapped sessions.
	DefaultCols = 80
)

// Context supplies the lookups needed to denormalize a record.
type Context struct {
	// GroupNames maps group id to display name.
	GroupNames map[string]string
	// Forwards maps session id to its forwarding rules in view form.
	Forwards map[string][]models.Forward
}

// NewContext builds a Context from the current group and forward collections.
func NewContext(groups []models.Group, forwards []models.Forward) Context {
	ctx := Context{
		GroupNames: make(map[string]string, len(groups)),
		Forwards:   make(map[string][]models.Forward),
	}
	for _, g := range groups {
		ctx.GroupNames[g.ID] = g.Name
	}
	for _, f := range forwards {
		ctx.Forwards[f.SessionID] = append(ctx.Forwards[f.SessionID], f.Clone())
	}
	return ctx
}

// GroupName resolves a group id. ok is false for nil or unknown ids.
func (c Context) GroupName(id *string) (string, bool) {
	if id == nil || *id == "" {
		return "", false
	}
	name, ok := c.GroupNames[*id]
	return name, ok
}

// GroupID resolves a group display name back to its id. Names are not unique
// in storage; the lexically smallest matching id wins so the result is stable.
func (c Context) GroupID(name string) (string, bool) {
	found := ""
	for id, n := range c.GroupNames {
		if n != name {
			continue
		}
		if found == "" || id < found {
			found = id
		}
	}
	return found, found != ""
}
