package mapper

import (
	"noverterm/models"
	"noverterm/storage"
)

// SessionToView maps a persisted session to its view form with runtime
// defaults: Idle, no error, DefaultRows x DefaultCols and the session's
// forwarding rules from ctx (never nil).
func SessionToView(rec storage.Session, ctx Context) models.Session {
	view := models.Session{
		ID:         rec.ID,
		Name:       rec.Name,
		Host:       rec.Host,
		Port:       rec.Port,
		Username:   rec.Username,
		AuthMethod: models.AuthMethod(rec.AuthMethod),
		KeyID:      copyString(rec.KeyID),
		Status:     models.StatusIdle,
		Rows:       DefaultRows,
		Cols:       DefaultCols,
		Forwards:   []models.Forward{},
	}
	if name, ok := ctx.GroupName(rec.GroupID); ok {
		view.Group = &name
	}
	for _, f := range ctx.Forwards[rec.ID] {
		view.Forwards = append(view.Forwards, f.Clone())
	}
	return view
}

// SessionToCreateInput maps a create form to the persisted input. An empty
// groupID leaves the session ungrouped; an empty KeyID stays absent.
func SessionToCreateInput(input models.CreateSessionInput, groupID string) storage.CreateSessionInput {
	out := storage.CreateSessionInput{
		Name:       input.Name,
		Host:       input.Host,
		Port:       input.Port,
		Username:   input.Username,
		AuthMethod: string(input.AuthMethod),
	}
	if groupID != "" {
		out.GroupID = &groupID
	}
	if input.KeyID != "" {
		keyID := input.KeyID
		out.KeyID = &keyID
	}
	return out
}

// SessionPatchToUpdateInput maps a view patch to a partial persisted update.
// The group name is resolved to an id through ctx; an empty or unknown name
// clears the reference.
func SessionPatchToUpdateInput(patch models.SessionPatch, ctx Context) storage.UpdateSessionInput {
	out := storage.UpdateSessionInput{
		Name:     copyString(patch.Name),
		Host:     copyString(patch.Host),
		Port:     copyInt(patch.Port),
		Username: copyString(patch.Username),
		KeyID:    copyString(patch.KeyID),
	}
	if patch.Group != nil {
		groupID, _ := ctx.GroupID(*patch.Group)
		out.GroupID = &groupID
	}
	if patch.AuthMethod != nil {
		method := string(*patch.AuthMethod)
		out.AuthMethod = &method
	}
	return out
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func copyInt(i *int) *int {
	if i == nil {
		return nil
	}
	v := *i
	return &v
}
