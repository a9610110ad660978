package mapper

import (
	"noverterm/models"
	"noverterm/storage"
)

// ForwardToView maps a persisted forwarding rule. Active is always false.
func ForwardToView(rec storage.PortForward) models.Forward {
	return models.Forward{
		ID:         rec.ID,
		SessionID:  rec.SessionID,
		Name:       rec.Name,
		Type:       models.ForwardType(rec.Type),
		LocalHost:  rec.LocalHost,
		LocalPort:  rec.LocalPort,
		RemoteHost: copyString(rec.RemoteHost),
		RemotePort: copyInt(rec.RemotePort),
	}
}

// ForwardsToView maps a list of persisted rules.
func ForwardsToView(recs []storage.PortForward) []models.Forward {
	out := make([]models.Forward, 0, len(recs))
	for _, rec := range recs {
		out = append(out, ForwardToView(rec))
	}
	return out
}

func ForwardToCreateInput(input models.CreateForwardInput) storage.CreatePortForwardInput {
	out := storage.CreatePortForwardInput{
		SessionID: input.SessionID,
		Name:      input.Name,
		Type:      string(input.Type),
		LocalHost: input.LocalHost,
		LocalPort: input.LocalPort,
	}
	if input.Type != models.ForwardDynamic {
		host, port := input.RemoteHost, input.RemotePort
		out.RemoteHost = &host
		out.RemotePort = &port
	}
	return out
}

func ForwardPatchToUpdateInput(patch models.ForwardPatch) storage.UpdatePortForwardInput {
	out := storage.UpdatePortForwardInput{
		Name:       copyString(patch.Name),
		LocalHost:  copyString(patch.LocalHost),
		LocalPort:  copyInt(patch.LocalPort),
		RemoteHost: copyString(patch.RemoteHost),
		RemotePort: copyInt(patch.RemotePort),
	}
	if patch.Type != nil {
		t := string(*patch.Type)
		out.Type = &t
	}
	return out
}

// ForwardToRecord rebuilds the persisted shape of a view rule, as handed to
// the connection-action service.
func ForwardToRecord(f models.Forward) storage.PortForward {
	return storage.PortForward{
		ID:         f.ID,
		SessionID:  f.SessionID,
		Name:       f.Name,
		Type:       string(f.Type),
		LocalHost:  f.LocalHost,
		LocalPort:  f.LocalPort,
		RemoteHost: copyString(f.RemoteHost),
		RemotePort: copyInt(f.RemotePort),
	}
}
