package mapper

import (
	"noverterm/models"
	"noverterm/storage"
)

func GroupToView(rec storage.Group) models.Group {
	return models.Group{
		ID:    rec.ID,
		Name:  rec.Name,
		Color: copyString(rec.Color),
	}
}

func GroupToCreateInput(input models.CreateGroupInput) storage.CreateGroupInput {
	out := storage.CreateGroupInput{Name: input.Name}
	if input.Color != "" {
		color := input.Color
		out.Color = &color
	}
	return out
}

func GroupPatchToUpdateInput(patch models.GroupPatch) storage.UpdateGroupInput {
	return storage.UpdateGroupInput{
		Name:  copyString(patch.Name),
		Color: copyString(patch.Color),
	}
}
