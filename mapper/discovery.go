package mapper

import (
	"noverterm/discovery"
	"noverterm/models"
)

// DiscoveredHostToCreateInput prefills a session form from a LAN scan result.
// Agent auth is assumed since a scan carries no credentials; username falls
// back to fallbackUser when the host advertises none.
func DiscoveredHostToCreateInput(host discovery.Host, fallbackUser string) models.CreateSessionInput {
	username := host.Username
	if username == "" {
		username = fallbackUser
	}
	return models.CreateSessionInput{
		Name:       host.Name,
		Host:       host.Address(),
		Port:       host.Port,
		Username:   username,
		AuthMethod: models.AuthAgent,
	}
}
