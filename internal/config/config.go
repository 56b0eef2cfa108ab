// Package config loads the server's settings files and the thin deploy
// overlay that sits above them.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Settings holds the configuration for the "server" role, loaded from
// settings-server.json (kebab-case keys per the wire spec).
type Settings struct {
	LogName  string `json:"logname"`
	LogLevel string `json:"loglevel"`
	Server   string `json:"server"`
	Port     int    `json:"port"`

	LoginServer string `json:"login-server"`

	SlackName  string `json:"slackname"`
	SlackURL   string `json:"slackurl"`
	DiscordURL string `json:"discordurl"`

	SteamWebKey string `json:"steam-web-key"`

	AllowDiscordLogin bool `json:"allow-discord-login"`

	// Patch* configure the optional, off-by-default in-band asset delivery
	// notice (spec.md §12): PatchEnabled gates it entirely, the rest name
	// the revision a client should fetch out of band.
	PatchEnabled bool   `json:"patch-enabled"`
	PatchAsset   string `json:"patch-asset"`
	PatchVersion string `json:"patch-version"`
	PatchURL     string `json:"patch-url"`
}

// DefaultSettings returns the settings used when no settings file is
// present, mirroring the teacher's DefaultLoginServer.
func DefaultSettings() Settings {
	return Settings{
		LogName:  "server",
		LogLevel: "info",
		Server:   "0.0.0.0",
		Port:     28247,
	}
}

// Load reads settings-<role>.json at path. A missing file is not an error:
// it yields the baked-in defaults, matching the teacher's
// LoadLoginServer behavior.
func Load(path string) (Settings, error) {
	cfg := DefaultSettings()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	return cfg, nil
}

// ApplyEnvOverlay fills zero-valued secret-ish fields from environment
// variables loaded via godotenv, so operators never have to commit
// credentials into settings-server.json.
func (s *Settings) ApplyEnvOverlay(getenv func(string) string) {
	if s.SteamWebKey == "" {
		s.SteamWebKey = getenv("STEAM_WEB_KEY")
	}
	if s.DiscordURL == "" {
		s.DiscordURL = getenv("DISCORD_URL")
	}
	if s.SlackURL == "" {
		s.SlackURL = getenv("SLACK_URL")
	}
	if s.LoginServer == "" {
		s.LoginServer = getenv("LOGIN_SERVER_URL")
	}
}
