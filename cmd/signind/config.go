package main

import (
	"encoding/json"
	"fmt"

	"signin-bots/internal/components/db"
	"signin-bots/internal/components/notify"
	"signin-bots/internal/components/telemetry"
	"signin-bots/internal/plugin"
)

type HttpConfig struct {
	Port        int    `json:"port"`
	AccessToken string `json:"access_token"`
}

type Config struct {
	Timezone  string             `json:"timezone"`
	Database  db.Config          `json:"database"`
	Http      HttpConfig         `json:"http"`
	Web       plugin.WebDefaults `json:"web"`
	Notify    notify.Config      `json:"notify"`
	Telemetry telemetry.Config   `json:"telemetry"`
	// Plugins maps a plugin id to its config block.
	Plugins map[string]any `json:"plugins"`
}

const defaultPort = 9130

func (c Config) port() int {
	if c.Http.Port == 0 {
		return defaultPort
	}
	return c.Http.Port
}

// PluginConfigs re-encodes every plugin block as plain json for the plugin
// to decode onto its defaults.
func (c Config) PluginConfigs() (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(c.Plugins))
	for id, block := range c.Plugins {
		raw, err := json.Marshal(block)
		if err != nil {
			return nil, fmt.Errorf("encode config of %s: %w", id, err)
		}
		out[id] = raw
	}
	return out, nil
}
