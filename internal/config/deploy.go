package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Deploy holds the operator-facing knobs that sit above the spec-mandated
// settings-<role>.json: worker-pool sizing, timer defaults, and the
// keycode/lobby ticker seeds. Kept in a separate YAML document so the JSON
// settings format stays exactly what the wire spec names.
type Deploy struct {
	WorkerPoolLanes int `yaml:"worker_pool_lanes"`

	DefaultPlanningTime time.Duration `yaml:"default_planning_time"`
	StagingGrace        time.Duration `yaml:"staging_grace"`
	PingTolerance       time.Duration `yaml:"ping_tolerance"`

	ClientKeySeed uint16 `yaml:"client_key_seed"`
	LobbyKeySeed  uint16 `yaml:"lobby_key_seed"`
}

// DefaultDeploy returns the deploy profile used when deploy.yaml is absent.
func DefaultDeploy() Deploy {
	return Deploy{
		WorkerPoolLanes:     8,
		DefaultPlanningTime: 24 * time.Hour,
		StagingGrace:        10 * time.Second,
		PingTolerance:       120 * time.Second,
		ClientKeySeed:       1,
		LobbyKeySeed:        2,
	}
}

// LoadDeploy reads deploy.yaml at path, falling back to defaults if absent.
func LoadDeploy(path string) (Deploy, error) {
	cfg := DefaultDeploy()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}
