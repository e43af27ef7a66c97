// Package config loads the proxy's bootstrap configuration: the bits
// that must exist before the first UMCTL SETDB arrives (listen
// address, back-end defaults, migration rate limits, logging). All
// slot and replication routing still arrives exclusively over UMCTL;
// nothing here describes cluster topology.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerProperties is everything a coordination-free proxy needs at
// boot.
type ServerProperties struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
	RunID string `yaml:"run_id"`

	MaxClients int `yaml:"max_clients"`

	BackendDialTimeout  time.Duration `yaml:"backend_dial_timeout"`
	BackendRequestTimeout time.Duration `yaml:"backend_request_timeout"`
	BackendIdleTimeout  time.Duration `yaml:"backend_idle_timeout"`

	MigrationKeysPerSec  int `yaml:"migration_keys_per_sec"`
	MigrationBytesPerSec int `yaml:"migration_bytes_per_sec"`

	LogPath       string `yaml:"log_path"`
	LogName       string `yaml:"log_name"`
	LogExt        string `yaml:"log_ext"`
	LogTimeFormat string `yaml:"log_time_format"`
}

// Properties is the process-wide bootstrap configuration, set once by
// SetupConfig or Default before any other package reads it.
var Properties *ServerProperties

// Default returns the built-in configuration used when no config file
// is present.
func Default(runID string) *ServerProperties {
	return &ServerProperties{
		Bind:       "0.0.0.0",
		Port:       6399,
		RunID:      runID,
		MaxClients: 10000,

		BackendDialTimeout:    time.Second,
		BackendRequestTimeout: time.Second,
		BackendIdleTimeout:    5 * time.Minute,

		MigrationKeysPerSec:  1000,
		MigrationBytesPerSec: 10 << 20,

		LogPath:       "logs",
		LogName:       "undermoon",
		LogExt:        "log",
		LogTimeFormat: "2006-01-02",
	}
}

// SetupConfig reads a YAML file at path into Properties, filling any
// zero-valued fields from Default first so a partial file is valid.
func SetupConfig(path, runID string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	props := Default(runID)
	if err := yaml.Unmarshal(data, props); err != nil {
		return err
	}
	Properties = props
	return nil
}
