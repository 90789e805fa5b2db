// Package config reads process configuration from the environment,
// following the same ws-prefixed envconfig convention as the original
// ecs-sync-server.
package config

import (
	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
)

// Config holds everything the server entrypoint needs to start listening.
type Config struct {
	Port  string `default:"8087"`
	Debug bool   `default:"true"`

	// StorageBackend selects the room snapshot backend: "memory" or "bolt".
	StorageBackend string `envconfig:"storage_backend" default:"memory"`
	// StorageDir is where the bolt backend writes one database file per room.
	StorageDir string `envconfig:"storage_dir" default:"./data"`

	// SaveThrottleMs is how long a room waits after a document mutation
	// before flushing a snapshot to storage.
	SaveThrottleMs int `envconfig:"save_throttle_ms" default:"10000"`
	// RoomIdleGraceMs is how long a room with zero sessions stays resident
	// before the registry closes it.
	RoomIdleGraceMs int `envconfig:"room_idle_grace_ms" default:"60000"`

	// ProtocolVersion must match the client's; a mismatch on reconnect
	// triggers a version-mismatch response.
	ProtocolVersion int `envconfig:"protocol_version" default:"1"`
}

// Load reads Config from the environment, logging and exiting the
// process on malformed values.
func Load() Config {
	var c Config
	if err := envconfig.Process("ws", &c); err != nil {
		logrus.WithError(err).Fatal("failed to read environment variables")
	}
	return c
}
