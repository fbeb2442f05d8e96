// Package model holds the reader's configuration tree.
package model

import "time"

// Log holds the log configuration.
type Log struct {
	Level      string `yaml:"level"`
	FolderPath string `yaml:"folder_path"`
}

// Tracing holds the OTEL exporter configuration.
type Tracing struct {
	Addr    string `yaml:"addr"`
	Timeout int64  `yaml:"timeout" default:"10"`
}

// Common holds configuration shared by every subsystem.
type Common struct {
	Production bool    `yaml:"production"`
	Log        Log     `yaml:"log"`
	Tracing    Tracing `yaml:"tracing"`
}

// NFC holds the contactless front-end configuration.
type NFC struct {
	Path      string `yaml:"path"`
	Port      string `yaml:"port"`
	Driver    string `yaml:"driver"`
	Broadcast bool   `yaml:"broadcast" default:"true"`
}

// HomeKey holds the HomeKey transaction engine / polling loop configuration.
//
// default_lock_serial is intentionally absent: it was deprecated and unused
// by the bridge in the original implementation (spec §9 Open Question),
// dropped from this schema rather than carried forward.
type HomeKey struct {
	Persist         string        `yaml:"persist"`
	Express         bool          `yaml:"express" default:"true"`
	Finish          string        `yaml:"finish" default:"black"`
	Flow            string        `yaml:"flow" default:"fast"`
	ThrottlePolling time.Duration `yaml:"throttle_polling" default:"150ms"`
	UseAPIRepository bool         `yaml:"use_api_repository"`
	APIBaseURL      string        `yaml:"api_base_url" default:"http://localhost:8080"`
	APISecret       string        `yaml:"api_secret"`
	// CompatDuplicateOnCreate preserves the observed (buggy)
	// behavior of replying DUPLICATE on successful new-endpoint creation
	// (spec §9 Open Question). Set false to reply SUCCESS instead.
	CompatDuplicateOnCreate bool `yaml:"compat_duplicate_on_create" default:"true"`
}

// HAP holds the HomeKit accessory driver configuration (the driver itself
// is an external collaborator, spec §1; only its lifecycle knobs live here).
type HAP struct {
	Port    int    `yaml:"port" default:"51111"`
	Persist string `yaml:"persist"`
}

// Health holds the internal liveness endpoint configuration.
type Health struct {
	Addr string `yaml:"addr" default:"127.0.0.1:9090"`
}

// Cfg is the root configuration document, one-for-one with spec §6's
// configuration.json shape.
type Cfg struct {
	Common  Common  `yaml:"common"`
	NFC     NFC     `yaml:"nfc" validate:"required"`
	HomeKey HomeKey `yaml:"homekey" validate:"required"`
	HAP     HAP     `yaml:"hap" validate:"required"`
	Health  Health  `yaml:"health"`
}
