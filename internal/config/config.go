// Package config loads the tunables of the session streaming plane from
// the environment. Nothing else in this module reads an environment
// variable directly — the entrypoint copies these values into each
// component's constructor options.
package config

import "github.com/kelseyhightower/envconfig"

// Config is the top-level configuration for the streaming plane.
type Config struct {
	Extractor  Extractor
	Session    Session
	DisplayPool DisplayPool
}

// Load reads Config from the environment, applying defaults for anything
// unset.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Extractor configures the NAL byte-stream framer (C1).
type Extractor struct {
	SoftCapBytes int `envconfig:"NAL_SOFT_CAP_BYTES" default:"524288"`  // 512 KiB
	HardCapBytes int `envconfig:"NAL_HARD_CAP_BYTES" default:"4194304"` // 4 MiB
}

// Session configures the stream session (C3).
type Session struct {
	SubscriberQueueSize int `envconfig:"SESSION_SUBSCRIBER_QUEUE_SIZE" default:"200"`
	GOPCapBytes         int `envconfig:"SESSION_GOP_CAP_BYTES" default:"4194304"` // 4 MiB
	EncoderChunkBytes   int `envconfig:"SESSION_ENCODER_CHUNK_BYTES" default:"32768"`
	StopTimeoutSeconds  int `envconfig:"SESSION_STOP_TIMEOUT_SECONDS" default:"5"`
}

// DisplayPool configures virtual display allocation (C4).
type DisplayPool struct {
	BaseDisplay          int `envconfig:"DISPLAY_POOL_BASE" default:"100"`
	MaxDisplays          int `envconfig:"DISPLAY_POOL_MAX" default:"5"`
	ReadinessPollAttempts int `envconfig:"DISPLAY_POOL_READINESS_ATTEMPTS" default:"15"`
	ReadinessPollInterval int `envconfig:"DISPLAY_POOL_READINESS_INTERVAL_MS" default:"200"`
	WindowManagerSettleMS int `envconfig:"DISPLAY_POOL_WM_SETTLE_MS" default:"500"`
	StopTimeoutSeconds    int `envconfig:"DISPLAY_POOL_STOP_TIMEOUT_SECONDS" default:"3"`
}
