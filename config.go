package main

import (
	"fmt"
	"os"
	"time"
)

const (
	defaultScanTimeout = 10 * time.Second
	defaultVersionFile = "/etc/kbpair/version.txt"
)

type config struct {
	ScanTimeout time.Duration
	Port        string
	VersionFile string
}

// loadConfig reads the environment. kbpair takes no arguments, so this is
// the only way to tune it.
func loadConfig() (config, error) {
	cfg := config{
		ScanTimeout: defaultScanTimeout,
		Port:        os.Getenv("KBPAIR_PORT"),
		VersionFile: os.Getenv("KBPAIR_VERSION_FILE"),
	}

	if cfg.VersionFile == "" {
		cfg.VersionFile = defaultVersionFile
	}

	if v := os.Getenv("KBPAIR_SCAN_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return config{}, fmt.Errorf("parse KBPAIR_SCAN_TIMEOUT: %w", err)
		}
		if d <= 0 {
			return config{}, fmt.Errorf("KBPAIR_SCAN_TIMEOUT must be positive, got %s", d)
		}
		cfg.ScanTimeout = d
	}

	return cfg, nil
}
