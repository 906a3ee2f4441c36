// Reef is a distributed job broker for AI workloads.
// Copyright (C) 2025 The Reef Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package config loads broker configuration from the environment.
//
// Every option except AUTH_TOKEN is required: the broker refuses to start
// with an implicit default for anything safety-relevant, so a missing
// variable is a startup error naming the variable.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the full runtime configuration of the broker daemon.
type Config struct {
	StoreURL          string        // STORE_URL, e.g. redis://localhost:6379/0
	HubListenAddress  string        // HUB_LISTEN_ADDRESS, host:port
	AuthToken         string        // AUTH_TOKEN, optional shared secret
	MaxConnections    int           // MAX_CONNECTIONS
	HeartbeatInterval time.Duration // HEARTBEAT_INTERVAL_MS
	ConnectionTimeout time.Duration // CONNECTION_TIMEOUT_MS
	CleanupInterval   time.Duration // STUCK_JOB_CLEANUP_INTERVAL_SEC
	MatcherMaxScan    int           // MATCHER_MAX_SCAN
	ArchiveOlderThan  time.Duration // ARCHIVE_OLDER_THAN, Go duration string
	ArchiveDir        string        // ARCHIVE_DIR
	LogLevel          string        // LOG_LEVEL, optional (info)
}

// FromEnv builds the configuration from environment variables, failing on
// any missing or malformed required value.
func FromEnv() (Config, error) {
	var cfg Config
	var err error

	if cfg.StoreURL, err = required("STORE_URL"); err != nil {
		return cfg, err
	}
	if cfg.HubListenAddress, err = required("HUB_LISTEN_ADDRESS"); err != nil {
		return cfg, err
	}
	cfg.AuthToken = os.Getenv("AUTH_TOKEN")

	if cfg.MaxConnections, err = requiredInt("MAX_CONNECTIONS"); err != nil {
		return cfg, err
	}
	if cfg.MaxConnections < 1 {
		return cfg, fmt.Errorf("config: MAX_CONNECTIONS must be positive, got %d", cfg.MaxConnections)
	}

	if cfg.HeartbeatInterval, err = requiredMillis("HEARTBEAT_INTERVAL_MS"); err != nil {
		return cfg, err
	}
	if cfg.ConnectionTimeout, err = requiredMillis("CONNECTION_TIMEOUT_MS"); err != nil {
		return cfg, err
	}
	if cfg.ConnectionTimeout <= cfg.HeartbeatInterval {
		return cfg, fmt.Errorf("config: CONNECTION_TIMEOUT_MS (%s) must exceed HEARTBEAT_INTERVAL_MS (%s)",
			cfg.ConnectionTimeout, cfg.HeartbeatInterval)
	}

	cleanupSec, err := requiredInt("STUCK_JOB_CLEANUP_INTERVAL_SEC")
	if err != nil {
		return cfg, err
	}
	if cleanupSec < 1 {
		return cfg, fmt.Errorf("config: STUCK_JOB_CLEANUP_INTERVAL_SEC must be positive, got %d", cleanupSec)
	}
	cfg.CleanupInterval = time.Duration(cleanupSec) * time.Second

	if cfg.MatcherMaxScan, err = requiredInt("MATCHER_MAX_SCAN"); err != nil {
		return cfg, err
	}
	if cfg.MatcherMaxScan < 0 {
		return cfg, fmt.Errorf("config: MATCHER_MAX_SCAN must not be negative, got %d", cfg.MatcherMaxScan)
	}

	older, err := required("ARCHIVE_OLDER_THAN")
	if err != nil {
		return cfg, err
	}
	cfg.ArchiveOlderThan, err = time.ParseDuration(older)
	if err != nil {
		return cfg, fmt.Errorf("config: invalid ARCHIVE_OLDER_THAN: %w", err)
	}
	if cfg.ArchiveOlderThan <= 0 {
		return cfg, fmt.Errorf("config: ARCHIVE_OLDER_THAN must be positive, got %s", cfg.ArchiveOlderThan)
	}

	if cfg.ArchiveDir, err = required("ARCHIVE_DIR"); err != nil {
		return cfg, err
	}

	cfg.LogLevel = os.Getenv("LOG_LEVEL")
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	return cfg, nil
}

// WorkerGrace is the staleness threshold after which the recovery loop
// treats a worker as gone. Derived from the connection timeout rather than
// configured separately, so there is no second knob to forget.
func (c Config) WorkerGrace() time.Duration {
	return 2 * c.ConnectionTimeout
}

// CancelWindow is how long a worker may sit on a cancel request before the
// recovery loop escalates.
func (c Config) CancelWindow() time.Duration {
	return 2 * c.CleanupInterval
}

func required(key string) (string, error) {
	v := os.Getenv(key)
	if v == "" {
		return "", fmt.Errorf("config: %s is required and not set", key)
	}
	return v, nil
}

func requiredInt(key string) (int, error) {
	v, err := required(key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s: %w", key, err)
	}
	return n, nil
}

func requiredMillis(key string) (time.Duration, error) {
	n, err := requiredInt(key)
	if err != nil {
		return 0, err
	}
	if n < 1 {
		return 0, fmt.Errorf("config: %s must be positive, got %d", key, n)
	}
	return time.Duration(n) * time.Millisecond, nil
}
