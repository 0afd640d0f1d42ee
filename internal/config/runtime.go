package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// OverlayConfig holds the subset of settings that may be overridden by an
// optional local YAML file (AGENT_CONFIG_FILE). Fields left unset (nil/zero)
// leave the corresponding EnvConfig value untouched.
type OverlayConfig struct {
	BatchSize                *int      `yaml:"batch_size"`
	MaxRetries               *int      `yaml:"max_retries"`
	CollectionIntervalSeconds *int     `yaml:"collection_interval_seconds"`
	UploadCron               *string   `yaml:"upload_cron"`
	PullSyncIntervalMinutes  *int      `yaml:"pull_sync_interval_minutes"`
	ReadingRetentionDays     *int      `yaml:"reading_retention_days"`
	LogRetentionDays         *int      `yaml:"log_retention_days"`
	ModbusMapFile            *string   `yaml:"modbus_map_file"`
}

// LoadOverlay reads and parses the optional YAML overlay file. A missing
// path is not an error: it simply means no overrides apply.
func LoadOverlay(path string) (*OverlayConfig, error) {
	if path == "" {
		return &OverlayConfig{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &OverlayConfig{}, nil
		}
		return nil, fmt.Errorf("read overlay config %s: %w", path, err)
	}
	var overlay OverlayConfig
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, fmt.Errorf("parse overlay config %s: %w", path, err)
	}
	return &overlay, nil
}

// Apply overwrites cfg's fields with any non-nil overlay values.
func (o *OverlayConfig) Apply(cfg *EnvConfig) {
	if o == nil {
		return
	}
	if o.BatchSize != nil {
		cfg.BatchSize = *o.BatchSize
	}
	if o.MaxRetries != nil {
		cfg.MaxRetries = *o.MaxRetries
	}
	if o.CollectionIntervalSeconds != nil {
		cfg.CollectionIntervalSeconds = *o.CollectionIntervalSeconds
	}
	if o.UploadCron != nil {
		cfg.UploadCron = *o.UploadCron
	}
	if o.PullSyncIntervalMinutes != nil {
		cfg.PullSyncIntervalMinutes = *o.PullSyncIntervalMinutes
	}
	if o.ReadingRetentionDays != nil {
		cfg.ReadingRetentionDays = *o.ReadingRetentionDays
	}
	if o.LogRetentionDays != nil {
		cfg.LogRetentionDays = *o.LogRetentionDays
	}
	if o.ModbusMapFile != nil {
		cfg.ModbusMapFile = *o.ModbusMapFile
	}
}
