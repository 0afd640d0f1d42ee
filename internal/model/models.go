// Package model defines domain structs shared across the persistence layer.
package model

// Tenant is the single facility/account this agent operates on behalf of.
// Exactly one tenant is cached at a time.
type Tenant struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	APIKey      string `json:"api_key"`
	LastSeenNs  int64  `json:"last_seen_ns"`
}

// Register describes one readable point on a device: a base register number,
// its unit, and the column-safe field name readings are stored under.
type Register struct {
	ID          string `json:"id"`
	DeviceID    string `json:"device_id"`
	Name        string `json:"name"`
	BaseNumber  int    `json:"base_number"`
	Unit        string `json:"unit"`
	FieldName   string `json:"field_name"`
	UpdatedAtNs int64  `json:"updated_at_ns"`
}

// DeviceRegister is the many-to-many join between a device and its registers.
type DeviceRegister struct {
	ID         string `json:"id"`
	DeviceID   string `json:"device_id"`
	RegisterID string `json:"register_id"`
}

// DeviceRegisterKey is the composite lookup key used by the cache layer.
type DeviceRegisterKey struct {
	DeviceID   string
	RegisterID string
}

// Protocol enumerates the supported meter transports.
type Protocol string

const (
	ProtocolBACnet Protocol = "bacnet"
	ProtocolModbus Protocol = "modbus"
)

// Meter is a single physical energy meter polled by the Collector. ElementTag
// selects a per-meter register offset (see EffectiveRegister).
type Meter struct {
	ID              string   `json:"id"`
	DisplayName     string   `json:"display_name"`
	IP              string   `json:"ip"`
	Port            int      `json:"port"`
	Protocol        Protocol `json:"protocol"`
	DeviceID        string   `json:"device_id"`
	ElementTag      string   `json:"element_tag"`
	Active          bool     `json:"active"`
	RegisterMapJSON string   `json:"register_map_json"`
	LastReadingAtNs int64    `json:"last_reading_at_ns"`
	UpdatedAtNs     int64    `json:"updated_at_ns"`
}

// Quality describes the confidence/derivation of a Reading value.
type Quality string

const (
	QualityGood         Quality = "good"
	QualityEstimated    Quality = "estimated"
	QualityQuestionable Quality = "questionable"
)

// Reading is one immutable sample produced by the Collector. Readings are
// never updated in place; they are only inserted and eventually deleted once
// the remote has acknowledged ingestion.
type Reading struct {
	ID           string  `json:"id"`
	MeterID      string  `json:"meter_id"`
	TimestampNs  int64   `json:"timestamp_ns"`
	FieldName    string  `json:"field_name"`
	Value        float64 `json:"value"`
	Unit         string  `json:"unit"`
	Quality      Quality `json:"quality"`
	Synchronized bool    `json:"synchronized"`
	RetryCount   int     `json:"retry_count"`
	Quarantined  bool    `json:"quarantined"`
	CreatedAtNs  int64   `json:"created_at_ns"`
}

// SyncLogKind enumerates the pipelines that append to sync_log.
type SyncLogKind string

const (
	SyncLogUpload  SyncLogKind = "upload"
	SyncLogPull    SyncLogKind = "pull"
	SyncLogCleanup SyncLogKind = "cleanup"
	SyncLogCollect SyncLogKind = "collect"
)

// SyncLog is an append-only record of a pipeline cycle's outcome.
type SyncLog struct {
	ID          string      `json:"id"`
	Kind        SyncLogKind `json:"kind"`
	BatchSize   int         `json:"batch_size"`
	Success     bool        `json:"success"`
	ErrorMsg    string      `json:"error_msg,omitempty"`
	TimestampNs int64       `json:"timestamp_ns"`
}
