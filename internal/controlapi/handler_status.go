package api

import (
	"net/http"
	"time"
)

type statusResponse struct {
	Tenant          *tenantSummary `json:"tenant"`
	MeterCount      int            `json:"meter_count"`
	Unsynchronized  int            `json:"unsynchronized_readings"`
	Quarantined     int            `json:"quarantined_readings"`
	SyncLast24Hours syncWindow     `json:"sync_last_24_hours"`
	SchemaVersion   int            `json:"schema_version"`
}

type tenantSummary struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

type syncWindow struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// handleStatus serves GET /status: an aggregate view of tenant identity,
// pending/quarantined reading counts, and the last 24h of sync_log outcomes
// (§7's "aggregated in the Control API's /status response").
func handleStatus(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := cfg.Store.ReadingStatsSummary()
		if err != nil {
			writeInternal(w, err)
			return
		}

		sinceNs := time.Now().Add(-24 * time.Hour).UnixNano()
		syncStats, err := cfg.Store.SyncLogStatsSince(sinceNs)
		if err != nil {
			writeInternal(w, err)
			return
		}

		var tenant *tenantSummary
		if t := cfg.Cache.Tenant(); t != nil && t.ID != "" {
			tenant = &tenantSummary{ID: t.ID, DisplayName: t.DisplayName}
		}

		WriteJSON(w, http.StatusOK, statusResponse{
			Tenant:         tenant,
			MeterCount:     len(cfg.Cache.AllMeters()),
			Unsynchronized: stats.Unsynchronized,
			Quarantined:    stats.Quarantined,
			SyncLast24Hours: syncWindow{
				Total:     syncStats.Total,
				Succeeded: syncStats.Succeeded,
				Failed:    syncStats.Failed,
			},
			SchemaVersion: cfg.SchemaVersion,
		})
	}
}
