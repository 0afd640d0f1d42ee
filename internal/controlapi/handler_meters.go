package api

import (
	"net/http"

	"github.com/emil-guirguis/edge-sync-agent/internal/model"
)

type meterSummary struct {
	ID              string `json:"id"`
	DisplayName     string `json:"display_name"`
	Protocol        string `json:"protocol"`
	DeviceID        string `json:"device_id"`
	Active          bool   `json:"active"`
	RegisterCount   int    `json:"register_count"`
	LastReadingAtNs int64  `json:"last_reading_at_ns"`
}

func summarize(cfg Config, m model.Meter) meterSummary {
	regs, _ := cfg.Cache.RegistersForDevice(m.DeviceID)
	return meterSummary{
		ID:              m.ID,
		DisplayName:     m.DisplayName,
		Protocol:        string(m.Protocol),
		DeviceID:        m.DeviceID,
		Active:          m.Active,
		RegisterCount:   len(regs),
		LastReadingAtNs: m.LastReadingAtNs,
	}
}

// handleListMeters serves GET /meters: a status summary for every cached
// meter.
func handleListMeters(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		meters := cfg.Cache.AllMeters()
		summaries := make([]meterSummary, 0, len(meters))
		for _, m := range meters {
			summaries = append(summaries, summarize(cfg, m))
		}
		WriteJSON(w, http.StatusOK, map[string]any{"meters": summaries})
	}
}

// handleGetMeter serves GET /meters/{id}: a status summary for one meter.
func handleGetMeter(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		m, ok := cfg.Cache.Meter(id)
		if !ok {
			writeNotFound(w, "unknown meter id")
			return
		}
		WriteJSON(w, http.StatusOK, summarize(cfg, m))
	}
}
