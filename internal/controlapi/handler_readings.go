package api

import (
	"net/http"
	"strconv"
	"time"
)

const (
	defaultReadingsHours = 24
	defaultReadingsLimit = 500
	maxReadingsLimit     = 10000
)

// handleReadings serves GET /readings?meter_id&hours&limit: recent readings
// for one meter from the local store, newest first.
func handleReadings(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		meterID := r.URL.Query().Get("meter_id")
		if meterID == "" {
			writeInvalidArgument(w, "meter_id is required")
			return
		}
		if _, ok := cfg.Cache.Meter(meterID); !ok {
			writeNotFound(w, "unknown meter_id")
			return
		}

		hours := defaultReadingsHours
		if v := r.URL.Query().Get("hours"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				writeInvalidArgument(w, "hours: must be a positive integer")
				return
			}
			hours = n
		}

		limit := defaultReadingsLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				writeInvalidArgument(w, "limit: must be a positive integer")
				return
			}
			if n > maxReadingsLimit {
				n = maxReadingsLimit
			}
			limit = n
		}

		sinceNs := time.Now().Add(-time.Duration(hours) * time.Hour).UnixNano()
		readings, err := cfg.Store.ListReadingsByMeter(meterID, sinceNs, limit)
		if err != nil {
			writeInternal(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"readings": readings})
	}
}
