package api

import "net/http"

// handleTriggerCollect serves POST /triggers/collect: runs one collection
// cycle immediately, reporting 409 if a cycle is already in flight (the
// "at-most-one concurrency" invariant, §8 property 3).
func handleTriggerCollect(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !cfg.Scheduler.TriggerCollect(r.Context()) {
			WriteError(w, http.StatusConflict, "ALREADY_RUNNING", "a collection cycle is already running")
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "completed"})
	}
}

// handleTriggerUpload serves POST /triggers/upload: runs one upload cycle
// immediately and reports its result.
func handleTriggerUpload(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := cfg.Scheduler.TriggerUpload(r.Context())
		if err != nil {
			writeInternal(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, result)
	}
}

// handleTriggerPullSync serves POST /triggers/pull-sync: runs one pull-sync
// cycle immediately, reporting 409 if one is already in flight.
func handleTriggerPullSync(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !cfg.Scheduler.TriggerPullSync(r.Context()) {
			WriteError(w, http.StatusConflict, "ALREADY_RUNNING", "a pull-sync cycle is already running")
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "completed"})
	}
}
