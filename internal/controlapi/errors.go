package api

import "net/http"

// writeInvalidArgument writes a 400 for a malformed query parameter or path
// segment.
func writeInvalidArgument(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, "INVALID_ARGUMENT", message)
}

// writeNotFound writes a 404 for an unknown meter id.
func writeNotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, "NOT_FOUND", message)
}

// writeInternal writes a 500 for a local-store or unexpected failure.
func writeInternal(w http.ResponseWriter, err error) {
	WriteError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
}
