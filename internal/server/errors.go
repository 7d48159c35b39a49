// Copyright (C) 2026 Strand
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"encoding/json"
	"net/http"

	"github.com/strandhq/strand/internal/common"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		getLog().Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError maps a domain error to its HTTP status.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch common.KindOf(err) {
	case common.KindBadRequest:
		status = http.StatusBadRequest
	case common.KindNotFound:
		status = http.StatusNotFound
	case common.KindConflict:
		status = http.StatusConflict
	case common.KindForbidden:
		status = http.StatusForbidden
	case common.KindTimeout:
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"kind":  common.KindOf(err).String(),
	})
}
