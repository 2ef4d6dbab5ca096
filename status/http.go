// Copyright © 2019 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package status

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *status) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.allowed(strings.TrimPrefix(r.Header.Get("Authorization"), "Key ")) {
		http.Error(w, "Not authenticated", http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.getStatus())
}

// Handler serves the status as JSON on /status and the Prometheus metrics on /metrics
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/status", global)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}
