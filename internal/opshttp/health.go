package opshttp

import (
	"encoding/json"
	"net/http"

	"github.com/keithlinneman/guardhttp/internal/version"
)

// VersionHandler serves build metadata as JSON.
func VersionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(version.Get())
	}
}
