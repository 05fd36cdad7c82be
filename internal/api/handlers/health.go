package handlers

import "net/http"

const serviceName = "xpert-control-plane"

// Health handles GET /health
func Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": serviceName,
	})
}

// Version handles GET /version
func Version(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{
			"version": version,
			"service": serviceName,
		})
	}
}
