// Package admin provides the HTML/JSON monitoring endpoints for a hub.
package admin

import (
	_ "embed"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/mroth/ssehub"
)

//go:embed index.html
var html []byte

// Handles serving the static HTML page
func statusHTMLHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(html)
}

// Handles serving the JSON status data, effectively the admin API endpoint
func statusDataHandler(w http.ResponseWriter, r *http.Request, s *ssehub.Server) {
	b, err := json.MarshalIndent(s.Status(r.Context()), "", "  ")
	if err != nil {
		log.Error().Err(err).Msg("failed to encode status")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(b)
}

// Handler serves the monitoring endpoints for s under /admin/. Mount it on
// an address that is not publicly reachable: the status lists every
// subscriber's topics and address.
func Handler(s *ssehub.Server) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/admin/", statusHTMLHandler)
	mux.HandleFunc("/admin/status.json", func(w http.ResponseWriter, r *http.Request) {
		statusDataHandler(w, r, s)
	})
	return mux
}
