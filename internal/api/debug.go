package api

import (
	"net/http"
	"time"

	"ridernav/internal/buildinfo"
)

func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"build":    buildinfo.Info(),
		"time":     time.Now().UTC().Format(time.RFC3339),
		"today":    s.Svc.Calendar.Today(),
		"settings": s.Settings,
	}
	writeJSON(w, http.StatusOK, info)
}
