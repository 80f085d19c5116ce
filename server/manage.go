package server

import (
	"net/http"
	"substitute-notifier/pipeline"
)

// handleUnsubscribe backs the link in every notification email. GET shows a
// confirmation form so that link scanners do not unsubscribe anybody.
func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if s.rateLimited(w, r) {
		return
	}

	id := r.FormValue("id")
	if len(id) != 64 {
		http.Error(w, "Invalid or missing id", http.StatusBadRequest)
		return
	}

	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "default-src 'self'; style-src 'self' 'unsafe-inline'")

	if r.Method == http.MethodGet {
		s.render(w, http.StatusOK, "unsubscribe.tmpl", map[string]string{"ID": id})
		return
	}

	err := s.pipeline.Unregister(r.Context(), id)
	if pipeline.IsInvalidSubscriber(err) {
		http.Error(w, "Invalid or missing id", http.StatusBadRequest)
		return
	}
	if err != nil {
		s.logger.Error("Failed to delete subscriber", "error", err)
		http.Error(w, "Failed to unsubscribe", http.StatusInternalServerError)
		return
	}
	s.render(w, http.StatusOK, "unsubscribed.tmpl", nil)
}

func (s *Server) render(w http.ResponseWriter, status int, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := templates.ExecuteTemplate(w, name, data); err != nil {
		s.logger.Error("Failed to render template", "template", name, "error", err)
	}
}
