package server

import (
	"encoding/json"
	"net/http"
	"substitute-notifier/pipeline"
)

// maxRegistrationBytes bounds a registration body.
const maxRegistrationBytes = 4 << 10

type subscribeResponse struct {
	ID       string   `json:"id"`
	Segments []string `json:"segments"`
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	if s.rateLimited(w, r) {
		return
	}

	var reg pipeline.Registration
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRegistrationBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&reg); err != nil {
		http.Error(w, "Invalid registration", http.StatusBadRequest)
		return
	}

	sub, err := s.pipeline.Register(r.Context(), &reg)
	if pipeline.IsInvalidSubscriber(err) {
		s.logger.Info("Registration rejected", "ip", clientIP(r), "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		s.logger.Error("Failed to register subscriber", "error", err)
		http.Error(w, "Failed to create subscription", http.StatusInternalServerError)
		return
	}

	segments := sub.Segments
	if segments == nil {
		segments = []string{}
	}
	s.writeJSON(w, http.StatusCreated, subscribeResponse{ID: sub.ID, Segments: segments})
}

func (s *Server) handleDeleteSubscriber(w http.ResponseWriter, r *http.Request) {
	if s.rateLimited(w, r) {
		return
	}

	err := s.pipeline.Unregister(r.Context(), r.PathValue("id"))
	if pipeline.IsInvalidSubscriber(err) {
		http.Error(w, "Invalid or missing id", http.StatusBadRequest)
		return
	}
	if err != nil {
		s.logger.Error("Failed to delete subscriber", "error", err)
		http.Error(w, "Failed to unsubscribe", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
