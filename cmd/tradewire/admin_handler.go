package main

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

// handleQueueStats reports backlog depth, per-status counts and the failure
// rate of the delivery queue.
func (s *Server) handleQueueStats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		depth, err := s.queue.Depth(ctx)
		if err != nil {
			s.logger.WithError(err).Error("Failed to read queue depth")
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		counts, err := s.queue.StatusCounts(ctx)
		if err != nil {
			s.logger.WithError(err).Error("Failed to read queue status counts")
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		failureRate, err := s.queue.FailureRate(ctx)
		if err != nil {
			s.logger.WithError(err).Error("Failed to compute failure rate")
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}

		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"depth":       depth,
			"byStatus":    counts,
			"failureRate": failureRate,
		})
	}
}

// handleDeadLetters lists parked jobs for inspection.
func (s *Server) handleDeadLetters() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := s.cfg.Queue.DeadLetterMaxBatch
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			if n < limit {
				limit = n
			}
		}

		jobs, err := s.queue.DeadLetters(r.Context(), limit)
		if err != nil {
			s.logger.WithError(err).Error("Failed to list dead letters")
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"count": len(jobs),
			"jobs":  jobs,
		})
	}
}

// handleClearDeadLetters drops all parked jobs after operator review.
func (s *Server) handleClearDeadLetters() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cleared, err := s.queue.ClearDeadLetters(r.Context())
		if err != nil {
			s.logger.WithError(err).Error("Failed to clear dead letters")
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		s.logger.WithField("cleared", cleared).Info("Dead letters cleared")
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"cleared": cleared})
	}
}

// handlePresence answers whether a user has at least one live channel.
func (s *Server) handlePresence() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := mux.Vars(r)["userID"]
		online, err := s.registry.IsOnline(r.Context(), userID)
		if err != nil {
			s.logger.WithError(err).Error("Failed to check presence")
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"userId": userID,
			"online": online,
		})
	}
}

// handleNotifications lists a user's stored notifications, newest first.
func (s *Server) handleNotifications() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := mux.Vars(r)["userID"]
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = n
		}

		records, err := s.orchestrator.Notifications(r.Context(), userID, limit)
		if err != nil {
			s.logger.WithError(err).Error("Failed to list notifications")
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"count":         len(records),
			"notifications": records,
		})
	}
}
