package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"golang.org/x/net/websocket"

	"github.com/aluiziolira/go-scrape-products/models"
	"github.com/aluiziolira/go-scrape-products/scraper"
)

type startRequest struct {
	Query    string `json:"query"`
	MaxPages *int   `json:"max_pages"`
}

type startResponse struct {
	Message string        `json:"message"`
	Status  models.Status `json:"status"`
	JobID   string        `json:"job_id"`
}

type stopResponse struct {
	Message string `json:"message"`
	Status  string `json:"status"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Detail: "Invalid request body"})
		return
	}
	maxPages := 1
	if req.MaxPages != nil {
		maxPages = *req.MaxPages
	}

	job, err := s.manager.Start(req.Query, maxPages)
	switch {
	case errors.Is(err, scraper.ErrEmptyQuery):
		writeJSON(w, http.StatusBadRequest, errorResponse{Detail: "Query cannot be empty"})
		return
	case errors.Is(err, scraper.ErrMaxPagesRange):
		detail := fmt.Sprintf("max_pages must be between 1 and %d", s.manager.MaxPagesLimit())
		writeJSON(w, http.StatusBadRequest, errorResponse{Detail: detail})
		return
	case errors.Is(err, scraper.ErrManagerStopped):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Detail: "Scraper is shutting down"})
		return
	case err != nil:
		slog.Error("start scrape job", slog.Any("error", err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Detail: "Internal error"})
		return
	}

	writeJSON(w, http.StatusAccepted, startResponse{
		Message: fmt.Sprintf("Scraping started for '%s' up to %d pages.", job.Query, job.MaxPages),
		Status:  models.StatusRunning,
		JobID:   job.ID,
	})
}

func (s *Server) handleStopAll(w http.ResponseWriter, r *http.Request) {
	if s.manager.StopAll() == 0 {
		writeJSON(w, http.StatusOK, stopResponse{Message: "No active scraper.", Status: "stopped"})
		return
	}
	writeJSON(w, http.StatusOK, stopResponse{Message: "Stop requested correctly. Scraper halting...", Status: "stopping"})
}

func (s *Server) handleStopJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.manager.Job(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Detail: "Scrape job not found"})
		return
	}
	// A job that already ended may still be registered for a moment.
	if job.Status().Terminal() || s.manager.Stop(job.ID) != nil {
		writeJSON(w, http.StatusOK, stopResponse{Message: "Scrape job already finished.", Status: string(job.Status())})
		return
	}
	writeJSON(w, http.StatusOK, stopResponse{Message: "Stop requested correctly. Scraper halting...", Status: "stopping"})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.manager.Job(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Detail: "Scrape job not found"})
		return
	}
	writeJSON(w, http.StatusOK, job.Snapshot())
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Snapshots())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"active_jobs": len(s.manager.Active()),
		"subscribers": s.events.Len(),
	})
}

// streamEvents forwards every broadcast event to one websocket client as a
// JSON text frame. The client is unsubscribed on the first failed send or when
// it disconnects.
func (s *Server) streamEvents(ws *websocket.Conn) {
	defer ws.Close()

	sub := s.events.Subscribe(s.subscriberBuffer)
	defer s.events.Unsubscribe(sub)

	// The stream is one-way; reading only detects the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		var discard string
		for {
			if err := websocket.Message.Receive(ws, &discard); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if err := websocket.JSON.Send(ws, ev); err != nil {
				slog.Debug("websocket send failed", slog.String("job_id", ev.JobID), slog.Any("error", err))
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", slog.Any("error", err))
	}
}
