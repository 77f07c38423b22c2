package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/digkill/GenStudio/internal/models"
	"github.com/digkill/GenStudio/internal/service"
)

type toolKey struct{}

func (s *Server) toolParam(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tool, ok := models.ParseTool(chi.URLParam(r, "tool"))
		if !ok {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown tool"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), toolKey{}, tool)))
	})
}

func toolFrom(r *http.Request) models.Tool {
	tool, _ := r.Context().Value(toolKey{}).(models.Tool)
	return tool
}

type generateRequest struct {
	Prompt      string   `json:"prompt" validate:"max=4000"`
	ImageURL    string   `json:"image_url" validate:"omitempty,url"`
	ImageURLs   []string `json:"image_urls" validate:"max=8,dive,url"`
	AudioURL    string   `json:"audio_url" validate:"omitempty,url"`
	VideoURL    string   `json:"video_url" validate:"omitempty,url"`
	AspectRatio string   `json:"aspect_ratio" validate:"max=16"`
	Duration    string   `json:"duration" validate:"max=8"`
	Resolution  string   `json:"resolution" validate:"max=16"`
	Model       string   `json:"model" validate:"max=64"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	accountID, _ := accountFrom(r.Context())
	tool := toolFrom(r)

	var req generateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	params, err := models.BuildParams(tool, models.ParamsInput{
		Prompt:      req.Prompt,
		ImageURL:    req.ImageURL,
		ImageURLs:   req.ImageURLs,
		AudioURL:    req.AudioURL,
		VideoURL:    req.VideoURL,
		AspectRatio: req.AspectRatio,
		Duration:    req.Duration,
		Resolution:  req.Resolution,
		Model:       req.Model,
	})
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", service.ErrInvalidRequest, err))
		return
	}

	g, err := s.generations.Start(r.Context(), accountID, params)
	if err != nil {
		if errors.Is(err, service.ErrProviderRejected) && g != nil {
			writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "generation": g})
			return
		}
		s.writeError(w, r, err)
		return
	}
	status := http.StatusAccepted
	if g.Status.Terminal() {
		status = http.StatusOK
	}
	writeJSON(w, status, g)
}

// handleStatus returns one generation when id is given and the account's
// recent generations of the tool otherwise.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	accountID, _ := accountFrom(r.Context())
	tool := toolFrom(r)

	if id := r.URL.Query().Get("id"); id != "" {
		g, err := s.generations.Get(r.Context(), accountID, tool, id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, g)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	gens, err := s.generations.List(r.Context(), accountID, tool, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"generations": gens})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	accountID, _ := accountFrom(r.Context())
	id := r.URL.Query().Get("id")
	if id == "" {
		s.writeError(w, r, fmt.Errorf("%w: id is required", service.ErrInvalidRequest))
		return
	}
	if err := s.generations.Delete(r.Context(), accountID, toolFrom(r), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	accountID, _ := accountFrom(r.Context())
	summary, err := s.reconciler.Poll(r.Context(), accountID, toolFrom(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if summary.Results == nil {
		summary.Results = []service.PollResult{}
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	accountID, _ := accountFrom(r.Context())
	summary, err := s.reconciler.Sweep(r.Context(), accountID, toolFrom(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type linkTaskRequest struct {
	GenerationID string `json:"generation_id" validate:"required,max=64"`
	TaskID       string `json:"task_id" validate:"required,max=255"`
}

func (s *Server) handleLinkTask(w http.ResponseWriter, r *http.Request) {
	accountID, _ := accountFrom(r.Context())
	var req linkTaskRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	g, err := s.generations.LinkTask(r.Context(), accountID, toolFrom(r), req.GenerationID, req.TaskID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}
