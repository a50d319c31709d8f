package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/hochfrequenz/spec-pipeline-orchestrator/internal/domain"
	"github.com/hochfrequenz/spec-pipeline-orchestrator/internal/pipeline"
)

// StatusResponse summarizes every known run
type StatusResponse struct {
	Runs      []pipeline.RunSnapshot `json:"runs"`
	Active    int                    `json:"active"`
	Halted    int                    `json:"halted"`
	Completed int                    `json:"completed"`
}

// StartRequest asks the coordinator to begin a run
type StartRequest struct {
	SpecID    string `json:"spec_id"`
	FromStage string `json:"from_stage,omitempty"`
}

// AnswerRequest supplies a human answer for an escalated issue
type AnswerRequest struct {
	IssueID string `json:"issue_id"`
	Answer  string `json:"answer"`
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		resp := StatusResponse{Runs: s.coord.Snapshot()}
		for _, run := range resp.Runs {
			switch run.Status {
			case domain.RunActive:
				resp.Active++
			case domain.RunHalted:
				resp.Halted++
			case domain.RunCompleted:
				resp.Completed++
			}
		}
		writeJSON(w, resp)
	}
}

// runsHandler lists runs on GET and starts one on POST
func (s *Server) runsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, s.coord.Snapshot())
		case http.MethodPost:
			var req StartRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SpecID == "" {
				writeError(w, http.StatusBadRequest, "spec_id required")
				return
			}
			fromStage := domain.StageID("")
			if req.FromStage != "" {
				stage, err := domain.ParseStageID(req.FromStage)
				if err != nil {
					writeError(w, http.StatusBadRequest, err.Error())
					return
				}
				fromStage = stage
			}
			run, err := s.coord.Start(req.SpecID, fromStage)
			if err != nil {
				if errors.Is(err, pipeline.ErrRunActive) {
					writeError(w, http.StatusConflict, err.Error())
					return
				}
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			// The drive outlives the request, so it must not inherit the
			// request context.
			go func() {
				if _, err := s.coord.Drive(context.Background(), req.SpecID); err != nil {
					s.logger.Printf("[api] run %s: %v", run.ID, err)
				}
			}()
			w.WriteHeader(http.StatusAccepted)
			writeJSON(w, map[string]string{"run_id": run.ID, "spec_id": req.SpecID})
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

// runHandler routes /api/runs/{specID}[/action]
func (s *Server) runHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/api/runs/")
		specID, action, _ := strings.Cut(path, "/")
		if specID == "" {
			writeError(w, http.StatusBadRequest, "spec id required")
			return
		}

		switch action {
		case "":
			s.getRun(w, r, specID)
		case "resume":
			s.resumeRun(w, r, specID)
		case "halt":
			s.haltRun(w, r, specID)
		case "answers":
			s.answerRun(w, r, specID)
		case "evidence":
			s.listEvidence(w, r, specID)
		case "costs":
			s.runCosts(w, r, specID)
		default:
			writeError(w, http.StatusNotFound, "unknown action "+action)
		}
	}
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request, specID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	for _, snap := range s.coord.Snapshot() {
		if snap.SpecID == specID {
			writeJSON(w, snap)
			return
		}
	}
	writeError(w, http.StatusNotFound, "no run for spec "+specID)
}

func (s *Server) resumeRun(w http.ResponseWriter, r *http.Request, specID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	run, err := s.coord.Resume(specID)
	if err != nil {
		switch {
		case errors.Is(err, pipeline.ErrNoRun):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, pipeline.ErrNotHalted):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	go func() {
		if _, err := s.coord.Drive(context.Background(), specID); err != nil {
			s.logger.Printf("[api] resumed run %s: %v", run.ID, err)
		}
	}()
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]string{"run_id": run.ID, "status": "resuming"})
}

func (s *Server) haltRun(w http.ResponseWriter, r *http.Request, specID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := s.coord.Halt(specID, "halted via API"); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, map[string]string{"status": "halted"})
}

func (s *Server) answerRun(w http.ResponseWriter, r *http.Request, specID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req AnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.IssueID == "" || req.Answer == "" {
		writeError(w, http.StatusBadRequest, "issue_id and answer required")
		return
	}
	if err := s.coord.Answer(context.Background(), specID, req.IssueID, req.Answer); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, map[string]string{"status": "answered"})
}

func (s *Server) listEvidence(w http.ResponseWriter, r *http.Request, specID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	artifacts, err := s.repo.ListArtifacts(specID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, artifacts)
}

func (s *Server) runCosts(w http.ResponseWriter, r *http.Request, specID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.tracker == nil {
		writeError(w, http.StatusServiceUnavailable, "cost tracking not available")
		return
	}
	run, err := s.coord.Run(specID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, s.tracker.Summarize(run.ID))
}
