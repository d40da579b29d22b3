package api

import (
	"errors"
	"io/fs"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hochfrequenz/claude-epic-orchestrator/internal/domain"
	"github.com/hochfrequenz/claude-epic-orchestrator/internal/taskstore"
)

// StatusResponse summarises a job
type StatusResponse struct {
	JobID             string         `json:"job_id"`
	Status            string         `json:"status"`
	IntegrationBranch string         `json:"integration_branch"`
	Total             int            `json:"total"`
	Counts            map[string]int `json:"counts"`
	Active            int            `json:"active"`
	FailureReason     string         `json:"failure_reason,omitempty"`
	StartedAt         *string        `json:"started_at,omitempty"`
	LastUpdated       string         `json:"last_updated"`
}

// UnitResponse is one unit as shown by the API
type UnitResponse struct {
	*domain.UnitState
	Duration string `json:"duration,omitempty"`
}

func statusFor(job *domain.JobState) StatusResponse {
	resp := StatusResponse{
		JobID:             job.JobID,
		Status:            string(job.Status),
		IntegrationBranch: job.IntegrationBranch,
		Total:             job.Units.Len(),
		Counts:            make(map[string]int),
		FailureReason:     job.FailureReason,
		LastUpdated:       job.LastUpdated.Format(time.RFC3339),
	}
	for status, n := range job.Counts() {
		resp.Counts[string(status)] = n
	}
	for _, u := range job.Units.All() {
		if u.Status.Active() {
			resp.Active++
		}
	}
	if job.StartedAt != nil {
		t := job.StartedAt.Format(time.RFC3339)
		resp.StartedAt = &t
	}
	return resp
}

func unitToResponse(u *domain.UnitState, now time.Time) UnitResponse {
	resp := UnitResponse{UnitState: u}
	if u.StartedAt != nil {
		end := now
		if u.CompletedAt != nil {
			end = *u.CompletedAt
		}
		resp.Duration = end.Sub(*u.StartedAt).Round(time.Second).String()
	}
	return resp
}

// loadJob reads the state, writing the error response itself on failure
func (s *Server) loadJob(w http.ResponseWriter) (*domain.JobState, bool) {
	job, err := s.load()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			writeError(w, http.StatusNotFound, "no job state")
			return nil, false
		}
		s.logger.Warnf("state_read_failed error=%v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return job, true
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, statusFor(job))
}

func (s *Server) jobHandler(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) listUnitsHandler(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w)
	if !ok {
		return
	}
	statusFilter := r.URL.Query().Get("status")
	now := time.Now().UTC()
	units := make([]UnitResponse, 0, job.Units.Len())
	for _, u := range job.Units.All() {
		if statusFilter != "" && string(u.Status) != statusFilter {
			continue
		}
		units = append(units, unitToResponse(u, now))
	}
	writeJSON(w, http.StatusOK, units)
}

func (s *Server) getUnitHandler(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w)
	if !ok {
		return
	}
	u, found := job.Units.Get(chi.URLParam(r, "id"))
	if !found {
		writeError(w, http.StatusNotFound, "unit not found")
		return
	}
	writeJSON(w, http.StatusOK, unitToResponse(u, time.Now().UTC()))
}

func (s *Server) historyHandler(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "history disabled")
		return
	}
	job, ok := s.loadJob(w)
	if !ok {
		return
	}

	opts := taskstore.ListOptions{JobID: job.JobID, UnitID: r.URL.Query().Get("unit")}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		opts.Limit = n
	}
	entries, err := s.history.List(opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []taskstore.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) runsHandler(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "history disabled")
		return
	}
	job, ok := s.loadJob(w)
	if !ok {
		return
	}
	runs, err := s.history.ListRuns(job.JobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []*taskstore.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}
