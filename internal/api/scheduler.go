package api

import (
	"errors"
	"net/http"

	"github.com/clawinfra/offsync/internal/scheduler"
)

func (s *Server) registerJobRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/jobs", s.handleListJobs)
	mux.HandleFunc("POST /api/jobs/{name}/run", s.handleRunJob)
}

// handleListJobs returns every scheduled job with its run state
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.engine.Jobs()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count": len(jobs),
		"jobs":  jobs,
	})
}

// handleRunJob runs a job immediately and reports its updated state
func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	err := s.engine.RunJob(r.Context(), name)
	if errors.Is(err, scheduler.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	var job *scheduler.JobStatus
	for _, j := range s.engine.Jobs() {
		if j.Name == name {
			job = &j
			break
		}
	}

	if err != nil {
		s.logger.Warn("job run failed", "job", name, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error": err.Error(),
			"job":   job,
		})
		return
	}
	writeJSON(w, http.StatusOK, job)
}
