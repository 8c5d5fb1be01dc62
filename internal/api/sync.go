package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/clawinfra/offsync/internal/cloudsync"
	"github.com/clawinfra/offsync/internal/queue"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Status(r.Context()))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats(r.Context())
	if err != nil {
		s.logger.Error("stats failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleForceSync drains the queue now. 409 while offline, 202 when a
// drain is already running.
func (s *Server) handleForceSync(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.ForceSync(r.Context())
	switch {
	case errors.Is(err, cloudsync.ErrCannotSyncOffline):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.logger.Error("forced sync failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error":  err.Error(),
			"result": res,
		})
		return
	}

	status := http.StatusOK
	if res.Status == queue.StatusAlreadyRunning {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

func (s *Server) handleListQueue(w http.ResponseWriter, r *http.Request) {
	items := s.engine.Queue().Items()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count": len(items),
		"items": items,
	})
}

func (s *Server) handleClearQueue(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.ClearQueue(r.Context())
	if err != nil {
		s.logger.Error("clear queue failed", "removed", n, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error":   err.Error(),
			"removed": n,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := intQuery(r, "limit", 50)
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	entries, err := s.engine.History(r.Context(), limit)
	if err != nil {
		s.logger.Error("history failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(entries),
		"entries": entries,
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.Snapshot(r.Context())
	if err != nil {
		s.logger.Error("snapshot failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to build snapshot")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleBackup returns a snapshot and records it as the latest backup.
func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.Snapshot(r.Context())
	if err != nil {
		s.logger.Error("backup snapshot failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to build snapshot")
		return
	}
	if err := s.engine.MarkBackup(r.Context(), snap.Timestamp); err != nil {
		s.logger.Error("failed to record backup time", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to record backup")
		return
	}
	s.logger.Info("backup exported", "records", totalRecords(snap), "at", snap.Timestamp)
	writeJSON(w, http.StatusOK, snap)
}

func totalRecords(snap cloudsync.Snapshot) int {
	n := 0
	for _, recs := range snap.Collections {
		n += len(recs)
	}
	return n
}

// handleCleanup removes local records not updated for olderThanDays.
// Records with pending changes are kept.
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	days, ok := intQuery(r, "olderThanDays", 0)
	if !ok {
		writeError(w, http.StatusBadRequest, "olderThanDays must be a non-negative integer")
		return
	}
	collection := r.URL.Query().Get("collection")

	removed, err := s.engine.Cleanup(r.Context(), collection, time.Duration(days)*24*time.Hour)
	if err != nil {
		s.logger.Error("cleanup failed", "collection", collection, "removed", removed, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error":   err.Error(),
			"removed": removed,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

// handleNetwork feeds a platform network signal into the monitor.
func (s *Server) handleNetwork(w http.ResponseWriter, r *http.Request) {
	switch r.PathValue("state") {
	case "available":
		s.monitor.NetworkAvailable()
	case "lost":
		s.monitor.NetworkLost()
	default:
		writeError(w, http.StatusBadRequest, `state must be "available" or "lost"`)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"online": s.monitor.Online(),
		"since":  s.monitor.Since(),
	})
}
