package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/clawinfra/offsync/internal/cloudsync"
)

// handleWriteRecord stores the request body as the record payload.
// 200 means the remote store confirmed the write; 202 means it is queued.
func (s *Server) handleWriteRecord(w http.ResponseWriter, r *http.Request) {
	collection, key := r.PathValue("collection"), r.PathValue("key")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRecordBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	res, err := s.engine.Write(r.Context(), collection, key, json.RawMessage(body))
	switch {
	case errors.Is(err, cloudsync.ErrInvalidRecord):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, cloudsync.ErrNotQueued):
		s.logger.Error("write not queued", "collection", collection, "key", key, "error", err)
		writeError(w, http.StatusInternalServerError, "record stored locally but not queued for sync")
		return
	case err != nil:
		s.logger.Error("write failed", "collection", collection, "key", key, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store record locally")
		return
	}

	status := http.StatusAccepted
	if res.Outcome == cloudsync.OutcomeConfirmedRemote {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (s *Server) handleReadRecord(w http.ResponseWriter, r *http.Request) {
	collection, key := r.PathValue("collection"), r.PathValue("key")

	rec, source, err := s.engine.Read(r.Context(), collection, key)
	switch {
	case errors.Is(err, cloudsync.ErrNotFound):
		writeError(w, http.StatusNotFound, "record not found")
		return
	case err != nil:
		s.logger.Error("read failed", "collection", collection, "key", key, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read record")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"record": rec,
		"source": source,
	})
}
