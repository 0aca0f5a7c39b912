package controlapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"tachyon-core/internal/engine"
	"tachyon-core/internal/ledger"
)

var errInvalidAction = errors.New("invalid action")

// startDownloadRequest mirrors the teacher's EnqueueRequest, generalized to
// section 4.C's start_download signature.
type startDownloadRequest struct {
	URL           string `json:"url"`
	SaveDir       string `json:"save_dir"`
	Filename      string `json:"filename"`
	Priority      int    `json:"priority"`
	UserConfirmed bool   `json:"user_confirmed"`
}

type startDownloadResponse struct {
	ID string `json:"id"`
}

type controlRequest struct {
	Action string `json:"action"` // pause, resume, cancel, retry, verify
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleStartDownload(w http.ResponseWriter, r *http.Request) {
	var req startDownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	id, err := s.engine.StartDownload(r.Context(), req.URL, req.SaveDir, engine.StartOptions{
		Filename:      req.Filename,
		UserConfirmed: req.UserConfirmed,
		Priority:      req.Priority,
	})
	if err != nil {
		writeError(w, statusForEngineErr(err), err)
		return
	}
	writeJSON(w, http.StatusOK, startDownloadResponse{ID: id})
}

func (s *Server) handleGetDownload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	record, err := s.engine.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleListDownloads(w http.ResponseWriter, r *http.Request) {
	if status := r.URL.Query().Get("status"); status != "" {
		records, err := s.engine.ListByStatus(ledger.Status(status))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, records)
		return
	}
	records, err := s.engine.ListAll()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	records, err := s.engine.Search(q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req controlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var err error
	switch req.Action {
	case "pause":
		err = s.engine.Pause(id)
	case "resume":
		err = s.engine.Resume(id)
	case "cancel":
		err = s.engine.Cancel(id)
	case "retry":
		err = s.engine.Retry(id)
	case "verify":
		err = s.engine.Verify(id)
	default:
		writeError(w, http.StatusBadRequest, errInvalidAction)
		return
	}
	if err != nil {
		writeError(w, statusForEngineErr(err), err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.engine.Remove(id); err != nil {
		writeError(w, statusForEngineErr(err), err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handlePollEvents(w http.ResponseWriter, r *http.Request) {
	idStr := r.URL.Query().Get("consumer_id")
	consumerID, err := strconv.Atoi(idStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	events := s.engine.PollEvents(consumerID)
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	id := s.engine.Subscribe()
	writeJSON(w, http.StatusOK, map[string]int{"consumer_id": id})
}

func (s *Server) handleSetMaxConcurrent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value int `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.engine.SetMaxConcurrent(req.Value)
	if err := s.cfg.SetMaxConcurrent(req.Value); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleSetBandwidthLimit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BytesPerSec int `json:"bytes_per_sec"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.engine.SetGlobalBandwidthLimit(req.BytesPerSec)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
}

func statusForEngineErr(err error) int {
	switch engine.KindOf(err) {
	case engine.ErrInvalidURL, engine.ErrUnsafeContent, engine.ErrInvalidTransition, engine.ErrAlreadyRunning:
		return http.StatusBadRequest
	case engine.ErrInsufficientSpace:
		return http.StatusInsufficientStorage
	case engine.ErrChecksumMismatch:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
