// Package webfront serves the JSON inspection API of the merge queue.
package webfront

import (
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cheshirekow/gerrit-mq/go/config"
	"github.com/cheshirekow/gerrit-mq/go/daemon"
	"github.com/cheshirekow/gerrit-mq/go/db"
	"github.com/cheshirekow/gerrit-mq/go/httputils"
	"github.com/cheshirekow/gerrit-mq/go/sklog"
)

const (
	defaultPageSize = 25
	maxPageSize     = 500
)

// Server answers queue, history and daemon status queries out of the store.
// It never talks to Gerrit.
type Server struct {
	cfg   *config.Config
	store db.Store
	now   func() time.Time
}

// New returns a Server backed by the given store.
func New(cfg *config.Config, store db.Store) *Server {
	return &Server{
		cfg:   cfg,
		store: store,
		now:   time.Now,
	}
}

// Handler returns the root handler serving the /gmq API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Route("/gmq", func(r chi.Router) {
		r.Get("/get_queue", s.getQueue)
		r.Get("/get_history", s.getHistory)
		r.Get("/get_merge_status", s.getMergeStatus)
		r.Get("/get_active_merge_status", s.getActiveMergeStatus)
		r.Get("/cancel_merge", s.cancelMerge)
		r.Get("/get_daemon_status", s.getDaemonStatus)
		r.Get("/set_daemon_pause", s.setDaemonPause)
	})
	return httputils.Healthz(httputils.LoggingGzipRequestResponse(r))
}

// listResponse is the envelope shared by the list endpoints.
type listResponse struct {
	Count  int         `json:"count"`
	Result interface{} `json:"result"`
}

// daemonStatus mirrors the pid file and pause sentinel. Pid is -1 when no
// pidfile exists.
type daemonStatus struct {
	Alive  bool  `json:"alive"`
	Paused bool  `json:"paused"`
	Pid    int32 `json:"pid"`
}

func sendJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		sklog.Errorf("Failed to encode response: %s", err)
	}
}

func sendError(w http.ResponseWriter, status int, reason string) {
	sendJSON(w, status, map[string]string{"status": "ERROR", "reason": reason})
}

// commonArgs pulls the filter and pagination params shared by the list
// endpoints. The page size parameter is named "limit" on the wire.
func commonArgs(r *http.Request) (string, string, int, int, error) {
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" && q.Get("size") == "" {
		q.Set("size", v)
	}
	offset, limit, err := httputils.PaginationParams(q, 0, defaultPageSize, maxPageSize)
	return q.Get("project"), q.Get("branch"), offset, limit, err
}

func (s *Server) getQueue(w http.ResponseWriter, r *http.Request) {
	project, branch, offset, limit, err := commonArgs(r)
	if err != nil {
		sendError(w, http.StatusBadRequest, "invalid pagination")
		return
	}
	count, entries, err := s.store.GetQueue(project, branch, offset, limit)
	if err != nil {
		sklog.Errorf("Failed to load queue: %s", err)
		sendError(w, http.StatusInternalServerError, "storage error")
		return
	}
	sendJSON(w, http.StatusOK, listResponse{Count: count, Result: entries})
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	project, branch, offset, limit, err := commonArgs(r)
	if err != nil {
		sendError(w, http.StatusBadRequest, "invalid pagination")
		return
	}
	count, records, err := s.store.GetHistory(project, branch, offset, limit)
	if err != nil {
		sklog.Errorf("Failed to load history: %s", err)
		sendError(w, http.StatusInternalServerError, "storage error")
		return
	}
	sendJSON(w, http.StatusOK, listResponse{Count: count, Result: records})
}

func (s *Server) getMergeStatus(w http.ResponseWriter, r *http.Request) {
	var record *db.MergeRecord
	var err error
	if ridStr := r.URL.Query().Get("rid"); ridStr != "" {
		rid, parseErr := strconv.ParseInt(ridStr, 10, 64)
		if parseErr != nil {
			sendError(w, http.StatusBadRequest, "invalid rid")
			return
		}
		record, err = s.store.GetMerge(rid)
	} else {
		record, err = s.store.LatestMerge()
	}
	if err == db.ErrNotFound {
		sendError(w, http.StatusNotFound, "rid doesn't exist in db")
		return
	}
	if err != nil {
		sklog.Errorf("Failed to load merge: %s", err)
		sendError(w, http.StatusInternalServerError, "storage error")
		return
	}
	sendJSON(w, http.StatusOK, record)
}

func (s *Server) getActiveMergeStatus(w http.ResponseWriter, r *http.Request) {
	record, err := s.store.LatestMerge()
	if err == db.ErrNotFound {
		sendJSON(w, http.StatusOK, struct{}{})
		return
	}
	if err != nil {
		sklog.Errorf("Failed to load merge: %s", err)
		sendError(w, http.StatusInternalServerError, "storage error")
		return
	}
	sendJSON(w, http.StatusOK, record)
}

func (s *Server) cancelMerge(w http.ResponseWriter, r *http.Request) {
	rid, err := strconv.ParseInt(r.URL.Query().Get("rid"), 10, 64)
	if err != nil {
		sendError(w, http.StatusBadRequest, "invalid rid")
		return
	}
	created, err := s.store.RequestCancel(rid, "Webfront", s.now().UTC())
	if err != nil {
		sklog.Errorf("Failed to record cancellation: %s", err)
		sendError(w, http.StatusInternalServerError, "storage error")
		return
	}
	if !created {
		sendJSON(w, http.StatusOK, map[string]string{
			"status": "SUCCESS",
			"note":   "Already Canceled in DB",
		})
		return
	}
	sendJSON(w, http.StatusOK, map[string]string{"status": "SUCCESS"})
}

func (s *Server) daemonStatus() daemonStatus {
	alive, pid := daemon.PidfileStatus(s.cfg.Daemon.PidfilePath)
	if pid == 0 {
		pid = -1
	}
	_, sentinelErr := os.Stat(s.cfg.Daemon.OfflineSentinelPath)
	return daemonStatus{
		Alive:  alive,
		Paused: sentinelErr == nil,
		Pid:    pid,
	}
}

func (s *Server) getDaemonStatus(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, s.daemonStatus())
}

func (s *Server) setDaemonPause(w http.ResponseWriter, r *http.Request) {
	pause := r.URL.Query().Get("value") != "false"
	sentinel := s.cfg.Daemon.OfflineSentinelPath
	if pause {
		if err := os.WriteFile(sentinel, nil, 0644); err != nil {
			sklog.Errorf("Failed to create sentinel %s: %s", sentinel, err)
			sendError(w, http.StatusInternalServerError, "failed to write sentinel")
			return
		}
	} else {
		if err := os.Remove(sentinel); err != nil && !os.IsNotExist(err) {
			sklog.Errorf("Failed to remove sentinel %s: %s", sentinel, err)
			sendError(w, http.StatusInternalServerError, "failed to remove sentinel")
			return
		}
	}
	sendJSON(w, http.StatusOK, s.daemonStatus())
}
