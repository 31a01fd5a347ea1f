package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"msgfleet/internal/store"
)

type createAccountReq struct {
	OwnerID  string              `json:"owner_id"`
	Platform store.Platform      `json:"platform"`
	Config   store.AccountConfig `json:"config"`
}

func (s *Server) createAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.OwnerID == "" {
		http.Error(w, "owner_id is required", http.StatusBadRequest)
		return
	}
	a, err := s.orc.CreateAccount(r.Context(), req.OwnerID, req.Platform, req.Config)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) listAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.store.ListAccounts(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accounts)
}

func (s *Server) getAccount(w http.ResponseWriter, r *http.Request) {
	st, err := s.orc.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) deleteAccount(w http.ResponseWriter, r *http.Request) {
	if err := s.orc.DeleteAccount(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) updateAccountConfig(w http.ResponseWriter, r *http.Request) {
	var cfg store.AccountConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.orc.UpdateConfig(r.Context(), chi.URLParam(r, "id"), cfg); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) startAccount(w http.ResponseWriter, r *http.Request) {
	if err := s.orc.StartAccount(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) stopAccount(w http.ResponseWriter, r *http.Request) {
	if err := s.orc.StopAccount(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) restartAccount(w http.ResponseWriter, r *http.Request) {
	if err := s.orc.RestartAccount(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) banAccount(w http.ResponseWriter, r *http.Request) {
	if err := s.orc.SetBanned(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	if err := s.orc.Heartbeat(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) reportError(w http.ResponseWriter, r *http.Request) {
	if err := s.orc.ReportError(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) fleetHealth(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.orc.HealthCheck(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statuses)
}

type createTaskReq struct {
	OwnerID string           `json:"owner_id"`
	Type    string           `json:"type"`
	Config  store.TaskConfig `json:"config"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		http.Error(w, "type is required", http.StatusBadRequest)
		return
	}
	t, err := s.sched.CreateTask(r.Context(), req.OwnerID, req.Type, req.Config)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	var statuses []store.TaskStatus
	if v := r.URL.Query().Get("status"); v != "" {
		statuses = append(statuses, store.TaskStatus(v))
	}
	tasks, err := s.sched.Tasks(r.Context(), statuses...)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.sched.Task(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) taskResults(w http.ResponseWriter, r *http.Request) {
	results, err := s.sched.Results(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.CancelTask(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.sched.Stats(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
