package httpserver

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
)

// startRequest 同时接受驼峰和旧客户端的字段名
type startRequest struct {
	UserID       string `json:"userId"`
	UID          string `json:"uid"`
	CaseID       string `json:"caseId"`
	LegacyCaseID string `json:"caseid"`
}

func (r startRequest) user() string {
	if r.UserID != "" {
		return r.UserID
	}
	return r.UID
}

func (r startRequest) caseID() string {
	if r.CaseID != "" {
		return r.CaseID
	}
	return r.LegacyCaseID
}

type endRequest struct {
	SessionID       string `json:"sessionId"`
	LegacySessionID string `json:"session_id"`
	Judge           *bool  `json:"judge"`
	CaseID          string `json:"caseId"`
	LegacyCaseID    string `json:"caseid"`
}

func (r endRequest) sessionID() string {
	if r.SessionID != "" {
		return r.SessionID
	}
	return r.LegacySessionID
}

func (r endRequest) caseOverride() string {
	if r.CaseID != "" {
		return r.CaseID
	}
	return r.LegacyCaseID
}

type startResponse struct {
	SessionID string `json:"sessionId"`
	StartTime string `json:"startTime"`
}

// startSessionHandler POST /events/start
func (s *APIServer) startSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	sess, err := s.deps.Tracker.StartSession(req.user(), req.caseID())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.writeJSONResponse(w, http.StatusOK, startResponse{
		SessionID: sess.ID,
		StartTime: sess.StartLocal,
	})
}

// endSessionHandler POST /events/end
func (s *APIServer) endSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req endRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if req.sessionID() == "" {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "sessionId is required")
		return
	}
	if req.Judge == nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "judge is required")
		return
	}

	out, err := s.deps.Tracker.EndSession(r.Context(), req.sessionID(), req.caseOverride(), *req.Judge)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, out)
}

// getSessionsHandler GET /sessions 当前未结束的会话
func (s *APIServer) getSessionsHandler(w http.ResponseWriter, r *http.Request) {
	table := s.deps.Tracker.Table()
	s.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"capacity": table.Capacity(),
		"sessions": table.List(),
	})
}

// getPlayerStatsHandler GET /stats/players/{uid}
func (s *APIServer) getPlayerStatsHandler(w http.ResponseWriter, r *http.Request) {
	uid := mux.Vars(r)["uid"]
	cases, err := s.deps.Tracker.Aggregator().Repository().PlayerCases(r.Context(), uid)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"uid":   uid,
		"cases": cases,
	})
}

// getCasesHandler GET /stats/cases
func (s *APIServer) getCasesHandler(w http.ResponseWriter, r *http.Request) {
	cases, err := s.deps.Tracker.Aggregator().Repository().Cases(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, map[string]interface{}{"cases": cases})
}

// getCaseHandler GET /stats/cases/{caseid}
func (s *APIServer) getCaseHandler(w http.ResponseWriter, r *http.Request) {
	c, err := s.deps.Tracker.Aggregator().Repository().Case(r.Context(), mux.Vars(r)["caseid"])
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, c)
}
