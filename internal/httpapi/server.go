// Package httpapi serves the thin HTTP surface of the orchestrator: the
// outbound-call creation endpoint, a read-only call listing, health probes,
// and the Prometheus metrics endpoint.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/parley/internal/call"
	"github.com/MrWong99/parley/internal/callerr"
	"github.com/MrWong99/parley/internal/callstore"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/queue"
)

// maxListLimit bounds GET /call result sizes.
const maxListLimit = 50

// Server holds the API dependencies.
type Server struct {
	store    callstore.Store
	queue    queue.Queue
	defaults call.Initiate
	health   *health.Handler
}

// New creates a Server. defaults seed the Initiate block for fields the
// request body omits.
func New(store callstore.Store, q queue.Queue, defaults call.Initiate, h *health.Handler) *Server {
	return &Server{store: store, queue: q, defaults: defaults, health: h}
}

// Routes builds the HTTP mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /call", s.createCall)
	mux.HandleFunc("GET /call", s.listCalls)
	mux.Handle("GET /metrics", promhttp.Handler())
	if s.health != nil {
		s.health.Register(mux)
	}
	return mux
}

// createCallRequest is the POST /call body.
type createCallRequest struct {
	PhoneNumber      string            `json:"phone_number"`
	BotCompany       string            `json:"bot_company,omitempty"`
	BotName          string            `json:"bot_name,omitempty"`
	Task             string            `json:"task,omitempty"`
	AgentPhoneNumber string            `json:"agent_phone_number,omitempty"`
	Claim            []call.ClaimField `json:"claim"`
	Lang             string            `json:"lang,omitempty"`
}

type createCallResponse struct {
	CallID string `json:"call_id"`
}

// createCall creates a Call initialized for outbound dialing and enqueues
// the incoming_call analog for a worker to pick up.
func (s *Server) createCall(w http.ResponseWriter, r *http.Request) {
	var req createCallRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	init := s.defaults
	init.CallerPhoneNumber = req.PhoneNumber
	if req.BotCompany != "" {
		init.BotCompany = req.BotCompany
	}
	if req.BotName != "" {
		init.BotName = req.BotName
	}
	if req.Task != "" {
		init.TaskDescription = req.Task
	}
	if req.AgentPhoneNumber != "" {
		init.AgentPhoneNumber = req.AgentPhoneNumber
	}
	if len(req.Claim) > 0 {
		init.ClaimSchema = req.Claim
	}
	if req.Lang != "" {
		init.LanguageDefault = req.Lang
		if !containsLang(init.LanguagesAvailable, req.Lang) {
			init.LanguagesAvailable = append(init.LanguagesAvailable, req.Lang)
		}
	}

	c, err := call.New(init, time.Now())
	if err != nil {
		if errors.Is(err, callerr.ErrInvalid) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "call creation failed")
		return
	}
	if err := s.store.Save(r.Context(), c); err != nil {
		slog.Error("api: save new call failed", "error", err)
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}

	body, err := queue.Encode(queue.IncomingCall{
		CallerPhone:   c.Initiate.CallerPhoneNumber,
		CalleePhone:   c.Initiate.AgentPhoneNumber,
		CorrelationID: c.ID,
		CallID:        c.ID,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode failed")
		return
	}
	if err := s.queue.Enqueue(r.Context(), queue.CallEvents, body); err != nil {
		slog.Error("api: enqueue outbound call failed", "call_id", c.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "queue unavailable")
		return
	}

	writeJSON(w, http.StatusCreated, createCallResponse{CallID: c.ID})
}

// listCalls returns recent calls for a phone number. Read-only; no
// mutation, reads may be stale by the store's replication bound.
func (s *Server) listCalls(w http.ResponseWriter, r *http.Request) {
	phone := r.URL.Query().Get("phone_number")
	if phone == "" {
		writeError(w, http.StatusBadRequest, "phone_number query parameter is required")
		return
	}

	calls, err := s.store.ListByPhone(r.Context(), phone, maxListLimit)
	if err != nil {
		slog.Error("api: list calls failed", "phone", phone, "error", err)
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	if calls == nil {
		calls = []*call.Call{}
	}
	writeJSON(w, http.StatusOK, calls)
}

func containsLang(langs []string, l string) bool {
	for _, x := range langs {
		if x == l {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("api: response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
