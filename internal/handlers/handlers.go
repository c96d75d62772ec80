// Package handlers exposes the sync and sharing services over HTTP.
// Routes under /sync, /scopes and /keyvault assume the session middleware
// already ran; /healthz is public.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/mosync/backend/internal/config"
	"github.com/mosync/backend/internal/identity"
	"github.com/mosync/backend/internal/syncerr"
	"github.com/mosync/backend/internal/syncsvc"
	"github.com/mosync/backend/internal/websocket"
	"github.com/mosync/backend/internal/wire"
)

// HealthCheck pings one dependency for the health endpoint.
type HealthCheck struct {
	Name string
	Ping func() error
}

// Handler provides the HTTP endpoints of the sync server.
type Handler struct {
	svc      *syncsvc.Service
	hub      *websocket.Hub
	checks   []HealthCheck
	maxBatch int
}

// NewHandler wires the HTTP layer.
func NewHandler(svc *syncsvc.Service, hub *websocket.Hub, tuning config.TuningConfig, checks ...HealthCheck) *Handler {
	maxBatch := tuning.PushMaxBatch
	if maxBatch <= 0 {
		maxBatch = config.DefaultPushMaxBatch
	}
	return &Handler{svc: svc, hub: hub, checks: checks, maxBatch: maxBatch}
}

// Register mounts the endpoints on r. mw wraps every authenticated route,
// session verification first; /healthz stays public.
func (h *Handler) Register(r *mux.Router, mw ...mux.MiddlewareFunc) {
	r.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet)

	sync := r.PathPrefix("/sync").Subrouter()
	sync.Use(mw...)
	sync.HandleFunc("/push", h.push).Methods(http.MethodPost)
	sync.HandleFunc("/pull", h.pull).Methods(http.MethodGet)
	sync.HandleFunc("/watch", h.watch).Methods(http.MethodGet)
	sync.HandleFunc("/dev/reset", h.reset).Methods(http.MethodPost)

	scopes := r.PathPrefix("/scopes").Subrouter()
	scopes.Use(mw...)
	scopes.HandleFunc("/{scopeId}/state", h.appendScopeState).Methods(http.MethodPost)
	scopes.HandleFunc("/{scopeId}/membership", h.membership).Methods(http.MethodGet)
	scopes.HandleFunc("/{scopeId}/grants", h.appendGrant).Methods(http.MethodPost)
	scopes.HandleFunc("/{scopeId}/grants", h.grants).Methods(http.MethodGet)
	scopes.HandleFunc("/{scopeId}/invites", h.invites).Methods(http.MethodPost)
	scopes.HandleFunc("/{scopeId}/key", h.scopeKey).Methods(http.MethodGet)

	vault := r.PathPrefix("/keyvault").Subrouter()
	vault.Use(mw...)
	vault.HandleFunc("/records", h.appendVaultRecord).Methods(http.MethodPost)
	vault.HandleFunc("/updates", h.vaultUpdates).Methods(http.MethodGet)
}

// --- Helpers ---

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type errorResponse struct {
	OK    bool      `json:"ok"`
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("json encode failed", "err", err)
	}
}

func writeErr(w http.ResponseWriter, err error) {
	status := syncerr.HTTPStatus(err)
	if status >= 500 {
		slog.Error("request failed", "err", err)
	}
	writeJSON(w, status, errorResponse{
		Error: errorBody{Kind: string(syncerr.KindOf(err)), Message: err.Error()},
	})
}

// sharingConflict is the 409 body on a sharing stream append.
type sharingConflict struct {
	OK          bool           `json:"ok"`
	Reason      syncerr.Reason `json:"reason"`
	Head        wire.U64String `json:"head"`
	ExpectedRef string         `json:"expectedRef,omitempty"`
	Message     string         `json:"message,omitempty"`
}

// writeSharingErr maps a sharing append failure onto the wire. Conflicts
// carry the information the client needs to rebuild its record; everything
// else goes through the plain error path.
func writeSharingErr(w http.ResponseWriter, err error) {
	var rej *syncsvc.Rejection
	if errors.As(err, &rej) {
		writeJSON(w, http.StatusConflict, sharingConflict{
			Reason:      rej.Reason,
			Head:        wire.U64String(rej.Head),
			ExpectedRef: wire.RefHex(rej.ExpectedRef),
		})
		return
	}
	var hm *syncerr.HeadMismatch
	if errors.As(err, &hm) {
		writeJSON(w, http.StatusConflict, sharingConflict{
			Reason: hm.Reason(),
			Head:   wire.U64String(hm.Current),
		})
		return
	}
	var cv *syncerr.ChainViolation
	if errors.As(err, &cv) {
		writeJSON(w, http.StatusConflict, sharingConflict{
			Reason:  syncerr.ReasonChainMismatch,
			Head:    wire.U64String(cv.Seq - 1),
			Message: cv.Msg,
		})
		return
	}
	writeErr(w, err)
}

// session returns the verified session or writes a 401. The middleware
// guarantees it on authenticated routes; the guard covers misrouting.
func session(w http.ResponseWriter, r *http.Request) (identity.Session, bool) {
	s, ok := identity.SessionFrom(r.Context())
	if !ok {
		writeErr(w, syncerr.New(syncerr.Unauthenticated, "no session in request"))
	}
	return s, ok
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeErr(w, syncerr.New(syncerr.Validation, "malformed request body: %v", err))
		return false
	}
	return true
}

// queryUint parses an optional uint64 query parameter, defaulting to 0.
func queryUint(r *http.Request, name string) (uint64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, syncerr.New(syncerr.Validation, "%s must be a non-negative integer", name)
	}
	return v, nil
}

// queryInt parses an optional int query parameter, defaulting to 0 so the
// service applies its own clamps.
func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, syncerr.New(syncerr.Validation, "%s must be an integer", name)
	}
	return v, nil
}
