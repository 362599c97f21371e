package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/chipside6/flow-dialer-sub000/internal/auth"
	"github.com/chipside6/flow-dialer-sub000/internal/calls"
	"github.com/chipside6/flow-dialer-sub000/internal/config"
	"github.com/chipside6/flow-dialer-sub000/internal/database"
	"github.com/chipside6/flow-dialer-sub000/internal/dispatch"
	"github.com/chipside6/flow-dialer-sub000/internal/monitor"
	"github.com/chipside6/flow-dialer-sub000/internal/ports"
)

// UserStore is the account storage the API needs for login and user management
type UserStore interface {
	CreateUser(ctx context.Context, u *database.User) error
	UserByUsername(ctx context.Context, username string) (*database.User, error)
	ListUsers(ctx context.Context) ([]database.User, error)
	DeleteUser(ctx context.Context, id int64) error
}

// ContactLoader queues numbers for a campaign
type ContactLoader interface {
	AddContacts(ctx context.Context, campaignID string, numbers []string) (int, error)
}

// Server is the REST API
type Server struct {
	config   *config.Config
	registry *ports.Registry
	alloc    *ports.Allocator
	tracker  *calls.Tracker
	dispatch *dispatch.Orchestrator
	users    UserStore
	contacts ContactLoader
	hub      *monitor.Hub
	tokens   *auth.Manager
}

// NewServer wires the API over the service components. hub may be nil to
// disable the live monitoring endpoint.
func NewServer(cfg *config.Config, registry *ports.Registry, alloc *ports.Allocator,
	tracker *calls.Tracker, orch *dispatch.Orchestrator, users UserStore,
	contacts ContactLoader, hub *monitor.Hub) *Server {
	return &Server{
		config:   cfg,
		registry: registry,
		alloc:    alloc,
		tracker:  tracker,
		dispatch: orch,
		users:    users,
		contacts: contacts,
		hub:      hub,
		tokens:   auth.NewManager(cfg.Auth.Secret),
	}
}

// Start runs the HTTP server; blocks until it fails
func (s *Server) Start() error {
	addr := s.config.API.Address()
	log.Printf("[API] Starting server on %s", addr)

	mux := http.NewServeMux()

	// public endpoints
	mux.HandleFunc("/api/v1/login", s.handleLogin)
	mux.HandleFunc("/health", s.handleHealth)
	if s.hub != nil {
		mux.HandleFunc("/api/v1/ws", s.hub.HandleWebSocket)
	}

	protectedMux := http.NewServeMux()

	protectedMux.HandleFunc("/api/v1/devices", s.handleDevices)
	protectedMux.HandleFunc("/api/v1/devices/delete", s.handleDeviceDelete)
	protectedMux.HandleFunc("/api/v1/devices/ports", s.handleDevicePorts)

	protectedMux.HandleFunc("/api/v1/ports", s.handlePorts)
	protectedMux.HandleFunc("/api/v1/ports/release", s.handlePortRelease)
	protectedMux.HandleFunc("/api/v1/ports/offline", s.handlePortOffline)
	protectedMux.HandleFunc("/api/v1/ports/reset", s.handlePortsReset)

	protectedMux.HandleFunc("/api/v1/contacts", s.handleContacts)
	protectedMux.HandleFunc("/api/v1/dial/start", s.handleDialStart)
	protectedMux.HandleFunc("/api/v1/dial/stop", s.handleDialStop)
	protectedMux.HandleFunc("/api/v1/dial/jobs", s.handleDialJobs)
	protectedMux.HandleFunc("/api/v1/dial/status", s.handleDialStatus)

	protectedMux.HandleFunc("/api/v1/call/test", s.handleTestCall)
	protectedMux.HandleFunc("/api/v1/calls", s.handleCalls)
	protectedMux.HandleFunc("/api/v1/calls/active", s.handleActiveCalls)

	protectedMux.HandleFunc("/api/v1/users", s.handleUsers)
	protectedMux.HandleFunc("/api/v1/users/delete", s.handleUserDelete)

	mainHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/login" || r.URL.Path == "/health" ||
			r.URL.Path == "/api/v1/ws" || !strings.HasPrefix(r.URL.Path, "/api/v1/") {
			mux.ServeHTTP(w, r)
			return
		}
		s.tokens.Middleware(protectedMux).ServeHTTP(w, r)
	})

	log.Printf("[API] Server started")
	return http.ListenAndServe(addr, s.corsMiddleware(mainHandler))
}

// corsMiddleware adds CORS headers when enabled and recovers handler panics
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.API.EnableCORS {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
		}

		defer func() {
			if rec := recover(); rec != nil {
				log.Printf("[API] PANIC RECOVERED: %v", rec)
				w.WriteHeader(http.StatusInternalServerError)
				fmt.Fprintf(w, `{"error": "Internal Server Error"}`)
			}
		}()

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	user, err := s.users.UserByUsername(r.Context(), req.Username)
	if err != nil {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}
	if err := auth.VerifyPassword(user.PasswordHash, req.Password); err != nil {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	token, err := s.tokens.GenerateToken(user.ID, user.Username, user.Role)
	if err != nil {
		http.Error(w, "Error generating token", http.StatusInternalServerError)
		return
	}

	log.Printf("[API] User %s logged in", user.Username)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":    token,
		"username": user.Username,
		"role":     user.Role,
	})
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		users, err := s.users.ListUsers(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, users)

	case http.MethodPost:
		var req struct {
			Username string `json:"username"`
			Password string `json:"password"`
			Role     string `json:"role"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
		if req.Username == "" || req.Password == "" {
			http.Error(w, "username and password are required", http.StatusBadRequest)
			return
		}
		if req.Role == "" {
			req.Role = "operator"
		}

		hash, err := auth.HashPassword(req.Password)
		if err != nil {
			writeError(w, err)
			return
		}
		user := &database.User{Username: req.Username, PasswordHash: hash, Role: req.Role}
		if err := s.users.CreateUser(r.Context(), user); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, user)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleUserDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete && r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id, err := queryID(r, "id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.users.DeleteUser(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// ownerID pulls the authenticated user out of the request context
func ownerID(r *http.Request) (int64, error) {
	claims, err := auth.GetUserFromContext(r.Context())
	if err != nil {
		return 0, err
	}
	return claims.UserID, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors to HTTP statuses
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ports.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, ports.ErrNotFound), errors.Is(err, calls.ErrCallNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ports.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, ports.ErrPortUnavailable):
		status = http.StatusConflict
	case errors.Is(err, ports.ErrNoCapacity):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		log.Printf("[API] Internal error: %v", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
