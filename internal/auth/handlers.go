package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/orangestock/market-engine/internal/httpx"
	"github.com/orangestock/market-engine/internal/model"
)

// Middleware requires a valid "Authorization: Bearer <token>" header and
// puts the caller's Identity on the request context.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			httpx.WriteError(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		id, err := s.ParseToken(token)
		if err != nil {
			httpx.Fail(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// RequireAdmin rejects callers without the admin role. It must run after
// Middleware.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := FromContext(r.Context())
		if !ok {
			httpx.WriteError(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		if !id.IsAdmin() {
			httpx.Fail(w, r, fmt.Errorf("admin role required: %w", model.ErrForbidden))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SessionResponse is returned by register and login.
type SessionResponse struct {
	Token string      `json:"token"`
	User  *model.User `json:"user"`
}

// LoginRequest is the JSON body for POST /auth/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// HandleRegister handles POST /api/v1/auth/register
func (s *Service) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.Fail(w, r, err)
		return
	}
	u, token, err := s.Register(r.Context(), req)
	if err != nil {
		httpx.Fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, SessionResponse{Token: token, User: u})
}

// HandleLogin handles POST /api/v1/auth/login
func (s *Service) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.Fail(w, r, err)
		return
	}
	u, token, err := s.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		httpx.Fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, SessionResponse{Token: token, User: u})
}

// HandleMe handles GET /api/v1/auth/me
func (s *Service) HandleMe(w http.ResponseWriter, r *http.Request) {
	id, _ := FromContext(r.Context())
	u, err := s.store.GetUser(r.Context(), id.UserID)
	if err != nil {
		httpx.Fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, u)
}
