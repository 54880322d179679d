// Package apitest runs a fake tracker API for tests. It issues HS256 access
// tokens, answers expired tokens with X-Token-Expired, and lets tests hold or
// fail refresh exchanges.
package apitest

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Default account known to every Server.
const (
	Email    = "ada@example.com"
	Password = "secret"
)

// Request is what the server saw of one incoming request.
type Request struct {
	Method        string
	Path          string
	Authorization string
	RequestID     string
	Body          string
}

// Ticket is the server-side ticket record.
type Ticket struct {
	ID         int64     `json:"id"`
	Title      string    `json:"title"`
	Body       string    `json:"body"`
	StatusID   int64     `json:"statusId"`
	PriorityID int64     `json:"priorityId"`
	AssignedTo *int64    `json:"assignedTo,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

type account struct {
	ID       int64
	Name     string
	Email    string
	Password string
	Role     string
}

type claims struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// Server is a fake tracker API backed by httptest.Server.
type Server struct {
	*httptest.Server

	secret    []byte
	accessTTL time.Duration
	rotate    bool

	mu        sync.Mutex
	accounts  map[string]account
	refresh   map[string]string // refresh token -> email
	expired   map[string]bool   // access token IDs forced to expire
	issued    []string
	tickets   []Ticket
	nextID    int64
	requests  []Request
	gate      chan struct{}
	failCode  int
	delay     time.Duration

	refreshes atomic.Int64
	started   chan struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithAccessTTL sets the lifetime of issued access tokens.
func WithAccessTTL(d time.Duration) Option {
	return func(s *Server) { s.accessTTL = d }
}

// WithRotation makes refresh exchanges return a new refresh token and revoke the old one.
func WithRotation() Option {
	return func(s *Server) { s.rotate = true }
}

// NewServer starts a Server and closes it when the test ends.
func NewServer(t testing.TB, opts ...Option) *Server {
	t.Helper()
	s := &Server{
		secret:    []byte("apitest-secret"),
		accessTTL: time.Hour,
		accounts: map[string]account{
			Email: {ID: 1, Name: "Ada", Email: Email, Password: Password, Role: "MANAGER"},
		},
		refresh: make(map[string]string),
		expired: make(map[string]bool),
		tickets: []Ticket{
			{ID: 1, Title: "Printer on fire", Body: "Third floor", StatusID: 1, PriorityID: 3, CreatedAt: time.Date(2025, 1, 2, 9, 0, 0, 0, time.UTC)},
			{ID: 2, Title: "VPN drops", Body: "Every hour", StatusID: 2, PriorityID: 2, CreatedAt: time.Date(2025, 1, 3, 9, 0, 0, 0, time.UTC)},
			{ID: 3, Title: "New laptop", Body: "Onboarding", StatusID: 1, PriorityID: 1, CreatedAt: time.Date(2025, 1, 4, 9, 0, 0, 0, time.UTC)},
		},
		nextID:  4,
		started: make(chan struct{}, 256),
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.HandleFunc("POST /api/auth/refresh", s.handleRefresh)
	mux.Handle("POST /api/auth/logout", s.authenticated(s.handleLogout))
	mux.Handle("GET /api/user", s.authenticated(s.handleMe))
	mux.Handle("GET /api/users", s.authenticated(s.handleUsers))
	mux.Handle("GET /api/priorities", s.authenticated(s.handlePriorities))
	mux.Handle("GET /api/tickets", s.authenticated(s.handleListTickets))
	mux.Handle("POST /api/tickets", s.authenticated(s.handleCreateTicket))
	mux.Handle("GET /api/tickets/{id}", s.authenticated(s.handleGetTicket))
	mux.Handle("PATCH /api/tickets/{id}/assign", s.authenticated(s.handleAssign))
	mux.Handle("POST /api/tickets/{id}/messages", s.authenticated(s.handleMessage))
	mux.Handle("/api/echo/", s.authenticated(s.handleEcho))

	s.Server = httptest.NewServer(s.record(mux))
	t.Cleanup(func() {
		s.releaseGate()
		s.Close()
	})
	return s
}

// IssueTokens creates a fresh access and refresh token for email.
func (s *Server) IssueTokens(email string) (access, refresh string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	access = s.issueAccessLocked(email, time.Now().Add(s.accessTTL))
	refresh = "r-" + uuid.NewString()
	s.refresh[refresh] = email
	return access, refresh
}

// ExpiredAccessToken returns a correctly signed access token that has already expired.
func (s *Server) ExpiredAccessToken(email string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueAccessLocked(email, time.Now().Add(-time.Minute))
}

// ExpireAccessTokens makes every access token issued so far count as expired.
func (s *Server) ExpireAccessTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.issued {
		s.expired[id] = true
	}
}

// RevokeRefreshToken makes a refresh token unknown to the server.
func (s *Server) RevokeRefreshToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.refresh, token)
}

// HoldRefreshes blocks refresh exchanges until the returned release is called.
func (s *Server) HoldRefreshes() (release func()) {
	s.mu.Lock()
	gate := make(chan struct{})
	s.gate = gate
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.gate == gate {
				s.gate = nil
			}
			s.mu.Unlock()
			close(gate)
		})
	}
}

func (s *Server) releaseGate() {
	s.mu.Lock()
	gate := s.gate
	s.gate = nil
	s.mu.Unlock()
	if gate != nil {
		close(gate)
	}
}

// FailRefreshes makes refresh exchanges answer with status. Zero restores normal behaviour.
func (s *Server) FailRefreshes(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCode = status
}

// DelayRefreshes makes refresh exchanges sleep for d before answering.
func (s *Server) DelayRefreshes(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// RefreshCount returns how many refresh exchanges the server received.
func (s *Server) RefreshCount() int {
	return int(s.refreshes.Load())
}

// RefreshStarted receives a value each time a refresh exchange arrives.
func (s *Server) RefreshStarted() <-chan struct{} {
	return s.started
}

// Requests returns the requests seen so far, optionally only those for path.
func (s *Server) Requests(path string) []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Request
	for _, r := range s.requests {
		if path == "" || r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

// Tickets returns a copy of the stored tickets.
func (s *Server) Tickets() []Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Ticket(nil), s.tickets...)
}

func (s *Server) issueAccessLocked(email string, exp time.Time) string {
	acct, ok := s.accounts[email]
	if !ok {
		acct = account{Email: email}
	}
	id := uuid.NewString()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Name:  acct.Name,
		Email: acct.Email,
		Role:  acct.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id,
			Subject:   strconv.FormatInt(acct.ID, 10),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		panic(err)
	}
	s.issued = append(s.issued, id)
	return signed
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body []byte
		if r.Body != nil {
			body, _ = readAll(r)
		}
		s.mu.Lock()
		s.requests = append(s.requests, Request{
			Method:        r.Method,
			Path:          r.URL.Path,
			Authorization: r.Header.Get("Authorization"),
			RequestID:     r.Header.Get("X-Request-ID"),
			Body:          string(body),
		})
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authenticated(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			writeError(w, http.StatusUnauthorized, "missing token")
			return
		}

		var c claims
		_, err := jwt.ParseWithClaims(raw, &c, func(*jwt.Token) (any, error) { return s.secret, nil },
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		s.mu.Lock()
		forced := s.expired[c.ID]
		s.mu.Unlock()

		switch {
		case errors.Is(err, jwt.ErrTokenExpired) || (err == nil && forced):
			w.Header().Set("X-Token-Expired", "true")
			writeError(w, http.StatusUnauthorized, "token expired")
			return
		case err != nil:
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(withEmail(r.Context(), c.Email)))
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	s.mu.Lock()
	acct, ok := s.accounts[req.Email]
	s.mu.Unlock()
	if !ok || acct.Password != req.Password {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	access, refresh := s.IssueTokens(req.Email)
	http.SetCookie(w, &http.Cookie{Name: "trackr_session", Value: uuid.NewString(), Path: "/"})
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]string{"access_token": access, "refresh_token": refresh}})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.refreshes.Add(1)
	select {
	case s.started <- struct{}{}:
	default:
	}

	s.mu.Lock()
	gate, failCode, delay := s.gate, s.failCode, s.delay
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if failCode != 0 {
		writeError(w, failCode, "refresh rejected")
		return
	}

	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}

	s.mu.Lock()
	email, ok := s.refresh[req.RefreshToken]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusUnauthorized, "unknown refresh token")
		return
	}
	access := s.issueAccessLocked(email, time.Now().Add(s.accessTTL))
	data := map[string]string{"access_token": access}
	if s.rotate {
		delete(s.refresh, req.RefreshToken)
		next := "r-" + uuid.NewString()
		s.refresh[next] = email
		data["refresh_token"] = next
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"data": data})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	email := emailFrom(r.Context())
	s.mu.Lock()
	for token, owner := range s.refresh {
		if owner == email {
			delete(s.refresh, token)
		}
	}
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	acct := s.accounts[emailFrom(r.Context())]
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"id":        acct.ID,
		"name":      acct.Name,
		"email":     acct.Email,
		"role":      acct.Role,
		"createdAt": "2024-06-01T10:00:00Z",
		"updatedAt": "2024-06-02T10:00:00Z",
	})
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, []map[string]any{{"id": 1, "name": "Ada"}, {"id": 2, "name": "Grace"}})
}

func (s *Server) handlePriorities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, []map[string]any{
		{"id": 1, "name": "Low", "level": 1, "description": "Whenever"},
		{"id": 2, "name": "Medium", "level": 2, "description": "This week"},
		{"id": 3, "name": "High", "level": 3, "description": "Today"},
	})
}

func (s *Server) handleListTickets(w http.ResponseWriter, r *http.Request) {
	status, _ := strconv.ParseInt(r.URL.Query().Get("statusId"), 10, 64)
	s.mu.Lock()
	var out []Ticket
	for _, t := range s.tickets {
		if status == 0 || t.StatusID == status {
			out = append(out, t)
		}
	}
	s.mu.Unlock()
	if out == nil {
		out = []Ticket{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": out})
}

func (s *Server) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	t, ok := s.findTicket(r)
	if !ok {
		writeError(w, http.StatusNotFound, "ticket not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleCreateTicket(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title      string `json:"title"`
		Body       string `json:"body"`
		PriorityID int64  `json:"priorityId"`
	}
	if err := decodeBody(r, &req); err != nil || req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	s.mu.Lock()
	t := Ticket{ID: s.nextID, Title: req.Title, Body: req.Body, StatusID: 1, PriorityID: req.PriorityID, CreatedAt: time.Now().UTC()}
	s.nextID++
	s.tickets = append(s.tickets, t)
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, map[string]any{"data": t})
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID *int64 `json:"user_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	id, _ := strconv.ParseInt(r.PathValue("id"), 10, 64)
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.tickets {
		if s.tickets[i].ID == id {
			s.tickets[i].AssignedTo = req.UserID
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	writeError(w, http.StatusNotFound, "ticket not found")
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	t, ok := s.findTicket(r)
	if !ok {
		writeError(w, http.StatusNotFound, "ticket not found")
		return
	}
	var req struct {
		Message string `json:"message"`
	}
	if err := decodeBody(r, &req); err != nil || req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id": 1, "ticketId": t.ID, "message": req.Message, "createdAt": time.Now().UTC(),
	})
}

// handleEcho answers any authenticated request with its method, path and body.
func (s *Server) handleEcho(w http.ResponseWriter, r *http.Request) {
	body, _ := readAll(r)
	writeJSON(w, http.StatusOK, map[string]string{
		"method":        r.Method,
		"path":          r.URL.Path,
		"body":          string(body),
		"authorization": r.Header.Get("Authorization"),
	})
}

func (s *Server) findTicket(r *http.Request) (Ticket, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		return Ticket{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tickets {
		if t.ID == id {
			return t, true
		}
	}
	return Ticket{}, false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}
