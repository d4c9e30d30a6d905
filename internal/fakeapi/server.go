// Package fakeapi provides an in-memory expense API server for tests.
//
// It implements the REST surface the client talks to (auth, expenses,
// categories, groups, health) closely enough to exercise the sync engine end
// to end: population of categoryId/userId on expense listings, personal vs
// group scoping with membership checks, date-descending ordering, and the
// server's {"error": "..."} bodies.
//
// Failure injection:
//   - SetOffline hijacks and closes every connection, which the client sees as
//     a transport error
//   - FailNext makes the next requests return a given status
//   - DropResponses applies the next requests but closes the connection
//     instead of answering, simulating a lost response
//
// Creates honour the Idempotency-Key header: a repeated key returns the
// document created the first time.
package fakeapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

type document = map[string]any

type user struct {
	ID               string
	Phone            string
	Password         string
	Username         string
	BiometricEnabled bool
	ProfileImage     string
	Settings         map[string]any
}

func (u *user) doc() document {
	d := document{
		"_id":              u.ID,
		"phone":            u.Phone,
		"username":         u.Username,
		"biometricEnabled": u.BiometricEnabled,
		"settings":         u.Settings,
	}
	if u.ProfileImage != "" {
		d["profileImage"] = u.ProfileImage
	}
	return d
}

type injectedFailure struct {
	status  int
	message string
}

// Server is a fake expense API backed by maps.
type Server struct {
	mu sync.Mutex

	users      map[string]*user // by id
	tokens     map[string]string
	expenses   []document
	categories []document
	groups     []document

	idempotency map[string]json.RawMessage

	offline  bool
	failures []injectedFailure
	drops    int

	requests int
	creates  map[string]int

	now func() time.Time

	httpServer *httptest.Server
}

// New starts a fake server on a random local port.
func New() *Server {
	s := &Server{
		users:       make(map[string]*user),
		tokens:      make(map[string]string),
		idempotency: make(map[string]json.RawMessage),
		creates:     make(map[string]int),
		now:         time.Now,
	}
	s.httpServer = httptest.NewServer(s.Handler())
	return s
}

// URL returns the server's base address (without the /api prefix).
func (s *Server) URL() string {
	return s.httpServer.URL
}

// Close shuts the server down.
func (s *Server) Close() {
	s.httpServer.CloseClientConnections()
	s.httpServer.Close()
}

// Handler returns the routed handler wrapped in failure injection.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	api := router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api.HandleFunc("/auth/register", s.handleRegister).Methods(http.MethodPost)
	api.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)
	api.HandleFunc("/auth/me", s.authed(s.handleMe)).Methods(http.MethodGet)
	api.HandleFunc("/auth/settings", s.authed(s.handleSettings)).Methods(http.MethodPatch)

	api.HandleFunc("/expenses", s.authed(s.handleListExpenses)).Methods(http.MethodGet)
	api.HandleFunc("/expenses", s.authed(s.handleCreateExpense)).Methods(http.MethodPost)
	api.HandleFunc("/expenses/{id}", s.authed(s.handleUpdateExpense)).Methods(http.MethodPatch)
	api.HandleFunc("/expenses/{id}", s.authed(s.handleDeleteExpense)).Methods(http.MethodDelete)

	api.HandleFunc("/categories", s.authed(s.handleListCategories)).Methods(http.MethodGet)
	api.HandleFunc("/categories", s.authed(s.handleCreateCategory)).Methods(http.MethodPost)
	api.HandleFunc("/categories/{id}", s.authed(s.handleUpdateCategory)).Methods(http.MethodPatch)
	api.HandleFunc("/categories/{id}", s.authed(s.handleDeleteCategory)).Methods(http.MethodDelete)

	api.HandleFunc("/groups", s.authed(s.handleListGroups)).Methods(http.MethodGet)
	api.HandleFunc("/groups/create", s.authed(s.handleCreateGroup)).Methods(http.MethodPost)
	api.HandleFunc("/groups/join", s.authed(s.handleJoinGroup)).Methods(http.MethodPost)
	api.HandleFunc("/groups/{id}", s.authed(s.handleLeaveGroup)).Methods(http.MethodDelete)

	return s.inject(router)
}

// inject applies the configured failures before routing.
func (s *Server) inject(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests++
		offline := s.offline
		var failure *injectedFailure
		if !offline && len(s.failures) > 0 {
			f := s.failures[0]
			s.failures = s.failures[1:]
			failure = &f
		}
		drop := false
		if !offline && failure == nil && s.drops > 0 {
			s.drops--
			drop = true
		}
		s.mu.Unlock()

		switch {
		case offline:
			hangUp(w)
		case failure != nil:
			respondError(w, failure.status, failure.message)
		case drop:
			next.ServeHTTP(httptest.NewRecorder(), r)
			hangUp(w)
		default:
			next.ServeHTTP(w, r)
		}
	})
}

// hangUp closes the connection without writing a response.
func hangUp(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		panic("fakeapi: response writer does not support hijacking")
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		return
	}
	conn.Close()
}

// SetOffline makes the server drop every connection while on is true.
func (s *Server) SetOffline(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = on
}

// FailNext makes the next request answer with status and message.
// Calls queue up.
func (s *Server) FailNext(status int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, injectedFailure{status: status, message: message})
}

// DropResponses makes the next n requests take effect without a reply.
func (s *Server) DropResponses(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drops = n
}

// RequestCount returns how many requests reached the server, including
// failed ones.
func (s *Server) RequestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

// CreateCount returns how many documents were created in a collection.
// Replays answered from the idempotency cache are not counted.
func (s *Server) CreateCount(resource string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creates[resource]
}

// SeedUser registers a user and returns its id and a valid token.
func (s *Server) SeedUser(phone, password, username string) (userID, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.addUserLocked(phone, password, username, false)
	return u.ID, s.issueTokenLocked(u.ID)
}

// SeedGroup creates a group owned by the given members and returns its id.
func (s *Server) SeedGroup(name, connectionID string, memberIDs ...string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := document{
		"_id":          newObjectID(),
		"name":         name,
		"connectionId": connectionID,
		"members":      append([]string(nil), memberIDs...),
		"createdAt":    s.now().UTC(),
	}
	s.groups = append(s.groups, g)
	return g["_id"].(string)
}

// SeedCategory stores a category directly and returns its id.
func (s *Server) SeedCategory(userID, groupID, name, icon string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := document{
		"_id":         newObjectID(),
		"name":        name,
		"icon":        icon,
		"color":       "#333",
		"userId":      userID,
		"isVisible":   true,
		"lastUpdated": s.now().UTC(),
	}
	if groupID != "" {
		c["groupId"] = groupID
	}
	s.categories = append(s.categories, c)
	return c["_id"].(string)
}

// RevokeTokens invalidates every issued token.
func (s *Server) RevokeTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = make(map[string]string)
}

// Expenses returns a snapshot of the stored expenses in insertion order.
func (s *Server) Expenses() []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return snapshot(s.expenses)
}

// Categories returns a snapshot of the stored categories.
func (s *Server) Categories() []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return snapshot(s.categories)
}

func snapshot(docs []document) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(docs))
	for _, d := range docs {
		raw, _ := json.Marshal(d)
		out = append(out, raw)
	}
	return out
}

func (s *Server) addUserLocked(phone, password, username string, biometric bool) *user {
	u := &user{
		ID:               newObjectID(),
		Phone:            phone,
		Password:         password,
		Username:         username,
		BiometricEnabled: biometric,
		Settings: map[string]any{
			"darkMode":             false,
			"fontSize":             "medium",
			"budgetLimit":          10000,
			"budgetAlertEnabled":   true,
			"reminderSchedule":     "weekly",
			"notificationsEnabled": true,
		},
	}
	s.users[u.ID] = u
	return u
}

func (s *Server) issueTokenLocked(userID string) string {
	token := "tok_" + uuid.NewString()
	s.tokens[token] = userID
	return token
}

func (s *Server) userByPhoneLocked(phone string) *user {
	for _, u := range s.users {
		if u.Phone == phone {
			return u
		}
	}
	return nil
}

// authed resolves the bearer token to a user or answers 401.
func (s *Server) authed(h func(w http.ResponseWriter, r *http.Request, u *user)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

		s.mu.Lock()
		var u *user
		if id, ok := s.tokens[token]; ok && token != "" {
			u = s.users[id]
		}
		s.mu.Unlock()

		if u == nil {
			respondError(w, http.StatusUnauthorized, "Please authenticate.")
			return
		}
		h(w, r, u)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, document{"status": "ok"})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	if message == "" {
		w.WriteHeader(status)
		return
	}
	respondJSON(w, status, document{"error": message})
}

// newObjectID returns a 24-hex-digit id shaped like the server's ids.
func newObjectID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

func findByID(docs []document, id string) int {
	for i, d := range docs {
		if d["_id"] == id {
			return i
		}
	}
	return -1
}

func (s *Server) isMemberLocked(groupID, userID string) bool {
	i := findByID(s.groups, groupID)
	if i < 0 {
		return false
	}
	for _, m := range s.groups[i]["members"].([]string) {
		if m == userID {
			return true
		}
	}
	return false
}

// sortByDateDesc orders expense documents newest first, stable.
func sortByDateDesc(docs []document) {
	date := func(d document) time.Time {
		switch v := d["date"].(type) {
		case time.Time:
			return v
		case string:
			t, _ := time.Parse(time.RFC3339Nano, v)
			return t
		}
		return time.Time{}
	}
	sort.SliceStable(docs, func(i, j int) bool {
		return date(docs[i]).After(date(docs[j]))
	})
}
