// Package bridgetest provides an in-memory messaging gateway speaking the
// bridge wire format, for tests that drive the real HTTP adapter.
package bridgetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
)

type Gateway struct {
	mu sync.Mutex

	group    string
	users    map[string]bool
	members  map[string]bool
	sessions map[string]string
	errors   map[string][]Failure
	invites  []string
	nextID   int

	server *httptest.Server
}

// Failure is a scripted error body returned for one call on a handle.
type Failure struct {
	Status      int
	Code        string
	Message     string
	WaitSeconds int
}

func NewGateway(group string, users ...string) *Gateway {
	g := &Gateway{
		group:    group,
		users:    make(map[string]bool),
		members:  make(map[string]bool),
		sessions: make(map[string]string),
		errors:   make(map[string][]Failure),
	}
	for _, user := range users {
		g.users[user] = true
	}
	return g
}

// Start serves the gateway until Close.
func (g *Gateway) Start() *Gateway {
	g.server = httptest.NewServer(g.Handler())
	return g
}

func (g *Gateway) URL() string {
	return g.server.URL
}

func (g *Gateway) Close() {
	if g.server != nil {
		g.server.Close()
	}
}

// Fail queues failures returned by the next calls that touch handle.
func (g *Gateway) Fail(handle string, failures ...Failure) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.errors[handle] = append(g.errors[handle], failures...)
}

func (g *Gateway) SetMember(handle string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.members[handle] = true
}

func (g *Gateway) Invites() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.invites))
	copy(out, g.invites)
	return out
}

// OpenSessions reports sessions that were dialed and not closed.
func (g *Gateway) OpenSessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sessions", g.open)
	mux.HandleFunc("POST /v1/sessions/{session}/{action}", g.action)
	mux.HandleFunc("DELETE /v1/sessions/{session}", g.close)
	return mux
}

type entity struct {
	ID     string `json:"id"`
	Handle string `json:"handle"`
	Kind   string `json:"kind"`
	Status string `json:"status,omitempty"`
}

func (g *Gateway) open(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Identity   string `json:"identity"`
		Credential string `json:"credential"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Identity == "" || body.Credential == "" {
		writeError(w, Failure{Status: http.StatusBadRequest, Code: "BAD_REQUEST", Message: "identity and credential are required"})
		return
	}

	g.mu.Lock()
	g.nextID++
	id := fmt.Sprintf("s-%d", g.nextID)
	g.sessions[id] = body.Identity
	g.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]string{"session": id})
}

func (g *Gateway) close(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	delete(g.sessions, r.PathValue("session"))
	g.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) action(w http.ResponseWriter, r *http.Request) {
	var body map[string]string
	if r.ContentLength != 0 {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	identity, ok := g.sessions[r.PathValue("session")]
	if !ok {
		writeError(w, Failure{Status: http.StatusNotFound, Code: "CONNECTION_LOST", Message: "unknown session"})
		return
	}
	self := "@" + identity

	switch r.PathValue("action") {
	case "self":
		writeJSON(w, http.StatusOK, entity{ID: "id:" + self, Handle: self, Kind: "user"})
	case "resolve":
		handle := body["handle"]
		if g.popFailure(w, handle) {
			return
		}
		switch {
		case handle == g.group:
			writeJSON(w, http.StatusOK, entity{ID: "id:" + handle, Handle: handle, Kind: "group"})
		case g.users[handle]:
			writeJSON(w, http.StatusOK, entity{ID: "id:" + handle, Handle: handle, Kind: "user", Status: "recently"})
		default:
			writeError(w, Failure{Status: http.StatusNotFound, Code: "NOT_FOUND", Message: handle})
		}
	case "membership":
		writeJSON(w, http.StatusOK, map[string]bool{"member": g.members[handleOf(body["target"])]})
	case "join":
		g.members[self] = true
		w.WriteHeader(http.StatusNoContent)
	case "invite":
		handle := handleOf(body["target"])
		if g.popFailure(w, handle) {
			return
		}
		g.members[handle] = true
		g.invites = append(g.invites, identity+":"+handle)
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, Failure{Status: http.StatusNotFound, Code: "UNKNOWN_ACTION"})
	}
}

func (g *Gateway) popFailure(w http.ResponseWriter, handle string) bool {
	queue := g.errors[handle]
	if len(queue) == 0 {
		return false
	}
	g.errors[handle] = queue[1:]
	writeError(w, queue[0])
	return true
}

func handleOf(id string) string {
	return strings.TrimPrefix(id, "id:")
}

func writeError(w http.ResponseWriter, failure Failure) {
	status := failure.Status
	if status == 0 {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]any{
		"code":         failure.Code,
		"message":      failure.Message,
		"wait_seconds": failure.WaitSeconds,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
