package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// MockServer routes requests by path to registered handlers and counts calls.
// Handlers may be replaced while the server is running.
type MockServer struct {
	*httptest.Server

	mu       sync.Mutex
	handlers map[string]http.HandlerFunc
	calls    map[string]int
}

func newMockServer(t *testing.T) *MockServer {
	t.Helper()
	m := &MockServer{
		handlers: make(map[string]http.HandlerFunc),
		calls:    make(map[string]int),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.calls[r.URL.Path]++
		handler, ok := m.handlers[r.URL.Path]
		m.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Handle registers h for path.
func (m *MockServer) Handle(path string, h http.HandlerFunc) {
	m.mu.Lock()
	m.handlers[path] = h
	m.mu.Unlock()
}

// Calls returns how many requests hit path.
func (m *MockServer) Calls(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[path]
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}

// MockTwitchServer mocks the Helix endpoints used by the Twitch session.
type MockTwitchServer struct {
	*MockServer
}

// NewMockTwitchServer creates a new mock Twitch API server
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	return &MockTwitchServer{MockServer: newMockServer(t)}
}

// BaseURL is the Helix base to configure clients with.
func (m *MockTwitchServer) BaseURL() string { return m.URL + "/helix" }

// MockUserResponse adds a handler for /helix/users endpoint
func (m *MockTwitchServer) MockUserResponse(userID, login string) {
	m.Handle("/helix/users", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{
			"data": []map[string]string{{"id": userID, "login": login}},
		})
	})
}

// MockGames answers /helix/games?name= from a name to id table. Unknown
// names return an empty data array.
func (m *MockTwitchServer) MockGames(ids map[string]string) {
	m.Handle("/helix/games", func(w http.ResponseWriter, r *http.Request) {
		data := []map[string]string{}
		name := r.URL.Query().Get("name")
		if id, ok := ids[name]; ok {
			data = append(data, map[string]string{"id": id, "name": name})
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": data})
	})
}

// MockChannels answers GET /helix/channels with game and title and PATCH
// with status.
func (m *MockTwitchServer) MockChannels(game, title string, patchStatus int) {
	m.Handle("/helix/channels", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPatch {
			w.WriteHeader(patchStatus)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"data": []map[string]string{{"broadcaster_id": r.URL.Query().Get("broadcaster_id"), "game_name": game, "title": title}},
		})
	})
}

// MockChatMessage answers /helix/chat/messages with status.
func (m *MockTwitchServer) MockChatMessage(status int) {
	m.Handle("/helix/chat/messages", func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"data": []map[string]any{{"message_id": "m1", "is_sent": true}},
		})
	})
}

// MockTrovoServer mocks the Trovo Open Platform and the auth proxy.
type MockTrovoServer struct {
	*MockServer
}

// NewMockTrovoServer creates a new mock Trovo API server
func NewMockTrovoServer(t *testing.T) *MockTrovoServer {
	t.Helper()
	return &MockTrovoServer{MockServer: newMockServer(t)}
}

// BaseURL is the Open Platform base to configure clients with.
func (m *MockTrovoServer) BaseURL() string { return m.URL + "/openplatform" }

// ProxyURL is the auth proxy endpoint.
func (m *MockTrovoServer) ProxyURL() string { return m.URL + "/proxy" }

// MockValidate answers /openplatform/validate.
func (m *MockTrovoServer) MockValidate(uid, nick string) {
	m.Handle("/openplatform/validate", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"uid": uid, "nick_name": nick})
	})
}

// MockCategories answers /openplatform/searchcategory from a query to id
// table.
func (m *MockTrovoServer) MockCategories(ids map[string]string) {
	m.Handle("/openplatform/searchcategory", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Query string `json:"query"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		info := []map[string]string{}
		if id, ok := ids[body.Query]; ok {
			info = append(info, map[string]string{"id": id, "name": body.Query})
		}
		WriteJSON(w, http.StatusOK, map[string]any{"category_info": info})
	})
}

// MockUpdateChannel answers /openplatform/channels/update with status.
func (m *MockTrovoServer) MockUpdateChannel(status int) {
	m.Handle("/openplatform/channels/update", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, status, map[string]any{})
	})
}

// MockChat answers /openplatform/chat/send with status.
func (m *MockTrovoServer) MockChat(status int) {
	m.Handle("/openplatform/chat/send", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, status, map[string]any{})
	})
}

// MockChannel answers /openplatform/channel.
func (m *MockTrovoServer) MockChannel(category, title string) {
	m.Handle("/openplatform/channel", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"category_name": category, "live_title": title})
	})
}

// MockRefresh answers the proxy refresh call with a new token pair.
func (m *MockTrovoServer) MockRefresh(access, refresh string) {
	m.Handle("/proxy", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"access_token": access, "refresh_token": refresh, "expires_in": 14400})
	})
}

// ExpiredToken writes Trovo's expired-token response.
func ExpiredToken(w http.ResponseWriter) {
	WriteJSON(w, http.StatusUnauthorized, map[string]any{"status": 11714, "error": "accessTokenExpired", "message": "access token expired"})
}
