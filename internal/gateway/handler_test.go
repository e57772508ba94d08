package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/studyhive/studyhive/internal/auth"
	"github.com/studyhive/studyhive/internal/config"
	"github.com/studyhive/studyhive/internal/protocol"
	"github.com/studyhive/studyhive/internal/room"
	"github.com/studyhive/studyhive/internal/store"
	"github.com/studyhive/studyhive/internal/timer"
)

type fakeStore struct {
	mu    sync.Mutex
	rooms map[string]store.RoomRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{rooms: make(map[string]store.RoomRecord)}
}

func (f *fakeStore) CreateRoom(ctx context.Context, rec store.RoomRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rooms[rec.Code]; ok {
		return fmt.Errorf("room %s already exists", rec.Code)
	}
	f.rooms[rec.Code] = rec
	return nil
}

func (f *fakeStore) GetRoom(ctx context.Context, code string) (*store.RoomRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.rooms[code]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrRoomNotFound, code)
	}
	out := rec
	return &out, nil
}

func (f *fakeStore) SaveRoom(ctx context.Context, rec store.RoomRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms[rec.Code] = rec
	return nil
}

func newTestServer(t *testing.T, st store.Store, verifier auth.Verifier) *httptest.Server {
	t.Helper()
	registry := room.NewRegistry(st, nil, config.Default(), clockwork.NewRealClock())
	ctx, cancel := context.WithCancel(context.Background())
	go registry.Run(ctx)

	mux := http.NewServeMux()
	NewService(registry, st, verifier, DefaultConnectionConfig()).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return srv
}

func seedRoom(t *testing.T, st store.Store, code, creatorID string) {
	t.Helper()
	now := time.Now().UTC()
	err := st.CreateRoom(context.Background(), store.RoomRecord{
		Code:          code,
		Name:          "Study Hall",
		CreatorID:     creatorID,
		Participants:  []protocol.Participant{},
		TimerState:    timer.StateIdle,
		Mode:          timer.ModePomodoro,
		TimeRemaining: 1500,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		t.Fatalf("seed room: %v", err)
	}
}

func TestCreateRoomEndpoint(t *testing.T) {
	st := newFakeStore()
	srv := newTestServer(t, st, auth.AllowAll{})

	body := `{"name":"Deep Work","userId":"alice","username":"Alice"}`
	resp, err := http.Post(srv.URL+"/api/rooms", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	var rec store.RoomRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(rec.Code) != 6 {
		t.Fatalf("expected a 6-char room code, got %q", rec.Code)
	}
	if rec.CreatorID != "alice" || rec.Name != "Deep Work" {
		t.Fatalf("unexpected record: %+v", rec)
	}

	// The record is immediately readable.
	got, err := http.Get(srv.URL + "/api/rooms/" + rec.Code)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer got.Body.Close()
	if got.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 reading the new room, got %d", got.StatusCode)
	}
}

func TestCreateRoomValidation(t *testing.T) {
	srv := newTestServer(t, newFakeStore(), auth.AllowAll{})

	cases := []struct {
		name string
		body string
		want int
	}{
		{"missing name", `{"userId":"alice"}`, http.StatusBadRequest},
		{"missing user", `{"name":"Deep Work"}`, http.StatusBadRequest},
		{"bad json", `{`, http.StatusBadRequest},
		{"oversized body", `{"name":"` + strings.Repeat("x", 5000) + `","userId":"alice"}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/api/rooms", "application/json", strings.NewReader(tc.body))
			if err != nil {
				t.Fatalf("post: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, resp.StatusCode)
			}
		})
	}

	resp, err := http.Get(srv.URL + "/api/rooms")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET on the collection, got %d", resp.StatusCode)
	}
}

func TestCreateRoomRejectsBadToken(t *testing.T) {
	srv := newTestServer(t, newFakeStore(), auth.NewJWTVerifier("test-secret"))

	body := `{"name":"Deep Work","userId":"alice","token":"not-a-jwt"}`
	resp, err := http.Post(srv.URL+"/api/rooms", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestGetRoomNotFound(t *testing.T) {
	srv := newTestServer(t, newFakeStore(), auth.AllowAll{})
	resp, err := http.Get(srv.URL + "/api/rooms/NOSUCH")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestRoomConnectionRejections(t *testing.T) {
	st := newFakeStore()
	seedRoom(t, st, "FOCUS1", "alice")
	srv := newTestServer(t, st, auth.NewJWTVerifier("test-secret"))

	cases := []struct {
		name  string
		query string
		want  int
	}{
		{"missing params", "roomCode=FOCUS1", http.StatusBadRequest},
		{"bad token", "roomCode=FOCUS1&userId=alice&username=Alice&token=junk", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Get(srv.URL + "/ws/room?" + tc.query)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, resp.StatusCode)
			}
		})
	}
}

func TestRoomConnectionUnknownRoom(t *testing.T) {
	srv := newTestServer(t, newFakeStore(), auth.AllowAll{})
	resp, err := http.Get(srv.URL + "/ws/room?roomCode=NOSUCH&userId=alice&username=Alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func dialRoom(t *testing.T, srv *httptest.Server, code, userID, username string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") +
		"/ws/room?roomCode=" + code + "&userId=" + userID + "&username=" + username
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial as %s: %v", userID, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn, want protocol.Type) *protocol.Envelope {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		conn.SetReadDeadline(deadline)
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read while waiting for %s: %v", want, err)
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("unreadable frame: %v", err)
		}
		if env.Type == want {
			return &env
		}
	}
}

func TestWebsocketRoomRoundTrip(t *testing.T) {
	st := newFakeStore()
	seedRoom(t, st, "FOCUS1", "alice")
	srv := newTestServer(t, st, auth.AllowAll{})

	alice := dialRoom(t, srv, "FOCUS1", "alice", "Alice")
	rosterEnv := readEnvelope(t, alice, protocol.TypePresenceRoster)
	var roster protocol.RosterPayload
	if err := json.Unmarshal(rosterEnv.Data, &roster); err != nil {
		t.Fatalf("decode roster: %v", err)
	}
	if len(roster.Participants) != 1 || roster.Participants[0].UserID != "alice" {
		t.Fatalf("expected alice alone on the roster, got %+v", roster.Participants)
	}
	readEnvelope(t, alice, protocol.TypeTimerSync)

	bob := dialRoom(t, srv, "FOCUS1", "bob", "Bob")
	readEnvelope(t, bob, protocol.TypeTimerSync)
	readEnvelope(t, alice, protocol.TypePresenceUpdate)

	// The creator starts the timer; both ends converge on the same
	// authoritative broadcast.
	start := `{"type":"timer-sync","userId":"alice","username":"Alice","data":{"command":"start","mode":"pomodoro"}}`
	if err := alice.WriteMessage(websocket.TextMessage, []byte(start)); err != nil {
		t.Fatalf("write start: %v", err)
	}
	for name, conn := range map[string]*websocket.Conn{"alice": alice, "bob": bob} {
		env := readEnvelope(t, conn, protocol.TypeTimerSync)
		var snap protocol.TimerSyncPayload
		if err := json.Unmarshal(env.Data, &snap); err != nil {
			t.Fatalf("%s: decode timer sync: %v", name, err)
		}
		if snap.State != timer.StateRunning {
			t.Fatalf("%s: expected a running timer, got %+v", name, snap)
		}
	}

	// A spoofed sender identity is treated as malformed, and repeated
	// offenses close the connection.
	spoof := []byte(`{"type":"chat","userId":"alice","data":{"text":"hi"}}`)
	for i := 0; i < DefaultConnectionConfig().MaxDecodeErrors+1; i++ {
		if err := bob.WriteMessage(websocket.TextMessage, spoof); err != nil {
			break // already closed on us
		}
	}
	bob.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, data, err := bob.ReadMessage()
		if err != nil {
			break // closed, as expected
		}
		if bytes.Contains(data, []byte(`"text":"hi"`)) {
			t.Fatal("spoofed chat should never be relayed")
		}
	}

	// Alice never saw the spoofed chat either.
	probe := `{"type":"presence-roster","userId":"alice"}`
	if err := alice.WriteMessage(websocket.TextMessage, []byte(probe)); err != nil {
		t.Fatalf("write roster request: %v", err)
	}
	env := readEnvelope(t, alice, protocol.TypePresenceRoster)
	if bytes.Contains(env.Data, []byte("hi")) {
		t.Fatal("unexpected chat leakage")
	}
}
