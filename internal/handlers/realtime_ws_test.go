package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/net/websocket"
)

func TestIsLoopbackRemoteAddr(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:1234": true,
		"[::1]:443":      true,
		"192.0.2.1:1234": false,
		"not-an-addr":    false,
	}
	for addr, want := range cases {
		if got := isLoopbackRemoteAddr(addr); got != want {
			t.Fatalf("isLoopbackRemoteAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}

func TestEventsPing_ForbiddenFromOutside(t *testing.T) {
	h := New(nil, nil, nil)
	rr := httptest.NewRecorder()
	// httptest requests come from 192.0.2.1, which is not loopback
	h.EventsPing(rr, httptest.NewRequest(http.MethodGet, "/api/events/ping", nil))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 got %d", rr.Code)
	}
}

func TestEventsPing_LoopbackAllowed(t *testing.T) {
	h := New(nil, nil, nil)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/events/ping", nil)
	req.RemoteAddr = "127.0.0.1:54321"
	h.EventsPing(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rr.Code)
	}
}

func TestEventsPing_SecretHeader(t *testing.T) {
	t.Setenv("INTERNAL_WS_SECRET", "s3cret")
	h := New(nil, nil, nil)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/events/ping", nil)
	req.Header.Set("X-Internal-WS-Secret", "s3cret")
	h.EventsPing(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with secret got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/events/ping", nil)
	req.Header.Set("X-Internal-WS-Secret", "wrong")
	h.EventsPing(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 with wrong secret got %d", rr.Code)
	}
}

func TestEventsWebSocket_MissingUserID(t *testing.T) {
	h := New(nil, nil, nil)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/events/ws", nil)
	req.RemoteAddr = "127.0.0.1:54321"
	h.EventsWebSocket(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rr.Code)
	}
}

func TestEventsWebSocket_HelloAndBroadcast(t *testing.T) {
	h := New(nil, nil, nil)
	r := mux.NewRouter()
	RegisterRoutes(h, r)

	srv := httptest.NewServer(r)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events/ws?userId=u1"
	conn, err := websocket.Dial(wsURL, "", "http://localhost/")
	if err != nil {
		t.Fatalf("websocket.Dial: %v", err)
	}
	defer conn.Close()

	var raw string
	if err := websocket.Message.Receive(conn, &raw); err != nil {
		t.Fatalf("receive hello: %v", err)
	}
	var hello realtimeEvent
	if err := json.Unmarshal([]byte(raw), &hello); err != nil {
		t.Fatalf("decode hello: %v", err)
	}
	if hello.Type != "hello" || hello.UserID != "u1" {
		t.Fatalf("unexpected hello: %#v", hello)
	}

	// the hub now knows this connection, so emits reach it
	waitFor(t, func() bool { return h.rt.count("u1") == 1 })
	h.emitEvent("u1", realtimeEvent{Type: "publication.updated", PublicationID: 5, Status: "published"})

	if err := websocket.Message.Receive(conn, &raw); err != nil {
		t.Fatalf("receive event: %v", err)
	}
	var ev realtimeEvent
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.Type != "publication.updated" || ev.PublicationID != 5 || ev.Status != "published" {
		t.Fatalf("unexpected event: %#v", ev)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func TestRealtimeHub_AddRemoveCount(t *testing.T) {
	hub := newRealtimeHub()
	c := &websocket.Conn{}

	hub.add("u1", c)
	if hub.count("u1") != 1 {
		t.Fatalf("expected 1 conn")
	}
	hub.remove("u1", c)
	if hub.count("u1") != 0 {
		t.Fatalf("expected 0 conns")
	}

	// nil and empty inputs are no-ops
	hub.add("", c)
	hub.add("u2", nil)
	hub.remove("u2", c)
	if hub.count("") != 0 || hub.count("u2") != 0 {
		t.Fatalf("expected no tracked conns")
	}
}

func TestEmitEvent_NoSubscribersIsSafe(t *testing.T) {
	h := New(nil, nil, nil)
	h.emitEvent("nobody", realtimeEvent{Type: "publication.updated", PublicationID: 1, Status: "failed"})
	h.emitEvent("", realtimeEvent{Type: "publication.updated"})
}
