package ws

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Count() != n {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", h.Count(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBroadcastReachesClients(t *testing.T) {
	h := NewHub(nil, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	all := dial(t, srv, "")
	onlyB := dial(t, srv, "?fleet=b")
	waitClients(t, h, 2)

	h.Broadcast("a", []byte(`{"type":"alert.created"}`))
	h.Broadcast("b", []byte(`{"type":"event.created"}`))

	all.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, first, err := all.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(first), "alert.created") {
		t.Errorf("first = %s", first)
	}

	onlyB.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, got, err := onlyB.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(got), "event.created") {
		t.Errorf("fleet-filtered client got %s", got)
	}
}

func TestClientDisconnectUnregisters(t *testing.T) {
	h := NewHub(nil, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dial(t, srv, "")
	waitClients(t, h, 1)
	conn.Close()
	waitClients(t, h, 0)
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://ops.example.com"})
	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	if check(req) {
		t.Error("foreign origin accepted")
	}
	req.Header.Set("Origin", "https://ops.example.com")
	if !check(req) {
		t.Error("allowed origin rejected")
	}
}

func TestFleetFromChannel(t *testing.T) {
	tests := map[string]string{
		"fleet:north:alerts": "north",
		"fleet:south:events": "south",
		"other":              "",
		"fleet:x":            "",
	}
	for in, want := range tests {
		if got := fleetFromChannel(in); got != want {
			t.Errorf("fleetFromChannel(%q) = %q, want %q", in, got, want)
		}
	}
}
