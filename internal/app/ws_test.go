package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"reposcout/api/internal/channel"
	"reposcout/api/internal/github"
	"reposcout/api/internal/search"
	"reposcout/api/internal/session"
)

func dialWS(t *testing.T, srv *httptest.Server, cookie *http.Cookie) (*websocket.Conn, *http.Response) {
	t.Helper()
	header := http.Header{}
	if cookie != nil {
		header.Set("Cookie", cookie.String())
	}
	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn, resp
}

func readFrame(t *testing.T, conn *websocket.Conn) channel.Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame channel.Frame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func TestWebSocketJoinAndSearch(t *testing.T) {
	env := newTestEnv(t)
	env.provider.searchFn = func(_ context.Context, q github.SearchQuery) ([]github.Repository, error) {
		return pagedProvider(q)
	}
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	conn, resp := dialWS(t, srv, nil)

	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == session.CookieName {
			cookie = c
		}
	}
	if cookie == nil {
		t.Fatal("upgrade response must carry the minted session cookie")
	}

	connected := readFrame(t, conn)
	if connected.Event != channel.EventConnected {
		t.Fatalf("expected connected, got %q", connected.Event)
	}
	var data map[string]string
	_ = json.Unmarshal(connected.Data, &data)
	if data["id"] == "" {
		t.Fatal("connected frame must carry the identity")
	}

	if err := conn.WriteJSON(channel.Frame{Event: "search", Data: json.RawMessage(`{"language":"go","perPage":3}`)}); err != nil {
		t.Fatalf("write search: %v", err)
	}
	result := readFrame(t, conn)
	if result.Event != channel.EventSearchResult {
		t.Fatalf("expected search_result, got %q", result.Event)
	}
	var payload search.Response
	if err := json.Unmarshal(result.Data, &payload); err != nil {
		t.Fatalf("decode search_result: %v", err)
	}
	if payload.Status != "success" || len(payload.Repositories) != 3 {
		t.Fatalf("unexpected search_result %+v", payload)
	}

	// The same session over plain HTTP sees the snapshot the push search stored.
	stored, err := env.store.Read(context.Background(), data["id"])
	if err != nil || len(stored) != 3 {
		t.Fatalf("snapshot %v (%v)", stored, err)
	}
}

func TestWebSocketSecondJoinSupersedesFirst(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	id, cookie := env.identity(t)

	first, _ := dialWS(t, srv, cookie)
	readFrame(t, first)
	second, _ := dialWS(t, srv, cookie)
	if got := readFrame(t, second); got.Event != channel.EventConnected {
		t.Fatalf("expected connected on second connection, got %q", got.Event)
	}

	env.hub.Emit(context.Background(), id, channel.EventAnalysisResult, map[string]string{"name": "report"})

	if got := readFrame(t, second); got.Event != channel.EventAnalysisResult {
		t.Fatalf("expected analysis_result on the current connection, got %q", got.Event)
	}
	_ = first.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var frame channel.Frame
	if err := first.ReadJSON(&frame); err == nil {
		t.Fatalf("superseded connection received %q", frame.Event)
	}
}

func TestWebSocketUnknownEvent(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	conn, _ := dialWS(t, srv, nil)
	readFrame(t, conn)
	_ = conn.WriteJSON(channel.Frame{Event: "dance"})
	if got := readFrame(t, conn); got.Event != channel.EventError {
		t.Fatalf("expected error frame, got %q", got.Event)
	}
}

func TestWebSocketClosedOnShutdown(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	conn, _ := dialWS(t, srv, nil)
	readFrame(t, conn)
	env.server.Shutdown()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected the server to close the connection")
	}
}
