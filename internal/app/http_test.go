package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"reposcout/api/internal/channel"
	"reposcout/api/internal/github"
	"reposcout/api/internal/links"
	"reposcout/api/internal/queue"
	"reposcout/api/internal/results"
	"reposcout/api/internal/search"
	"reposcout/api/internal/session"
	"reposcout/api/internal/store"
)

type fakeProvider struct {
	searchFn func(ctx context.Context, q github.SearchQuery) ([]github.Repository, error)
}

func (f *fakeProvider) SearchRepositories(ctx context.Context, q github.SearchQuery) ([]github.Repository, error) {
	if f.searchFn == nil {
		return nil, nil
	}
	return f.searchFn(ctx, q)
}

type fakeChecker struct {
	existsFn func(ctx context.Context, link string) (bool, error)
}

func (f *fakeChecker) Exists(ctx context.Context, link string) (bool, error) {
	if f.existsFn == nil {
		return true, nil
	}
	return f.existsFn(ctx, link)
}

type fakePublisher struct {
	mu        sync.Mutex
	publishFn func(ctx context.Context, msg queue.Message) error
	sent      []queue.Message
}

func (f *fakePublisher) Publish(ctx context.Context, msg queue.Message) error {
	if f.publishFn != nil {
		if err := f.publishFn(ctx, msg); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	return nil
}

type fakePinger struct {
	pingFn func(context.Context) error
}

func (f fakePinger) Ping(ctx context.Context) error {
	if f.pingFn == nil {
		return nil
	}
	return f.pingFn(ctx)
}

// recordingConn is a channel.Conn that keeps every frame it is sent.
type recordingConn struct {
	id     string
	mu     sync.Mutex
	frames []channel.Frame
}

func (c *recordingConn) ID() string { return c.id }

func (c *recordingConn) Send(frame channel.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
	return nil
}

func (c *recordingConn) Close() error { return nil }

func (c *recordingConn) byEvent(event string) []channel.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []channel.Frame
	for _, f := range c.frames {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

type testEnv struct {
	server    *HTTPServer
	handler   http.Handler
	store     *store.MemoryStore
	hub       *channel.Hub
	issuer    *session.Issuer
	provider  *fakeProvider
	checker   *fakeChecker
	publisher *fakePublisher
	metrics   *Metrics
	checks    map[string]store.Pinger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:     store.NewMemoryStore(),
		hub:       channel.NewHub(nil),
		issuer:    session.NewIssuer([]byte("0123456789abcdef0123456789abcdef"), time.Hour, session.NewMemoryRegistry(), nil),
		provider:  &fakeProvider{},
		checker:   &fakeChecker{},
		publisher: &fakePublisher{},
		metrics:   NewMetrics(),
		checks:    map[string]store.Pinger{},
	}
	env.hub.WithStats(env.metrics)
	env.server = NewHTTPServer(Deps{
		Issuer:     env.issuer,
		Hub:        env.hub,
		Search:     search.NewService(env.provider, env.store, env.hub, nil).WithObserver(env.metrics),
		Links:      links.NewService(env.store, env.checker, nil),
		Dispatcher: queue.NewDispatcher(env.store, env.publisher, nil).WithObserver(env.metrics),
		Receiver:   results.NewReceiver(env.store, env.hub, nil).WithObserver(env.metrics),
		Results:    env.store,
		Metrics:    env.metrics,
		Checks:     env.checks,
	})
	env.handler = env.server.Handler()
	t.Cleanup(env.server.Shutdown)
	return env
}

func (e *testEnv) do(method, path, body string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

// identity performs GET / and returns the minted id and its session cookie.
func (e *testEnv) identity(t *testing.T) (string, *http.Cookie) {
	t.Helper()
	rr := e.do(http.MethodGet, "/", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("GET / status = %d", rr.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode GET /: %v", err)
	}
	for _, c := range rr.Result().Cookies() {
		if c.Name == session.CookieName {
			return body["clientId"], c
		}
	}
	t.Fatal("GET / did not set a session cookie")
	return "", nil
}

func decodeMap(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return payload
}

func pagedProvider(q github.SearchQuery) ([]github.Repository, error) {
	items := make([]github.Repository, 0, q.PerPage)
	for i := 1; i <= q.PerPage; i++ {
		items = append(items, github.Repository{HTMLURL: fmt.Sprintf("https://github.com/p%d/r%d", q.Page, i)})
	}
	return items, nil
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(http.MethodGet, "/api/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if ok := decodeMap(t, rr)["ok"]; ok != true {
		t.Fatalf("expected ok=true, got %v", ok)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected X-Request-ID header")
	}
}

func TestReadyEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.checks["store"] = fakePinger{}
	rr := env.do(http.MethodGet, "/api/ready", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	env.checks["redis"] = fakePinger{pingFn: func(context.Context) error { return errors.New("connection refused") }}
	rr = env.do(http.MethodGet, "/api/ready", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	payload := decodeMap(t, rr)
	if payload["status"] != "not_ready" {
		t.Fatalf("expected not_ready, got %v", payload["status"])
	}
	checks := payload["checks"].(map[string]any)
	if checks["redis"].(map[string]any)["error"] != "connection refused" {
		t.Fatalf("unexpected checks %v", checks)
	}
}

func TestIndexIssuesIdentityOnce(t *testing.T) {
	env := newTestEnv(t)
	id, cookie := env.identity(t)
	if id == "" {
		t.Fatal("expected a client id")
	}

	rr := env.do(http.MethodGet, "/", "", cookie)
	if got := decodeMap(t, rr)["clientId"]; got != id {
		t.Fatalf("expected existing id %q, got %v", id, got)
	}
	if len(rr.Result().Cookies()) != 0 {
		t.Fatal("an existing session must not be reissued")
	}
}

func TestSearchRequiresClient(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(http.MethodPost, "/search", `{"language":"go"}`)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	payload := decodeMap(t, rr)
	if payload["status"] != "error" || payload["message"] != "Client not authenticated" {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestSearchRejectsForeignClientID(t *testing.T) {
	env := newTestEnv(t)
	_, cookie := env.identity(t)
	rr := env.do(http.MethodPost, "/search", `{"clientId":"someone-else"}`, cookie)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}

func TestSearchResponseMatchesChannelPayload(t *testing.T) {
	env := newTestEnv(t)
	env.provider.searchFn = func(_ context.Context, q github.SearchQuery) ([]github.Repository, error) {
		return pagedProvider(q)
	}
	id, cookie := env.identity(t)
	conn := &recordingConn{id: "conn-1"}
	if err := env.hub.Join(id, conn); err != nil {
		t.Fatalf("Join() error = %v", err)
	}

	rr := env.do(http.MethodPost, "/search", `{"language":"go","pages":2,"perPage":5}`, cookie)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	frames := conn.byEvent(channel.EventSearchResult)
	if len(frames) != 1 {
		t.Fatalf("expected one search_result frame, got %d", len(frames))
	}
	if got, want := string(frames[0].Data), strings.TrimSpace(rr.Body.String()); got != want {
		t.Fatalf("channel payload differs from response:\n channel %s\nresponse %s", got, want)
	}

	var resp search.Response
	_ = json.Unmarshal(rr.Body.Bytes(), &resp)
	if len(resp.Repositories) != 10 || resp.Repositories[0] != "https://github.com/p1/r1" || resp.Repositories[5] != "https://github.com/p2/r1" {
		t.Fatalf("unexpected repositories %v", resp.Repositories)
	}
	stored, _ := env.store.Read(context.Background(), id)
	if !reflect.DeepEqual(stored, resp.Repositories) {
		t.Fatalf("snapshot %v does not match response", stored)
	}
}

func TestSearchProviderFailure(t *testing.T) {
	env := newTestEnv(t)
	env.provider.searchFn = func(context.Context, github.SearchQuery) ([]github.Repository, error) {
		return nil, github.ErrUpstream
	}
	rr := env.do(http.MethodPost, "/search", `{"client_id":"client-1","per_page":"5"}`)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	payload := decodeMap(t, rr)
	if payload["status"] != "error" || payload["code"] != "PROVIDER_ERROR" {
		t.Fatalf("unexpected payload %v", payload)
	}
	if _, err := env.store.Read(context.Background(), "client-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("failed search must not persist, got %v", err)
	}
}

func TestSearchInvalidBody(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(http.MethodPost, "/search", `{"clientId":"c","pages":"many"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestSearchEmptyResultKeepsRepositories(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(http.MethodPost, "/search", `{"clientId":"client-1","language":"cobol"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if got := strings.TrimSpace(rr.Body.String()); got != `{"status":"success","repositories":[]}` {
		t.Fatalf("unexpected body %s", got)
	}
}

func TestSearchRejectsInvalidClientID(t *testing.T) {
	env := newTestEnv(t)
	called := false
	env.provider.searchFn = func(context.Context, github.SearchQuery) ([]github.Repository, error) {
		called = true
		return nil, nil
	}
	rr := env.do(http.MethodPost, "/search", `{"clientId":"a b"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if code := decodeMap(t, rr)["code"]; code != "INVALID_KEY" {
		t.Fatalf("expected INVALID_KEY, got %v", code)
	}
	if called {
		t.Fatal("provider must not be called for an unusable client id")
	}
}

func TestSearchLinkValidation(t *testing.T) {
	env := newTestEnv(t)
	env.checker.existsFn = func(_ context.Context, link string) (bool, error) {
		return link == "https://github.com/golang/go", nil
	}
	id, cookie := env.identity(t)

	cases := []struct {
		body string
		code string
	}{
		{`{"link":""}`, "INVALID_FORMAT"},
		{`{"link":"not-a-url"}`, "INVALID_FORMAT"},
		{`{"link":"https://github.com/nobody/nothing"}`, "NOT_FOUND"},
	}
	for _, tc := range cases {
		rr := env.do(http.MethodPost, "/searchlink", tc.body, cookie)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", tc.body, rr.Code)
		}
		if got := decodeMap(t, rr)["code"]; got != tc.code {
			t.Fatalf("%s: expected code %s, got %v", tc.body, tc.code, got)
		}
	}
	if _, err := env.store.Read(context.Background(), id); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("rejected links must not touch the store, got %v", err)
	}

	rr := env.do(http.MethodPost, "/searchlink", `{"link":"https://github.com/golang/go"}`, cookie)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if got := decodeMap(t, rr)["repository"]; got != "https://github.com/golang/go" {
		t.Fatalf("unexpected repository %v", got)
	}
	stored, _ := env.store.Read(context.Background(), id)
	if !reflect.DeepEqual(stored, []string{"https://github.com/golang/go"}) {
		t.Fatalf("expected singleton snapshot, got %v", stored)
	}
}

func TestSearchLinkWithoutSessionMintsIdentity(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(http.MethodPost, "/searchlink", `{"link":"https://github.com/golang/go"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if len(rr.Result().Cookies()) == 0 {
		t.Fatal("expected a session cookie for the new identity")
	}
}

func TestSendWithoutSearch(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(http.MethodPost, "/send", `{"clientId":"client-1"}`)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if got := decodeMap(t, rr)["code"]; got != "EMPTY_SNAPSHOT" {
		t.Fatalf("expected EMPTY_SNAPSHOT, got %v", got)
	}
	if len(env.publisher.sent) != 0 {
		t.Fatalf("expected no messages, got %d", len(env.publisher.sent))
	}
}

func TestSendRequiresClient(t *testing.T) {
	env := newTestEnv(t)
	if rr := env.do(http.MethodPost, "/send", `{}`); rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}

func TestSendPublishesSnapshot(t *testing.T) {
	env := newTestEnv(t)
	_ = env.store.Replace(context.Background(), "client-1", []string{"https://github.com/a/b", "https://github.com/c/d"})

	rr := env.do(http.MethodPost, "/send", `{"client_id":"client-1"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodeMap(t, rr)
	if payload["status"] != "success" || payload["published"] != float64(2) {
		t.Fatalf("unexpected payload %v", payload)
	}
	want := []queue.Message{
		{ClientID: "client-1", RepoURL: "https://github.com/a/b"},
		{ClientID: "client-1", RepoURL: "https://github.com/c/d"},
	}
	if !reflect.DeepEqual(env.publisher.sent, want) {
		t.Fatalf("published %+v", env.publisher.sent)
	}
}

func TestSendQueueUnavailableReportsPartialCount(t *testing.T) {
	env := newTestEnv(t)
	_ = env.store.Replace(context.Background(), "client-1", []string{"u1", "u2", "u3"})
	env.publisher.publishFn = func(_ context.Context, msg queue.Message) error {
		if msg.RepoURL == "u2" {
			return queue.ErrUnavailable
		}
		return nil
	}

	rr := env.do(http.MethodPost, "/send", `{"clientId":"client-1"}`)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	payload := decodeMap(t, rr)
	if payload["code"] != "QUEUE_UNAVAILABLE" {
		t.Fatalf("expected QUEUE_UNAVAILABLE, got %v", payload["code"])
	}
	details := payload["details"].(map[string]any)
	if details["published"] != float64(1) || details["total"] != float64(3) {
		t.Fatalf("unexpected details %v", details)
	}
}

func TestAnalysisResultsStoresAndPushes(t *testing.T) {
	env := newTestEnv(t)
	conn := &recordingConn{id: "conn-1"}
	_ = env.hub.Join("client-1", conn)

	body := `{"client_id":"client-1","name":"report","score":9}`
	rr := env.do(http.MethodPost, "/analysis_results", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodeMap(t, rr)
	if payload["status"] != "success" || payload["results"].(map[string]any)["score"] != float64(9) {
		t.Fatalf("unexpected payload %v", payload)
	}

	stored, err := env.store.ReadNamed(context.Background(), "report")
	if err != nil || string(stored) != body {
		t.Fatalf("stored %s (%v)", stored, err)
	}
	frames := conn.byEvent(channel.EventAnalysisResult)
	if len(frames) != 1 || string(frames[0].Data) != body {
		t.Fatalf("unexpected pushed frames %+v", frames)
	}
}

func TestAnalysisResultsDefaultName(t *testing.T) {
	env := newTestEnv(t)
	if rr := env.do(http.MethodPost, "/analysis_results", `{"client_id":"client-1"}`); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if _, err := env.store.ReadNamed(context.Background(), results.DefaultName); err != nil {
		t.Fatalf("expected result under %s: %v", results.DefaultName, err)
	}
}

func TestAnalysisResultsWorkerToken(t *testing.T) {
	env := newTestEnv(t)
	env.server.deps.WorkerToken = "s3cret"

	if rr := env.do(http.MethodPost, "/analysis_results", `{"name":"x"}`); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/analysis_results", strings.NewReader(`{"name":"x"}`))
	req.Header.Set("X-Worker-Token", "s3cret")
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rr.Code)
	}
}

func TestAnalysisResultsRejectsNonJSON(t *testing.T) {
	env := newTestEnv(t)
	if rr := env.do(http.MethodPost, "/analysis_results", `nope`); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestGetData(t *testing.T) {
	env := newTestEnv(t)
	_ = env.store.WriteNamed(context.Background(), "report", json.RawMessage(`{"summary":"all good"}`))

	rr := env.do(http.MethodGet, "/getData/report", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "all good") {
		t.Fatalf("unexpected html response %d %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("unexpected content type %q", ct)
	}

	rr = env.do(http.MethodGet, "/getData/report?format=json", "")
	if rr.Code != http.StatusOK || rr.Body.String() != `{"summary":"all good"}` {
		t.Fatalf("unexpected json response %d %s", rr.Code, rr.Body.String())
	}

	if rr = env.do(http.MethodGet, "/getData/missing", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if rr = env.do(http.MethodGet, "/getData/report?format=docx", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if rr = env.do(http.MethodGet, "/getData/report?format=pdf", ""); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a pdf renderer, got %d", rr.Code)
	}
}

func TestGetDataWithSlashInName(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(http.MethodPost, "/analysis_results", `{"clientId":"client-1","name":"golang/go","stars":1}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = env.do(http.MethodGet, "/getData/golang%2Fgo?format=json", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"stars":1`) {
		t.Fatalf("unexpected response %d %s", rr.Code, rr.Body.String())
	}
}

func TestResultSearchWithoutIndex(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(http.MethodGet, "/api/results/search?q=go", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	payload := decodeMap(t, rr)
	if hits := payload["results"].([]any); len(hits) != 0 {
		t.Fatalf("expected no hits, got %v", hits)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.provider.searchFn = func(_ context.Context, q github.SearchQuery) ([]github.Repository, error) {
		return pagedProvider(q)
	}
	env.do(http.MethodPost, "/search", `{"clientId":"client-1"}`)

	rr := env.do(http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	for _, want := range []string{
		`reposcout_searches_total{status="success"} 1`,
		`reposcout_http_request_duration_seconds_count{method="POST",route="/search",status="200"} 1`,
	} {
		if !strings.Contains(rr.Body.String(), want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func TestUnknownRoute(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(http.MethodGet, "/nope", "")
	if rr.Code != http.StatusNotFound || decodeMap(t, rr)["code"] != "NOT_FOUND" {
		t.Fatalf("unexpected response %d %s", rr.Code, rr.Body.String())
	}
}
