package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"hostgate/internal/accesslist"
	"hostgate/internal/action"
	"hostgate/internal/gate"
	"hostgate/internal/hostid"
	"hostgate/internal/pending"
	"hostgate/internal/prompt"
)

type answerProvider struct {
	result prompt.Result
	calls  atomic.Int32
	hosts  chan string
}

func (p *answerProvider) Prompt(ctx context.Context, host hostid.Identity, act action.Action) (prompt.Result, error) {
	p.calls.Add(1)
	select {
	case p.hosts <- string(host):
	default:
	}
	return p.result, nil
}

type harness struct {
	server   *Server
	lists    *accesslist.Store
	provider *answerProvider
	hits     atomic.Int32
}

func newHarness(t *testing.T, answer prompt.Result, withUpstream bool) *harness {
	t.Helper()
	h := &harness{provider: &answerProvider{result: answer, hosts: make(chan string, 16)}}

	var upstream *url.URL
	if withUpstream {
		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h.hits.Add(1)
			_, _ = io.WriteString(w, "device:"+r.Method+" "+r.URL.Path)
		}))
		t.Cleanup(backend.Close)
		u, err := url.Parse(backend.URL)
		if err != nil {
			t.Fatalf("parse backend url: %v", err)
		}
		upstream = u
	}

	lists, err := accesslist.Open(filepath.Join(t.TempDir(), "lists.yaml"), nil)
	if err != nil {
		t.Fatalf("open lists: %v", err)
	}
	coord := pending.New(h.provider, lists, pending.Config{Timeout: 5 * time.Second})
	g, err := gate.New(lists, coord, gate.Config{Excluded: []string{"/health", "/settings"}})
	if err != nil {
		t.Fatalf("gate.New failed: %v", err)
	}
	h.lists = lists
	h.server = New(g, upstream, nil)
	h.server.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return h
}

func (h *harness) do(method, path, remote string, headers map[string]string, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = remote
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("invalid JSON %q: %v", rec.Body.String(), err)
	}
}

func TestDeniedHostGets403(t *testing.T) {
	h := newHarness(t, prompt.DenyOnce, true)
	h.lists.Deny("evil.example")

	rec := h.do(http.MethodPost, "/write", "198.51.100.7:5555", map[string]string{"Origin": "https://evil.example"}, "{}")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	var body denial
	decodeBody(t, rec, &body)
	want := denial{Error: "AccessDenied", Host: "evil.example", Reason: "blacklist", Scope: "permanent", Timestamp: "2026-03-01T12:00:00Z"}
	if body != want {
		t.Fatalf("unexpected denial %#v", body)
	}
	if h.hits.Load() != 0 || h.provider.calls.Load() != 0 {
		t.Fatalf("denied request must not reach upstream or prompt")
	}
}

func TestAllowedHostIsProxied(t *testing.T) {
	h := newHarness(t, prompt.DenyOnce, true)
	h.lists.Allow("app.example")

	rec := h.do(http.MethodGet, "/available", "198.51.100.7:5555", map[string]string{"Referer": "https://app.example/page"}, "")
	if rec.Code != http.StatusOK || rec.Body.String() != "device:GET /available" {
		t.Fatalf("unexpected response %d %q", rec.Code, rec.Body.String())
	}
}

func TestPromptedHostUsesAnswer(t *testing.T) {
	h := newHarness(t, prompt.AllowOnce, true)

	rec := h.do(http.MethodPost, "/write", "198.51.100.7:5555", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := <-h.provider.hosts; got != "198.51.100.7" {
		t.Fatalf("expected prompt for peer address, got %q", got)
	}
}

func TestSpoofedLoopbackOriginIsIgnored(t *testing.T) {
	h := newHarness(t, prompt.DenyOnce, true)

	rec := h.do(http.MethodPost, "/write", "198.51.100.7:5555", map[string]string{"Origin": "http://localhost:3000"}, "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	var body denial
	decodeBody(t, rec, &body)
	if body.Host != "198.51.100.7" || body.Reason != "deny-once" || body.Scope != "once" {
		t.Fatalf("unexpected denial %#v", body)
	}
}

func TestLoopbackOriginFromLoopbackPeer(t *testing.T) {
	h := newHarness(t, prompt.DenyOnce, true)

	rec := h.do(http.MethodPost, "/write", "127.0.0.1:40000", map[string]string{"Origin": "http://localhost:3000"}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if h.provider.calls.Load() != 0 {
		t.Fatalf("loopback must not prompt")
	}
}

func TestPreflightAndHealthBypass(t *testing.T) {
	h := newHarness(t, prompt.DenyOnce, true)
	h.lists.Deny("198.51.100.7")

	rec := h.do(http.MethodOptions, "/write", "198.51.100.7:5555", nil, "")
	if rec.Code == http.StatusForbidden {
		t.Fatalf("preflight must not be gated")
	}

	rec = h.do(http.MethodGet, "/health", "198.51.100.7:5555", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	decodeBody(t, rec, &body)
	if body["status"] != "ok" {
		t.Fatalf("unexpected health body %#v", body)
	}
}

func TestManagementDecisionAndRemoval(t *testing.T) {
	h := newHarness(t, prompt.DenyOnce, false)
	local := "127.0.0.1:40000"

	rec := h.do(http.MethodPost, "/security/decision", local, nil, `{"host":"https://Device.Example:8443","decision":"whitelist"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var dec decisionResponse
	decodeBody(t, rec, &dec)
	if !dec.Success || dec.Host != "device.example" || dec.Decision != "whitelist" || dec.Resolved {
		t.Fatalf("unexpected decision response %#v", dec)
	}

	rec = h.do(http.MethodGet, "/security/state", local, nil, "")
	var st struct {
		Allow     []string `json:"allow"`
		Deny      []string `json:"deny"`
		Pending   []any    `json:"pending"`
		Timestamp string   `json:"timestamp"`
	}
	decodeBody(t, rec, &st)
	if len(st.Allow) != 1 || st.Allow[0] != "device.example" || len(st.Deny) != 0 || st.Timestamp != "2026-03-01T12:00:00Z" {
		t.Fatalf("unexpected state %#v", st)
	}
	if st.Pending == nil {
		t.Fatalf("pending must be an empty list, not null")
	}

	rec = h.do(http.MethodDelete, "/security/whitelist/device.example", local, nil, "")
	var rm removalResponse
	decodeBody(t, rec, &rm)
	if rec.Code != http.StatusOK || !rm.Success || rm.Host != "device.example" {
		t.Fatalf("unexpected removal %d %#v", rec.Code, rm)
	}
	if h.lists.IsAllowed("device.example") {
		t.Fatalf("whitelist entry not removed")
	}

	h.lists.Deny("203.0.113.5")
	rec = h.do(http.MethodDelete, "/security/blacklist/203.0.113.5%3A8080", local, nil, "")
	decodeBody(t, rec, &rm)
	if rm.Host != "203.0.113.5" || h.lists.IsDenied("203.0.113.5") {
		t.Fatalf("blacklist entry not removed: %#v", rm)
	}
}

func TestManagementDecisionValidation(t *testing.T) {
	h := newHarness(t, prompt.DenyOnce, false)
	local := "127.0.0.1:40000"

	cases := map[string]string{
		"missing host":     `{"decision":"whitelist"}`,
		"missing decision": `{"host":"a.example"}`,
		"unknown decision": `{"host":"a.example","decision":"maybe"}`,
		"timeout":          `{"host":"a.example","decision":"timeout"}`,
		"not json":         `host=a.example`,
	}
	for name, body := range cases {
		rec := h.do(http.MethodPost, "/security/decision", local, nil, body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", name, rec.Code)
		}
		var resp errorResponse
		decodeBody(t, rec, &resp)
		if resp.Success || resp.Error == "" {
			t.Fatalf("%s: unexpected body %#v", name, resp)
		}
	}
}

func TestManagementRequiresGate(t *testing.T) {
	h := newHarness(t, prompt.DenyOnce, false)

	rec := h.do(http.MethodGet, "/security/state", "198.51.100.7:5555", nil, "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected remote management call to be gated, got %d", rec.Code)
	}
}

func TestNoUpstreamReturns404(t *testing.T) {
	h := newHarness(t, prompt.DenyOnce, false)

	rec := h.do(http.MethodGet, "/anything", "127.0.0.1:40000", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	h := newHarness(t, prompt.DenyOnce, false)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.server.ListenAndServe(ctx, "127.0.0.1:0")
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("ListenAndServe returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not stop")
	}
}

func TestDotSegmentsDoNotBypassGate(t *testing.T) {
	h := newHarness(t, prompt.AllowOnce, true)
	h.lists.Deny("203.0.113.5")

	for _, path := range []string{"/settings/../write", "/health/..%2fwrite", "/settingsx/write"} {
		rec := h.do(http.MethodPost, path, "203.0.113.5:5555", nil, "")
		if rec.Code != http.StatusForbidden {
			t.Fatalf("%s: expected 403, got %d %q", path, rec.Code, rec.Body.String())
		}
	}
	if h.hits.Load() != 0 || h.provider.calls.Load() != 0 {
		t.Fatalf("denied host reached upstream or prompted: hits=%d prompts=%d", h.hits.Load(), h.provider.calls.Load())
	}
}

func TestUpstreamSeesCleanedPath(t *testing.T) {
	h := newHarness(t, prompt.DenyOnce, true)
	h.lists.Allow("203.0.113.5")

	rec := h.do(http.MethodPost, "/settings/../write", "203.0.113.5:5555", nil, "")
	if rec.Code != http.StatusOK || rec.Body.String() != "device:POST /write" {
		t.Fatalf("unexpected response %d %q", rec.Code, rec.Body.String())
	}
}

func TestRequestsAreLogged(t *testing.T) {
	h := newHarness(t, prompt.DenyOnce, false)
	var buf bytes.Buffer
	h.server.logger = slog.New(slog.NewJSONHandler(&buf, nil))

	h.do(http.MethodGet, "/health", "127.0.0.1:40000", nil, "")
	h.do(http.MethodPost, "/write", "198.51.100.7:5555", nil, "")

	var lines []map[string]any
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		var line map[string]any
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			t.Fatalf("bad log line %q: %v", sc.Text(), err)
		}
		if line["msg"] == "http request" {
			lines = append(lines, line)
		}
	}
	if len(lines) != 2 {
		t.Fatalf("expected two request log lines, got %#v", lines)
	}
	for i, want := range []float64{http.StatusOK, http.StatusForbidden} {
		if lines[i]["status"] != want {
			t.Fatalf("line %d: expected status %v, got %#v", i, want, lines[i])
		}
		if id, _ := lines[i]["request_id"].(string); id == "" {
			t.Fatalf("line %d: missing request_id: %#v", i, lines[i])
		}
	}
	if lines[1]["path"] != "/write" || lines[1]["method"] != "POST" {
		t.Fatalf("unexpected request fields %#v", lines[1])
	}
}
