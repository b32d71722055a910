package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/3xpluto/go-ipset/internal/config"
	"github.com/3xpluto/go-ipset/internal/ipset"
	"github.com/3xpluto/go-ipset/internal/logging"
	"github.com/3xpluto/go-ipset/internal/mw"
	"github.com/3xpluto/go-ipset/internal/registry"
	"github.com/3xpluto/go-ipset/internal/source"
)

const testSecret = "test-secret"

var testSets = []config.SetConfig{
	{Name: "banned", Entries: []string{"192.0.2.0/24", "2001:db8::/32", "0af.0af"}},
	{Name: "admins", Entries: []string{"10.1.0.0/16"}},
	{Name: "broken", Files: []string{"/nonexistent/ipsetd/broken.txt"}},
}

type testEnv struct {
	srv     *Server
	h       http.Handler
	reg     *registry.Registry
	metrics *mw.Metrics
}

func newEnv(t *testing.T, mutate func(*Server)) *testEnv {
	t.Helper()
	reg, err := registry.New(testSets, registry.Options{Loader: source.Loader{}, Logger: logging.Discard()})
	if err != nil {
		t.Fatal(err)
	}
	for _, n := range []string{"banned", "admins"} {
		if _, err := reg.Reload(context.Background(), n); err != nil {
			t.Fatal(err)
		}
	}
	promReg := prometheus.NewRegistry()
	srv := &Server{
		Sets:        reg,
		Log:         logging.Discard(),
		Metrics:     mw.NewMetrics(promReg),
		Gatherer:    promReg,
		AdminSecret: testSecret,
		ReloadSem:   mw.NewSemaphore(1),
	}
	if mutate != nil {
		mutate(srv)
	}
	return &testEnv{srv: srv, h: srv.Handler(), reg: reg, metrics: srv.Metrics}
}

func (e *testEnv) do(t *testing.T, req *http.Request) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rr := httptest.NewRecorder()
	e.h.ServeHTTP(rr, req)
	var body map[string]any
	if strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("bad json body %q: %v", rr.Body.String(), err)
		}
	}
	return rr, body
}

func adminToken(t *testing.T) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "ops",
		"scope": "admin",
		"exp":   time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestMatch(t *testing.T) {
	e := newEnv(t, nil)
	cases := []struct {
		ip           string
		match, valid bool
	}{
		{"192.0.2.77", true, true},
		{"192.0.3.1", false, true},
		{"2001:DB8:ffff::1", true, true},
		{"::ffff:192.0.2.77", false, true},
		{"192.0.2.0/24", false, false},
		{"nope", false, false},
	}
	for _, tc := range cases {
		rr, body := e.do(t, httptest.NewRequest("GET", "/v1/sets/banned/match?ip="+tc.ip, nil))
		if rr.Code != 200 {
			t.Fatalf("%s: expected 200, got %d", tc.ip, rr.Code)
		}
		if body["set"] != "banned" || body["ip"] != tc.ip || body["match"] != tc.match || body["valid"] != tc.valid {
			t.Fatalf("%s: unexpected body %v", tc.ip, body)
		}
	}

	if got := testutil.ToFloat64(e.metrics.Matches.WithLabelValues("banned", "hit")); got != 2 {
		t.Fatalf("expected 2 hits, got %v", got)
	}
	if got := testutil.ToFloat64(e.metrics.Matches.WithLabelValues("banned", "miss")); got != 2 {
		t.Fatalf("expected 2 misses, got %v", got)
	}
	if got := testutil.ToFloat64(e.metrics.Matches.WithLabelValues("banned", "invalid")); got != 2 {
		t.Fatalf("expected 2 invalid, got %v", got)
	}
}

func TestMatchUnknownSet(t *testing.T) {
	e := newEnv(t, nil)
	rr, body := e.do(t, httptest.NewRequest("GET", "/v1/sets/nope/match?ip=1.2.3.4", nil))
	if rr.Code != http.StatusNotFound || body["error"] != "unknown_set" {
		t.Fatalf("expected 404 unknown_set, got %d %v", rr.Code, body)
	}
}

func TestNeverLoadedSetIsEmpty(t *testing.T) {
	e := newEnv(t, nil)
	rr, body := e.do(t, httptest.NewRequest("GET", "/v1/sets/broken/match?ip=1.2.3.4", nil))
	if rr.Code != 200 || body["match"] != false || body["valid"] != true {
		t.Fatalf("expected empty set miss, got %d %v", rr.Code, body)
	}
}

func TestMatchBatchKeepsOrder(t *testing.T) {
	e := newEnv(t, nil)
	req := httptest.NewRequest("POST", "/v1/sets/banned/match",
		strings.NewReader(`{"ips":["10.0.0.1","192.0.2.1","bogus","2001:db8::1"]}`))
	rr := httptest.NewRecorder()
	e.h.ServeHTTP(rr, req)
	if rr.Code != 200 {
		t.Fatalf("expected 200, got %d %s", rr.Code, rr.Body.String())
	}
	var out struct {
		Set     string        `json:"set"`
		Results []matchResult `json:"results"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	want := []matchResult{
		{IP: "10.0.0.1", Match: false, Valid: true},
		{IP: "192.0.2.1", Match: true, Valid: true},
		{IP: "bogus", Match: false, Valid: false},
		{IP: "2001:db8::1", Match: true, Valid: true},
	}
	if out.Set != "banned" || len(out.Results) != len(want) {
		t.Fatalf("unexpected response %+v", out)
	}
	for i := range want {
		if out.Results[i] != want[i] {
			t.Fatalf("result %d: got %+v, want %+v", i, out.Results[i], want[i])
		}
	}
}

func TestMatchBatchRejects(t *testing.T) {
	e := newEnv(t, func(s *Server) { s.MaxBodyBytes = 1 << 20 })

	rr, body := e.do(t, httptest.NewRequest("POST", "/v1/sets/banned/match", strings.NewReader(`{"ips":`)))
	if rr.Code != http.StatusBadRequest || body["error"] != "bad_request" {
		t.Fatalf("expected 400 bad_request, got %d %v", rr.Code, body)
	}

	ips := make([]string, MaxBatch+1)
	for i := range ips {
		ips[i] = "10.0.0.1"
	}
	b, _ := json.Marshal(batchRequest{IPs: ips})
	rr, body = e.do(t, httptest.NewRequest("POST", "/v1/sets/banned/match", bytes.NewReader(b)))
	if rr.Code != http.StatusBadRequest || body["error"] != "too_many_ips" {
		t.Fatalf("expected 400 too_many_ips, got %d %v", rr.Code, body)
	}

	rr, _ = e.do(t, httptest.NewRequest("POST", "/v1/sets/nope/match", strings.NewReader(`{"ips":[]}`)))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestMatchBatchBodyLimit(t *testing.T) {
	e := newEnv(t, func(s *Server) { s.MaxBodyBytes = 16 })
	rr, body := e.do(t, httptest.NewRequest("POST", "/v1/sets/banned/match",
		strings.NewReader(`{"ips":["10.0.0.1","10.0.0.2"]}`)))
	if rr.Code != http.StatusRequestEntityTooLarge || body["error"] != "request_too_large" {
		t.Fatalf("expected 413, got %d %v", rr.Code, body)
	}
}

func TestExport(t *testing.T) {
	e := newEnv(t, nil)

	rr := httptest.NewRecorder()
	e.h.ServeHTTP(rr, httptest.NewRequest("GET", "/v1/sets/banned/export", nil))
	if rr.Code != 200 {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	m, _ := e.reg.Meta("banned")
	if rr.Header().Get("ETag") != `"`+m.Digest+`"` {
		t.Fatalf("unexpected etag %q", rr.Header().Get("ETag"))
	}
	set, err := ipset.Parse(rr.Body.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if !set.Match("192.0.2.9") || !set.Match("2001:db8::9") || set.Match("10.0.0.1") {
		t.Fatal("exported set does not match the served set")
	}

	rr, body := e.do(t, httptest.NewRequest("GET", "/v1/sets/banned/export?format=prefixes", nil))
	if rr.Code != 200 {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if fmt.Sprint(body["prefixes"]) != "[192.0.2.0/24 2001:db8::/32]" {
		t.Fatalf("unexpected prefixes %v", body["prefixes"])
	}

	rr, body = e.do(t, httptest.NewRequest("GET", "/v1/sets/banned/export?format=xml", nil))
	if rr.Code != http.StatusBadRequest || body["error"] != "bad_format" {
		t.Fatalf("expected 400 bad_format, got %d %v", rr.Code, body)
	}
}

func TestListSets(t *testing.T) {
	e := newEnv(t, nil)
	rr, body := e.do(t, httptest.NewRequest("GET", "/v1/sets", nil))
	if rr.Code != 200 {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	sets, ok := body["sets"].([]any)
	if !ok || len(sets) != 3 {
		t.Fatalf("unexpected sets %v", body["sets"])
	}
	// names are sorted: admins, banned, broken
	first := sets[0].(map[string]any)
	if first["name"] != "admins" || first["prefixes"] != float64(1) {
		t.Fatalf("unexpected first set %v", first)
	}
	if _, ok := sets[2].(map[string]any)["built_at"]; ok {
		t.Fatal("never loaded set should have no built_at")
	}
}

func TestAdminReload(t *testing.T) {
	e := newEnv(t, nil)
	tok := adminToken(t)

	req := httptest.NewRequest("POST", "/-/reload?set=banned", nil)
	rr, _ := e.do(t, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}

	req = httptest.NewRequest("POST", "/-/reload?set=banned", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rr, body := e.do(t, req)
	if rr.Code != 200 {
		t.Fatalf("expected 200, got %d %v", rr.Code, body)
	}
	metas := body["sets"].([]any)
	if len(metas) != 1 || metas[0].(map[string]any)["name"] != "banned" || metas[0].(map[string]any)["warnings"] != float64(1) {
		t.Fatalf("unexpected metas %v", metas)
	}

	req = httptest.NewRequest("POST", "/-/reload?set=nope", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rr, body = e.do(t, req)
	if rr.Code != http.StatusNotFound || body["error"] != "unknown_set" {
		t.Fatalf("expected 404 unknown_set, got %d %v", rr.Code, body)
	}

	req = httptest.NewRequest("POST", "/-/reload?set=broken", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rr, body = e.do(t, req)
	if rr.Code != http.StatusInternalServerError || body["error"] != "reload_failed" {
		t.Fatalf("expected 500 reload_failed, got %d %v", rr.Code, body)
	}

	req = httptest.NewRequest("GET", "/-/reload", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rr, _ = e.do(t, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET reload, got %d", rr.Code)
	}
}

func TestAdminStatus(t *testing.T) {
	e := newEnv(t, func(s *Server) { s.ListenAddr = ":8080" })
	req := httptest.NewRequest("GET", "/-/status", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken(t))
	rr, body := e.do(t, req)
	if rr.Code != 200 {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if body["listen_addr"] != ":8080" || len(body["sets"].([]any)) != 3 {
		t.Fatalf("unexpected status %v", body)
	}
	if _, ok := body["reloads"]; !ok {
		t.Fatal("expected reload concurrency in status")
	}
}

func TestAdminHiddenWithoutSecret(t *testing.T) {
	e := newEnv(t, func(s *Server) { s.AdminSecret = "" })
	rr, _ := e.do(t, httptest.NewRequest("GET", "/-/status", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestAdminAllowSet(t *testing.T) {
	e := newEnv(t, func(s *Server) { s.AllowSet = "admins" })
	tok := adminToken(t)

	req := httptest.NewRequest("GET", "/-/status", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	req.RemoteAddr = "192.0.2.1:4000"
	rr, body := e.do(t, req)
	if rr.Code != http.StatusForbidden || body["error"] != "forbidden" {
		t.Fatalf("expected 403, got %d %v", rr.Code, body)
	}

	req = httptest.NewRequest("GET", "/-/status", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	req.RemoteAddr = "10.1.9.9:4000"
	rr, _ = e.do(t, req)
	if rr.Code != 200 {
		t.Fatalf("expected 200 from admin network, got %d", rr.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	e := newEnv(t, nil)
	e.do(t, httptest.NewRequest("GET", "/v1/sets/banned/match?ip=192.0.2.1", nil))

	rr := httptest.NewRecorder()
	e.h.ServeHTTP(rr, httptest.NewRequest("GET", "/healthz", nil))
	if rr.Code != 200 || rr.Body.String() != "ok" {
		t.Fatalf("unexpected healthz %d %q", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	e.h.ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	b, _ := io.ReadAll(rr.Body)
	for _, want := range []string{
		`ipsetd_matches_total{result="hit",set="banned"} 1`,
		`ipsetd_http_requests_total{code="200",method="GET",route="match"} 1`,
	} {
		if !strings.Contains(string(b), want) {
			t.Fatalf("metrics missing %q", want)
		}
	}
}
