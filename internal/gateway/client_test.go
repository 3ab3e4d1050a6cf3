package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/matrixhub/matrixhub/internal/config"
	"github.com/matrixhub/matrixhub/pkg/models"
)

func TestNormalizeServerURL(t *testing.T) {
	cases := []struct {
		url, transport, want string
	}{
		{"http://h:6288", "SSE", "http://h:6288/sse"},
		{"http://h:6288/", "sse", "http://h:6288/sse"},
		{"http://h:6288/sse", "SSE", "http://h:6288/sse"},
		{"http://h:6288", "http", "http://h:6288"},
		{"http://h:6288", "", "http://h:6288"},
	}
	for _, tc := range cases {
		if got := NormalizeServerURL(tc.url, tc.transport); got != tc.want {
			t.Errorf("NormalizeServerURL(%q, %q) = %q, want %q", tc.url, tc.transport, got, tc.want)
		}
	}
}

func TestStaticTokenForms(t *testing.T) {
	cases := []struct{ in, want string }{
		{"abc123", "Bearer abc123"},
		{"Bearer xyz", "Bearer xyz"},
		{"Basic dXNlcjpwdw==", "Basic dXNlcjpwdw=="},
	}
	for _, tc := range cases {
		got, err := staticToken{value: tc.in}.authHeader()
		if err != nil {
			t.Fatalf("authHeader(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Errorf("authHeader(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestJWTMinter(t *testing.T) {
	m := newJWTMinter("topsecret", "admin")
	m.now = func() time.Time { return time.Unix(1_700_000_000, 0) }

	header, err := m.authHeader()
	if err != nil {
		t.Fatalf("authHeader: %v", err)
	}
	raw := strings.TrimPrefix(header, "Bearer ")
	if raw == header {
		t.Fatal("header missing Bearer prefix")
	}

	parsed, err := jwt.Parse(raw, func(tok *jwt.Token) (any, error) {
		return []byte("topsecret"), nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithoutClaimsValidation())
	if err != nil {
		t.Fatalf("parse minted token: %v", err)
	}
	claims := parsed.Claims.(jwt.MapClaims)
	if claims["sub"] != "admin" {
		t.Errorf("sub = %v, want admin", claims["sub"])
	}
	exp := int64(claims["exp"].(float64))
	iat := int64(claims["iat"].(float64))
	if exp-iat != 300 {
		t.Errorf("ttl = %ds, want 300", exp-iat)
	}
}

// fakeGateway is an in-memory MCP gateway admin API.
type fakeGateway struct {
	mu      sync.Mutex
	nextID  int64
	records map[string][]map[string]any // path -> records
	calls   []string                    // "METHOD path" in arrival order
	bodies  map[string][]map[string]any // path -> posted bodies
	fail5xx map[string]int              // path -> remaining 500s before success
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		nextID:  1,
		records: map[string][]map[string]any{},
		bodies:  map[string][]map[string]any{},
		fail5xx: map[string]int{},
	}
}

func (f *fakeGateway) seed(path, name string, id int64, extra map[string]any) {
	rec := map[string]any{"id": id, "name": name}
	for k, v := range extra {
		rec[k] = v
	}
	f.records[path] = append(f.records[path], rec)
	if id >= f.nextID {
		f.nextID = id + 1
	}
}

func (f *fakeGateway) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.calls = append(f.calls, r.Method+" "+r.URL.Path)

		if r.Method == http.MethodGet {
			json.NewEncoder(w).Encode(f.records[r.URL.Path])
			return
		}

		if n := f.fail5xx[r.URL.Path]; n > 0 {
			f.fail5xx[r.URL.Path] = n - 1
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}

		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		f.bodies[r.URL.Path] = append(f.bodies[r.URL.Path], body)

		name, _ := body["name"].(string)
		for _, rec := range f.records[r.URL.Path] {
			if strings.EqualFold(fmt.Sprint(rec["name"]), name) {
				http.Error(w, "already exists", http.StatusConflict)
				return
			}
		}

		id := f.nextID
		f.nextID++
		rec := map[string]any{"id": id, "name": name}
		f.records[r.URL.Path] = append(f.records[r.URL.Path], rec)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(rec)
	})
}

func testClient(url string) *Client {
	return New(config.GatewayConfig{URL: url, Token: "testtoken", TimeoutSecs: 5})
}

func TestRegister_OrderAndAssociations(t *testing.T) {
	fake := newFakeGateway()
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	reg := &models.MCPRegistration{
		Tool: &models.GatewayTool{ID: "hello", Name: "hello", Description: "say hello"},
		Resources: []models.GatewayResource{
			{ID: "doc-a", Name: "doc-a", URI: "file:///a"},
		},
		Prompts: []models.GatewayPrompt{
			{ID: "greet", Name: "greet", Template: "Hello {{name}}"},
		},
		Server: &models.GatewayServer{Name: "hello", URL: "http://h:6288", Transport: "SSE"},
	}

	got, err := testClient(srv.URL).Register(context.Background(), reg)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("got %d registrations, want 4: %+v", len(got), got)
	}

	// the gateway upsert must arrive strictly last
	last := fake.calls[len(fake.calls)-1]
	if last != "POST /gateways" {
		t.Errorf("last call = %q, want POST /gateways", last)
	}
	for _, call := range fake.calls[:len(fake.calls)-1] {
		if call == "POST /gateways" {
			t.Error("gateway upsert ran before dependent upserts finished")
		}
	}

	body := fake.bodies["/gateways"][0]
	if body["url"] != "http://h:6288/sse" {
		t.Errorf("gateway url = %v, want normalized /sse suffix", body["url"])
	}
	if _, hasTransport := body["transport"]; hasTransport {
		t.Error("transport field leaked into the gateway body")
	}
	if body["associated_tools"] == nil || body["associated_resources"] == nil || body["associated_prompts"] == nil {
		t.Errorf("gateway body missing associations: %v", body)
	}
}

func TestRegister_ConflictResolvesNumericID(t *testing.T) {
	fake := newFakeGateway()
	fake.seed("/resources", "watsonx-agent-code", 7, map[string]any{"uri": "file:///code"})
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	reg := &models.MCPRegistration{
		Resources: []models.GatewayResource{
			{ID: "watsonx-agent-code", Name: "watsonx-agent-code", URI: "file:///code"},
		},
		Server: &models.GatewayServer{Name: "watsonx", URL: "http://wx:8000/sse", Transport: "SSE"},
	}

	got, err := testClient(srv.URL).Register(context.Background(), reg)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	var resourceID any
	for _, g := range got {
		if g.Kind == "resource" {
			resourceID = g.ID
		}
	}
	if fmt.Sprint(resourceID) != "7" {
		t.Errorf("resolved resource id = %v, want 7", resourceID)
	}

	body := fake.bodies["/gateways"][0]
	raw, _ := json.Marshal(body["associated_resources"])
	if string(raw) != "[7]" {
		t.Errorf("associated_resources = %s, want [7]", raw)
	}
}

func TestRegister_RetriesTransient5xx(t *testing.T) {
	fake := newFakeGateway()
	fake.fail5xx["/tools"] = 2
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	reg := &models.MCPRegistration{
		Tool: &models.GatewayTool{ID: "flaky", Name: "flaky"},
	}
	if _, err := testClient(srv.URL).Register(context.Background(), reg); err != nil {
		t.Fatalf("Register should survive two 500s: %v", err)
	}

	posts := 0
	for _, call := range fake.calls {
		if call == "POST /tools" {
			posts++
		}
	}
	if posts != 3 {
		t.Errorf("POST /tools called %d times, want 3 (two failures + success)", posts)
	}
}

func TestRegister_AuthFailureFailsFast(t *testing.T) {
	var posts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts++
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	reg := &models.MCPRegistration{Tool: &models.GatewayTool{ID: "x", Name: "x"}}
	if _, err := testClient(srv.URL).Register(context.Background(), reg); err == nil {
		t.Fatal("expected error on 401")
	}
	if posts != 1 {
		t.Errorf("401 retried %d times, want fail-fast single attempt", posts)
	}
}

func TestRegister_VirtualServerWithoutURL(t *testing.T) {
	fake := newFakeGateway()
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	reg := &models.MCPRegistration{
		Tool:   &models.GatewayTool{ID: "t", Name: "t"},
		Server: &models.GatewayServer{Name: "virtual"},
	}
	got, err := testClient(srv.URL).Register(context.Background(), reg)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if got[len(got)-1].Kind != "server" {
		t.Errorf("final registration kind = %q, want server", got[len(got)-1].Kind)
	}
	if len(fake.bodies["/servers"]) != 1 {
		t.Error("virtual server was not posted to /servers")
	}
	if len(fake.bodies["/gateways"]) != 0 {
		t.Error("gateway endpoint used despite missing server.url")
	}
}

func TestNew_NilWhenUnconfigured(t *testing.T) {
	if New(config.GatewayConfig{}) != nil {
		t.Error("client built without a gateway URL")
	}
}
