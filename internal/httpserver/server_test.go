package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/saghul/CallRoulette/internal/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		ListenAddr:      "127.0.0.1:0",
		LogFormat:       config.LogFormatText,
		LogLevel:        slog.LevelInfo,
		ShutdownTimeout: 2 * time.Second,
		Mode:            config.ModeDev,
		WebRoot:         t.TempDir(),
	}
}

func startTestServer(t *testing.T, cfg config.Config, register func(mux *http.ServeMux)) (baseURL string) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	build := BuildInfo{Commit: "abc", BuildTime: "time"}
	srv := New(cfg, log, build)
	if register != nil {
		register(srv.Mux())
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-errCh
	})

	return "http://" + ln.Addr().String()
}

func get(t *testing.T, url string, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, vs := range header {
		req.Header[k] = vs
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealthzReadyzVersion(t *testing.T) {
	baseURL := startTestServer(t, testConfig(t), nil)

	t.Run("healthz", func(t *testing.T) {
		resp := get(t, baseURL+"/healthz", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
		}
		var body map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body["ok"] != true {
			t.Fatalf("body=%v, want ok=true", body)
		}
		if resp.Header.Get("X-Request-ID") == "" {
			t.Fatalf("missing X-Request-ID")
		}
	})

	t.Run("readyz", func(t *testing.T) {
		resp := get(t, baseURL+"/readyz", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
		}
	})

	t.Run("version", func(t *testing.T) {
		resp := get(t, baseURL+"/version", nil)
		var got BuildInfo
		if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if want := (BuildInfo{Commit: "abc", BuildTime: "time"}); got != want {
			t.Fatalf("got=%+v, want=%+v", got, want)
		}
	})

	t.Run("request id is echoed", func(t *testing.T) {
		resp := get(t, baseURL+"/healthz", http.Header{"X-Request-Id": {"req-123"}})
		if got := resp.Header.Get("X-Request-ID"); got != "req-123" {
			t.Fatalf("X-Request-ID=%q, want req-123", got)
		}
	})
}

func TestICEEndpointSchema(t *testing.T) {
	cfg := testConfig(t)
	cfg.ICEServers = []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478?transport=udp"}, Username: "user", Credential: "pass"},
	}
	baseURL := startTestServer(t, cfg, nil)

	resp := get(t, baseURL+"/webrtc/ice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var payload struct {
		ICEServers []map[string]any `json:"iceServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(payload.ICEServers) != 2 {
		t.Fatalf("expected 2 iceServers, got %d", len(payload.ICEServers))
	}
	if _, ok := payload.ICEServers[0]["urls"]; !ok {
		t.Fatalf("expected urls field on first server: %#v", payload.ICEServers[0])
	}
}

func TestICEEndpoint_MintsTURNRESTCredentials(t *testing.T) {
	cfg := testConfig(t)
	cfg.ICEServers = []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478"}},
	}
	cfg.TURNREST = config.TURNRESTConfig{SharedSecret: "secret", TTL: time.Hour, UsernamePrefix: "callroulette"}
	baseURL := startTestServer(t, cfg, nil)

	resp := get(t, baseURL+"/webrtc/ice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Cache-Control"); got != "no-store" {
		t.Fatalf("Cache-Control=%q, want no-store", got)
	}
	var payload struct {
		ICEServers []struct {
			URLs       []string `json:"urls"`
			Username   string   `json:"username"`
			Credential string   `json:"credential"`
		} `json:"iceServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(payload.ICEServers) != 2 {
		t.Fatalf("expected 2 iceServers, got %d", len(payload.ICEServers))
	}
	if payload.ICEServers[0].Username != "" {
		t.Fatalf("stun server got credentials: %+v", payload.ICEServers[0])
	}
	turn := payload.ICEServers[1]
	parts := strings.Split(turn.Username, ":")
	if len(parts) != 3 || parts[1] != "callroulette" || parts[2] == "" || turn.Credential == "" {
		t.Fatalf("turn server credentials not minted: %+v", turn)
	}
}

func TestICEEndpoint_EmptyListIsArray(t *testing.T) {
	baseURL := startTestServer(t, testConfig(t), nil)

	resp := get(t, baseURL+"/webrtc/ice", nil)
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"iceServers":[]`) {
		t.Fatalf("body=%s, want empty array", body)
	}
}

func TestICEEndpoint_OriginPolicy(t *testing.T) {
	cfg := testConfig(t)
	cfg.AllowedOrigins = []string{"https://app.example.com"}
	baseURL := startTestServer(t, cfg, nil)

	resp := get(t, baseURL+"/webrtc/ice", http.Header{"Origin": {"https://evil.example.com"}})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}

	resp = get(t, baseURL+"/webrtc/ice", http.Header{"Origin": {"https://app.example.com"}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("Access-Control-Allow-Origin=%q", got)
	}

	req, _ := http.NewRequest(http.MethodOptions, baseURL+"/webrtc/ice", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")
	pre, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	defer pre.Body.Close()
	if pre.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight status=%d, want 204", pre.StatusCode)
	}
}

func TestReadyzFailsOnInvalidICEConfig(t *testing.T) {
	t.Setenv("CALLROULETTE_ICE_SERVERS_JSON", "[")

	cfg, err := config.Load([]string{"--listen-addr", "127.0.0.1:0", "--web-root", t.TempDir()})
	if err != nil {
		t.Fatalf("config.Load returned fatal error: %v", err)
	}
	if cfg.ICEConfigError() == nil {
		t.Fatalf("expected ICE config error to be captured for readiness")
	}

	baseURL := startTestServer(t, cfg, nil)

	if resp := get(t, baseURL+"/readyz", nil); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	if resp := get(t, baseURL+"/webrtc/ice", nil); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 from /webrtc/ice, got %d", resp.StatusCode)
	}
}

func TestIndexAndStaticFiles(t *testing.T) {
	cfg := testConfig(t)
	if err := os.WriteFile(filepath.Join(cfg.WebRoot, "index.html"), []byte("<h1>roulette</h1>"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(cfg.WebRoot, "static"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(cfg.WebRoot, "static", "app.js"), []byte("console.log('yo')"), 0o644); err != nil {
		t.Fatal(err)
	}
	baseURL := startTestServer(t, cfg, nil)

	resp := get(t, baseURL+"/", nil)
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "<h1>roulette</h1>" {
		t.Fatalf("index: status=%d body=%q", resp.StatusCode, body)
	}

	resp = get(t, baseURL+"/static/app.js", nil)
	body, _ = io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "console.log('yo')" {
		t.Fatalf("static: status=%d body=%q", resp.StatusCode, body)
	}

	if resp := get(t, baseURL+"/static/missing.js", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing static: status=%d, want 404", resp.StatusCode)
	}
	if resp := get(t, baseURL+"/nope", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown path: status=%d, want 404", resp.StatusCode)
	}
}

func TestBundledWebClientIsServed(t *testing.T) {
	cfg := testConfig(t)
	cfg.WebRoot = filepath.Join("..", "..", config.DefaultWebRoot)
	baseURL := startTestServer(t, cfg, nil)

	resp := get(t, baseURL+"/", nil)
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "/static/app.js") {
		t.Fatalf("index: status=%d body=%q", resp.StatusCode, body)
	}

	resp = get(t, baseURL+"/static/app.js", nil)
	body, _ = io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("app.js: status=%d", resp.StatusCode)
	}
	for _, want := range []string{"'/ws'", "'callroulette'", "/webrtc/ice"} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("app.js does not reference %s", want)
		}
	}

	if resp := get(t, baseURL+"/static/app.css", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("app.css: status=%d", resp.StatusCode)
	}
}

func TestWebSocketUpgradeThroughMiddleware(t *testing.T) {
	upgrader := websocket.Upgrader{}
	baseURL := startTestServer(t, testConfig(t), func(mux *http.ServeMux) {
		mux.HandleFunc("GET /echo", func(w http.ResponseWriter, r *http.Request) {
			c, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			defer c.Close()
			typ, msg, err := c.ReadMessage()
			if err != nil {
				return
			}
			_ = c.WriteMessage(typ, msg)
		})
	})

	c, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(baseURL, "http")+"/echo", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	if err := c.WriteMessage(websocket.TextMessage, []byte("yo")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := c.ReadMessage()
	if err != nil || string(msg) != "yo" {
		t.Fatalf("read: %q, %v", msg, err)
	}
}

func TestRecoverMiddleware(t *testing.T) {
	baseURL := startTestServer(t, testConfig(t), func(mux *http.ServeMux) {
		mux.HandleFunc("GET /boom", func(w http.ResponseWriter, r *http.Request) {
			panic("boom")
		})
	})

	if resp := get(t, baseURL+"/boom", nil); resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status=%d, want 500", resp.StatusCode)
	}
}
