package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/signlink/signlink-relay/internal/config"
)

func testConfig() config.Config {
	return config.Config{
		ListenAddr:      "127.0.0.1:0",
		LogFormat:       config.LogFormatText,
		LogLevel:        slog.LevelInfo,
		ShutdownTimeout: 2 * time.Second,
		Mode:            config.ModeDev,
	}
}

func startTestServer(t *testing.T, cfg config.Config, routes ...Routes) (baseURL string) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	build := BuildInfo{Commit: "abc", BuildTime: "time"}
	srv := New(cfg, log, build)
	srv.Mount(routes...)

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

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp.StatusCode
}

func TestHealthReadyzVersion(t *testing.T) {
	baseURL := startTestServer(t, testConfig())

	t.Run("health", func(t *testing.T) {
		var body map[string]string
		if status := getJSON(t, baseURL+"/health", &body); status != http.StatusOK {
			t.Fatalf("status=%d, want %d", status, http.StatusOK)
		}
		if body["status"] != "healthy" {
			t.Fatalf("body=%v, want status=healthy", body)
		}
	})

	t.Run("healthz", func(t *testing.T) {
		var body map[string]any
		if status := getJSON(t, baseURL+"/healthz", &body); status != http.StatusOK {
			t.Fatalf("status=%d, want %d", status, http.StatusOK)
		}
		if body["ok"] != true {
			t.Fatalf("body=%v, want ok=true", body)
		}
	})

	t.Run("readyz", func(t *testing.T) {
		if status := getJSON(t, baseURL+"/readyz", nil); status != http.StatusOK {
			t.Fatalf("status=%d, want %d", status, http.StatusOK)
		}
	})

	t.Run("version", func(t *testing.T) {
		var got BuildInfo
		if status := getJSON(t, baseURL+"/version", &got); status != http.StatusOK {
			t.Fatalf("status=%d, want %d", status, http.StatusOK)
		}
		want := BuildInfo{Commit: "abc", BuildTime: "time"}
		if got != want {
			t.Fatalf("got=%+v, want=%+v", got, want)
		}
	})
}

func TestICEEndpointSchema(t *testing.T) {
	cfg := testConfig()
	cfg.ICEServers = []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478?transport=udp"}, Username: "user", Credential: "pass"},
	}
	baseURL := startTestServer(t, cfg)

	var payload struct {
		ICEServers []map[string]any `json:"iceServers"`
	}
	if status := getJSON(t, baseURL+"/webrtc/ice", &payload); status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if len(payload.ICEServers) != 2 {
		t.Fatalf("expected 2 iceServers, got %d", len(payload.ICEServers))
	}
	if _, ok := payload.ICEServers[0]["urls"]; !ok {
		t.Fatalf("expected urls field on first server: %#v", payload.ICEServers[0])
	}
}

func TestICEEndpoint_EmptyListIsArray(t *testing.T) {
	baseURL := startTestServer(t, testConfig())

	resp, err := http.Get(baseURL + "/webrtc/ice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if strings.TrimSpace(string(body)) != `{"iceServers":[]}` {
		t.Fatalf("body=%s", body)
	}
}

func TestOriginPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedOrigins = []string{"https://app.example.com"}
	baseURL := startTestServer(t, cfg)

	do := func(method, origin string, header map[string]string) *http.Response {
		t.Helper()
		req, err := http.NewRequest(method, baseURL+"/health", nil)
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		for k, v := range header {
			req.Header.Set(k, v)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		resp.Body.Close()
		return resp
	}

	if resp := do(http.MethodGet, "https://evil.example.com", nil); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("cross origin: expected 403, got %d", resp.StatusCode)
	}

	resp := do(http.MethodGet, "https://app.example.com", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("allowed origin: expected 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("Access-Control-Allow-Origin=%q", got)
	}

	resp = do(http.MethodOptions, "https://app.example.com", map[string]string{
		"Access-Control-Request-Method":  "POST",
		"Access-Control-Request-Headers": "content-type",
	})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight: expected 204, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Headers"); got != "content-type" {
		t.Fatalf("Access-Control-Allow-Headers=%q", got)
	}

	if resp := do(http.MethodGet, "", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("no origin: expected 200, got %d", resp.StatusCode)
	}
}

func TestReadyzFailsOnInvalidICEConfig(t *testing.T) {
	t.Setenv("SIGNLINK_ICE_SERVERS_JSON", "[")

	cfg, err := config.Load([]string{"--listen-addr", "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("config.Load returned fatal error: %v", err)
	}
	if cfg.ICEConfigError() == nil {
		t.Fatalf("expected ICE config error to be captured for readiness")
	}

	baseURL := startTestServer(t, cfg)

	if status := getJSON(t, baseURL+"/readyz", nil); status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", status)
	}
	if status := getJSON(t, baseURL+"/webrtc/ice", nil); status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", status)
	}
}

type routeFunc func(mux *http.ServeMux)

func (f routeFunc) RegisterRoutes(mux *http.ServeMux) { f(mux) }

func TestMiddlewarePassesUpgradeAndFlush(t *testing.T) {
	upgrader := websocket.Upgrader{}
	routes := routeFunc(func(mux *http.ServeMux) {
		mux.HandleFunc("GET /echo", func(w http.ResponseWriter, r *http.Request) {
			c, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			defer c.Close()
			mt, msg, err := c.ReadMessage()
			if err != nil {
				return
			}
			_ = c.WriteMessage(mt, msg)
		})
		mux.HandleFunc("GET /stream", func(w http.ResponseWriter, r *http.Request) {
			f, ok := w.(http.Flusher)
			if !ok {
				http.Error(w, "no flusher", http.StatusInternalServerError)
				return
			}
			_, _ = io.WriteString(w, "first\n")
			f.Flush()
			<-r.Context().Done()
		})
	})
	baseURL := startTestServer(t, testConfig(), routes)

	c, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(baseURL, "http")+"/echo", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	if err := c.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, msg, err := c.ReadMessage()
	if err != nil || string(msg) != "ping" {
		t.Fatalf("echo=%q err=%v", msg, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil || line != "first\n" {
		t.Fatalf("line=%q err=%v", line, err)
	}
}
