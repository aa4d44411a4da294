package api

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ckstats/ckstatsd/internal/blocks"
	"github.com/ckstats/ckstatsd/internal/cache"
	"github.com/ckstats/ckstatsd/internal/ckclient"
	"github.com/ckstats/ckstatsd/internal/config"
	"github.com/ckstats/ckstatsd/internal/gate"
)

const testAddress = "1BoatSLRHtKNngkdXEeobR76b53LETtpyT"

// fakeDaemon answers framed commands on a unix socket. Handlers are
// keyed by the command name before any parameter suffix.
type fakeDaemon struct {
	listener net.Listener
	handlers map[string]string
}

func startDaemon(t *testing.T, path string, handlers map[string]string) *fakeDaemon {
	t.Helper()

	l, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("failed to listen on %s: %v", path, err)
	}
	d := &fakeDaemon{listener: l, handlers: handlers}
	t.Cleanup(func() { l.Close() })

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go d.serve(conn)
		}
	}()
	return d
}

func (d *fakeDaemon) serve(conn net.Conn) {
	defer conn.Close()

	var prefix [4]byte
	if _, err := io.ReadFull(conn, prefix[:]); err != nil {
		return
	}
	body := make([]byte, binary.LittleEndian.Uint32(prefix[:]))
	if _, err := io.ReadFull(conn, body); err != nil {
		return
	}

	name := string(body)
	if i := strings.Index(name, "."); i >= 0 {
		name = name[:i]
	}
	resp, ok := d.handlers[name]
	if !ok {
		resp = `"unknown"`
	}
	// getuser only knows the canonical test address.
	if name == "getuser" && !strings.Contains(string(body), testAddress) {
		resp = `"unknown"`
	}

	var out [4]byte
	binary.LittleEndian.PutUint32(out[:], uint32(len(resp)))
	conn.Write(out[:])
	conn.Write([]byte(resp))
}

const (
	statusPayload = `{"runtime": 86400, "Users": 3, "Workers": 5, "Idle": 1, "Disconnected": 2}`
	statsPayload  = `{"dsps1": 2.5, "dsps5": 2.0, "dsps60": 1.5, "dsps1440": 1.0, "dsps10080": 0.5, "accepted": 900, "rejected": 100, "bestshare": 12345.0}`
	netPayload    = `{"height": 850000, "diff": 9.5e13, "networkhashps": 6.8e20}`
	userPayload   = `{"hashrate1m": "1.2T", "dsps1": 0.5, "lastshare": 1700000000, "shares": 4200, "bestshare": 300,
		"worker": [{"workername": "` + testAddress + `.rig1", "dsps1": 0.5, "lastshare": 1700000000, "shares": 4200, "bestshare": 300, "client": "bitaxe/2.0"}]}`
)

type testEnv struct {
	server *Server
	cfg    *config.Config
}

func setupTestServer(t *testing.T, withDaemons bool, deps Deps) *testEnv {
	t.Helper()
	dir := t.TempDir()

	cfg := &config.Config{}
	cfg.Daemon.ListenerSocket = filepath.Join(dir, "listener")
	cfg.Daemon.StratifierSocket = filepath.Join(dir, "stratifier")
	cfg.Daemon.Timeout = time.Second
	cfg.API.StatsCache = time.Minute
	cfg.API.WSInterval = 20 * time.Millisecond

	if withDaemons {
		startDaemon(t, cfg.Daemon.ListenerSocket, map[string]string{
			"status":  statusPayload,
			"network": netPayload,
		})
		startDaemon(t, cfg.Daemon.StratifierSocket, map[string]string{
			"stats":   statsPayload,
			"getuser": userPayload,
		})
	}

	if deps.Client == nil {
		deps.Client = ckclient.New(time.Second)
	}
	if deps.Cache == nil {
		deps.Cache = cache.New(filepath.Join(dir, "cache.json"), "")
	}

	return &testEnv{server: NewServer(cfg, deps), cfg: cfg}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Stale   bool            `json:"stale"`
}

func get(t *testing.T, s *Server, path string) (int, envelope) {
	t.Helper()
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest("GET", path, nil))

	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("bad envelope %q: %v", w.Body.String(), err)
	}
	return w.Code, env
}

func TestPoolEndpoint(t *testing.T) {
	env := setupTestServer(t, true, Deps{})

	code, resp := get(t, env.server, "/pool")
	if code != http.StatusOK || !resp.Success {
		t.Fatalf("code=%d success=%v error=%q", code, resp.Success, resp.Error)
	}
	if resp.Stale {
		t.Error("fresh response marked stale")
	}

	var snap map[string]interface{}
	if err := json.Unmarshal(resp.Data, &snap); err != nil {
		t.Fatal(err)
	}
	if got := snap["hashrate_1m"].(float64); got != 2.5*4294967296 {
		t.Errorf("hashrate_1m = %f", got)
	}
	if got := snap["users"].(float64); got != 3 {
		t.Errorf("users = %f", got)
	}
	if got := snap["height"].(float64); got != 850000 {
		t.Errorf("height = %f", got)
	}
	if got := snap["accepted"].(float64); got != 900 {
		t.Errorf("accepted = %f", got)
	}
}

func TestPoolDaemonDown(t *testing.T) {
	env := setupTestServer(t, false, Deps{})

	code, resp := get(t, env.server, "/pool")
	if code != http.StatusInternalServerError {
		t.Errorf("code = %d, want 500", code)
	}
	if resp.Success {
		t.Error("success should be false")
	}
}

func TestPoolStaleFallback(t *testing.T) {
	env := setupTestServer(t, true, Deps{})
	env.cfg.API.StatsCache = 0 // bypass the response cache

	if code, _ := get(t, env.server, "/pool"); code != http.StatusOK {
		t.Fatalf("warm request failed: %d", code)
	}

	// Daemon goes away; the last good snapshot is served flagged stale.
	env.cfg.Daemon.ListenerSocket = env.cfg.Daemon.ListenerSocket + ".gone"
	env.cfg.Daemon.StratifierSocket = env.cfg.Daemon.StratifierSocket + ".gone"

	code, resp := get(t, env.server, "/pool")
	if code != http.StatusOK || !resp.Success {
		t.Fatalf("code=%d success=%v", code, resp.Success)
	}
	if !resp.Stale {
		t.Error("fallback response should be flagged stale")
	}
}

func TestNetworkEndpoint(t *testing.T) {
	env := setupTestServer(t, true, Deps{})

	code, resp := get(t, env.server, "/network")
	if code != http.StatusOK || !resp.Success {
		t.Fatalf("code=%d error=%q", code, resp.Error)
	}

	var info map[string]interface{}
	json.Unmarshal(resp.Data, &info)
	if got := info["height"].(float64); got != 850000 {
		t.Errorf("height = %f", got)
	}
	if got := info["difficulty"].(float64); got != 9.5e13 {
		t.Errorf("difficulty = %g", got)
	}
}

func TestUserEndpoint(t *testing.T) {
	env := setupTestServer(t, true, Deps{})

	code, resp := get(t, env.server, "/stats/"+testAddress)
	if code != http.StatusOK || !resp.Success {
		t.Fatalf("code=%d error=%q", code, resp.Error)
	}

	var user map[string]interface{}
	json.Unmarshal(resp.Data, &user)
	if got := user["address"].(string); got != testAddress {
		t.Errorf("address = %q", got)
	}

	workers := user["workers"].([]interface{})
	if len(workers) != 1 {
		t.Fatalf("workers = %d", len(workers))
	}
	w := workers[0].(map[string]interface{})
	if got := w["miner_type"].(string); got != "Bitaxe" {
		t.Errorf("miner_type = %q", got)
	}
}

func TestUserEndpointReconcilesCachedBest(t *testing.T) {
	dir := t.TempDir()
	wc := cache.New(filepath.Join(dir, "cache.json"), "")
	wc.MergeBestDifficulty(testAddress+".rig1", 500)

	env := setupTestServer(t, true, Deps{Cache: wc})

	_, resp := get(t, env.server, "/stats/"+testAddress)

	var user map[string]interface{}
	json.Unmarshal(resp.Data, &user)
	w := user["workers"].([]interface{})[0].(map[string]interface{})
	if got := w["best_diff"].(float64); got != 500 {
		t.Errorf("best_diff = %f, want cached 500 over live 300", got)
	}
}

func TestUserEndpointInvalidAddress(t *testing.T) {
	env := setupTestServer(t, true, Deps{})

	code, resp := get(t, env.server, "/stats/not-an-address")
	if code != http.StatusBadRequest {
		t.Errorf("code = %d, want 400", code)
	}
	if resp.Success {
		t.Error("success should be false")
	}
}

func TestUserEndpointUnknownAddress(t *testing.T) {
	env := setupTestServer(t, true, Deps{})

	// Valid shape, but the stratifier does not know it.
	unknown := "1QLbz7JHiBTspS962RLKV8GndWFwi5j6Qr"
	code, _ := get(t, env.server, "/stats/"+unknown)
	if code != http.StatusNotFound {
		t.Errorf("code = %d, want 404", code)
	}
}

func TestLeaderboardEndpoint(t *testing.T) {
	dir := t.TempDir()
	wc := cache.New(filepath.Join(dir, "cache.json"), "")
	wc.MergeBestDifficulty("addrA.w1", 900)
	wc.MergeBestDifficulty("addrB.w1", 700)

	env := setupTestServer(t, false, Deps{Cache: wc})

	code, resp := get(t, env.server, "/leaderboard")
	if code != http.StatusOK || !resp.Success {
		t.Fatalf("code=%d", code)
	}

	var rows []map[string]interface{}
	json.Unmarshal(resp.Data, &rows)
	if len(rows) != 2 {
		t.Fatalf("rows = %d", len(rows))
	}
	if rows[0]["best_difficulty"].(float64) != 900 {
		t.Errorf("top row = %+v", rows[0])
	}

	if code, _ := get(t, env.server, "/leaderboard?limit=0"); code != http.StatusBadRequest {
		t.Errorf("limit=0 code = %d, want 400", code)
	}
	if code, _ := get(t, env.server, "/leaderboard?limit=bogus"); code != http.StatusBadRequest {
		t.Errorf("limit=bogus code = %d, want 400", code)
	}
}

func TestEfficiencyEndpoint(t *testing.T) {
	env := setupTestServer(t, true, Deps{})

	code, resp := get(t, env.server, "/efficiency")
	if code != http.StatusOK {
		t.Fatalf("code = %d", code)
	}

	var eff EfficiencyStats
	json.Unmarshal(resp.Data, &eff)
	if eff.Accepted != 900 || eff.Rejected != 100 {
		t.Errorf("shares = %+v", eff)
	}
	if eff.Efficiency != 90 {
		t.Errorf("efficiency = %f, want 90", eff.Efficiency)
	}
}

func TestPriceEndpointWithoutService(t *testing.T) {
	env := setupTestServer(t, false, Deps{})

	code, resp := get(t, env.server, "/price")
	if code != http.StatusServiceUnavailable || resp.Success {
		t.Errorf("code=%d success=%v", code, resp.Success)
	}
}

func TestRecentBlocksEndpoint(t *testing.T) {
	env := setupTestServer(t, false, Deps{
		Blocks: blocks.NewScanner("", time.Minute, 10),
	})

	code, resp := get(t, env.server, "/blocks/recent")
	if code != http.StatusOK || !resp.Success {
		t.Fatalf("code=%d", code)
	}
	if string(resp.Data) != "[]" {
		t.Errorf("data = %s, want empty array", resp.Data)
	}
}

func TestMinerTypesEndpoint(t *testing.T) {
	dir := t.TempDir()
	wc := cache.New(filepath.Join(dir, "cache.json"), "")
	wc.MergeMinerType("a.w1", "Bitaxe")

	env := setupTestServer(t, false, Deps{Cache: wc})

	code, resp := get(t, env.server, "/miner-types")
	if code != http.StatusOK {
		t.Fatalf("code = %d", code)
	}
	var counts map[string]int
	json.Unmarshal(resp.Data, &counts)
	if counts["Bitaxe"] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := setupTestServer(t, false, Deps{})

	w := httptest.NewRecorder()
	env.server.Router().ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("code = %d", w.Code)
	}
}

func TestGatedServerRejectsAnonymous(t *testing.T) {
	g := gate.New(config.GateConfig{
		Secret:      "s3cret",
		Window:      time.Minute,
		MaxRequests: 100,
		GCInterval:  time.Minute,
	})
	env := setupTestServer(t, true, Deps{Gate: g})

	w := httptest.NewRecorder()
	env.server.Router().ServeHTTP(w, httptest.NewRequest("GET", "/pool", nil))
	if w.Code != http.StatusForbidden {
		t.Errorf("anonymous /pool code = %d, want 403", w.Code)
	}

	// Health stays open.
	w = httptest.NewRecorder()
	env.server.Router().ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("/health code = %d, want 200", w.Code)
	}

	// Credentialed requests pass.
	req := httptest.NewRequest("GET", "/pool", nil)
	req.Header.Set(gate.FrontendHeader, "1")
	req.Header.Set(gate.SecretHeader, "s3cret")
	w = httptest.NewRecorder()
	env.server.Router().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("credentialed /pool code = %d, want 200", w.Code)
	}
}

func TestWebSocketStream(t *testing.T) {
	env := setupTestServer(t, true, Deps{})

	srv := httptest.NewServer(env.server.Router())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var frame wsFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read: %v", err)
	}
	if frame.Type != "pool" {
		t.Errorf("frame type = %q", frame.Type)
	}

	// The stream keeps ticking.
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("second read: %v", err)
	}
}
