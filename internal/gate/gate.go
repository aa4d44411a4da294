package gate

import (
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ckstats/ckstatsd/internal/config"
	"github.com/ckstats/ckstatsd/internal/util"
)

// SecretHeader carries the shared secret issued to the frontend.
const SecretHeader = "X-Stats-Secret"

// FrontendHeader marks requests proxied through the frontend.
const FrontendHeader = "X-Stats-Frontend"

type windowEntry struct {
	count   int
	started time.Time
}

// Gate enforces per-IP fixed-window rate limits and frontend
// authentication for the public API.
type Gate struct {
	mu      sync.Mutex
	windows map[string]*windowEntry

	secret      string
	window      time.Duration
	maxRequests int
	gcInterval  time.Duration

	quit chan struct{}
	wg   sync.WaitGroup
}

func New(cfg config.GateConfig) *Gate {
	return &Gate{
		windows:     make(map[string]*windowEntry),
		secret:      cfg.Secret,
		window:      cfg.Window,
		maxRequests: cfg.MaxRequests,
		gcInterval:  cfg.GCInterval,
		quit:        make(chan struct{}),
	}
}

// Start launches the background collector that drops expired windows.
func (g *Gate) Start() {
	g.wg.Add(1)
	go g.gcLoop()
}

func (g *Gate) Stop() {
	close(g.quit)
	g.wg.Wait()
}

func (g *Gate) gcLoop() {
	defer g.wg.Done()

	ticker := time.NewTicker(g.gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			removed := g.gc()
			if removed > 0 {
				util.Debugf("gate: dropped %d expired rate windows", removed)
			}
		case <-g.quit:
			return
		}
	}
}

func (g *Gate) gc() int {
	now := time.Now()
	removed := 0

	g.mu.Lock()
	for ip, entry := range g.windows {
		if now.Sub(entry.started) >= g.window {
			delete(g.windows, ip)
			removed++
		}
	}
	g.mu.Unlock()

	return removed
}

// Allow consumes one slot from the caller's current window. The window
// resets when its full duration has elapsed, so a burst of maxRequests
// is admitted per window and everything beyond it refused.
func (g *Gate) Allow(ip string) bool {
	now := time.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	entry, ok := g.windows[ip]
	if !ok || now.Sub(entry.started) >= g.window {
		g.windows[ip] = &windowEntry{count: 1, started: now}
		return true
	}

	if entry.count >= g.maxRequests {
		return false
	}
	entry.count++
	return true
}

// RateLimit rejects callers that exhausted their window with 429.
func (g *Gate) RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !g.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success": false,
				"error":   "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

// Authenticate verifies the frontend marker, the shared secret and the
// request provenance. Health probes are exempt.
func (g *Gate) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/health" {
			c.Next()
			return
		}

		if c.GetHeader(FrontendHeader) == "" {
			util.Debugf("gate: missing frontend marker from %s", c.ClientIP())
			abortForbidden(c)
			return
		}

		if g.secret == "" || c.GetHeader(SecretHeader) != g.secret {
			util.Debugf("gate: bad secret from %s", c.ClientIP())
			abortForbidden(c)
			return
		}

		if !provenanceOK(c.Request) {
			util.Debugf("gate: provenance mismatch from %s", c.ClientIP())
			abortForbidden(c)
			return
		}

		c.Next()
	}
}

func abortForbidden(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
		"success": false,
		"error":   "forbidden",
	})
}

// provenanceOK accepts requests whose Origin or Referer resolves to the
// host serving the API, or to a loopback address during development.
// Requests carrying neither header pass; server-side frontends do not
// send them.
func provenanceOK(r *http.Request) bool {
	source := r.Header.Get("Origin")
	if source == "" {
		source = r.Header.Get("Referer")
	}
	if source == "" {
		return true
	}

	u, err := url.Parse(source)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "" {
		return false
	}

	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return true
	}

	serverHost := r.Host
	if h, _, err := net.SplitHostPort(serverHost); err == nil {
		serverHost = h
	}
	return strings.EqualFold(host, serverHost)
}
