// Package api provides the REST API server.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ckstats/ckstatsd/internal/blocks"
	"github.com/ckstats/ckstatsd/internal/cache"
	"github.com/ckstats/ckstatsd/internal/ckclient"
	"github.com/ckstats/ckstatsd/internal/config"
	"github.com/ckstats/ckstatsd/internal/gate"
	"github.com/ckstats/ckstatsd/internal/newrelic"
	"github.com/ckstats/ckstatsd/internal/price"
	"github.com/ckstats/ckstatsd/internal/stats"
	"github.com/ckstats/ckstatsd/internal/storage"
	"github.com/ckstats/ckstatsd/internal/util"
)

// Daemon command names accepted on the two control sockets.
const (
	cmdStatus  = "status"
	cmdNetwork = "network"
	cmdStats   = "stats"
	cmdGetUser = "getuser"
)

// Deps bundles the collaborators the server reads from. Store, Price,
// Blocks and Agent may be nil; the matching endpoints then degrade.
type Deps struct {
	Client *ckclient.Client
	Cache  *cache.Cache
	Gate   *gate.Gate
	Store  *storage.SnapshotStore
	Price  *price.Service
	Blocks *blocks.Scanner
	Agent  *newrelic.Agent
}

// Server is the API server
type Server struct {
	cfg    *config.Config
	deps   Deps
	router *gin.Engine
	server *http.Server

	// Short-TTL response caches; the daemon sockets are single-threaded
	// so API fan-in must not translate into daemon fan-out.
	poolMu       sync.RWMutex
	poolCached   *stats.PoolSnapshot
	poolCachedAt time.Time
	poolStale    bool

	netMu       sync.RWMutex
	netCached   *stats.NetworkInfo
	netCachedAt time.Time
	netStale    bool
}

// NewServer creates a new API server
func NewServer(cfg *config.Config, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		router: router,
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures API endpoints
func (s *Server) setupRoutes() {
	s.router.Use(s.corsMiddleware())

	if s.deps.Agent != nil {
		s.router.Use(s.deps.Agent.Middleware())
	}

	if s.deps.Gate != nil {
		s.router.Use(s.deps.Gate.RateLimit(), s.deps.Gate.Authenticate())
	}

	s.router.GET("/pool", s.handlePool)
	s.router.GET("/network", s.handleNetwork)
	s.router.GET("/stats/:address", s.handleUser)
	s.router.GET("/leaderboard", s.handleLeaderboard)
	s.router.GET("/efficiency", s.handleEfficiency)
	s.router.GET("/price", s.handlePrice)
	s.router.GET("/blocks/recent", s.handleRecentBlocks)
	s.router.GET("/miner-types", s.handleMinerTypes)
	s.router.GET("/ws", s.handleWS)

	s.router.GET("/health", s.handleHealth)
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	allowed := make(map[string]bool, len(s.cfg.API.CORSOrigins))
	wildcard := false
	for _, o := range s.cfg.API.CORSOrigins {
		if o == "*" {
			wildcard = true
		}
		allowed[o] = true
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && (wildcard || allowed[origin]) {
			if wildcard {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			}
			c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, "+gate.SecretHeader+", "+gate.FrontendHeader)
		}

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// Start begins the API server
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    s.cfg.API.Bind,
		Handler: s.router,
	}

	util.Infof("API server listening on %s", s.cfg.API.Bind)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Errorf("API server error: %v", err)
		}
	}()

	return nil
}

// Stop shuts down the API server
func (s *Server) Stop() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func respondOK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func respondStale(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data, "stale": true})
}

func respondError(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"success": false, "error": msg})
}

// poolSnapshot returns the current pool view, from the TTL cache when it
// is fresh. The boolean reports whether the data is a stale fallback.
func (s *Server) poolSnapshot(ctx context.Context) (*stats.PoolSnapshot, bool, error) {
	s.poolMu.RLock()
	if s.poolCached != nil && time.Since(s.poolCachedAt) < s.cfg.API.StatsCache {
		snap, stale := s.poolCached, s.poolStale
		s.poolMu.RUnlock()
		return snap, stale, nil
	}
	s.poolMu.RUnlock()

	// The three source commands are independent; fetch them together and
	// let each degrade on its own.
	var statusB, poolB, netB []byte
	var wg sync.WaitGroup
	fetch := func(dst *[]byte, socket, cmd string) {
		defer wg.Done()
		reply, err := s.deps.Client.Send(ctx, socket, cmd)
		if err != nil {
			util.Warnf("daemon %s failed: %v", cmd, err)
			s.deps.Agent.RecordDaemonError(cmd, err)
			return
		}
		*dst = reply.Payload
	}
	wg.Add(3)
	go fetch(&statusB, s.cfg.Daemon.ListenerSocket, cmdStatus)
	go fetch(&poolB, s.cfg.Daemon.StratifierSocket, cmdStats)
	go fetch(&netB, s.cfg.Daemon.ListenerSocket, cmdNetwork)
	wg.Wait()

	if statusB == nil && poolB == nil && netB == nil {
		return s.stalePoolSnapshot(ctx)
	}

	snap := stats.NormalizePool(statusB, poolB, netB)

	s.poolMu.Lock()
	s.poolCached = snap
	s.poolCachedAt = time.Now()
	s.poolStale = false
	s.poolMu.Unlock()

	if err := s.deps.Store.SavePoolSnapshot(ctx, snap); err != nil {
		util.Warnf("failed to store pool snapshot: %v", err)
	}
	s.deps.Agent.UpdatePoolMetrics(snap.Hashrate1m, snap.Users, snap.Workers)

	return snap, false, nil
}

// stalePoolSnapshot serves the last good view when the daemon is down:
// first the in-process copy, then the persisted snapshot.
func (s *Server) stalePoolSnapshot(ctx context.Context) (*stats.PoolSnapshot, bool, error) {
	s.poolMu.Lock()
	defer s.poolMu.Unlock()

	if s.poolCached != nil {
		s.poolStale = true
		return s.poolCached, true, nil
	}

	var snap stats.PoolSnapshot
	found, err := s.deps.Store.PoolSnapshot(ctx, &snap)
	if err != nil {
		util.Warnf("failed to load pool snapshot: %v", err)
	}
	if found {
		s.poolCached = &snap
		s.poolCachedAt = time.Now()
		s.poolStale = true
		return &snap, true, nil
	}

	return nil, false, errors.New("mining daemon unreachable")
}

// handlePool returns the aggregated pool view.
func (s *Server) handlePool(c *gin.Context) {
	snap, stale, err := s.poolSnapshot(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, err.Error())
		return
	}
	if stale {
		respondStale(c, snap)
		return
	}
	respondOK(c, snap)
}

// handleNetwork returns the chain view.
func (s *Server) handleNetwork(c *gin.Context) {
	ctx := c.Request.Context()

	s.netMu.RLock()
	if s.netCached != nil && time.Since(s.netCachedAt) < s.cfg.API.StatsCache {
		info, stale := s.netCached, s.netStale
		s.netMu.RUnlock()
		if stale {
			respondStale(c, info)
		} else {
			respondOK(c, info)
		}
		return
	}
	s.netMu.RUnlock()

	var info *stats.NetworkInfo
	reply, err := s.deps.Client.Send(ctx, s.cfg.Daemon.ListenerSocket, cmdNetwork)
	if err != nil {
		util.Warnf("daemon %s failed: %v", cmdNetwork, err)
		s.deps.Agent.RecordDaemonError(cmdNetwork, err)
	} else {
		info = stats.NormalizeNetwork(reply.Payload)
	}

	if info == nil {
		s.netMu.Lock()
		if s.netCached != nil {
			s.netStale = true
			info = s.netCached
			s.netMu.Unlock()
			respondStale(c, info)
			return
		}
		s.netMu.Unlock()

		var snap stats.NetworkInfo
		if found, _ := s.deps.Store.NetworkSnapshot(ctx, &snap); found {
			respondStale(c, &snap)
			return
		}
		respondError(c, http.StatusInternalServerError, "mining daemon unreachable")
		return
	}

	s.netMu.Lock()
	s.netCached = info
	s.netCachedAt = time.Now()
	s.netStale = false
	s.netMu.Unlock()

	if err := s.deps.Store.SaveNetworkSnapshot(ctx, info); err != nil {
		util.Warnf("failed to store network snapshot: %v", err)
	}
	s.deps.Agent.UpdateNetworkMetrics(int64(info.Height), info.Difficulty, info.Hashrate)

	respondOK(c, info)
}

// handleUser returns live per-address stats reconciled with the worker
// cache.
func (s *Server) handleUser(c *gin.Context) {
	ctx := c.Request.Context()
	address := c.Param("address")

	if !util.ValidateAddress(address) {
		respondError(c, http.StatusBadRequest, "invalid address")
		return
	}

	cmd, err := ckclient.ParamCommand(cmdGetUser, map[string]string{"user": address})
	if err != nil {
		respondError(c, http.StatusInternalServerError, "internal error")
		return
	}

	reply, err := s.deps.Client.Send(ctx, s.cfg.Daemon.StratifierSocket, cmd)
	if err != nil {
		if errors.Is(err, ckclient.ErrNotFound) {
			respondError(c, http.StatusNotFound, "address not found")
			return
		}
		util.Warnf("daemon %s failed: %v", cmdGetUser, err)
		s.deps.Agent.RecordDaemonError(cmdGetUser, err)

		var user stats.UserStats
		if found, _ := s.deps.Store.UserSnapshot(ctx, address, &user); found {
			respondStale(c, &user)
			return
		}
		respondError(c, http.StatusInternalServerError, "mining daemon unreachable")
		return
	}

	user := stats.NormalizeUser(address, reply.Payload, time.Now())
	if user == nil {
		respondError(c, http.StatusNotFound, "address not found")
		return
	}

	s.reconcile(user)

	if err := s.deps.Store.SaveUserSnapshot(ctx, address, user); err != nil {
		util.Warnf("failed to store user snapshot: %v", err)
	}

	respondOK(c, user)
}

// reconcile folds live worker readings into the persistent cache and
// writes the merged values back onto the response. One batch, one flush.
func (s *Server) reconcile(user *stats.UserStats) {
	wc := s.deps.Cache

	for i := range user.Workers {
		w := &user.Workers[i]

		w.BestDiff = wc.MergeBestDifficulty(w.Identity, w.BestDiff)
		wc.MergeMinerType(w.Identity, w.MinerType)
		w.MinerType = wc.MinerType(w.Identity)
		if w.LastShare > 0 {
			wc.Touch(w.Identity, w.LastShare)
		}

		if w.BestDiff > user.BestDiff {
			user.BestDiff = w.BestDiff
		}
	}
	user.BestDiff = wc.MergeBestDifficulty(user.Address, user.BestDiff)

	if err := wc.Persist(); err != nil {
		util.Warnf("failed to persist worker cache: %v", err)
	}
}

// handleLeaderboard returns the anonymized best-difficulty ranking.
func (s *Server) handleLeaderboard(c *gin.Context) {
	limit := 25
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			respondError(c, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	respondOK(c, s.deps.Cache.Leaderboard(limit))
}

// EfficiencyStats is the /efficiency response body.
type EfficiencyStats struct {
	Accepted   uint64  `json:"accepted"`
	Rejected   uint64  `json:"rejected"`
	Efficiency float64 `json:"efficiency"`
}

// handleEfficiency returns share acceptance quality for the whole pool.
func (s *Server) handleEfficiency(c *gin.Context) {
	snap, stale, err := s.poolSnapshot(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, err.Error())
		return
	}

	eff := EfficiencyStats{Accepted: snap.Accepted, Rejected: snap.Rejected}
	if total := snap.Accepted + snap.Rejected; total > 0 {
		eff.Efficiency = float64(snap.Accepted) / float64(total) * 100
	}

	if stale {
		respondStale(c, eff)
		return
	}
	respondOK(c, eff)
}

// handlePrice returns the cached BTC spot price.
func (s *Server) handlePrice(c *gin.Context) {
	quote, err := s.deps.Price.Quote(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusServiceUnavailable, "price unavailable")
		return
	}
	respondOK(c, quote)
}

// handleRecentBlocks returns blocks recovered from the daemon logs.
func (s *Server) handleRecentBlocks(c *gin.Context) {
	if s.deps.Blocks == nil {
		respondOK(c, []blocks.Block{})
		return
	}
	found := s.deps.Blocks.Recent()
	if found == nil {
		found = []blocks.Block{}
	}
	respondOK(c, found)
}

// handleMinerTypes returns hardware family counts across known workers.
func (s *Server) handleMinerTypes(c *gin.Context) {
	respondOK(c, s.deps.Cache.TypeCounts())
}

// handleHealth reports liveness. It is exempt from authentication so
// load balancers can probe it.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"workers": s.deps.Cache.Size(),
	})
}
