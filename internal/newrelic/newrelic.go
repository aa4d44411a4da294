// Package newrelic provides New Relic APM integration for monitoring.
package newrelic

import (
	"fmt"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/newrelic"

	"github.com/ckstats/ckstatsd/internal/config"
	"github.com/ckstats/ckstatsd/internal/util"
)

// Agent wraps New Relic APM functionality. A nil or unstarted agent is
// safe to use; every recording method becomes a no-op.
type Agent struct {
	cfg config.NewRelicConfig
	app *newrelic.Application
	mu  sync.RWMutex
}

// NewAgent creates a new New Relic agent
func NewAgent(cfg config.NewRelicConfig) *Agent {
	return &Agent{cfg: cfg}
}

// Start initializes the New Relic agent
func (a *Agent) Start() error {
	if !a.cfg.Enabled {
		util.Info("New Relic APM disabled")
		return nil
	}

	if a.cfg.LicenseKey == "" {
		util.Warn("New Relic license key not configured, APM disabled")
		return nil
	}

	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(a.cfg.AppName),
		newrelic.ConfigLicense(a.cfg.LicenseKey),
		newrelic.ConfigDistributedTracerEnabled(true),
	)
	if err != nil {
		return err
	}

	if err := app.WaitForConnection(5 * time.Second); err != nil {
		util.Warnf("New Relic connection timeout: %v (will retry in background)", err)
	}

	a.mu.Lock()
	a.app = app
	a.mu.Unlock()

	util.Infof("New Relic APM enabled for app: %s", a.cfg.AppName)
	return nil
}

// Stop shuts down the New Relic agent
func (a *Agent) Stop() {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		util.Info("Shutting down New Relic agent")
		app.Shutdown(10 * time.Second)
	}
}

// Application returns the underlying New Relic application (for middleware)
func (a *Agent) Application() *newrelic.Application {
	if a == nil {
		return nil
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.app
}

// StartTransaction starts a new New Relic transaction
func (a *Agent) StartTransaction(name string) *newrelic.Transaction {
	app := a.Application()
	if app == nil {
		return nil
	}
	return app.StartTransaction(name)
}

// Middleware returns a gin handler that wraps each request in a
// transaction. With no started application it passes requests through
// untouched.
func (a *Agent) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		txn := a.StartTransaction(c.Request.Method + " " + c.FullPath())
		if txn == nil {
			c.Next()
			return
		}
		defer txn.End()

		txn.SetWebRequestHTTP(c.Request)
		c.Request = c.Request.WithContext(newrelic.NewContext(c.Request.Context(), txn))

		c.Next()

		if status := c.Writer.Status(); status >= 500 {
			txn.NoticeError(fmt.Errorf("request failed with status %d", status))
		}
	}
}

// RecordCustomEvent records a custom event
func (a *Agent) RecordCustomEvent(eventType string, params map[string]interface{}) {
	if app := a.Application(); app != nil {
		app.RecordCustomEvent(eventType, params)
	}
}

// RecordCustomMetric records a custom metric
func (a *Agent) RecordCustomMetric(name string, value float64) {
	if app := a.Application(); app != nil {
		app.RecordCustomMetric(name, value)
	}
}

// RecordBlockFound records a solved block event
func (a *Agent) RecordBlockFound(height int64, finder string, reward float64) {
	a.RecordCustomEvent("BlockFound", map[string]interface{}{
		"height": height,
		"finder": finder,
		"reward": reward,
	})
}

// RecordDaemonError records a failed daemon exchange
func (a *Agent) RecordDaemonError(command string, err error) {
	if err == nil {
		return
	}
	a.RecordCustomEvent("DaemonError", map[string]interface{}{
		"command": command,
		"error":   err.Error(),
	})
}

// UpdatePoolMetrics updates pool-wide gauges
func (a *Agent) UpdatePoolMetrics(hashrate1m float64, users, workers int64) {
	a.RecordCustomMetric("Custom/Pool/Hashrate1m", hashrate1m)
	a.RecordCustomMetric("Custom/Pool/Users", float64(users))
	a.RecordCustomMetric("Custom/Pool/Workers", float64(workers))
}

// UpdateNetworkMetrics updates chain gauges
func (a *Agent) UpdateNetworkMetrics(height int64, difficulty, hashrate float64) {
	a.RecordCustomMetric("Custom/Network/Height", float64(height))
	a.RecordCustomMetric("Custom/Network/Difficulty", difficulty)
	a.RecordCustomMetric("Custom/Network/Hashrate", hashrate)
}
