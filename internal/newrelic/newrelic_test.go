package newrelic

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/ckstats/ckstatsd/internal/config"
)

func TestMiddlewarePassThroughWhenUnstarted(t *testing.T) {
	gin.SetMode(gin.TestMode)

	agent := NewAgent(config.NewRelicConfig{Enabled: false})
	if err := agent.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer agent.Stop()

	r := gin.New()
	r.Use(agent.Middleware())
	r.GET("/pool", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	req := httptest.NewRequest("GET", "/pool", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestRecordingNoopsWithoutApplication(t *testing.T) {
	agent := NewAgent(config.NewRelicConfig{Enabled: false})

	// None of these may panic with no application behind them.
	agent.RecordBlockFound(850000, "bc1qminer", 3.125)
	agent.RecordDaemonError("getuser", nil)
	agent.UpdatePoolMetrics(1e12, 10, 25)
	agent.UpdateNetworkMetrics(850000, 9e13, 6e20)
	if txn := agent.StartTransaction("GET /pool"); txn != nil {
		t.Errorf("StartTransaction = %v, want nil", txn)
	}
}
