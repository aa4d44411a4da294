package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/ckstats/ckstatsd/internal/util"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Provenance is already enforced by the access gate.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsFrame is one message on the live stream.
type wsFrame struct {
	Type  string      `json:"type"`
	Data  interface{} `json:"data"`
	Stale bool        `json:"stale,omitempty"`
}

// handleWS streams pool snapshots to the client at the configured
// interval until the peer goes away.
func (s *Server) handleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		util.Debugf("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		return nil
	})

	// Drain control frames; a read error means the peer is gone.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	interval := s.cfg.API.WSInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if !s.writeSnapshot(conn, c) {
		return
	}
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if !s.writeSnapshot(conn, c) {
				return
			}
		}
	}
}

func (s *Server) writeSnapshot(conn *websocket.Conn, c *gin.Context) bool {
	snap, stale, err := s.poolSnapshot(c.Request.Context())

	var frame wsFrame
	if err != nil {
		frame = wsFrame{Type: "error", Data: err.Error()}
	} else {
		frame = wsFrame{Type: "pool", Data: snap, Stale: stale}
	}

	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(frame); err != nil {
		util.Debugf("websocket write failed: %v", err)
		return false
	}
	return true
}
