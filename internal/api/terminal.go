package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/supervisor"
)

// resizeCommandByte is the binary protocol marker for resize messages.
// First byte 0x01 indicates resize, followed by JSON {cols, rows}.
const resizeCommandByte = 0x01

// ResizePayload is the JSON payload for resize commands.
type ResizePayload struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// terminalUpgrader is the WebSocket upgrader for terminal connections.
// Uses larger buffers for better TUI performance.
var terminalUpgrader = gorillaws.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     checkWebSocketOrigin,
}

// checkWebSocketOrigin validates the Origin header to prevent cross-site
// WebSocket hijacking. Browserless clients without an Origin are allowed.
func checkWebSocketOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if strings.HasPrefix(origin, "http://localhost") ||
		strings.HasPrefix(origin, "http://127.0.0.1") ||
		strings.HasPrefix(origin, "https://localhost") ||
		strings.HasPrefix(origin, "https://127.0.0.1") {
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}

	requestHost := r.Host
	if colonIdx := strings.LastIndex(requestHost, ":"); colonIdx != -1 {
		if !strings.Contains(requestHost, "]") || colonIdx > strings.Index(requestHost, "]") {
			requestHost = requestHost[:colonIdx]
		}
	}
	return originURL.Hostname() == requestHost
}

// wsWriter serializes binary frame writes to one WebSocket connection.
type wsWriter struct {
	conn   *gorillaws.Conn
	mu     sync.Mutex
	closed bool
}

func (w *wsWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, io.ErrClosedPipe
	}
	if err := w.conn.WriteMessage(gorillaws.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

// terminalRole picks the stream role from the query, defaulting to the
// driving agent process.
func terminalRole(c *gin.Context) string {
	if role := c.Query("role"); role != "" {
		return role
	}
	return supervisor.RoleAgent
}

func (s *Server) terminalInput(c *gin.Context) {
	data, err := io.ReadAll(c.Request.Body)
	if err != nil || len(data) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty input"})
		return
	}

	if err := s.terminals.Input(c.Param("id"), terminalRole(c), data); err != nil {
		respondError(c, s.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) terminalResize(c *gin.Context) {
	var payload ResizePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if payload.Cols <= 0 || payload.Rows <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid resize dimensions"})
		return
	}

	if err := s.terminals.Resize(c.Param("id"), terminalRole(c), payload.Cols, payload.Rows); err != nil {
		respondError(c, s.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// terminalAttach upgrades to a binary WebSocket bridging the agent's PTY
// stream: output flows out as binary frames, input frames flow back in,
// frames starting with 0x01 carry resize commands.
func (s *Server) terminalAttach(c *gin.Context) {
	agentID := c.Param("id")
	role := terminalRole(c)

	if _, err := s.agents.GetAgent(agentID); err != nil {
		respondError(c, s.logger, err)
		return
	}

	conn, err := terminalUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("failed to upgrade to WebSocket",
			zap.String("agent_id", agentID),
			zap.Error(err))
		return
	}

	s.logger.Info("terminal attached",
		zap.String("agent_id", agentID),
		zap.String("role", role),
		zap.String("remote_addr", c.Request.RemoteAddr))

	sub := s.terminals.Subscribe(agentID, role)
	wsw := &wsWriter{conn: conn}

	// Output pump: mux chunks to binary frames
	go func() {
		for chunk := range sub.Chunks() {
			if _, err := wsw.Write(chunk.Data); err != nil {
				sub.Cancel()
				return
			}
		}
		// Stream dropped (teardown); close the socket so the read loop ends
		_ = wsw.Close()
		_ = conn.Close()
	}()

	defer func() {
		sub.Cancel()
		_ = wsw.Close()
		_ = conn.Close()
		s.logger.Info("terminal detached",
			zap.String("agent_id", agentID),
			zap.String("role", role))
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if !gorillaws.IsCloseError(err, gorillaws.CloseNormalClosure, gorillaws.CloseGoingAway) {
				s.logger.Debug("WebSocket read error",
					zap.String("agent_id", agentID),
					zap.Error(err))
			}
			return
		}
		if messageType != gorillaws.BinaryMessage && messageType != gorillaws.TextMessage {
			continue
		}
		if len(data) == 0 {
			continue
		}

		if data[0] == resizeCommandByte {
			var resize ResizePayload
			if err := json.Unmarshal(data[1:], &resize); err != nil {
				s.logger.Warn("failed to parse resize command",
					zap.String("agent_id", agentID),
					zap.Error(err))
				continue
			}
			if resize.Cols <= 0 || resize.Rows <= 0 {
				continue
			}
			if err := s.terminals.Resize(agentID, role, resize.Cols, resize.Rows); err != nil {
				s.logger.Debug("resize failed",
					zap.String("agent_id", agentID),
					zap.Error(err))
			}
			continue
		}

		if err := s.terminals.Input(agentID, role, data); err != nil {
			s.logger.Debug("input dropped",
				zap.String("agent_id", agentID),
				zap.Error(err))
		}
	}
}
