package internal

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"pulsechat/internal/realtime"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 16384
)

var (
	errClientGone        = errors.New("client disconnected")
	errTokenUserMismatch = errors.New("token does not belong to userId")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServeWS authenticates the userId query parameter, then upgrades the request
// and pumps frames between the socket and a realtime session. An optional token
// parameter must belong to userId and may stand in for it.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if token := r.URL.Query().Get("token"); token != "" {
		authCtx, err := s.resolveToken(r.Context(), token)
		if err != nil {
			if errors.Is(err, errUnauthorized) {
				writeError(w, http.StatusUnauthorized, err)
			} else {
				writeError(w, http.StatusServiceUnavailable, err)
			}
			return
		}
		if userID != "" && userID != authCtx.User.ID {
			writeError(w, http.StatusUnauthorized, errTokenUserMismatch)
			return
		}
		userID = authCtx.User.ID
	}
	sess, err := s.hub.Open(r.Context(), userID)
	if err != nil {
		switch {
		case realtime.IsAuthError(err):
			writeError(w, http.StatusUnauthorized, err)
		default:
			s.logger.Warn("realtime handshake failed", zap.String("user_id", userID), zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, err)
		}
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.String("user_id", userID), zap.Error(err))
		sess.Close(err)
		return
	}
	client := &wsClient{
		conn:    conn,
		session: sess,
		logger:  s.logger.With(zap.String("conn_id", sess.ID()), zap.String("user_id", userID)),
	}
	go client.writePump()
	go client.readPump()
}

type wsClient struct {
	conn    *websocket.Conn
	session *realtime.Session
	logger  *zap.Logger
}

func (c *wsClient) readPump() {
	ctx, cancel := context.WithCancel(context.Background())
	reason := errClientGone
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("websocket reader panicked", zap.Any("panic", r))
		}
		cancel()
		c.session.Close(reason)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMsgSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.logger.Debug("websocket read error", zap.Error(err))
				reason = err
			}
			return
		}
		c.session.HandleFrame(ctx, payload)
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message := <-c.session.Outbound():
			if err := c.write(websocket.TextMessage, message); err != nil {
				c.session.Close(err)
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.session.Close(err)
				return
			}
		case <-c.session.Done():
			c.flush()
			_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, closeText(c.session.Err())))
			return
		}
	}
}

// flush writes whatever is still buffered for a session that just closed.
func (c *wsClient) flush() {
	for {
		select {
		case message := <-c.session.Outbound():
			if err := c.write(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *wsClient) write(messageType int, data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

func closeText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
