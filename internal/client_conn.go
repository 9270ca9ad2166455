package internal

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"pulsechat/internal/realtime"
)

const (
	retryDelay     = 2 * time.Second
	typingThrottle = 2 * time.Second
	typingExpiry   = 4 * time.Second
)

var errNotConnected = errors.New("websocket not connected")

type (
	connectedMsg     struct{ conn *websocket.Conn }
	connectFailedMsg struct{ err error }
	reconnectMsg     struct{}
	frameMsg         realtime.Frame
	sendFailedMsg    struct{ err error }
	signupDoneMsg    struct{ err error }

	disconnectedMsg struct {
		conn *websocket.Conn
		err  error
	}
	heartbeatMsg struct {
		at  time.Time
		gen int
	}
	authDoneMsg struct {
		resp *loginResponse
		err  error
	}
	conversationsMsg struct {
		conversations []conversationDTO
		err           error
	}
	historyMsg struct {
		conversationID string
		messages       []realtime.Envelope
		err            error
	}
	conversationCreatedMsg struct {
		conversation *conversationDTO
		err          error
	}
)

func (model *TUIModel) scheduleReconnect() tea.Cmd {
	return tea.Tick(retryDelay, func(time.Time) tea.Msg {
		return reconnectMsg{}
	})
}

// heartbeatCmd schedules the next heartbeat of the current connection. Ticks
// from an older connection carry a stale gen and are dropped.
func (model *TUIModel) heartbeatCmd() tea.Cmd {
	gen := model.heartbeatGen
	return tea.Tick(model.opts.Heartbeat, func(t time.Time) tea.Msg {
		return heartbeatMsg{at: t, gen: gen}
	})
}

// connectCmd dials the realtime endpoint as the logged-in user.
func (model *TUIModel) connectCmd() tea.Cmd {
	base, wsPath, userID, token := model.opts.ServerURL, model.opts.WSPath, model.user.ID, model.token
	return func() tea.Msg {
		wsURL, err := buildWebsocketURL(base, wsPath, userID, token)
		if err != nil {
			return connectFailedMsg{err: err}
		}
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{})
		if err != nil {
			return connectFailedMsg{err: err}
		}
		return connectedMsg{conn: conn}
	}
}

// readOnceCmd waits for the next frame on conn.
func readOnceCmd(conn *websocket.Conn) tea.Cmd {
	return func() tea.Msg {
		if conn == nil {
			return disconnectedMsg{err: errNotConnected}
		}
		for {
			messageType, payload, err := conn.ReadMessage()
			if err != nil {
				return disconnectedMsg{conn: conn, err: err}
			}
			if messageType != websocket.TextMessage {
				continue
			}
			frame, err := realtime.Decode(payload)
			if err != nil {
				continue
			}
			return frameMsg(frame)
		}
	}
}

// sendFrameCmd writes one frame. Writes are serialized by writeMutex.
func (model *TUIModel) sendFrameCmd(event string, ack uint64, data any) tea.Cmd {
	conn := model.conn
	return func() tea.Msg {
		if conn == nil {
			return sendFailedMsg{err: errNotConnected}
		}
		encoded, err := realtime.EncodeAck(event, ack, data)
		if err != nil {
			return sendFailedMsg{err: err}
		}
		model.writeMutex.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		err = conn.WriteMessage(websocket.TextMessage, encoded)
		model.writeMutex.Unlock()
		if err != nil {
			return sendFailedMsg{err: err}
		}
		return nil
	}
}

// sendChatCmd queues content for the open conversation and shows it as pending
// until the server acknowledges it.
func (model *TUIModel) sendChatCmd(content string) tea.Cmd {
	if model.current == nil {
		return nil
	}
	model.nextAck++
	localID := uuid.NewString()
	model.pendingAcks[model.nextAck] = localID
	model.messages = append(model.messages, chatLine{
		Sender:  model.user.Username,
		Body:    content,
		At:      time.Now(),
		Pending: true,
		LocalID: localID,
	})
	return model.sendFrameCmd(realtime.EventSendMessage, model.nextAck, realtime.SendMessagePayload{
		Content:        content,
		ConversationID: model.current.ID,
		Sender:         model.user.ID,
		Timestamp:      time.Now().UnixMilli(),
		LocalID:        localID,
	})
}

// typingCmd reports typing state, throttled so every keystroke does not send a frame.
func (model *TUIModel) typingCmd(isTyping bool) tea.Cmd {
	if model.current == nil || !model.isConnected {
		return nil
	}
	now := time.Now()
	if isTyping && now.Sub(model.lastTypingSent) < typingThrottle {
		return nil
	}
	if isTyping {
		model.lastTypingSent = now
	} else {
		model.lastTypingSent = time.Time{}
	}
	return model.sendFrameCmd(realtime.EventTyping, 0, realtime.TypingPayload{
		ConversationID: model.current.ID,
		IsTyping:       isTyping,
	})
}

func (model *TUIModel) closeConn(reason string) {
	if model.conn == nil {
		return
	}
	model.writeMutex.Lock()
	_ = model.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
	model.writeMutex.Unlock()
	_ = model.conn.Close()
	model.conn = nil
	model.isConnected = false
}

func (model *TUIModel) loginCmd(email, password string) tea.Cmd {
	base := model.opts.ServerURL
	return func() tea.Msg {
		resp, err := apiLogin(base, email, password)
		return authDoneMsg{resp: resp, err: err}
	}
}

func (model *TUIModel) signupCmd(email, username, password string) tea.Cmd {
	base := model.opts.ServerURL
	return func() tea.Msg {
		if err := apiSignup(base, email, username, password); err != nil {
			return signupDoneMsg{err: err}
		}
		resp, err := apiLogin(base, email, password)
		return authDoneMsg{resp: resp, err: err}
	}
}

func (model *TUIModel) loadConversationsCmd() tea.Cmd {
	base, token := model.opts.ServerURL, model.token
	return func() tea.Msg {
		convs, err := apiListConversations(base, token)
		return conversationsMsg{conversations: convs, err: err}
	}
}

func (model *TUIModel) loadHistoryCmd(conversationID string) tea.Cmd {
	base, token := model.opts.ServerURL, model.token
	return func() tea.Msg {
		msgs, err := apiListMessages(base, token, conversationID)
		if err == nil {
			_ = apiMarkSeen(base, token, conversationID)
		}
		return historyMsg{conversationID: conversationID, messages: msgs, err: err}
	}
}

// startConversationCmd looks up a user by name and opens a conversation with them.
func (model *TUIModel) startConversationCmd(query string) tea.Cmd {
	base, token, self := model.opts.ServerURL, model.token, model.user.ID
	return func() tea.Msg {
		users, err := apiSearchUsers(base, token, query)
		if err != nil {
			return conversationCreatedMsg{err: err}
		}
		var target *userDTO
		for i := range users {
			if users[i].ID == self {
				continue
			}
			if users[i].Username == query {
				target = &users[i]
				break
			}
			if target == nil {
				target = &users[i]
			}
		}
		if target == nil {
			return conversationCreatedMsg{err: fmt.Errorf("%w: %s", errNoSuchUser, query)}
		}
		conv, err := apiCreateConversation(base, token, target.ID)
		return conversationCreatedMsg{conversation: conv, err: err}
	}
}

func (model *TUIModel) logoutCmd() tea.Cmd {
	base, token, path := model.opts.ServerURL, model.token, model.opts.SessionPath
	return func() tea.Msg {
		_ = apiLogout(base, token)
		_ = deleteSessionFile(path)
		return nil
	}
}

// RunClient is the bubbletea entry point.
func RunClient(opts ClientOptions) error {
	program := tea.NewProgram(NewTUIModel(opts), tea.WithAltScreen())
	_, err := program.Run()
	return err
}
