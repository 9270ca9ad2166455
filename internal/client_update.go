package internal

import (
	"errors"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/goccy/go-json"

	"pulsechat/internal/realtime"
)

func (model *TUIModel) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch typedMessage := message.(type) {
	case tea.KeyMsg:
		if typedMessage.Type == tea.KeyCtrlC {
			model.closeConn("client quit")
			return model, tea.Quit
		}
		return model.handleKey(typedMessage)

	case authDoneMsg:
		model.loading = false
		if typedMessage.err != nil {
			if errors.Is(typedMessage.err, errUnauthorized) {
				model.notice("Invalid email or password.")
			} else {
				model.notice("Login failed: " + typedMessage.err.Error())
			}
			model.enterAuthMenu()
			return model, nil
		}
		model.token = typedMessage.resp.Token
		model.user = typedMessage.resp.User
		if err := saveSessionToDisk(model.opts.SessionPath, sessionFile{
			UserID:   model.user.ID,
			Username: model.user.Username,
			Token:    model.token,
		}); err != nil {
			model.notice("Could not save session: " + err.Error())
		}
		model.enterConversations()
		model.loading = true
		return model, tea.Batch(model.loadConversationsCmd(), model.connectCmd())

	case signupDoneMsg:
		model.loading = false
		model.notice("Sign up failed: " + typedMessage.err.Error())
		model.enterAuthMenu()
		return model, nil

	case conversationsMsg:
		model.loading = false
		if typedMessage.err != nil {
			if errors.Is(typedMessage.err, errUnauthorized) {
				model.notice("Session expired, please log in again.")
				logout := model.logoutCmd()
				model.resetSession()
				return model, logout
			}
			model.notice("Could not load conversations: " + typedMessage.err.Error())
			return model, nil
		}
		model.setConversations(typedMessage.conversations)
		return model, nil

	case conversationCreatedMsg:
		model.loading = false
		if typedMessage.err != nil {
			model.notice("Could not start conversation: " + typedMessage.err.Error())
			model.enterConversations()
			return model, nil
		}
		model.enterConversations()
		model.upsertConversation(*typedMessage.conversation)
		return model, nil

	case historyMsg:
		if model.current == nil || model.current.ID != typedMessage.conversationID {
			return model, nil
		}
		if typedMessage.err != nil {
			model.notice("Could not load history: " + typedMessage.err.Error())
			return model, nil
		}
		lines := make([]chatLine, 0, len(typedMessage.messages)+len(model.messages))
		for _, env := range typedMessage.messages {
			lines = append(lines, lineFromEnvelope(model, env))
		}
		for _, line := range model.messages {
			if line.Pending || line.Failed || !containsLine(lines, line) {
				lines = append(lines, line)
			}
		}
		model.messages = lines
		return model, nil

	case connectedMsg:
		model.conn = typedMessage.conn
		model.heartbeatGen++
		model.isConnected = true
		model.connectionError = nil
		cmds := []tea.Cmd{readOnceCmd(model.conn), model.sendFrameCmd(realtime.EventHeartbeat, 0, nil), model.heartbeatCmd()}
		if model.current != nil {
			cmds = append(cmds, model.sendFrameCmd(realtime.EventJoinConversation, 0, realtime.JoinPayload{ConversationID: model.current.ID}))
		}
		return model, tea.Batch(cmds...)

	case connectFailedMsg:
		model.connectionError = typedMessage.err
		if model.token == "" {
			return model, nil
		}
		return model, model.scheduleReconnect()

	case disconnectedMsg:
		if model.conn == nil || typedMessage.conn != model.conn {
			return model, nil
		}
		_ = model.conn.Close()
		model.conn = nil
		model.isConnected = false
		model.connectionError = typedMessage.err
		return model, model.scheduleReconnect()

	case reconnectMsg:
		if model.token != "" && !model.isConnected {
			return model, model.connectCmd()
		}
		return model, nil

	case heartbeatMsg:
		if !model.isConnected || typedMessage.gen != model.heartbeatGen {
			return model, nil
		}
		model.expireTyping(typedMessage.at)
		return model, tea.Batch(model.sendFrameCmd(realtime.EventHeartbeat, 0, nil), model.heartbeatCmd())

	case sendFailedMsg:
		model.connectionError = typedMessage.err
		return model, nil

	case frameMsg:
		model.handleFrame(realtime.Frame(typedMessage))
		if model.conn == nil {
			return model, nil
		}
		return model, readOnceCmd(model.conn)
	}
	return model, nil
}

func (model *TUIModel) handleKey(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch model.mode {
	case modeAuthMenu:
		switch key.String() {
		case "1", "l", "L":
			model.intent = authIntentLogin
			return model, model.prompt(modeAuthEmail, "email> ", "you@example.com", model.email)
		case "2", "s", "S":
			model.intent = authIntentSignup
			return model, model.prompt(modeAuthEmail, "email> ", "you@example.com", model.email)
		case "q", "Q", "esc":
			return model, tea.Quit
		}
		return model, nil

	case modeAuthEmail, modeAuthUsername, modeAuthPassword:
		switch key.Type {
		case tea.KeyEsc:
			model.enterAuthMenu()
			return model, nil
		case tea.KeyEnter:
			return model.submitAuthField()
		}
		var cmd tea.Cmd
		model.textInput, cmd = model.textInput.Update(key)
		return model, cmd

	case modeConversations:
		switch key.String() {
		case "up", "k":
			if model.selected > 0 {
				model.selected--
			}
		case "down", "j":
			if model.selected < len(model.conversations)-1 {
				model.selected++
			}
		case "enter":
			if len(model.conversations) == 0 {
				return model, nil
			}
			return model, model.openConversation(model.conversations[model.selected])
		case "n", "N":
			return model, model.prompt(modeFindUser, "user> ", "username to chat with", "")
		case "r", "R":
			model.loading = true
			return model, model.loadConversationsCmd()
		case "o", "O":
			logout := model.logoutCmd()
			model.resetSession()
			return model, logout
		case "q", "Q", "esc":
			model.closeConn("client quit")
			return model, tea.Quit
		}
		return model, nil

	case modeFindUser:
		switch key.Type {
		case tea.KeyEsc:
			model.enterConversations()
			return model, nil
		case tea.KeyEnter:
			query := strings.TrimSpace(model.textInput.Value())
			if query == "" {
				return model, nil
			}
			model.loading = true
			return model, model.startConversationCmd(query)
		}
		var cmd tea.Cmd
		model.textInput, cmd = model.textInput.Update(key)
		return model, cmd

	case modeChat:
		switch key.Type {
		case tea.KeyEsc:
			return model, model.leaveConversation()
		case tea.KeyEnter:
			trimmed := strings.TrimSpace(model.textInput.Value())
			model.textInput.SetValue("")
			switch strings.ToLower(trimmed) {
			case "":
				return model, nil
			case "/quit", "/exit":
				model.closeConn("client quit")
				return model, tea.Quit
			case "/leave":
				return model, model.leaveConversation()
			}
			if !model.isConnected {
				model.notice("Not connected, message not sent.")
				return model, nil
			}
			return model, tea.Batch(model.sendChatCmd(trimmed), model.typingCmd(false))
		}
		var cmd tea.Cmd
		model.textInput, cmd = model.textInput.Update(key)
		if model.textInput.Value() == "" {
			return model, cmd
		}
		return model, tea.Batch(cmd, model.typingCmd(true))
	}
	return model, nil
}

func (model *TUIModel) submitAuthField() (tea.Model, tea.Cmd) {
	value := strings.TrimSpace(model.textInput.Value())
	if value == "" {
		return model, nil
	}
	switch model.mode {
	case modeAuthEmail:
		model.email = value
		if model.intent == authIntentSignup {
			return model, model.prompt(modeAuthUsername, "username> ", "display name", model.username)
		}
		cmd := model.prompt(modeAuthPassword, "password> ", "", "")
		model.textInput.EchoMode = textinput.EchoPassword
		return model, cmd
	case modeAuthUsername:
		model.username = value
		cmd := model.prompt(modeAuthPassword, "password> ", "", "")
		model.textInput.EchoMode = textinput.EchoPassword
		return model, cmd
	}
	model.textInput.SetValue("")
	model.loading = true
	if model.intent == authIntentSignup {
		return model, model.signupCmd(model.email, model.username, value)
	}
	return model, model.loginCmd(model.email, value)
}

// handleFrame applies one server frame to the model.
func (model *TUIModel) handleFrame(frame realtime.Frame) {
	switch frame.Event {
	case realtime.EventReceiveMessage:
		var env realtime.Envelope
		if json.Unmarshal(frame.Data, &env) != nil {
			return
		}
		model.touchConversation(env.ConversationID)
		if model.current == nil || model.current.ID != env.ConversationID {
			model.unread[env.ConversationID]++
			return
		}
		delete(model.typing, env.Sender)
		if env.LocalID != "" && model.confirmLine(env.LocalID) {
			return
		}
		model.messages = append(model.messages, lineFromEnvelope(model, env))

	case realtime.EventAck:
		var ack realtime.Ack
		if json.Unmarshal(frame.Data, &ack) != nil {
			return
		}
		localID, ok := model.pendingAcks[frame.Ack]
		if !ok {
			return
		}
		delete(model.pendingAcks, frame.Ack)
		if ack.Success {
			model.confirmLine(localID)
			return
		}
		model.failLine(localID)
		model.notice("Message not delivered: " + ack.Error)

	case realtime.EventUserTyping:
		var p realtime.TypingPayload
		if json.Unmarshal(frame.Data, &p) != nil || model.current == nil || p.ConversationID != model.current.ID {
			return
		}
		if p.IsTyping {
			model.typing[p.UserID] = time.Now()
		} else {
			delete(model.typing, p.UserID)
		}

	case realtime.EventUpdateUserStatus:
		var p realtime.StatusPayload
		if json.Unmarshal(frame.Data, &p) != nil {
			return
		}
		model.online[p.UserID] = p.Status == "online"
		if p.Status != "online" {
			delete(model.typing, p.UserID)
		}

	case realtime.EventError:
		var p realtime.ErrorPayload
		if json.Unmarshal(frame.Data, &p) == nil && p.Error != "" {
			model.notice("Server: " + p.Error)
		}
	}
}

func (model *TUIModel) openConversation(conv conversationDTO) tea.Cmd {
	model.current = &conv
	model.messages = nil
	model.typing = make(map[string]time.Time)
	delete(model.unread, conv.ID)
	model.mode = modeChat
	model.textInput.EchoMode = textinput.EchoNormal
	model.textInput.Prompt = "> "
	model.textInput.Placeholder = "Type a message…"
	model.textInput.SetValue("")
	focus := model.textInput.Focus()
	cmds := []tea.Cmd{focus, model.loadHistoryCmd(conv.ID)}
	if model.isConnected {
		cmds = append(cmds, model.sendFrameCmd(realtime.EventJoinConversation, 0, realtime.JoinPayload{ConversationID: conv.ID}))
	}
	return tea.Batch(cmds...)
}

func (model *TUIModel) leaveConversation() tea.Cmd {
	if model.current == nil {
		model.enterConversations()
		return nil
	}
	var cmds []tea.Cmd
	if model.isConnected {
		cmds = append(cmds,
			model.typingCmd(false),
			model.sendFrameCmd(realtime.EventLeaveConversation, 0, realtime.JoinPayload{ConversationID: model.current.ID}),
		)
	}
	model.current = nil
	model.messages = nil
	model.enterConversations()
	cmds = append(cmds, model.loadConversationsCmd())
	return tea.Batch(cmds...)
}

func (model *TUIModel) prompt(mode appMode, prefix, placeholder, value string) tea.Cmd {
	model.mode = mode
	model.textInput.EchoMode = textinput.EchoNormal
	model.textInput.Prompt = prefix
	model.textInput.Placeholder = placeholder
	model.textInput.SetValue(value)
	return model.textInput.Focus()
}

func (model *TUIModel) enterAuthMenu() {
	model.mode = modeAuthMenu
	model.textInput.Blur()
	model.textInput.SetValue("")
	model.textInput.EchoMode = textinput.EchoNormal
}

func (model *TUIModel) enterConversations() {
	model.mode = modeConversations
	model.textInput.Blur()
	model.textInput.SetValue("")
}

// resetSession drops all per-user state and returns to the auth menu.
func (model *TUIModel) resetSession() {
	model.closeConn("logout")
	model.token = ""
	model.user = userDTO{}
	model.conversations = nil
	model.current = nil
	model.messages = nil
	model.selected = 0
	model.online = make(map[string]bool)
	model.unread = make(map[string]int)
	model.pendingAcks = make(map[uint64]string)
	model.enterAuthMenu()
}

func (model *TUIModel) setConversations(convs []conversationDTO) {
	model.conversations = convs
	for _, conv := range convs {
		for _, p := range conv.Participants {
			model.online[p.ID] = p.Online
		}
	}
	if model.selected >= len(convs) {
		model.selected = max(len(convs)-1, 0)
	}
}

func (model *TUIModel) upsertConversation(conv conversationDTO) {
	for i := range model.conversations {
		if model.conversations[i].ID == conv.ID {
			model.selected = i
			return
		}
	}
	model.conversations = append([]conversationDTO{conv}, model.conversations...)
	for _, p := range conv.Participants {
		model.online[p.ID] = p.Online
	}
	model.selected = 0
}

// touchConversation moves id to the top of the list, like a server-side reload would.
func (model *TUIModel) touchConversation(id string) {
	for i := range model.conversations {
		if model.conversations[i].ID != id {
			continue
		}
		conv := model.conversations[i]
		copy(model.conversations[1:i+1], model.conversations[:i])
		model.conversations[0] = conv
		return
	}
}

func (model *TUIModel) confirmLine(localID string) bool {
	for i := range model.messages {
		if model.messages[i].LocalID == localID {
			model.messages[i].Pending = false
			return true
		}
	}
	return false
}

func (model *TUIModel) failLine(localID string) {
	for i := range model.messages {
		if model.messages[i].LocalID == localID {
			model.messages[i].Pending = false
			model.messages[i].Failed = true
			return
		}
	}
}

func (model *TUIModel) expireTyping(now time.Time) {
	for userID, at := range model.typing {
		if now.Sub(at) > typingExpiry {
			delete(model.typing, userID)
		}
	}
}

// containsLine reports whether history already holds line. History carries no
// local ids, so sender and body are compared.
func containsLine(lines []chatLine, line chatLine) bool {
	for _, l := range lines {
		if l.Sender == line.Sender && l.Body == line.Body {
			return true
		}
	}
	return false
}
