package internal

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// pre styled colors, all from lipgloss
var (
	appTitleStyle        = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).Padding(0, 1)
	subtitleStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("110")).MarginTop(1)
	menuBoxStyle         = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(1, 2).MarginTop(1)
	menuItemStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("255")).PaddingLeft(1)
	menuHotkeyStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("213")).Bold(true)
	menuHintStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).MarginTop(1)
	noticeBoxStyle       = lipgloss.NewStyle().BorderStyle(lipgloss.NormalBorder()).BorderForeground(lipgloss.Color("95")).Padding(1, 2).MarginTop(1)
	chatHeaderStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).BorderStyle(lipgloss.NormalBorder()).BorderBottom(true).BorderForeground(lipgloss.Color("63")).Padding(0, 1)
	statusStyle          = lipgloss.NewStyle().Foreground(lipgloss.Color("109")).MarginTop(1)
	connectedStyle       = statusStyle.Copy().Foreground(lipgloss.Color("42")).Bold(true)
	connectingStyle      = statusStyle.Copy().Foreground(lipgloss.Color("178")).Italic(true)
	messageBodyStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("253"))
	pendingBodyStyle     = messageBodyStyle.Copy().Foreground(lipgloss.Color("244")).Italic(true)
	failedBodyStyle      = messageBodyStyle.Copy().Foreground(lipgloss.Color("196")).Strikethrough(true)
	messageBoxStyle      = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("60")).Padding(1, 2).MarginTop(1)
	inputBoxStyle        = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(0, 1).MarginTop(1)
	timestampStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	usernameStyle        = lipgloss.NewStyle().Bold(true)
	activeUserStyle      = usernameStyle.Copy().Foreground(lipgloss.Color("213"))
	systemMessageStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Italic(true)
	errorStyle           = statusStyle.Copy().Foreground(lipgloss.Color("196")).Bold(true)
	dividerStyle         = lipgloss.NewStyle().Foreground(lipgloss.Color("237")).Render(" ┃ ")
	conversationSelected = lipgloss.NewStyle().Foreground(lipgloss.Color("213")).Bold(true)
	conversationItem     = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	unreadStyle          = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	userColorPalette     = []lipgloss.Color{
		lipgloss.Color("45"),
		lipgloss.Color("81"),
		lipgloss.Color("141"),
		lipgloss.Color("98"),
		lipgloss.Color("63"),
		lipgloss.Color("135"),
		lipgloss.Color("32"),
	}
)

func (model *TUIModel) View() string {
	switch model.mode {
	case modeAuthMenu:
		return model.renderAuthMenuView()
	case modeAuthEmail, modeAuthUsername, modeAuthPassword:
		return model.renderAuthPromptView()
	case modeConversations:
		return model.renderConversationsView()
	case modeFindUser:
		return model.renderPrompt("Start a conversation", "Enter a username and press Enter.")
	default:
		return model.renderChatView()
	}
}

func (model *TUIModel) renderAuthMenuView() string {
	title := appTitleStyle.Render("Pulsechat")
	subtitle := subtitleStyle.Render("Real-time chat from your terminal")

	options := []string{
		renderMenuOption("1", "Log in"),
		renderMenuOption("2", "Sign up"),
		renderMenuOption("q", "Quit"),
	}

	viewSections := []string{
		lipgloss.JoinVertical(lipgloss.Left, title, subtitle),
		menuBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, options...)),
	}
	if model.loading {
		viewSections = append(viewSections, connectingStyle.Render("Working…"))
	}
	if notices := model.renderNotices(); notices != "" {
		viewSections = append(viewSections, notices)
	}
	viewSections = append(viewSections, menuHintStyle.Render("1) Log in  •  2) Sign up  •  q) Quit"))
	return lipgloss.JoinVertical(lipgloss.Left, viewSections...)
}

func (model *TUIModel) renderAuthPromptView() string {
	title := "Log in"
	if model.intent == authIntentSignup {
		title = "Create an account"
	}
	var hint string
	switch model.mode {
	case modeAuthEmail:
		hint = "Enter your email"
	case modeAuthUsername:
		hint = "Pick a username (2-32 characters)"
	default:
		hint = "Enter your password"
	}
	return model.renderPrompt(title, hint)
}

func (model *TUIModel) renderPrompt(title, hint string) string {
	viewSections := []string{appTitleStyle.Render(title), menuHintStyle.Render(hint)}
	if model.loading {
		viewSections = append(viewSections, connectingStyle.Render("Working…"))
	}
	if notices := model.renderNotices(); notices != "" {
		viewSections = append(viewSections, notices)
	}
	viewSections = append(viewSections, inputBoxStyle.Render(model.textInput.View()), menuHintStyle.Render("Esc to go back"))
	return lipgloss.JoinVertical(lipgloss.Left, viewSections...)
}

func (model *TUIModel) renderConversationsView() string {
	title := appTitleStyle.Render(fmt.Sprintf("Welcome, %s", model.user.Username))
	subtitle := subtitleStyle.Render(fmt.Sprintf("Conversations: %d  |  Online contacts: %d", len(model.conversations), model.countOnlinePeers()))

	viewSections := []string{title, subtitle, model.renderStatusLine()}
	if model.loading {
		viewSections = append(viewSections, connectingStyle.Render("Loading conversations…"))
	}
	if notices := model.renderNotices(); notices != "" {
		viewSections = append(viewSections, notices)
	}

	var lines []string
	if len(model.conversations) == 0 {
		lines = append(lines, menuHintStyle.Render("No conversations yet. Press N to start one."))
	}
	for idx, conv := range model.conversations {
		label := fmt.Sprintf("%s %s", presenceDot(model.anyPeerOnline(conv)), strings.Join(model.peerNames(conv), ", "))
		if n := model.unread[conv.ID]; n > 0 {
			label += " " + unreadStyle.Render(fmt.Sprintf("(%d new)", n))
		}
		if idx == model.selected {
			lines = append(lines, conversationSelected.Render("➤ "+label))
		} else {
			lines = append(lines, conversationItem.Render("  "+label))
		}
	}
	viewSections = append(viewSections, menuBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...)))
	viewSections = append(viewSections, menuHintStyle.Render("↑/↓ select • Enter open • N new conversation • R refresh • O log out • Q quit"))
	return lipgloss.JoinVertical(lipgloss.Left, viewSections...)
}

func (model *TUIModel) renderChatView() string {
	headerSegments := []string{"Pulsechat"}
	if model.current != nil {
		peers := model.peerNames(*model.current)
		headerSegments = append(headerSegments, fmt.Sprintf("%s %s", presenceDot(model.anyPeerOnline(*model.current)), strings.Join(peers, ", ")))
	}
	headerSegments = append(headerSegments, fmt.Sprintf("User %s", model.user.Username))
	header := chatHeaderStyle.Render(strings.Join(headerSegments, dividerStyle))

	var messageLines []string
	for _, line := range model.messages {
		messageLines = append(messageLines, model.renderChatLine(line))
	}
	if len(messageLines) == 0 {
		messageLines = append(messageLines, systemMessageStyle.Render("No messages yet. Say hi and start the conversation."))
	}

	sections := []string{header, model.renderStatusLine()}
	if notices := model.renderNotices(); notices != "" {
		sections = append(sections, notices)
	}
	sections = append(sections, messageBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, messageLines...)))
	if typing := model.renderTyping(); typing != "" {
		sections = append(sections, typing)
	}
	sections = append(sections,
		inputBoxStyle.Render(model.textInput.View()),
		menuHintStyle.Render("Esc or /leave to go back • /quit to exit"),
	)
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (model *TUIModel) renderStatusLine() string {
	switch {
	case model.connectionError != nil && !model.isConnected:
		return errorStyle.Render("Connection error: " + model.connectionError.Error())
	case model.isConnected:
		return connectedStyle.Render("Connected")
	default:
		return connectingStyle.Render("Connecting…")
	}
}

func renderMenuOption(hotkey string, label string) string {
	key := menuHotkeyStyle.Render(hotkey)
	return lipgloss.JoinHorizontal(lipgloss.Left, key, menuItemStyle.Render(label))
}

func (model *TUIModel) renderNotices() string {
	if len(model.notices) == 0 {
		return ""
	}
	notices := make([]string, 0, len(model.notices))
	for _, n := range model.notices {
		notices = append(notices, systemMessageStyle.Render(n))
	}
	return noticeBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, notices...))
}

func (model *TUIModel) renderTyping() string {
	if len(model.typing) == 0 {
		return ""
	}
	names := make([]string, 0, len(model.typing))
	for userID := range model.typing {
		names = append(names, model.usernameOf(userID))
	}
	sort.Strings(names)
	verb := "is"
	if len(names) > 1 {
		verb = "are"
	}
	return systemMessageStyle.Render(fmt.Sprintf("%s %s typing…", strings.Join(names, ", "), verb))
}

// renderChatLine stamps the time, colors the sender and indents multi-line
// bodies so they stay legible.
func (model *TUIModel) renderChatLine(line chatLine) string {
	timestamp := timestampStyle.Render(fmt.Sprintf("[%s]", line.At.Format("15:04:05")))

	var nameStyle lipgloss.Style
	if line.Sender == model.user.Username {
		nameStyle = activeUserStyle
	} else {
		nameStyle = usernameStyle.Copy().Foreground(colorForUser(line.Sender))
	}

	bodyStyle := messageBodyStyle
	switch {
	case line.Failed:
		bodyStyle = failedBodyStyle
	case line.Pending:
		bodyStyle = pendingBodyStyle
	}
	body := bodyStyle.Render(strings.ReplaceAll(line.Body, "\n", "\n   "))
	return lipgloss.JoinHorizontal(lipgloss.Left, timestamp, " ", nameStyle.Render(line.Sender), ": ", body)
}

func presenceDot(online bool) string {
	if online {
		return lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Render("●")
	}
	return lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Render("○")
}

func (model *TUIModel) countOnlinePeers() int {
	seen := make(map[string]struct{})
	for _, conv := range model.conversations {
		for _, p := range conv.Participants {
			if p.ID != model.user.ID && model.online[p.ID] {
				seen[p.ID] = struct{}{}
			}
		}
	}
	return len(seen)
}

// color for users
func colorForUser(name string) lipgloss.Color {
	if name == "" {
		return userColorPalette[0]
	}
	var sum int
	for _, r := range name {
		sum += int(r)
	}
	return userColorPalette[sum%len(userColorPalette)]
}
