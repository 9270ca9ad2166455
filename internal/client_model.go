package internal

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"

	"pulsechat/internal/realtime"
)

const defaultHeartbeatInterval = 10 * time.Second

// ClientOptions configures the terminal client.
type ClientOptions struct {
	// ServerURL is the HTTP base of the server, e.g. http://localhost:8080.
	ServerURL string
	WSPath    string
	// Email prefills the login prompt.
	Email string
	// Heartbeat is how often the client proves it is alive.
	Heartbeat time.Duration
	// SessionPath stores the login token between runs. Empty disables it.
	SessionPath string
}

// TUIModel is the bubbletea state of the chat client.
type TUIModel struct {
	opts      ClientOptions
	textInput textinput.Model
	mode      appMode
	intent    authIntent
	loading   bool

	// pending auth input while the prompts advance
	email    string
	username string

	token         string
	user          userDTO
	conversations []conversationDTO
	selected      int
	online        map[string]bool
	unread        map[string]int

	current  *conversationDTO
	messages []chatLine
	typing   map[string]time.Time
	notices  []string

	conn            *websocket.Conn
	writeMutex      sync.Mutex
	isConnected     bool
	connectionError error
	heartbeatGen    int
	nextAck         uint64
	pendingAcks     map[uint64]string
	lastTypingSent  time.Time
}

// chatLine is one rendered entry of the message log.
type chatLine struct {
	Sender  string
	Body    string
	At      time.Time
	Pending bool
	Failed  bool
	LocalID string
}

type appMode int

const (
	modeAuthMenu appMode = iota
	modeAuthEmail
	modeAuthUsername
	modeAuthPassword
	modeConversations
	modeFindUser
	modeChat
)

type authIntent int

const (
	authIntentLogin authIntent = iota
	authIntentSignup
)

// NewTUIModel builds the initial model. A stored session skips the auth menu.
func NewTUIModel(opts ClientOptions) *TUIModel {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = defaultHeartbeatInterval
	}
	if opts.WSPath == "" {
		opts.WSPath = "/ws"
	}
	input := textinput.New()
	input.CharLimit = 0

	model := &TUIModel{
		opts:        opts,
		textInput:   input,
		online:      make(map[string]bool),
		unread:      make(map[string]int),
		typing:      make(map[string]time.Time),
		pendingAcks: make(map[uint64]string),
		email:       opts.Email,
	}
	model.mode = modeAuthMenu
	if opts.SessionPath != "" {
		if saved, err := loadSessionFromDisk(opts.SessionPath); err == nil {
			model.token = saved.Token
			model.user = userDTO{ID: saved.UserID, Username: saved.Username}
			model.mode = modeConversations
			model.loading = true
		}
	}
	return model
}

// DefaultSessionPath is where the client keeps its login token.
func DefaultSessionPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "pulsechat", "session.json")
	}
	return filepath.Join(".", ".pulsechat", "session.json")
}

func (model *TUIModel) Init() tea.Cmd {
	if model.mode == modeConversations {
		return tea.Batch(model.loadConversationsCmd(), model.connectCmd())
	}
	return nil
}

func (model *TUIModel) notice(text string) {
	model.notices = append(model.notices, text)
	if len(model.notices) > 5 {
		model.notices = model.notices[len(model.notices)-5:]
	}
}

func (model *TUIModel) usernameOf(userID string) string {
	if userID == model.user.ID {
		return model.user.Username
	}
	for _, conv := range model.conversations {
		for _, p := range conv.Participants {
			if p.ID == userID {
				return p.Username
			}
		}
	}
	return userID
}

// peerNames lists the other participants of conv.
func (model *TUIModel) peerNames(conv conversationDTO) []string {
	var names []string
	for _, p := range conv.Participants {
		if p.ID != model.user.ID {
			names = append(names, p.Username)
		}
	}
	return names
}

func (model *TUIModel) anyPeerOnline(conv conversationDTO) bool {
	for _, p := range conv.Participants {
		if p.ID != model.user.ID && model.online[p.ID] {
			return true
		}
	}
	return false
}

func lineFromEnvelope(model *TUIModel, env realtime.Envelope) chatLine {
	return chatLine{
		Sender:  model.usernameOf(env.Sender),
		Body:    env.Content,
		At:      time.UnixMilli(env.Timestamp),
		LocalID: env.LocalID,
	}
}
