package realtime

import (
	"github.com/goccy/go-json"
)

// Event names carried in Frame.Event.
const (
	EventHeartbeat         = "heartbeat"
	EventJoinConversation  = "joinConversation"
	EventLeaveConversation = "leaveConversation"
	EventTyping            = "typing"
	EventUserTyping        = "userTyping"
	EventSendMessage       = "sendMessage"
	EventReceiveMessage    = "receiveMessage"
	EventUpdateUserStatus  = "updateUserStatus"
	EventAck               = "ack"
	EventError             = "error"
)

// Frame is the envelope of every websocket message in both directions. A client
// that wants a reply to sendMessage sets Ack to a non-zero id; the matching ack
// frame carries the same id.
type Frame struct {
	Event string          `json:"event"`
	Ack   uint64          `json:"ack,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type JoinPayload struct {
	ConversationID string `json:"conversationId"`
}

type TypingPayload struct {
	UserID         string `json:"userId,omitempty"`
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

type SendMessagePayload struct {
	Content        string `json:"content"`
	ConversationID string `json:"conversationId"`
	Sender         string `json:"sender"`
	Timestamp      int64  `json:"timestamp,omitempty"`
	LocalID        string `json:"localId,omitempty"`
}

// Envelope is a message as delivered to room subscribers. Timestamp is unix milliseconds.
type Envelope struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	Sender         string `json:"sender"`
	Content        string `json:"content"`
	Timestamp      int64  `json:"timestamp"`
	Seen           bool   `json:"seen"`
	LocalID        string `json:"localId,omitempty"`
}

type StatusPayload struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

// Ack is the single reply to a sendMessage request: either Success with the
// persisted message, or Error with a short reason.
type Ack struct {
	Success bool      `json:"success,omitempty"`
	Error   string    `json:"error,omitempty"`
	Message *Envelope `json:"message,omitempty"`
}

type ErrorPayload struct {
	Error string `json:"error"`
}

// Encode marshals data and wraps it in a frame for event.
func Encode(event string, data any) ([]byte, error) {
	return EncodeAck(event, 0, data)
}

// EncodeAck is Encode with an ack id.
func EncodeAck(event string, ack uint64, data any) ([]byte, error) {
	frame := Frame{Event: event, Ack: ack}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		frame.Data = raw
	}
	return json.Marshal(frame)
}

// Decode parses a frame. Data is left raw for the handler of the event.
func Decode(raw []byte) (Frame, error) {
	var frame Frame
	err := json.Unmarshal(raw, &frame)
	return frame, err
}
