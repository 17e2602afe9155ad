package realtime

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Action identifies the kind of a ProtocolMessage.
type Action int

const (
	ActionHeartbeat Action = iota
	ActionAck
	ActionNack
	ActionConnect
	ActionConnected
	ActionDisconnect
	ActionDisconnected
	ActionClose
	ActionClosed
	ActionError
	ActionAttach
	ActionAttached
	ActionDetach
	ActionDetached
	ActionPresence
	ActionMessage
	ActionSync
	ActionAuth
)

var actionNames = [...]string{
	ActionHeartbeat:    "heartbeat",
	ActionAck:          "ack",
	ActionNack:         "nack",
	ActionConnect:      "connect",
	ActionConnected:    "connected",
	ActionDisconnect:   "disconnect",
	ActionDisconnected: "disconnected",
	ActionClose:        "close",
	ActionClosed:       "closed",
	ActionError:        "error",
	ActionAttach:       "attach",
	ActionAttached:     "attached",
	ActionDetach:       "detach",
	ActionDetached:     "detached",
	ActionPresence:     "presence",
	ActionMessage:      "message",
	ActionSync:         "sync",
	ActionAuth:         "auth",
}

func (a Action) String() string {
	if int(a) >= 0 && int(a) < len(actionNames) {
		return actionNames[a]
	}
	return fmt.Sprintf("Action(%d)", a)
}

// Protocol message flags.
const (
	FlagHasPresence int64 = 1 << 0
	FlagHasBacklog  int64 = 1 << 1
	FlagResumed     int64 = 1 << 2
)

// ProtocolMessage is the unit exchanged with the service over a Transport.
type ProtocolMessage struct {
	Action            Action             `json:"action"`
	ID                string             `json:"id,omitempty"`
	Flags             int64              `json:"flags,omitempty"`
	Count             int                `json:"count,omitempty"`
	Error             *ErrorInfo         `json:"error,omitempty"`
	Channel           string             `json:"channel,omitempty"`
	ChannelSerial     string             `json:"channelSerial,omitempty"`
	ConnectionID      string             `json:"connectionId,omitempty"`
	ConnectionKey     string             `json:"connectionKey,omitempty"`
	ConnectionSerial  *int64             `json:"connectionSerial,omitempty"`
	MsgSerial         *int64             `json:"msgSerial,omitempty"`
	Timestamp         int64              `json:"timestamp,omitempty"`
	Messages          []*Message         `json:"messages,omitempty"`
	Presence          json.RawMessage    `json:"presence,omitempty"`
	Auth              *AuthDetails       `json:"auth,omitempty"`
	ConnectionDetails *ConnectionDetails `json:"connectionDetails,omitempty"`
}

func (m *ProtocolMessage) hasFlag(flag int64) bool {
	return m.Flags&flag == flag
}

// ackRequired reports whether the service acknowledges this message.
func (m *ProtocolMessage) ackRequired() bool {
	return m.Action == ActionMessage || m.Action == ActionPresence
}

// ConnectionDetails is sent by the service in a CONNECTED message.
type ConnectionDetails struct {
	ClientID           string `json:"clientId,omitempty"`
	ConnectionKey      string `json:"connectionKey,omitempty"`
	MaxMessageSize     int64  `json:"maxMessageSize,omitempty"`
	MaxIdleInterval    int64  `json:"maxIdleInterval,omitempty"`    // milliseconds
	ConnectionStateTTL int64  `json:"connectionStateTtl,omitempty"` // milliseconds
}

// AuthDetails carries a credential in an AUTH message.
type AuthDetails struct {
	AccessToken string `json:"accessToken"`
}

// Message is a single application message published on or received from a channel.
type Message struct {
	ID           string          `json:"id,omitempty"`
	Name         string          `json:"name,omitempty"`
	ClientID     string          `json:"clientId,omitempty"`
	ConnectionID string          `json:"connectionId,omitempty"`
	Timestamp    int64           `json:"timestamp,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// NewMessage builds a Message with data encoded as JSON.
func NewMessage(name string, data any) (*Message, error) {
	raw, err := encodeData(data)
	if err != nil {
		return nil, err
	}
	return &Message{Name: name, Data: raw}, nil
}

// UnmarshalData decodes the message data into v.
func (m *Message) UnmarshalData(v any) error {
	if len(m.Data) == 0 {
		return errors.New("message has no data")
	}
	return json.Unmarshal(m.Data, v)
}

func encodeData(data any) (json.RawMessage, error) {
	switch d := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return d, nil
	default:
		b, err := json.Marshal(d)
		if err != nil {
			return nil, fmt.Errorf("marshal data: %w", err)
		}
		return b, nil
	}
}

// generateID returns a new unique message ID.
func generateID() string {
	return uuid.New().String()
}

func int64Ptr(v int64) *int64 {
	return &v
}

func encodeProtocolMessage(msg *ProtocolMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func decodeProtocolMessage(data []byte) (*ProtocolMessage, error) {
	var msg ProtocolMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("parse protocol message: %w", err)
	}
	return &msg, nil
}
