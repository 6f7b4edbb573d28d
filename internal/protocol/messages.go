// Package protocol defines the frames exchanged over a room relay connection.
// Every frame is a JSON object whose "type" field selects the payload.
//
// Frames from the client are parsed with ParseClientMessage. Frames to the
// client are built with NewServerMessage. Between relay instances a frame
// travels inside a RoomEvent, which records the sender.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Client -> Server frame types.
const (
	TypeSignal     = "signal"
	TypeMessage    = "message"
	TypeTyping     = "typing"
	TypeLeave      = "leave"
	TypeCallOffer  = "call_offer"
	TypeCallAccept = "call_accept"
	TypeCallReject = "call_reject"
	TypeCallEnd    = "call_end"
	TypePing       = "ping"
)

// Server -> Client frame types. Signal, message, typing and call_* frames are
// relayed under their client type.
const (
	TypeJoined         = "joined"
	TypePartnerJoined  = "partner_joined"
	TypePartnerLeft    = "partner_left"
	TypeCallState      = "call_state"
	TypeMessageBlocked = "message_blocked"
	TypeRateLimited    = "rate_limited"
	TypeError          = "error"
	TypePong           = "pong"
)

// Error codes carried by ErrorMsg.
const (
	CodeBadFrame     = "bad_frame"
	CodeBadMessage   = "bad_message"
	CodeCallConflict = "call_conflict"
	CodeInternal     = "internal"
)

// Envelope holds the frame type and the raw JSON for deferred decoding.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps a copy of the whole frame and extracts only its type.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("protocol: decode envelope: %w", err)
	}
	if head.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = head.Type
	e.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// SignalMsg carries an opaque WebRTC payload (offer, answer or ICE
// candidate). The server never looks inside it.
type SignalMsg struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ChatMsg is a text message for the partner.
type ChatMsg struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// TypingMsg toggles the typing indicator shown to the partner.
type TypingMsg struct {
	Type     string `json:"type"`
	IsTyping bool   `json:"is_typing"`
}

// LeaveMsg ends the match for both occupants.
type LeaveMsg struct {
	Type string `json:"type"`
}

// CallMsg drives the video call state. The same shape is used for every
// call_* type; Video is only meaningful on call_offer.
type CallMsg struct {
	Type  string `json:"type"`
	Video bool   `json:"video,omitempty"`
}

// PingMsg is a client keepalive.
type PingMsg struct {
	Type string `json:"type"`
}

// JoinedMsg confirms the connection.
type JoinedMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// PartnerJoinedMsg is sent when the partner connects to the room.
type PartnerJoinedMsg struct {
	Type string `json:"type"`
}

// ServerChatMsg is a message relayed from the partner.
type ServerChatMsg struct {
	Type string `json:"type"`
	Text string `json:"text"`
	Ts   int64  `json:"ts"`
}

// ServerTypingMsg relays the partner's typing indicator.
type ServerTypingMsg struct {
	Type     string `json:"type"`
	IsTyping bool   `json:"is_typing"`
}

// PartnerLeftMsg is sent when the partner leaves or the room is gone.
type PartnerLeftMsg struct {
	Type string `json:"type"`
}

// CallStateMsg reports the call state after every transition.
type CallStateMsg struct {
	Type     string `json:"type"`
	Status   string `json:"status"`
	IsCaller bool   `json:"is_caller"`
	Video    bool   `json:"video"`
}

// MessageBlockedMsg tells the sender a message was not delivered.
type MessageBlockedMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// RateLimitedMsg tells the sender to slow down.
type RateLimitedMsg struct {
	Type         string `json:"type"`
	RetryAfterMs int64  `json:"retry_after_ms"`
}

// ErrorMsg reports a rejected frame.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg answers a ping.
type PongMsg struct {
	Type string `json:"type"`
}

// CallState is the video call record of a room as shared between relay
// instances.
type CallState struct {
	Caller string `json:"caller"`
	Callee string `json:"callee"`
	Status string `json:"status"`
	Video  bool   `json:"video"`
}

// RoomEvent is what one relay instance publishes to the others on the room
// subject. Frame is already encoded for the receiving client. Call events
// carry the new call state instead, and each receiver builds its own frame.
type RoomEvent struct {
	From  string          `json:"from"`
	Conn  string          `json:"conn"`
	Frame json.RawMessage `json:"frame,omitempty"`
	Call  *CallState      `json:"call,omitempty"`
}

// ParseClientMessage decodes a client frame into its concrete struct. Unknown
// types and server-only types are rejected.
func ParseClientMessage(data []byte) (string, any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: parse frame: %w", err)
	}

	var msg any
	switch env.Type {
	case TypeSignal:
		msg = &SignalMsg{}
	case TypeMessage:
		msg = &ChatMsg{}
	case TypeTyping:
		msg = &TypingMsg{}
	case TypeLeave:
		msg = &LeaveMsg{}
	case TypeCallOffer, TypeCallAccept, TypeCallReject, TypeCallEnd:
		msg = &CallMsg{}
	case TypePing:
		msg = &PingMsg{}
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client frame type %q", env.Type)
	}

	if err := json.Unmarshal(env.Raw, msg); err != nil {
		return env.Type, nil, fmt.Errorf("protocol: decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage encodes payload with its "type" field forced to msgType.
func NewServerMessage(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal payload: %w", err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("protocol: payload is not an object: %w", err)
	}
	if fields == nil {
		fields = make(map[string]json.RawMessage, 1)
	}
	fields["type"], _ = json.Marshal(msgType)

	out, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal frame: %w", err)
	}
	return out, nil
}
