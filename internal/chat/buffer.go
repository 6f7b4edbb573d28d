// Package chat holds the text-message helpers used by the room relay: size
// validation and a short per-room history kept for abuse reports.
package chat

import (
	"sync"

	"github.com/skipon/matchmaker/internal/participant"
)

// MaxBufferMessages is the number of recent messages retained per room.
const MaxBufferMessages = 5

// Message is one relayed chat message.
type Message struct {
	From participant.ID `json:"from"`
	Text string         `json:"text"`
	Ts   int64          `json:"ts"`
}

// MessageBuffer keeps the last MaxBufferMessages messages of every room in
// memory. It is safe for concurrent use.
type MessageBuffer struct {
	mu    sync.RWMutex
	rooms map[string][]Message
}

// NewMessageBuffer creates an empty MessageBuffer.
func NewMessageBuffer() *MessageBuffer {
	return &MessageBuffer{rooms: make(map[string][]Message)}
}

// Add appends msg to the room's history, dropping the oldest message once
// the history is full.
func (mb *MessageBuffer) Add(roomID string, msg Message) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	msgs := mb.rooms[roomID]
	if len(msgs) == MaxBufferMessages {
		copy(msgs, msgs[1:])
		msgs[len(msgs)-1] = msg
	} else {
		if msgs == nil {
			msgs = make([]Message, 0, MaxBufferMessages)
		}
		msgs = append(msgs, msg)
	}
	mb.rooms[roomID] = msgs
}

// Get returns a copy of the room's history, oldest first. It never returns nil.
func (mb *MessageBuffer) Get(roomID string) []Message {
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	out := make([]Message, len(mb.rooms[roomID]))
	copy(out, mb.rooms[roomID])
	return out
}

// Remove drops the room's history.
func (mb *MessageBuffer) Remove(roomID string) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	delete(mb.rooms, roomID)
}
