// Package relay forwards signaling, chat and call frames between the two
// occupants of a room. Each occupant holds a WebSocket at
// /ws/rooms/{roomID}; frames are fanned out through the message bus on the
// subject room.<roomID>, so the two occupants may be connected to different
// server instances.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/skipon/matchmaker/internal/auth"
	"github.com/skipon/matchmaker/internal/chat"
	"github.com/skipon/matchmaker/internal/metrics"
	"github.com/skipon/matchmaker/internal/moderation"
	"github.com/skipon/matchmaker/internal/participant"
	"github.com/skipon/matchmaker/internal/protocol"
	"github.com/skipon/matchmaker/internal/ratelimit"
	"github.com/skipon/matchmaker/internal/store"
)

const (
	DefaultWriteTimeout = 10 * time.Second
	DefaultMaxFrameSize = 64 << 10
)

// Bus is satisfied by *messaging.NATSClient.
type Bus interface {
	PublishRoom(roomID string, data []byte) error
	SubscribeRoom(roomID, connKey string, handler func(data []byte)) error
	UnsubscribeRoom(connKey string) error
	SubscribeMatchEnded(participantID, connKey string, handler func(data []byte)) error
	UnsubscribeMatchEnded(connKey string) error
}

// Rooms is satisfied by *matching.Matchmaker.
type Rooms interface {
	Room(ctx context.Context, roomID string) (*store.Room, error)
	Leave(ctx context.Context, id participant.ID) error
}

// Limiter is satisfied by *ratelimit.Limiter.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) time.Duration
}

// Options configures a Relay. Rooms and Bus are required.
type Options struct {
	Rooms    Rooms
	Bus      Bus
	Verifier *auth.Verifier
	Limiter  Limiter
	Filter   *moderation.Filter
	Messages *chat.MessageBuffer

	WriteTimeout time.Duration
	MaxFrameSize int64
}

// Relay is the room WebSocket endpoint.
type Relay struct {
	rooms    Rooms
	bus      Bus
	verifier *auth.Verifier
	limiter  Limiter
	filter   *moderation.Filter
	messages *chat.MessageBuffer
	calls    *CallRegistry
	conns    *ConnectionManager
	handlers map[string]frameHandler

	writeTimeout time.Duration
	maxFrameSize int64
}

func New(opts Options) *Relay {
	if opts.Verifier == nil {
		opts.Verifier = auth.NewVerifier("")
	}
	if opts.Filter == nil {
		opts.Filter = moderation.NewFilter()
	}
	if opts.Messages == nil {
		opts.Messages = chat.NewMessageBuffer()
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = DefaultMaxFrameSize
	}

	rl := &Relay{
		rooms:        opts.Rooms,
		bus:          opts.Bus,
		verifier:     opts.Verifier,
		limiter:      opts.Limiter,
		filter:       opts.Filter,
		messages:     opts.Messages,
		calls:        NewCallRegistry(),
		conns:        NewConnectionManager(),
		writeTimeout: opts.WriteTimeout,
		maxFrameSize: opts.MaxFrameSize,
	}
	rl.registerHandlers()
	return rl
}

// Connections returns the connections open on this instance.
func (rl *Relay) Connections() *ConnectionManager { return rl.conns }

// Calls returns the call registry.
func (rl *Relay) Calls() *CallRegistry { return rl.calls }

// identify resolves the caller from a bearer token (header or "token" query
// parameter, since browsers cannot set headers on a WebSocket) or guest_id.
func (rl *Relay) identify(r *http.Request) (participant.ID, error) {
	token := r.URL.Query().Get("token")
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		token = strings.TrimPrefix(h, "Bearer ")
	}
	if token != "" {
		return rl.verifier.Verify(token)
	}
	if g := strings.TrimSpace(r.URL.Query().Get("guest_id")); g != "" {
		return participant.ID(g), nil
	}
	return "", participant.ErrMissingIdentity
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ServeHTTP admits only the two occupants of the room, upgrades the
// connection and runs its read loop until the client goes away.
func (rl *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	ctx := context.WithoutCancel(r.Context())

	id, err := rl.identify(r)
	if errors.Is(err, participant.ErrMissingIdentity) {
		http.Error(w, "a token or guest_id is required", http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	if rl.limiter != nil {
		if ok, err := rl.limiter.Allow(ctx, clientIP(r), ratelimit.RuleConnect); err == nil && !ok {
			http.Error(w, "too many connections", http.StatusTooManyRequests)
			return
		}
	}

	room, err := rl.rooms.Room(ctx, roomID)
	if errors.Is(err, store.ErrRoomNotFound) {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Printf("[relay] room lookup %s: %v", roomID, err)
		http.Error(w, "room lookup failed", http.StatusServiceUnavailable)
		return
	}
	partner, _, _, ok := room.Partner(id)
	if !ok || !room.WellFormed() {
		http.Error(w, "not an occupant of this room", http.StatusForbidden)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("[relay] upgrade failed: %v", err)
		return
	}

	now := time.Now()
	c := &Connection{
		ID:           uuid.NewString(),
		Participant:  id,
		Partner:      partner,
		RoomID:       roomID,
		Conn:         conn,
		CreatedAt:    now,
		lastSeen:     now,
		writeTimeout: rl.writeTimeout,
	}
	rl.conns.Add(c)
	metrics.RelayConnections.Inc()
	defer rl.disconnect(c)

	if err := rl.bus.SubscribeRoom(roomID, c.ID, func(data []byte) { rl.onRoomEvent(c, data) }); err != nil {
		log.Printf("[relay] subscribe room %s: %v", roomID, err)
		return
	}
	if err := rl.bus.SubscribeMatchEnded(string(id), c.ID, func([]byte) { rl.partnerLeft(c) }); err != nil {
		log.Printf("[relay] subscribe match.ended %s: %v", id, err)
	}

	log.Printf("[relay] %s joined room %s conn=%s (total=%d)", id, roomID, c.ID, rl.conns.Count())

	rl.send(c, protocol.TypeJoined, protocol.JoinedMsg{RoomID: roomID})
	rl.publishFrame(c, protocol.TypePartnerJoined, protocol.PartnerJoinedMsg{})
	if call, ok := rl.calls.Get(roomID); ok {
		rl.sendCallState(c, call)
	}

	rl.readLoop(ctx, c)
}

// readLoop reads frames until the connection fails or closes. Control frames
// are answered here; data frames go to dispatch.
func (rl *Relay) readLoop(ctx context.Context, c *Connection) {
	for {
		hdr, rd, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
		if err != nil {
			return
		}
		c.Touch()

		if hdr.OpCode.IsControl() {
			payload := make([]byte, hdr.Length)
			if _, err := io.ReadFull(rd, payload); err != nil {
				return
			}
			switch hdr.OpCode {
			case ws.OpClose:
				_ = c.WriteControl(ws.NewCloseFrame(nil))
				return
			case ws.OpPing:
				_ = c.WriteControl(ws.NewPongFrame(payload))
			}
			continue
		}

		data, err := io.ReadAll(io.LimitReader(rd, rl.maxFrameSize+1))
		if err != nil {
			return
		}
		if int64(len(data)) > rl.maxFrameSize {
			rl.sendError(c, protocol.CodeBadFrame, "frame too large")
			return
		}
		if hdr.OpCode != ws.OpText || len(data) == 0 {
			rl.sendError(c, protocol.CodeBadFrame, "expected a JSON text frame")
			continue
		}

		rl.dispatch(ctx, c, data)
	}
}

// disconnect unregisters c. Disconnecting does not end the match; only a
// leave frame or the leave endpoint does.
func (rl *Relay) disconnect(c *Connection) {
	if !rl.conns.Remove(c.ID) {
		return
	}
	metrics.RelayConnections.Dec()

	if err := rl.bus.UnsubscribeRoom(c.ID); err != nil {
		log.Printf("[relay] unsubscribe room conn=%s: %v", c.ID, err)
	}
	_ = rl.bus.UnsubscribeMatchEnded(c.ID)
	c.Close()

	if len(rl.conns.InRoom(c.RoomID)) == 0 {
		rl.calls.End(c.RoomID)
	}
	log.Printf("[relay] %s disconnected from room %s conn=%s (total=%d)",
		c.Participant, c.RoomID, c.ID, rl.conns.Count())
}

// onRoomEvent delivers a bus event to c. Frames never echo back to the
// participant that sent them.
func (rl *Relay) onRoomEvent(c *Connection, data []byte) {
	var ev protocol.RoomEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Printf("[relay] bad room event room=%s: %v", c.RoomID, err)
		return
	}
	if ev.Conn == c.ID {
		return
	}

	if ev.Call != nil {
		call := callFromState(ev.Call)
		rl.calls.Mirror(c.RoomID, call)
		rl.sendCallState(c, call)
		return
	}

	if ev.From == string(c.Participant) || len(ev.Frame) == 0 {
		return
	}

	var env protocol.Envelope
	if err := json.Unmarshal(ev.Frame, &env); err == nil && env.Type == protocol.TypePartnerLeft {
		rl.partnerLeft(c)
		return
	}
	if err := c.WriteMessage(ev.Frame); err != nil {
		log.Printf("[relay] write conn=%s: %v", c.ID, err)
		c.Close()
	}
}

// partnerLeft tells c its match is over and closes it.
func (rl *Relay) partnerLeft(c *Connection) {
	c.endOnce.Do(func() {
		rl.send(c, protocol.TypePartnerLeft, protocol.PartnerLeftMsg{})
		rl.messages.Remove(c.RoomID)
		rl.calls.End(c.RoomID)
		_ = c.WriteControl(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, "partner left")))
		c.Close()
	})
}

// Close closes every connection on this instance.
func (rl *Relay) Close() {
	for _, c := range rl.conns.All() {
		_ = c.WriteControl(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusGoingAway, "server shutdown")))
		c.Close()
	}
}

func (rl *Relay) send(c *Connection, msgType string, payload any) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[relay] build %s: %v", msgType, err)
		return
	}
	if err := c.WriteMessage(data); err != nil {
		log.Printf("[relay] send %s conn=%s: %v", msgType, c.ID, err)
	}
}

func (rl *Relay) sendError(c *Connection, code, message string) {
	rl.send(c, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

func (rl *Relay) sendCallState(c *Connection, call Call) {
	rl.send(c, protocol.TypeCallState, protocol.CallStateMsg{
		Status:   string(call.Status),
		IsCaller: call.Caller == c.Participant,
		Video:    call.Video,
	})
}

// publishFrame sends a frame to the partner through the bus.
func (rl *Relay) publishFrame(c *Connection, msgType string, payload any) {
	frame, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[relay] build %s: %v", msgType, err)
		return
	}
	rl.publish(c, protocol.RoomEvent{From: string(c.Participant), Conn: c.ID, Frame: frame})
}

func (rl *Relay) publish(c *Connection, ev protocol.RoomEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[relay] marshal room event: %v", err)
		return
	}
	if err := rl.bus.PublishRoom(c.RoomID, data); err != nil {
		log.Printf("[relay] publish room %s: %v", c.RoomID, err)
		return
	}
	metrics.RelayMessages.WithLabelValues("forwarded").Inc()
}
