package relay

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/gobwas/ws"

	"github.com/skipon/matchmaker/internal/chat"
	"github.com/skipon/matchmaker/internal/metrics"
	"github.com/skipon/matchmaker/internal/protocol"
	"github.com/skipon/matchmaker/internal/ratelimit"
)

// frameHandler handles one parsed client frame. msg is the pointer returned
// by protocol.ParseClientMessage.
type frameHandler func(ctx context.Context, c *Connection, msg any)

func (rl *Relay) registerHandlers() {
	rl.handlers = map[string]frameHandler{
		protocol.TypeSignal:     rl.handleSignal,
		protocol.TypeMessage:    rl.handleMessage,
		protocol.TypeTyping:     rl.handleTyping,
		protocol.TypeLeave:      rl.handleLeave,
		protocol.TypeCallOffer:  rl.handleCall,
		protocol.TypeCallAccept: rl.handleCall,
		protocol.TypeCallReject: rl.handleCall,
		protocol.TypeCallEnd:    rl.handleCall,
	}
}

// dispatch parses a frame, answers pings and routes everything else.
func (rl *Relay) dispatch(ctx context.Context, c *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("[relay] bad frame conn=%s: %v", c.ID, err)
		rl.sendError(c, protocol.CodeBadFrame, "invalid frame")
		return
	}

	if msgType == protocol.TypePing {
		rl.send(c, protocol.TypePong, protocol.PongMsg{})
		return
	}

	handler, ok := rl.handlers[msgType]
	if !ok {
		rl.sendError(c, protocol.CodeBadFrame, "unsupported frame type")
		return
	}
	handler(ctx, c, msg)
}

func (rl *Relay) handleSignal(_ context.Context, c *Connection, msg any) {
	m := msg.(*protocol.SignalMsg)
	if len(m.Payload) == 0 {
		rl.sendError(c, protocol.CodeBadFrame, "signal payload is required")
		return
	}
	rl.publishFrame(c, protocol.TypeSignal, protocol.SignalMsg{Payload: m.Payload})
}

func (rl *Relay) handleMessage(ctx context.Context, c *Connection, msg any) {
	m := msg.(*protocol.ChatMsg)
	if err := chat.ValidateMessage(m.Text); err != nil {
		rl.sendError(c, protocol.CodeBadMessage, err.Error())
		return
	}

	if rl.limiter != nil {
		ok, err := rl.limiter.Allow(ctx, string(c.Participant), ratelimit.RuleMessage)
		if err == nil && !ok {
			retry := rl.limiter.RetryAfter(ctx, string(c.Participant), ratelimit.RuleMessage)
			rl.send(c, protocol.TypeRateLimited, protocol.RateLimitedMsg{RetryAfterMs: retry.Milliseconds()})
			return
		}
	}

	if res := rl.filter.Check(m.Text); res.Blocked {
		metrics.RelayMessages.WithLabelValues("blocked").Inc()
		log.Printf("[relay] blocked message from %s room=%s reason=%s", c.Participant, c.RoomID, res.Reason)
		rl.send(c, protocol.TypeMessageBlocked, protocol.MessageBlockedMsg{Reason: res.Reason})
		return
	}

	ts := time.Now().UnixMilli()
	rl.messages.Add(c.RoomID, chat.Message{From: c.Participant, Text: m.Text, Ts: ts})
	rl.publishFrame(c, protocol.TypeMessage, protocol.ServerChatMsg{Text: m.Text, Ts: ts})
}

func (rl *Relay) handleTyping(_ context.Context, c *Connection, msg any) {
	m := msg.(*protocol.TypingMsg)
	rl.publishFrame(c, protocol.TypeTyping, protocol.ServerTypingMsg{IsTyping: m.IsTyping})
}

// handleLeave ends the match for both occupants and closes c.
func (rl *Relay) handleLeave(ctx context.Context, c *Connection, _ any) {
	if err := rl.rooms.Leave(ctx, c.Participant); err != nil {
		rl.sendError(c, protocol.CodeInternal, "leave failed")
		return
	}
	rl.publishFrame(c, protocol.TypePartnerLeft, protocol.PartnerLeftMsg{})
	rl.messages.Remove(c.RoomID)
	rl.calls.End(c.RoomID)

	_ = c.WriteControl(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, "left")))
	c.Close()
}

func (rl *Relay) handleCall(_ context.Context, c *Connection, msg any) {
	m := msg.(*protocol.CallMsg)

	call, err := rl.calls.Apply(c.RoomID, c.Participant, c.Partner, m.Type, m.Video)
	switch {
	case errors.Is(err, ErrCallConflict):
		rl.sendError(c, protocol.CodeCallConflict, "a call is already in progress")
		return
	case err != nil:
		rl.sendError(c, protocol.CodeBadFrame, "no call to "+m.Type[len("call_"):])
		return
	}

	rl.sendCallState(c, call)
	rl.publish(c, protocol.RoomEvent{From: string(c.Participant), Conn: c.ID, Call: call.state()})
}
